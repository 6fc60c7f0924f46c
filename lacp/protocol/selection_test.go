//
//Copyright [2016] [SnapRoute Inc]
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//	 Unless required by applicable law or agreed to in writing, software
//	 distributed under the License is distributed on an "AS IS" BASIS,
//	 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//	 See the License for the specific language governing permissions and
//	 limitations under the License.
//

package lacp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectedSnapshot(s *System) map[uint16]int {
	snap := make(map[uint16]int)
	for pn, p := range s.PortMap {
		snap[pn] = p.aggSelected
	}
	return snap
}

func TestSelectionIdempotent(t *testing.T) {
	b, a, _ := backToBack(t, 3, 1000, testAggConfig(1), testAggConfig(1))
	b.run(10 * time.Second)

	a.mu.Lock()
	defer a.mu.Unlock()
	agg := a.AggMap[1]
	before := selectedSnapshot(a)
	activeLag := agg.activeLagId

	assert.False(t, a.selection(agg))
	assert.False(t, a.selection(agg))
	assert.Equal(t, before, selectedSnapshot(a))
	assert.Equal(t, activeLag, agg.activeLagId)
	assert.False(t, agg.selectionPending)
}

func TestLagMeritOrder(t *testing.T) {
	gig := lagMerit{n: 2, bandwidth: 2000}
	tenGig := lagMerit{n: 1, bandwidth: 10000}
	fastEth := lagMerit{n: 20, bandwidth: 2000}
	tenGigPair := lagMerit{n: 2, bandwidth: 20000}

	assert.True(t, gig.better(tenGig))
	assert.True(t, fastEth.better(gig))
	assert.True(t, tenGigPair.better(gig))
	assert.False(t, gig.better(gig))
	assert.False(t, tenGig.better(gig))
}

// the fastest ports form the group even when slower ones outnumber them
func TestFastestSpeedClassWins(t *testing.T) {
	b := newTestBridge(t)
	a := b.newSystem(0x0a)
	z := b.newSystem(0x0b)
	for _, s := range []*System{a, z} {
		createAgg(t, s, testAggConfig(1),
			testPortConfig(1, 1, 2500, true),
			testPortConfig(1, 2, 1000, true),
			testPortConfig(1, 3, 1000, true),
			testPortConfig(1, 4, 1000, true))
	}
	for pn := uint16(1); pn <= 4; pn++ {
		b.connect(a, pn, z, pn)
	}

	b.run(10 * time.Second)

	assertConverged(t, b, a, 1)
	assertConverged(t, b, z, 1)
	assert.Equal(t, 2500, aggStatus(t, a, 1).Lags[0].Speed)
	for pn := uint16(2); pn <= 4; pn++ {
		ps := portStatus(t, a, pn)
		assert.Equal(t, "Unselected", ps.Selected)
		assert.Equal(t, "Detached", ps.MuxState)
	}
	checkInvariants(t, a)
	checkInvariants(t, z)
}

// the active LAG keeps its place against an equally good newcomer
func TestActiveLagKeepsTie(t *testing.T) {
	b := newTestBridge(t)
	a := b.newSystem(0x0a)
	z1 := b.newSystem(0x0b)
	z2 := b.newSystem(0x0c)
	createAgg(t, a, testAggConfig(1),
		testPortConfig(1, 1, 1000, true),
		testPortConfig(1, 2, 1000, true))
	createAgg(t, z1, testAggConfig(1), testPortConfig(1, 1, 1000, true))
	createAgg(t, z2, testAggConfig(1), testPortConfig(1, 1, 1000, true))

	b.connect(a, 1, z1, 1)
	b.run(5 * time.Second)
	assertConverged(t, b, a, 1)

	b.plug(a, 2, z2, 1, 1000)
	b.run(5 * time.Second)

	as := aggStatus(t, a, 1)
	require.Len(t, as.Lags, 2)
	for _, lag := range as.Lags {
		assert.Equal(t, lag.Partner.System == z1.Id, lag.Active)
	}
	assertConverged(t, b, a, 1)
	assert.Equal(t, "Unselected", portStatus(t, a, 2).Selected)
	checkInvariants(t, a)

	// losing the only port of the active LAG hands over to the other
	b.disconnect(a, 1)
	removePort(t, a, 1)
	b.run(5 * time.Second)
	assertConverged(t, b, a, 2)
	as = aggStatus(t, a, 1)
	require.Len(t, as.Lags, 1)
	assert.Equal(t, z2.Id, as.Lags[0].Partner.System)
}

// a LAG with more ports replaces the active one
func TestBetterLagTakesOver(t *testing.T) {
	b := newTestBridge(t)
	a := b.newSystem(0x0a)
	z1 := b.newSystem(0x0b)
	z2 := b.newSystem(0x0c)
	createAgg(t, a, testAggConfig(1),
		testPortConfig(1, 1, 1000, true),
		testPortConfig(1, 2, 1000, true),
		testPortConfig(1, 3, 1000, true))
	createAgg(t, z1, testAggConfig(1), testPortConfig(1, 1, 1000, true))
	createAgg(t, z2, testAggConfig(1),
		testPortConfig(1, 1, 1000, true),
		testPortConfig(1, 2, 1000, true))

	b.connect(a, 1, z1, 1)
	b.run(5 * time.Second)
	assertConverged(t, b, a, 1)

	b.plug(a, 2, z2, 1, 1000)
	b.plug(a, 3, z2, 2, 1000)
	b.run(10 * time.Second)

	assertConverged(t, b, a, 2, 3)
	assertConverged(t, b, z2, 1, 2)
	assert.Equal(t, "Unselected", portStatus(t, a, 1).Selected)
	assert.Empty(t, aggStatus(t, z1, 1).Distributing)
	checkInvariants(t, z1)
}

func TestSpeedChangeRestartsLag(t *testing.T) {
	b, a, z := backToBack(t, 2, 1000, testAggConfig(1), testAggConfig(1))
	b.run(10 * time.Second)

	// both ends renegotiate to a new speed
	for _, s := range []*System{a, z} {
		for _, pn := range []uint16{1, 2} {
			require.NoError(t, s.LinkChange(pn, true, 10000, LacpPortDuplexFull))
		}
	}
	assert.Equal(t, 10000, aggStatus(t, a, 1).Lags[0].Speed)
	checkInvariants(t, a)

	b.run(10 * time.Second)
	assertConverged(t, b, a, 1, 2)
	assertConverged(t, b, z, 1, 2)
}

func TestSetMaxActivePortsErrors(t *testing.T) {
	b := newTestBridge(t)
	s := b.newSystem(0x01)
	createAgg(t, s, testAggConfig(1))

	var nf ErrAggNotFound
	assert.True(t, errors.As(s.SetMaxActivePorts(2, 1), &nf))
	var ic ErrInvalidConfig
	assert.True(t, errors.As(s.SetMaxActivePorts(1, -1), &ic))
	require.NoError(t, s.SetMaxActivePorts(1, 4))
	assert.Equal(t, 4, aggStatus(t, s, 1).MaxActivePorts)
}

func TestDistributingArray(t *testing.T) {
	b := newTestBridge(t)
	s := b.newSystem(0x01)
	agg := newLaAggregator(s, testAggConfig(1))

	for pn := LacpMaxDistributingPorts; pn > 0; pn-- {
		require.NoError(t, agg.enableDistributing(uint16(pn)))
	}
	require.NoError(t, agg.enableDistributing(5))
	assert.Len(t, agg.distributing, LacpMaxDistributingPorts)
	assert.Equal(t, uint16(1), agg.distributing[0])
	assert.ErrorIs(t, agg.enableDistributing(100), errDistributingFull)

	agg.disableDistributing(1)
	agg.disableDistributing(1)
	assert.Len(t, agg.distributing, LacpMaxDistributingPorts-1)
	assert.False(t, agg.isDistributing(1))
	require.NoError(t, agg.enableDistributing(100))
	assert.Equal(t, uint16(100), agg.distributing[len(agg.distributing)-1])
}

func TestSelectionBudget(t *testing.T) {
	agg := &LaAggregator{}
	assert.Equal(t, LacpMaxDistributingPorts, agg.selectionBudget())
	agg.MaxActivePorts = 2
	assert.Equal(t, 2, agg.selectionBudget())
	agg.MaxActivePorts = 64
	assert.Equal(t, LacpMaxDistributingPorts, agg.selectionBudget())
}
