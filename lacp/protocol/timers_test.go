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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDeadline(t *testing.T) {
	b := newTestBridge(t)
	s := b.newSystem(0x01)
	createAgg(t, s, testAggConfig(1), testPortConfig(1, 1, 1000, false))

	_, ok := s.NextDeadline()
	assert.False(t, ok)

	t0 := b.clock.Now()
	require.NoError(t, s.LinkChange(1, true, 1000, LacpPortDuplexFull))
	next, ok := s.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, t0.Add(LacpFastPeriodicTime), next)

	removePort(t, s, 1)
	_, ok = s.NextDeadline()
	assert.False(t, ok)
}

func TestCurrentWhileFollowsPartnerTimeout(t *testing.T) {
	for _, tc := range []struct {
		name    string
		state   uint8
		timeout time.Duration
	}{
		{"short", LacpStateActivityBit | LacpStateTimeoutBit | LacpStateAggregationBit, LacpShortTimeoutTime},
		{"long", LacpStateActivityBit | LacpStateAggregationBit, LacpLongTimeoutTime},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBridge(t)
			s := b.newSystem(0x01)
			createAgg(t, s, testAggConfig(1), testPortConfig(1, 1, 1000, true))
			require.NoError(t, s.HandleLacpPdu(1, peerPdu(7, tc.state)))
			require.Equal(t, "Current", portStatus(t, s, 1).RxState)

			b.run(tc.timeout - time.Millisecond)
			assert.Equal(t, "Current", portStatus(t, s, 1).RxState)
			b.run(time.Millisecond)
			assert.Equal(t, "Expired", portStatus(t, s, 1).RxState)

			b.run(LacpShortTimeoutTime - time.Millisecond)
			assert.Equal(t, "Expired", portStatus(t, s, 1).RxState)
			b.run(time.Millisecond)
			ps := portStatus(t, s, 1)
			assert.Equal(t, "Defaulted", ps.RxState)
			assert.Zero(t, ps.LagId)
			assert.Equal(t, LacpSystem{}, ps.Partner.System)
			checkInvariants(t, s)
		})
	}
}

func TestStoppedTimerDoesNotFire(t *testing.T) {
	b := newTestBridge(t)
	s := b.newSystem(0x01)
	createAgg(t, s, testAggConfig(1), testPortConfig(1, 1, 1000, true))
	require.Equal(t, "Expired", portStatus(t, s, 1).RxState)

	s.mu.Lock()
	s.timerStop(s.PortMap[1], TimerTypeCurrentWhile)
	s.mu.Unlock()

	b.run(10 * time.Second)
	assert.Equal(t, "Expired", portStatus(t, s, 1).RxState)
}

func TestRestartedTimerIgnoresOldDeadline(t *testing.T) {
	b := newTestBridge(t)
	s := b.newSystem(0x01)
	createAgg(t, s, testAggConfig(1), testPortConfig(1, 1, 1000, true))

	s.mu.Lock()
	s.timerStart(s.PortMap[1], TimerTypeCurrentWhile, 5*time.Second)
	s.mu.Unlock()

	b.run(LacpShortTimeoutTime)
	assert.Equal(t, "Expired", portStatus(t, s, 1).RxState)
	b.run(2 * time.Second)
	assert.Equal(t, "Defaulted", portStatus(t, s, 1).RxState)
}

func TestTxRateLimit(t *testing.T) {
	b := newTestBridge(t)
	s := b.newSystem(0x01)
	createAgg(t, s, testAggConfig(1), testPortConfig(1, 1, 1000, true))
	end := wireEnd{s, 1}
	require.Equal(t, 1, b.sent[end])

	s.mu.Lock()
	p := s.PortMap[1]
	for i := 0; i < 5; i++ {
		p.ntt = true
		p.TxMachineFsm.kick()
	}
	s.mu.Unlock()

	assert.Equal(t, LacpTxMaxPkts, b.sent[end])
	assert.Equal(t, "Delayed", portStatus(t, s, 1).TxState)

	// the delayed pdu goes out when the guard window closes
	b.run(LacpTxGuardTime)
	assert.Equal(t, LacpTxMaxPkts+1, b.sent[end])
	assert.Equal(t, "On", portStatus(t, s, 1).TxState)
	assert.Equal(t, uint64(LacpTxMaxPkts+1), portStatus(t, s, 1).Counters.LacpOutPkts)
}

func TestTimerTypeString(t *testing.T) {
	assert.Equal(t, "WaitWhile", TimerTypeWaitWhile.String())
}
