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
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/oshothebig/l2/lacp/packet"
)

var testPeer = LacpSystem{Priority: LacpSystemPriorityDefault, Mac: [6]uint8{0x00, 0x00, 0x5e, 0x00, 0x02, 0x01}}

// peerPdu is a LACPDU from testPeer's port that has not heard from us.
func peerPdu(port uint16, state uint8) *packet.LACP {
	return &packet.LACP{
		Version: packet.LacpVersion,
		Actor: packet.LACPPortInfo{
			SystemPriority: testPeer.Priority,
			System:         testPeer.Mac,
			Key:            200,
			PortPriority:   LacpPortPriorityDefault,
			Port:           port,
			State:          state,
		},
	}
}

func (b *testBridge) totalSent() int {
	n := 0
	for _, c := range b.sent {
		n += c
	}
	return n
}

type wireEnd struct {
	sys  *System
	port uint16
}

type queuedFrame struct {
	to    wireEnd
	frame []byte
}

type linkEvent struct {
	aggId int
	up    bool
}

// testBridge wires ports of several systems together. Frames sent
// while a system holds its lock are queued and delivered by pump.
type testBridge struct {
	t     *testing.T
	clock *ManualClock

	systems []*System
	wires   map[wireEnd]wireEnd
	queue   []queuedFrame

	sent  map[wireEnd]int
	last  map[wireEnd][]byte
	dist  map[*System]map[int][]uint16
	links map[*System][]linkEvent
}

func newTestBridge(t *testing.T) *testBridge {
	return &testBridge{
		t:     t,
		clock: NewManualClock(time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC)),
		wires: make(map[wireEnd]wireEnd),
		sent:  make(map[wireEnd]int),
		last:  make(map[wireEnd][]byte),
		dist:  make(map[*System]map[int][]uint16),
		links: make(map[*System][]linkEvent),
	}
}

func (b *testBridge) newSystem(last uint8) *System {
	var s *System
	s = NewSystem(SystemConfig{
		Id:     LacpSystem{Priority: LacpSystemPriorityDefault, Mac: [6]uint8{0x00, 0x00, 0x5e, 0x00, 0x01, last}},
		Clock:  b.clock,
		Logger: zaptest.NewLogger(b.t, zaptest.Level(zap.InfoLevel)),
		TxFunc: func(port uint16, frame []byte) error {
			b.send(s, port, frame)
			return nil
		},
		LinkStatusFunc: func(aggId int, up bool) {
			b.links[s] = append(b.links[s], linkEvent{aggId: aggId, up: up})
		},
		DistributingFunc: func(aggId int, ports []uint16) {
			b.dist[s][aggId] = ports
		},
	})
	b.dist[s] = make(map[int][]uint16)
	b.systems = append(b.systems, s)
	return s
}

func (b *testBridge) send(s *System, port uint16, frame []byte) {
	from := wireEnd{s, port}
	b.sent[from]++
	b.last[from] = append([]byte(nil), frame...)
	if to, ok := b.wires[from]; ok {
		b.queue = append(b.queue, queuedFrame{to: to, frame: append([]byte(nil), frame...)})
	}
}

func (b *testBridge) connect(a *System, ap uint16, z *System, zp uint16) {
	b.wires[wireEnd{a, ap}] = wireEnd{z, zp}
	b.wires[wireEnd{z, zp}] = wireEnd{a, ap}
}

// plug connects two ports that have been running without a peer. The
// carrier drops and returns on both ends as a real cable insertion
// does, so neither side sits out a slow periodic interval.
func (b *testBridge) plug(a *System, ap uint16, z *System, zp uint16, speed int) {
	for _, end := range []wireEnd{{a, ap}, {z, zp}} {
		require.NoError(b.t, end.sys.LinkChange(end.port, false, speed, LacpPortDuplexFull))
	}
	b.connect(a, ap, z, zp)
	for _, end := range []wireEnd{{a, ap}, {z, zp}} {
		require.NoError(b.t, end.sys.LinkChange(end.port, true, speed, LacpPortDuplexFull))
	}
}

func (b *testBridge) disconnect(a *System, ap uint16) {
	from := wireEnd{a, ap}
	if to, ok := b.wires[from]; ok {
		delete(b.wires, to)
	}
	delete(b.wires, from)
}

// cutFrom stops frames sent by one end only.
func (b *testBridge) cutFrom(a *System, ap uint16) {
	delete(b.wires, wireEnd{a, ap})
}

func (b *testBridge) pump() {
	for i := 0; len(b.queue) > 0; i++ {
		require.Less(b.t, i, 10000, "frames never stopped flowing")
		f := b.queue[0]
		b.queue = b.queue[1:]
		require.NoError(b.t, f.to.sys.HandleFrame(f.to.port, f.frame))
	}
}

func (b *testBridge) nextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, s := range b.systems {
		if d, ok := s.NextDeadline(); ok && (!found || d.Before(next)) {
			next, found = d, true
		}
	}
	return next, found
}

func (b *testBridge) tick() {
	for _, s := range b.systems {
		s.Tick()
	}
	b.pump()
}

// run moves the clock forward by d, firing every timer on the way and
// delivering frames as they are sent.
func (b *testBridge) run(d time.Duration) {
	end := b.clock.Now().Add(d)
	b.pump()
	for {
		next, ok := b.nextDeadline()
		if !ok || next.After(end) {
			break
		}
		if now := b.clock.Now(); next.After(now) {
			b.clock.Advance(next.Sub(now))
		}
		b.tick()
	}
	if now := b.clock.Now(); end.After(now) {
		b.clock.Advance(end.Sub(now))
	}
	b.tick()
}

func testAggConfig(id int) AggConfig {
	return AggConfig{
		Id:      id,
		Name:    fmt.Sprintf("bond%d", id),
		Key:     100,
		Mode:    LacpModeActive,
		Timeout: LacpShortTimeoutTime,
	}
}

func testPortConfig(aggId int, port uint16, speed int, up bool) PortConfig {
	return PortConfig{
		Id:       port,
		AggId:    aggId,
		IntfName: fmt.Sprintf("eth%d", port),
		Properties: PortProperties{
			Speed:  speed,
			Duplex: LacpPortDuplexFull,
			Mtu:    1500,
		},
		LinkUp: up,
	}
}

func topology(t *testing.T, s *System, fn func(tc *TopologyChange)) {
	tc, err := s.BeginTopologyChange(context.Background())
	require.NoError(t, err)
	defer tc.Done()
	fn(tc)
}

func createAgg(t *testing.T, s *System, ac AggConfig, ports ...PortConfig) {
	topology(t, s, func(tc *TopologyChange) {
		require.NoError(t, tc.CreateAggregator(ac))
		for _, pc := range ports {
			require.NoError(t, tc.AddPort(pc))
		}
	})
}

func removePort(t *testing.T, s *System, port uint16) {
	topology(t, s, func(tc *TopologyChange) {
		require.NoError(t, tc.RemovePort(port))
	})
}

func portStatus(t *testing.T, s *System, port uint16) PortStatus {
	ps, err := s.PortStatus(port)
	require.NoError(t, err)
	return ps
}

func aggStatus(t *testing.T, s *System, aggId int) AggStatus {
	as, err := s.AggStatus(aggId)
	require.NoError(t, err)
	return as
}

// backToBack builds two systems with one aggregator each and n ports
// wired one to one at the given speed.
func backToBack(t *testing.T, n int, speed int, actor AggConfig, partner AggConfig) (*testBridge, *System, *System) {
	b := newTestBridge(t)
	a := b.newSystem(0x0a)
	z := b.newSystem(0x0b)
	var ap, zp []PortConfig
	for i := 1; i <= n; i++ {
		ap = append(ap, testPortConfig(actor.Id, uint16(i), speed, true))
		zp = append(zp, testPortConfig(partner.Id, uint16(i), speed, true))
		b.connect(a, uint16(i), z, uint16(i))
	}
	createAgg(t, a, actor, ap...)
	createAgg(t, z, partner, zp...)
	return b, a, z
}

// checkInvariants verifies the structural invariants of every
// aggregator, LAG and port of the system.
func checkInvariants(t *testing.T, s *System) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, aggId := range s.sortedAggIds() {
		agg := s.AggMap[aggId]
		var cd []uint16
		for _, pn := range agg.PortNumList {
			p := s.PortMap[pn]
			mux := p.MuxMachineFsm.Machine.Curr.CurrentState()
			inCd := mux == LacpMuxmStateCollectingDistributing
			require.Equal(t, inCd, LacpStateIsSet(p.ActorOper.State, LacpStateCollectingBit),
				"port %d collecting bit vs mux %s", pn, MuxmStateStrMap[mux])
			require.Equal(t, inCd, LacpStateIsSet(p.ActorOper.State, LacpStateDistributingBit),
				"port %d distributing bit vs mux %s", pn, MuxmStateStrMap[mux])
			if inCd {
				cd = append(cd, pn)
			}
			if p.aggSelected == LacpAggSelected {
				require.True(t, p.IsPortAggregatable() || p.linkDownGuarded(),
					"port %d selected but not aggregatable", pn)
			}
			id, ok := p.lagIdentity()
			if p.lagId == 0 {
				require.False(t, ok, "port %d has a partner but no lag", pn)
			} else {
				lag := agg.lags[p.lagId]
				require.NotNil(t, lag, "port %d in unknown lag %d", pn, p.lagId)
				require.True(t, ok)
				require.Equal(t, id, lag.Partner)
				require.Contains(t, lag.PortNumList, pn)
			}
		}
		require.ElementsMatch(t, cd, agg.distributing, "aggregator %d distributing", aggId)

		for id, lag := range agg.lags {
			require.NotEmpty(t, lag.PortNumList, "lag %d is empty", id)
			selected := 0
			for _, pn := range lag.PortNumList {
				if s.PortMap[pn].aggSelected == LacpAggSelected {
					selected++
				}
			}
			require.Equal(t, selected, lag.nSelected, "lag %d selected count", id)
			require.GreaterOrEqual(t, len(lag.PortNumList), lag.nSelected)
		}
	}
}
