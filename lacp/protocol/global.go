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

// global
package lacp

import (
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oshothebig/l2/lacp/packet"
	"github.com/oshothebig/l2/lacp/protocol/fsm"
)

// TxFunc transmits a complete Ethernet frame on a port. It is called
// with the engine lock held and must not block.
type TxFunc func(port uint16, frame []byte) error

// LinkStatusFunc is told when an aggregator's logical link changes.
type LinkStatusFunc func(aggId int, up bool)

// DistributingFunc is told the new distributing port array of an
// aggregator whenever it changes.
type DistributingFunc func(aggId int, ports []uint16)

type SystemConfig struct {
	Id               LacpSystem
	Clock            Clock
	Logger           *zap.Logger
	TxFunc           TxFunc
	LinkStatusFunc   LinkStatusFunc
	DistributingFunc DistributingFunc
}

// System is one LACP actor system: its aggregators, their ports and
// the timers that drive them. Every exported method takes the single
// system lock; callbacks registered in SystemConfig other than TxFunc
// run after the lock is released.
type System struct {
	mu sync.Mutex

	Id LacpSystem

	clock    Clock
	timers   timerQueue
	timerGen uint64
	firing   bool
	firingAt time.Time

	AggMap  map[int]*LaAggregator
	PortMap map[uint16]*LaAggPort
	lagSeq  int

	// bumped by every Selected change, used to detect selection churn
	selChanges uint64

	notes []notification

	// exclusive topology token
	topo chan struct{}

	txFunc           TxFunc
	linkStatusFunc   LinkStatusFunc
	distributingFunc DistributingFunc

	logger *zap.Logger
}

type notification struct {
	aggId        int
	link         bool
	up           bool
	distributing []uint16
}

func NewSystem(cfg SystemConfig) *System {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Id.Priority == 0 {
		cfg.Id.Priority = LacpSystemPriorityDefault
	}
	s := &System{
		Id:               cfg.Id,
		clock:            cfg.Clock,
		AggMap:           make(map[int]*LaAggregator),
		PortMap:          make(map[uint16]*LaAggPort),
		topo:             make(chan struct{}, 1),
		txFunc:           cfg.TxFunc,
		linkStatusFunc:   cfg.LinkStatusFunc,
		distributingFunc: cfg.DistributingFunc,
		logger:           cfg.Logger.Named("lacp"),
	}
	s.logger.Info("system created", zap.Stringer("system", s.Id))
	return s
}

// now is the engine time: the deadline of the timer being fired, or
// the clock otherwise, so timers armed from an expiry are exact.
func (s *System) now() time.Time {
	if s.firing {
		return s.firingAt
	}
	return s.clock.Now()
}

// unlock releases the system lock and delivers notifications queued
// while it was held.
func (s *System) unlock() {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()
	for _, n := range notes {
		if n.link {
			if s.linkStatusFunc != nil {
				s.linkStatusFunc(n.aggId, n.up)
			}
		} else if s.distributingFunc != nil {
			s.distributingFunc(n.aggId, n.distributing)
		}
	}
}

func (s *System) sortedAggIds() []int {
	ids := make([]int, 0, len(s.AggMap))
	for id := range s.AggMap {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Aggregators returns the ids of all aggregators.
func (s *System) Aggregators() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedAggIds()
}

// 6.4.8 machine execution: apply the effects returned by a transition
func (s *System) apply(p *LaAggPort, effects []fsm.Effect) {
	agg := s.AggMap[p.AggId]
	for _, e := range effects {
		switch ef := e.(type) {
		case TimerStart:
			s.timerStart(p, ef.Timer, ef.Duration)
		case TimerStop:
			s.timerStop(p, ef.Timer)
		case SelectionRequest:
			if agg != nil {
				agg.selectionPending = true
			}
		case LagUpdate:
			s.updateLag(p)
		case DistributingEnable:
			if agg == nil {
				continue
			}
			if err := agg.enableDistributing(p.PortNum); err != nil {
				p.logger.Warn("no distributing slot, unselecting port", zap.Error(err))
				s.setSelected(p, LacpAggUnSelected)
				agg.selectionPending = true
			}
		case DistributingDisable:
			if agg != nil {
				agg.disableDistributing(p.PortNum)
			}
		case TxPdu:
			s.transmit(p, ef.Pdu)
		}
	}
}

// event feeds e to one of the port's machines and applies the effects.
func (s *System) event(p *LaAggPort, m *fsm.Machine, src string, e fsm.Event, data interface{}) bool {
	effects, err := m.ProcessEvent(src, e, data)
	if err != nil {
		p.logger.Debug("event ignored", zap.String("src", src), zap.Error(err))
		return false
	}
	s.apply(p, effects)
	return true
}

func (s *System) transmit(p *LaAggPort, pdu *packet.LACP) {
	frame, err := packet.SerializeLACP(p.Properties.Mac, pdu)
	if err != nil {
		p.Counters.LacpTxErrors++
		p.logger.Warn("lacpdu encode failed", zap.Error(err))
		return
	}
	if s.txFunc != nil {
		if err := s.txFunc(p.PortNum, frame); err != nil {
			p.Counters.LacpTxErrors++
			p.logger.Debug("lacpdu send failed", zap.Error(err))
			return
		}
	}
	p.Counters.LacpOutPkts++
	p.ntt = false
}

const maxSettleRounds = 64

// settle evaluates every machine of every port in the aggregator until
// no machine has anything left to do, runs selection when requested,
// then kicks the transmit machines and reports link changes.
func (s *System) settle(agg *LaAggregator) {
	for round := 0; ; round++ {
		if round == maxSettleRounds {
			agg.logger.Warn("machines did not settle", zap.Int("rounds", round))
			break
		}
		changed := false
		for _, pn := range agg.PortNumList {
			p := s.PortMap[pn]
			if p.RxMachineFsm.evaluate() {
				changed = true
			}
			if p.PtxMachineFsm.evaluate() {
				changed = true
			}
			if p.TxMachineFsm.evaluate() {
				changed = true
			}
			if p.MuxMachineFsm.evaluate() {
				changed = true
			}
			if p.CdMachineFsm.evaluate() {
				changed = true
			}
			if p.PCdMachineFsm.evaluate() {
				changed = true
			}
		}
		if agg.selectionPending {
			agg.selectionPending = false
			if s.selection(agg) {
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	for _, pn := range agg.PortNumList {
		s.PortMap[pn].TxMachineFsm.kick()
	}

	s.reportAggState(agg)
}

func (s *System) reportAggState(agg *LaAggregator) {
	up := false
	if lag := agg.activeLag(); lag != nil && lag.nSelected > 0 {
		up = true
	}
	if up != agg.linkUp {
		agg.linkUp = up
		agg.logger.Info("link status changed", zap.Bool("up", up))
		s.notes = append(s.notes, notification{aggId: agg.AggId, link: true, up: up})
	}
	if !slices.Equal(agg.distributing, agg.reportedDistributing) {
		snapshot := append([]uint16(nil), agg.distributing...)
		agg.reportedDistributing = snapshot
		s.notes = append(s.notes, notification{aggId: agg.AggId, distributing: snapshot})
	}
}
