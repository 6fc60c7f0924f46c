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

// timers
package lacp

import (
	"container/heap"
	"time"

	"go.uber.org/zap"
)

type TimerType int

const (
	TimerTypeCurrentWhile TimerType = iota
	TimerTypePeriodic
	TimerTypeWaitWhile
	TimerTypeTxGuard
	TimerTypeLinkDownGuard
	TimerTypeActorChurn
	TimerTypePartnerChurn
	timerTypeMax
)

var TimerTypeStrMap = map[TimerType]string{
	TimerTypeCurrentWhile:  "CurrentWhile",
	TimerTypePeriodic:      "Periodic",
	TimerTypeWaitWhile:     "WaitWhile",
	TimerTypeTxGuard:       "TxGuard",
	TimerTypeLinkDownGuard: "LinkDownGuard",
	TimerTypeActorChurn:    "ActorChurn",
	TimerTypePartnerChurn:  "PartnerChurn",
}

func (t TimerType) String() string { return TimerTypeStrMap[t] }

// per port timer slot; gen identifies the one queue entry allowed to fire
type portTimer struct {
	armed    bool
	gen      uint64
	deadline time.Time
}

type timerEntry struct {
	deadline time.Time
	gen      uint64
	port     uint16
	timer    TimerType
}

// timerQueue is a min-heap on deadline, ties broken by arming order.
// Stopped or re-armed timers leave stale entries behind which are
// discarded when they reach the head.
type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].gen < q[j].gen
	}
	return q[i].deadline.Before(q[j].deadline)
}
func (q timerQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x interface{}) { *q = append(*q, x.(*timerEntry)) }
func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

func (s *System) timerStart(p *LaAggPort, t TimerType, d time.Duration) {
	s.timerGen++
	deadline := s.now().Add(d)
	p.timers[t] = portTimer{armed: true, gen: s.timerGen, deadline: deadline}
	heap.Push(&s.timers, &timerEntry{deadline: deadline, gen: s.timerGen, port: p.PortNum, timer: t})
}

func (s *System) timerStop(p *LaAggPort, t TimerType) {
	p.timers[t] = portTimer{}
}

func (s *System) timerStopAll(p *LaAggPort) {
	for t := TimerType(0); t < timerTypeMax; t++ {
		s.timerStop(p, t)
	}
}

// valid reports whether the queue entry still belongs to an armed timer.
func (s *System) valid(e *timerEntry) (*LaAggPort, bool) {
	p, ok := s.PortMap[e.port]
	if !ok {
		return nil, false
	}
	pt := p.timers[e.timer]
	return p, pt.armed && pt.gen == e.gen
}

func (s *System) dropStale() {
	for len(s.timers) > 0 {
		if _, ok := s.valid(s.timers[0]); ok {
			return
		}
		heap.Pop(&s.timers)
	}
}

// NextDeadline returns the deadline of the earliest armed timer.
func (s *System) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropStale()
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].deadline, true
}

// Tick fires, in deadline order, every timer due at or before the
// clock's current time. Each expiry is processed to completion before
// the next one fires.
func (s *System) Tick() {
	s.mu.Lock()
	defer s.unlock()

	now := s.clock.Now()
	for {
		s.dropStale()
		if len(s.timers) == 0 || s.timers[0].deadline.After(now) {
			return
		}
		e := heap.Pop(&s.timers).(*timerEntry)
		p, _ := s.valid(e)
		p.timers[e.timer] = portTimer{}

		s.firing = true
		s.firingAt = e.deadline
		s.timerExpired(p, e.timer)
		if agg, ok := s.AggMap[p.AggId]; ok {
			s.settle(agg)
		}
		s.firing = false
	}
}

func (s *System) timerExpired(p *LaAggPort, t TimerType) {
	p.logger.Debug("timer expired", zap.Stringer("timer", t))
	switch t {
	case TimerTypeCurrentWhile:
		s.event(p, p.RxMachineFsm.Machine, RxMachineModuleStr, LacpRxmEventCurrentWhileTimerExpired, nil)
	case TimerTypeLinkDownGuard:
		s.event(p, p.RxMachineFsm.Machine, RxMachineModuleStr, LacpRxmEventLinkDownGuardTimerExpired, nil)
	case TimerTypePeriodic:
		s.event(p, p.PtxMachineFsm.Machine, PtxMachineModuleStr, LacpPtxmEventPeriodicTimerExpired, nil)
	case TimerTypeWaitWhile:
		s.event(p, p.MuxMachineFsm.Machine, MuxMachineModuleStr, LacpMuxmEventWaitWhileTimerExpired, nil)
	case TimerTypeTxGuard:
		s.event(p, p.TxMachineFsm.Machine, TxMachineModuleStr, LacpTxmEventGuardTimer, nil)
	case TimerTypeActorChurn:
		p.CdMachineFsm.expired()
	case TimerTypePartnerChurn:
		p.PCdMachineFsm.expired()
	}
}

func (p *LaAggPort) timerArmed(t TimerType) bool {
	return p.timers[t].armed
}
