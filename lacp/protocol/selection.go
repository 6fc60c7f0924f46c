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

// selection
package lacp

import (
	"sort"

	"go.uber.org/zap"
)

/*
Selection Logic, 802.1ax-2014 Section 6.4.14.

Ports whose partner records share one LAG ID (partner system, priority
and key) are grouped into a LAG of their aggregator; a defaulted port
belongs to none and an individual one is never selectable. At most one
LAG per aggregator is active. It carries the ports of the highest media
speed present. The LAG with more such ports wins, aggregate speed breaks
ties and the active LAG keeps them. Inside the active LAG ports are
Selected up to the max active limit and Standby beyond it; everything
else is Unselected. Ready is derived from the ready_N of the Selected
ports still Waiting.
*/

// setSelected changes a port's Selected variable, keeping the LAG's
// selected count in step.
func (s *System) setSelected(p *LaAggPort, sel int) {
	if p.aggSelected == sel {
		return
	}
	if lag := s.portLag(p); lag != nil {
		if p.aggSelected == LacpAggSelected {
			lag.nSelected--
		}
		if sel == LacpAggSelected {
			lag.nSelected++
		}
	}
	p.logger.Debug("selected changed",
		zap.String("from", LacpAggSelectedStrMap[p.aggSelected]),
		zap.String("to", LacpAggSelectedStrMap[sel]))
	p.aggSelected = sel
	s.selChanges++
}

func (s *System) portLag(p *LaAggPort) *LaLag {
	if p.lagId == 0 {
		return nil
	}
	agg, ok := s.AggMap[p.AggId]
	if !ok {
		return nil
	}
	return agg.lags[p.lagId]
}

// updateLag moves the port into the LAG matching its partner record,
// creating the LAG if none matches. A defaulted partner leaves the
// port in no LAG at all.
func (s *System) updateLag(p *LaAggPort) {
	agg, ok := s.AggMap[p.AggId]
	if !ok {
		return
	}
	id, ok := p.lagIdentity()
	if lag := s.portLag(p); lag != nil {
		if ok && lag.Partner == id {
			return
		}
		s.leaveLag(agg, p)
	}
	if ok {
		var lag *LaLag
		for _, l := range agg.lags {
			if l.Partner == id {
				lag = l
				break
			}
		}
		if lag == nil {
			s.lagSeq++
			lag = &LaLag{Id: s.lagSeq, Partner: id}
			agg.lags[lag.Id] = lag
			agg.logger.Info("lag created", zap.Int("lag", lag.Id), zap.Stringer("partner", id))
		}
		lag.addPortNum(p.PortNum)
		p.lagId = lag.Id
	}
	agg.selectionPending = true
}

// leaveLag unselects the port and takes it out of its LAG; an empty
// LAG is destroyed on the spot.
func (s *System) leaveLag(agg *LaAggregator, p *LaAggPort) {
	lag := s.portLag(p)
	if lag == nil {
		p.lagId = 0
		return
	}
	s.setSelected(p, LacpAggUnSelected)
	lag.delPortNum(p.PortNum)
	p.lagId = 0
	if len(lag.PortNumList) == 0 {
		delete(agg.lags, lag.Id)
		if agg.activeLagId == lag.Id {
			agg.activeLagId = 0
		}
		agg.logger.Info("lag destroyed", zap.Int("lag", lag.Id))
	}
	agg.selectionPending = true
}

// lagReady reports Ready: no Selected port of the LAG is still
// waiting on its wait-while timer.
func (s *System) lagReady(p *LaAggPort) bool {
	lag := s.portLag(p)
	if lag == nil {
		return false
	}
	for _, pn := range lag.PortNumList {
		q := s.PortMap[pn]
		if q.aggSelected == LacpAggSelected &&
			q.MuxMachineFsm.Machine.Curr.CurrentState() == LacpMuxmStateWaiting &&
			!q.readyN {
			return false
		}
	}
	return true
}

// attachPending reports whether another Selected port of p's LAG has
// yet to reach Attached.
func (s *System) attachPending(p *LaAggPort) bool {
	lag := s.portLag(p)
	if lag == nil {
		return true
	}
	for _, pn := range lag.PortNumList {
		q := s.PortMap[pn]
		if q == p || q.aggSelected != LacpAggSelected {
			continue
		}
		switch q.MuxMachineFsm.Machine.Curr.CurrentState() {
		case LacpMuxmStateDetached, LacpMuxmStateWaiting:
			return true
		}
	}
	return false
}

func (a *LaAggregator) selectionBudget() int {
	if a.MaxActivePorts > 0 && a.MaxActivePorts < LacpMaxDistributingPorts {
		return a.MaxActivePorts
	}
	return LacpMaxDistributingPorts
}

// counts toward a LAG's merit: aggregatable now, or Selected and
// riding out a short link down
func (p *LaAggPort) selectable() bool {
	return p.IsPortAggregatable() || p.linkDownGuarded()
}

// bestClass picks the highest media speed among the LAG's selectable
// ports. Slower ports stay out of the group while a faster one is
// present. The merit counts the ports at that speed, at most budget.
func (s *System) bestClass(lag *LaLag, budget int) (int, lagMerit) {
	bestSpeed, n := 0, 0
	for _, pn := range lag.PortNumList {
		p := s.PortMap[pn]
		if !p.selectable() {
			continue
		}
		switch speed := p.Properties.Speed; {
		case n == 0 || speed > bestSpeed:
			bestSpeed, n = speed, 1
		case speed == bestSpeed:
			n++
		}
	}
	if n > budget {
		n = budget
	}
	return bestSpeed, lagMerit{n: n, bandwidth: uint64(n) * uint64(bestSpeed)}
}

// selection runs the selection logic for one aggregator: choose the
// active LAG, then hand out Selected and Standby inside it. It reports
// whether any port's Selected variable changed.
func (s *System) selection(agg *LaAggregator) bool {
	before := s.selChanges
	budget := agg.selectionBudget()

	active := agg.activeLag()
	next, nextSpeed, nextMerit := active, 0, lagMerit{}
	if active != nil {
		nextSpeed, nextMerit = s.bestClass(active, budget)
		if nextMerit.n == 0 {
			next = nil
		}
	}
	for _, lag := range agg.sortedLags() {
		if lag == active {
			continue
		}
		speed, m := s.bestClass(lag, budget)
		if m.n == 0 {
			continue
		}
		// the active LAG keeps ties
		if next == nil || m.better(nextMerit) {
			next, nextSpeed, nextMerit = lag, speed, m
		}
	}

	if next != active {
		if active != nil {
			agg.logger.Info("lag deactivated", zap.Int("lag", active.Id))
			for _, pn := range active.PortNumList {
				s.setSelected(s.PortMap[pn], LacpAggUnSelected)
			}
			active.Speed = 0
		}
		agg.activeLagId = 0
		if next != nil {
			agg.activeLagId = next.Id
			next.Speed = nextSpeed
			agg.logger.Info("lag activated",
				zap.Int("lag", next.Id),
				zap.Stringer("partner", next.Partner),
				zap.Int("speed", nextSpeed),
				zap.Int("ports", nextMerit.n))
		}
	} else if next != nil && next.Speed != nextSpeed {
		// a speed change restarts the group from scratch
		agg.logger.Info("lag speed changed",
			zap.Int("lag", next.Id),
			zap.Int("from", next.Speed),
			zap.Int("to", nextSpeed))
		for _, pn := range next.PortNumList {
			s.setSelected(s.PortMap[pn], LacpAggUnSelected)
		}
		next.Speed = nextSpeed
	}

	for _, pn := range agg.PortNumList {
		p := s.PortMap[pn]
		if next == nil || p.lagId != next.Id {
			s.setSelected(p, LacpAggUnSelected)
		}
	}
	if next != nil {
		s.assign(agg, next, budget)
	}

	return s.selChanges != before
}

// assign hands out Selected to the best ports of the active LAG up to
// the budget and Standby to the rest. Ports already Selected keep
// their place ahead of Standby ones.
func (s *System) assign(agg *LaAggregator, lag *LaLag, budget int) {
	remaining := budget
	var cands []*LaAggPort
	for _, pn := range lag.PortNumList {
		p := s.PortMap[pn]
		if p.linkDownGuarded() && p.Properties.Speed == lag.Speed {
			remaining--
			continue
		}
		if !p.IsPortAggregatable() || p.Properties.Speed != lag.Speed {
			s.setSelected(p, LacpAggUnSelected)
			continue
		}
		if p.aggSelected == LacpAggUnSelected &&
			p.MuxMachineFsm.Machine.Curr.CurrentState() != LacpMuxmStateDetached {
			// picked up once the mux has detached
			agg.selectionPending = true
			continue
		}
		cands = append(cands, p)
	}

	rank := map[int]int{LacpAggSelected: 0, LacpAggStandby: 1, LacpAggUnSelected: 2}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if rank[a.aggSelected] != rank[b.aggSelected] {
			return rank[a.aggSelected] < rank[b.aggSelected]
		}
		if a.portPri != b.portPri {
			return a.portPri < b.portPri
		}
		return a.PortNum < b.PortNum
	})

	for _, p := range cands {
		if remaining > 0 {
			s.setSelected(p, LacpAggSelected)
			remaining--
		} else {
			s.setSelected(p, LacpAggStandby)
		}
	}
}
