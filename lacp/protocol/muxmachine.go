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

// muxmachine
package lacp

import (
	"github.com/oshothebig/l2/lacp/protocol/fsm"
)

const MuxMachineModuleStr = "Mux Machine"

// 802.1ax Section 6.4.15 coupled control Mux machine
const (
	LacpMuxmStateNone fsm.State = iota + 1
	LacpMuxmStateDetached
	LacpMuxmStateWaiting
	LacpMuxmStateAttached
	LacpMuxmStateCollectingDistributing
)

var MuxmStateStrMap = map[fsm.State]string{
	LacpMuxmStateNone:                   "None",
	LacpMuxmStateDetached:               "Detached",
	LacpMuxmStateWaiting:                "Waiting",
	LacpMuxmStateAttached:               "Attached",
	LacpMuxmStateCollectingDistributing: "CollectingDistributing",
}

const (
	LacpMuxmEventBegin = iota + 1
	LacpMuxmEventSelectedEqualSelectedOrStandby
	LacpMuxmEventSelectedEqualSelected
	LacpMuxmEventSelectedEqualStandby
	LacpMuxmEventSelectedEqualUnselected
	LacpMuxmEventSelectedEqualSelectedAndReady
	LacpMuxmEventSelectedEqualSelectedAndPartnerSync
	LacpMuxmEventNotPartnerSync
	LacpMuxmEventWaitWhileTimerExpired
	LacpMuxmEventSelectedEqualSelectedNonePending
)

type LacpMuxMachine struct {
	Machine *fsm.Machine

	// Port this Machine is associated with
	p *LaAggPort
}

func (muxm *LacpMuxMachine) Apply(r *fsm.Ruleset) *fsm.Machine {
	if muxm.Machine == nil {
		muxm.Machine = &fsm.Machine{}
	}

	// Assign the ruleset to be used for this machine
	muxm.Machine.Rules = r
	muxm.Machine.Curr = &LacpStateEvent{
		strStateMap: MuxmStateStrMap,
		logEna:      true,
		logger:      muxm.LacpMuxmLog,
		owner:       MuxMachineModuleStr,
	}

	return muxm.Machine
}

// LacpMuxmDetached detaches the port from the aggregator and stops it
// from collecting and distributing
func (muxm *LacpMuxMachine) LacpMuxmDetached(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := muxm.p

	p.readyN = false
	LacpStateClear(&p.ActorOper.State, LacpStateSyncBit|LacpStateCollectingBit|LacpStateDistributingBit)
	p.ntt = true

	return LacpMuxmStateDetached, []fsm.Effect{
		TimerStop{Timer: TimerTypeWaitWhile},
		DistributingDisable{},
		SelectionRequest{},
	}
}

// LacpMuxmWaiting is entered once the port has been Selected or put on
// Standby; the wait while timer is started separately
func (muxm *LacpMuxMachine) LacpMuxmWaiting(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	return LacpMuxmStateWaiting, nil
}

// LacpMuxmWaitingStartTimer gives sibling ports time to catch up
func (muxm *LacpMuxMachine) LacpMuxmWaitingStartTimer(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	return LacpMuxmStateWaiting, []fsm.Effect{
		TimerStart{Timer: TimerTypeWaitWhile, Duration: LacpAggregateWaitTime},
	}
}

// LacpMuxmWaitingStandby holds a standby port without a timer
func (muxm *LacpMuxMachine) LacpMuxmWaitingStandby(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	return LacpMuxmStateWaiting, []fsm.Effect{TimerStop{Timer: TimerTypeWaitWhile}}
}

// LacpMuxmWaitingReady: wait while expired
func (muxm *LacpMuxMachine) LacpMuxmWaitingReady(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	muxm.p.readyN = true
	return LacpMuxmStateWaiting, nil
}

// LacpMuxmWaitingNonePending: no sibling is still on its way to
// Attached, so there is nothing to wait for
func (muxm *LacpMuxMachine) LacpMuxmWaitingNonePending(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	muxm.p.readyN = true
	return LacpMuxmStateWaiting, []fsm.Effect{TimerStop{Timer: TimerTypeWaitWhile}}
}

// LacpMuxmAttached attaches the port to the aggregator, in sync but not
// yet collecting or distributing
func (muxm *LacpMuxMachine) LacpMuxmAttached(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := muxm.p

	LacpStateSet(&p.ActorOper.State, LacpStateSyncBit)
	LacpStateClear(&p.ActorOper.State, LacpStateCollectingBit|LacpStateDistributingBit)
	p.ntt = true

	return LacpMuxmStateAttached, []fsm.Effect{DistributingDisable{}}
}

// LacpMuxmCollectingDistributing puts the port into the distributing array
func (muxm *LacpMuxMachine) LacpMuxmCollectingDistributing(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := muxm.p

	LacpStateSet(&p.ActorOper.State, LacpStateCollectingBit|LacpStateDistributingBit)
	p.ntt = true

	return LacpMuxmStateCollectingDistributing, []fsm.Effect{DistributingEnable{}}
}

func LacpMuxMachineFSMBuild(p *LaAggPort) *LacpMuxMachine {

	rules := fsm.Ruleset{}

	muxm := &LacpMuxMachine{p: p}

	// BEGIN -> DETACHED
	for _, s := range []fsm.State{
		LacpMuxmStateNone,
		LacpMuxmStateDetached,
		LacpMuxmStateWaiting,
		LacpMuxmStateAttached,
		LacpMuxmStateCollectingDistributing,
	} {
		rules.AddRule(s, LacpMuxmEventBegin, muxm.LacpMuxmDetached)
	}
	// SELECTED or STANDBY -> WAITING
	rules.AddRule(LacpMuxmStateDetached, LacpMuxmEventSelectedEqualSelectedOrStandby, muxm.LacpMuxmWaiting)
	// WAITING: SELECTED -> start wait while
	rules.AddRule(LacpMuxmStateWaiting, LacpMuxmEventSelectedEqualSelected, muxm.LacpMuxmWaitingStartTimer)
	// WAITING: STANDBY -> hold
	rules.AddRule(LacpMuxmStateWaiting, LacpMuxmEventSelectedEqualStandby, muxm.LacpMuxmWaitingStandby)
	// WAITING: wait while expired -> ready
	rules.AddRule(LacpMuxmStateWaiting, LacpMuxmEventWaitWhileTimerExpired, muxm.LacpMuxmWaitingReady)
	// WAITING: SELECTED and no sibling attaching -> ready
	rules.AddRule(LacpMuxmStateWaiting, LacpMuxmEventSelectedEqualSelectedNonePending, muxm.LacpMuxmWaitingNonePending)
	// UNSELECTED -> DETACHED
	rules.AddRule(LacpMuxmStateWaiting, LacpMuxmEventSelectedEqualUnselected, muxm.LacpMuxmDetached)
	// SELECTED && READY -> ATTACHED
	rules.AddRule(LacpMuxmStateWaiting, LacpMuxmEventSelectedEqualSelectedAndReady, muxm.LacpMuxmAttached)
	// UNSELECTED or STANDBY -> DETACHED
	rules.AddRule(LacpMuxmStateAttached, LacpMuxmEventSelectedEqualUnselected, muxm.LacpMuxmDetached)
	rules.AddRule(LacpMuxmStateAttached, LacpMuxmEventSelectedEqualStandby, muxm.LacpMuxmDetached)
	// SELECTED && PARTNER SYNC -> COLLECTING DISTRIBUTING
	rules.AddRule(LacpMuxmStateAttached, LacpMuxmEventSelectedEqualSelectedAndPartnerSync, muxm.LacpMuxmCollectingDistributing)
	// UNSELECTED or STANDBY or NOT PARTNER SYNC -> ATTACHED
	rules.AddRule(LacpMuxmStateCollectingDistributing, LacpMuxmEventSelectedEqualUnselected, muxm.LacpMuxmAttached)
	rules.AddRule(LacpMuxmStateCollectingDistributing, LacpMuxmEventSelectedEqualStandby, muxm.LacpMuxmAttached)
	rules.AddRule(LacpMuxmStateCollectingDistributing, LacpMuxmEventNotPartnerSync, muxm.LacpMuxmAttached)

	// Create a new FSM and apply the rules
	muxm.Apply(&rules)
	muxm.Machine.Start(LacpMuxmStateNone)

	return muxm
}

func selectedEvent(selected int) fsm.Event {
	if selected == LacpAggStandby {
		return LacpMuxmEventSelectedEqualStandby
	}
	return LacpMuxmEventSelectedEqualUnselected
}

// evaluate processes at most one event based on Selected, Ready and the
// partner's sync state
func (muxm *LacpMuxMachine) evaluate() bool {
	p := muxm.p
	s := p.sys
	partnerSync := LacpStateIsSet(p.PartnerOper.State, LacpStateSyncBit)

	var e fsm.Event
	switch muxm.Machine.Curr.CurrentState() {
	case LacpMuxmStateDetached:
		if p.aggSelected != LacpAggUnSelected {
			e = LacpMuxmEventSelectedEqualSelectedOrStandby
		}
	case LacpMuxmStateWaiting:
		switch p.aggSelected {
		case LacpAggUnSelected:
			e = LacpMuxmEventSelectedEqualUnselected
		case LacpAggStandby:
			if p.timerArmed(TimerTypeWaitWhile) {
				e = LacpMuxmEventSelectedEqualStandby
			}
		case LacpAggSelected:
			switch {
			case p.readyN:
				if s.lagReady(p) {
					e = LacpMuxmEventSelectedEqualSelectedAndReady
				}
			case !s.attachPending(p):
				e = LacpMuxmEventSelectedEqualSelectedNonePending
			case !p.timerArmed(TimerTypeWaitWhile):
				e = LacpMuxmEventSelectedEqualSelected
			}
		}
	case LacpMuxmStateAttached:
		if p.aggSelected != LacpAggSelected {
			e = selectedEvent(p.aggSelected)
		} else if partnerSync {
			e = LacpMuxmEventSelectedEqualSelectedAndPartnerSync
		}
	case LacpMuxmStateCollectingDistributing:
		if p.aggSelected != LacpAggSelected {
			e = selectedEvent(p.aggSelected)
		} else if !partnerSync {
			e = LacpMuxmEventNotPartnerSync
		}
	}
	if e == 0 {
		return false
	}
	return s.event(p, muxm.Machine, MuxMachineModuleStr, e, nil)
}

func (muxm *LacpMuxMachine) LacpMuxmLog(msg string) {
	muxm.p.LacpDebugEventLog(MuxMachineModuleStr, msg)
}
