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
// _______  __       __________   ___      _______.____    __    ____  __  .___________.  ______  __    __
// |   ____||  |     |   ____\  \ /  /     /       |\   \  /  \  /   / |  | |           | /      ||  |  |  |
// |  |__   |  |     |  |__   \  V  /     |   (----` \   \/    \/   /  |  | `---|  |----`|  ,----'|  |__|  |
// |   __|  |  |     |   __|   >   <       \   \      \            /   |  |     |  |     |  |     |   __   |
// |  |     |  `----.|  |____ /  .  \  .----)   |      \    /\    /    |  |     |  |     |  `----.|  |  |  |
// |__|     |_______||_______/__/ \__\ |_______/        \__/  \__/     |__|     |__|      \______||__|  |__|
//

// The Periodic Transmission Machine is described in the 802.1ax-2014 Section 6.4.13
package lacp

import (
	"github.com/oshothebig/l2/lacp/protocol/fsm"
)

const PtxMachineModuleStr = "Periodic TX Machine"

const (
	LacpPtxmStateNone fsm.State = iota + 1
	LacpPtxmStateNoPeriodic
	LacpPtxmStateFastPeriodic
	LacpPtxmStateSlowPeriodic
	LacpPtxmStatePeriodicTx
)

var PtxmStateStrMap = map[fsm.State]string{
	LacpPtxmStateNone:         "None",
	LacpPtxmStateNoPeriodic:   "NoPeriodic",
	LacpPtxmStateFastPeriodic: "FastPeriodic",
	LacpPtxmStateSlowPeriodic: "SlowPeriodic",
	LacpPtxmStatePeriodicTx:   "PeriodicTx",
}

const (
	LacpPtxmEventBegin = iota + 1
	LacpPtxmEventLacpDisabled
	LacpPtxmEventNotPortEnabled
	LacpPtxmEventActorPartnerOperActivityPassiveMode
	LacpPtxmEventUnconditionalFallthrough
	LacpPtxmEventPartnerOperStateTimeoutLong
	LacpPtxmEventPeriodicTimerExpired
	LacpPtxmEventPartnerOperStateTimeoutShort
)

// LacpPtxMachine holds FSM and current State
type LacpPtxMachine struct {
	Machine *fsm.Machine

	// Reference to LaAggPort
	p *LaAggPort

	// last interval armed was the fast one
	fast bool
}

// A helpful function that lets us apply arbitrary rulesets to this
// instances State machine without reallocating the machine.
func (ptxm *LacpPtxMachine) Apply(r *fsm.Ruleset) *fsm.Machine {
	if ptxm.Machine == nil {
		ptxm.Machine = &fsm.Machine{}
	}

	// Assign the ruleset to be used for this machine
	ptxm.Machine.Rules = r
	ptxm.Machine.Curr = &LacpStateEvent{
		strStateMap: PtxmStateStrMap,
		logEna:      true,
		logger:      ptxm.LacpPtxmLog,
		owner:       PtxMachineModuleStr,
	}

	return ptxm.Machine
}

// LacpPtxMachineNoPeriodic stops the periodic transmission of packets
func (ptxm *LacpPtxMachine) LacpPtxMachineNoPeriodic(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	ptxm.fast = false
	return LacpPtxmStateNoPeriodic, []fsm.Effect{TimerStop{Timer: TimerTypePeriodic}}
}

// LacpPtxMachineFastPeriodic sets the periodic transmission time to fast
// and starts the timer
func (ptxm *LacpPtxMachine) LacpPtxMachineFastPeriodic(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	ptxm.fast = true
	return LacpPtxmStateFastPeriodic, []fsm.Effect{
		TimerStart{Timer: TimerTypePeriodic, Duration: LacpFastPeriodicTime},
	}
}

// LacpPtxMachineSlowPeriodic sets the periodic transmission time to slow
// and starts the timer. Dropping from fast to slow flags ntt.
func (ptxm *LacpPtxMachine) LacpPtxMachineSlowPeriodic(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	if ptxm.fast {
		ptxm.p.ntt = true
	}
	ptxm.fast = false
	return LacpPtxmStateSlowPeriodic, []fsm.Effect{
		TimerStart{Timer: TimerTypePeriodic, Duration: LacpSlowPeriodicTime},
	}
}

// LacpPtxMachinePeriodicTx informs the tx machine that a packet should be
// transmitted by setting ntt = true
func (ptxm *LacpPtxMachine) LacpPtxMachinePeriodicTx(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	ptxm.p.ntt = true
	return LacpPtxmStatePeriodicTx, []fsm.Effect{TimerStop{Timer: TimerTypePeriodic}}
}

func LacpPtxMachineFSMBuild(p *LaAggPort) *LacpPtxMachine {

	rules := fsm.Ruleset{}

	// Initial State will be a psuedo State known as "begin" so that
	// we can transition to the NO PERIODIC State
	ptxm := &LacpPtxMachine{p: p}

	leaveStates := []fsm.State{
		LacpPtxmStateNone,
		LacpPtxmStateFastPeriodic,
		LacpPtxmStateSlowPeriodic,
		LacpPtxmStatePeriodicTx,
	}
	for _, s := range leaveStates {
		//BEGIN -> NO PERIODIC
		rules.AddRule(s, LacpPtxmEventBegin, ptxm.LacpPtxMachineNoPeriodic)
		// LACP DISABLED -> NO PERIODIC
		rules.AddRule(s, LacpPtxmEventLacpDisabled, ptxm.LacpPtxMachineNoPeriodic)
		// PORT DISABLED -> NO PERIODIC
		rules.AddRule(s, LacpPtxmEventNotPortEnabled, ptxm.LacpPtxMachineNoPeriodic)
		// ACTOR/PARTNER OPER State ACTIVITY MODE == PASSIVE -> NO PERIODIC
		rules.AddRule(s, LacpPtxmEventActorPartnerOperActivityPassiveMode, ptxm.LacpPtxMachineNoPeriodic)
	}
	rules.AddRule(LacpPtxmStateNoPeriodic, LacpPtxmEventBegin, ptxm.LacpPtxMachineNoPeriodic)
	// INTENTIONAL FALL THROUGH -> FAST PERIODIC
	rules.AddRule(LacpPtxmStateNoPeriodic, LacpPtxmEventUnconditionalFallthrough, ptxm.LacpPtxMachineFastPeriodic)
	// PARTNER OPER STAT LACP TIMEOUT == LONG -> SLOW PERIODIC (ntt, fast -> slow)
	rules.AddRule(LacpPtxmStateFastPeriodic, LacpPtxmEventPartnerOperStateTimeoutLong, ptxm.LacpPtxMachineSlowPeriodic)
	// PERIODIC TIMER EXPIRED -> PERIODIC TX
	rules.AddRule(LacpPtxmStateFastPeriodic, LacpPtxmEventPeriodicTimerExpired, ptxm.LacpPtxMachinePeriodicTx)
	// PARTNER OPER STAT LACP TIMEOUT == SHORT -> PERIODIC TX (ntt, slow -> fast)
	rules.AddRule(LacpPtxmStateSlowPeriodic, LacpPtxmEventPartnerOperStateTimeoutShort, ptxm.LacpPtxMachinePeriodicTx)
	// PERIODIC TIMER EXPIRED -> PERIODIC TX
	rules.AddRule(LacpPtxmStateSlowPeriodic, LacpPtxmEventPeriodicTimerExpired, ptxm.LacpPtxMachinePeriodicTx)
	// PARTNER OPER STAT LACP TIMEOUT == SHORT ->  FAST PERIODIC
	rules.AddRule(LacpPtxmStatePeriodicTx, LacpPtxmEventPartnerOperStateTimeoutShort, ptxm.LacpPtxMachineFastPeriodic)
	// PARTNER OPER STAT LACP TIMEOUT == LONG -> SLOW PERIODIC (ntt if the expired interval was fast)
	rules.AddRule(LacpPtxmStatePeriodicTx, LacpPtxmEventPartnerOperStateTimeoutLong, ptxm.LacpPtxMachineSlowPeriodic)

	// Create a new FSM and apply the rules
	ptxm.Apply(&rules)
	ptxm.Machine.Start(LacpPtxmStateNone)

	return ptxm
}

// evaluate processes at most one event based on the port's current
// conditions and reports whether it did
func (ptxm *LacpPtxMachine) evaluate() bool {
	p := ptxm.p
	state := ptxm.Machine.Curr.CurrentState()
	partnerShort := LacpStateIsSet(p.PartnerOper.State, LacpStateTimeoutBit)

	var e fsm.Event
	switch {
	case !p.lacpEnabled:
		e = LacpPtxmEventLacpDisabled
	case !p.portEnabled():
		e = LacpPtxmEventNotPortEnabled
	case p.bothPassive():
		e = LacpPtxmEventActorPartnerOperActivityPassiveMode
	}
	if e != 0 {
		if state == LacpPtxmStateNoPeriodic {
			return false
		}
		return p.sys.event(p, ptxm.Machine, PtxMachineModuleStr, e, nil)
	}

	switch state {
	case LacpPtxmStateNoPeriodic:
		e = LacpPtxmEventUnconditionalFallthrough
	case LacpPtxmStateFastPeriodic:
		if !partnerShort {
			e = LacpPtxmEventPartnerOperStateTimeoutLong
		}
	case LacpPtxmStateSlowPeriodic:
		if partnerShort {
			e = LacpPtxmEventPartnerOperStateTimeoutShort
		}
	case LacpPtxmStatePeriodicTx:
		if partnerShort {
			e = LacpPtxmEventPartnerOperStateTimeoutShort
		} else {
			e = LacpPtxmEventPartnerOperStateTimeoutLong
		}
	}
	if e == 0 {
		return false
	}
	return p.sys.event(p, ptxm.Machine, PtxMachineModuleStr, e, nil)
}

func (ptxm *LacpPtxMachine) LacpPtxmLog(msg string) {
	ptxm.p.LacpDebugEventLog(PtxMachineModuleStr, msg)
}
