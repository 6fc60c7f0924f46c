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

// rxmachine
package lacp

import (
	"github.com/oshothebig/l2/lacp/packet"
	"github.com/oshothebig/l2/lacp/protocol/fsm"
)

const RxMachineModuleStr = "Rx Machine"

// rxm states
const (
	LacpRxmStateNone fsm.State = iota + 1
	LacpRxmStateInitialize
	LacpRxmStatePortDisabled
	LacpRxmStateExpired
	LacpRxmStateLacpDisabled
	LacpRxmStateDefaulted
	LacpRxmStateCurrent
)

var RxmStateStrMap = map[fsm.State]string{
	LacpRxmStateNone:         "None",
	LacpRxmStateInitialize:   "Initialize",
	LacpRxmStatePortDisabled: "PortDisabled",
	LacpRxmStateExpired:      "Expired",
	LacpRxmStateLacpDisabled: "LacpDisabled",
	LacpRxmStateDefaulted:    "Defaulted",
	LacpRxmStateCurrent:      "Current",
}

// rxm events
const (
	LacpRxmEventBegin = iota + 1
	LacpRxmEventUnconditionalFallthrough
	LacpRxmEventNotPortEnabled
	LacpRxmEventPortMoved
	LacpRxmEventPortEnabledAndLacpEnabled
	LacpRxmEventPortEnabledAndLacpDisabled
	LacpRxmEventLacpEnabled
	LacpRxmEventCurrentWhileTimerExpired
	LacpRxmEventLacpPktRx
	LacpRxmEventLinkDownGuardTimerExpired
)

// LacpRxMachine holds FSM and current State
type LacpRxMachine struct {
	Machine *fsm.Machine

	// Reference to LaAggPort
	p *LaAggPort
}

// A helpful function that lets us apply arbitrary rulesets to this
// instances State machine without reallocating the machine.
func (rxm *LacpRxMachine) Apply(r *fsm.Ruleset) *fsm.Machine {
	if rxm.Machine == nil {
		rxm.Machine = &fsm.Machine{}
	}

	rxm.Machine.Rules = r
	rxm.Machine.Curr = &LacpStateEvent{
		strStateMap: RxmStateStrMap,
		logEna:      true,
		logger:      rxm.LacpRxmLog,
		owner:       RxMachineModuleStr,
	}

	return rxm.Machine
}

// LacpRxMachineInitialize: clear Selected, default the partner, fall
// through to PORT_DISABLED
func (rxm *LacpRxMachine) LacpRxMachineInitialize(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := rxm.p

	p.sys.setSelected(p, LacpAggUnSelected)
	p.recordDefault()
	LacpStateClear(&p.ActorOper.State, LacpStateExpiredBit)
	p.portMoved = false

	return LacpRxmStateInitialize, []fsm.Effect{
		TimerStop{Timer: TimerTypeCurrentWhile},
		TimerStop{Timer: TimerTypeLinkDownGuard},
		LagUpdate{},
		SelectionRequest{},
	}
}

// LacpRxMachinePortDisabled: partner is out of sync. A Selected port
// whose link went down gets a guard timer before it is unselected.
func (rxm *LacpRxMachine) LacpRxMachinePortDisabled(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := rxm.p

	LacpStateClear(&p.PartnerOper.State, LacpStateSyncBit)

	effects := []fsm.Effect{
		TimerStop{Timer: TimerTypeCurrentWhile},
		SelectionRequest{},
	}
	if !p.LinkUp && p.aggSelected == LacpAggSelected {
		effects = append(effects, TimerStart{Timer: TimerTypeLinkDownGuard, Duration: LacpLinkDownGuardTime})
	}
	return LacpRxmStatePortDisabled, effects
}

// LacpRxMachineLinkDownGuardExpired: the link did not come back in time
func (rxm *LacpRxMachine) LacpRxMachineLinkDownGuardExpired(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := rxm.p

	if p.aggSelected == LacpAggSelected {
		p.logger.Info("link down guard expired, unselecting port")
		p.sys.setSelected(p, LacpAggUnSelected)
	}
	return LacpRxmStatePortDisabled, []fsm.Effect{SelectionRequest{}}
}

// LacpRxMachineExpired: partner info is stale, ask for fast periodic
// and wait a short timeout for it
func (rxm *LacpRxMachine) LacpRxMachineExpired(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := rxm.p

	LacpStateClear(&p.PartnerOper.State, LacpStateSyncBit)
	LacpStateSet(&p.PartnerOper.State, LacpStateTimeoutBit)
	LacpStateSet(&p.ActorOper.State, LacpStateExpiredBit)

	return LacpRxmStateExpired, []fsm.Effect{
		TimerStop{Timer: TimerTypeLinkDownGuard},
		TimerStart{Timer: TimerTypeCurrentWhile, Duration: LacpShortTimeoutTime},
		LagUpdate{},
		SelectionRequest{},
	}
}

// LacpRxMachineLacpDisabled: partner is assumed not to speak LACP
func (rxm *LacpRxMachine) LacpRxMachineLacpDisabled(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := rxm.p

	p.sys.setSelected(p, LacpAggUnSelected)
	p.recordDefault()
	LacpStateClear(&p.PartnerOper.State, LacpStateAggregationBit)
	LacpStateClear(&p.ActorOper.State, LacpStateExpiredBit)

	return LacpRxmStateLacpDisabled, []fsm.Effect{
		TimerStop{Timer: TimerTypeCurrentWhile},
		TimerStop{Timer: TimerTypeLinkDownGuard},
		LagUpdate{},
		SelectionRequest{},
	}
}

// LacpRxMachineDefaulted: no partner heard from, use admin defaults
func (rxm *LacpRxMachine) LacpRxMachineDefaulted(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := rxm.p

	rxm.updateDefaultSelected()
	p.recordDefault()
	LacpStateClear(&p.ActorOper.State, LacpStateExpiredBit)

	return LacpRxmStateDefaulted, []fsm.Effect{
		LagUpdate{},
		SelectionRequest{},
	}
}

// LacpRxMachineCurrent: record a received LACPDU
func (rxm *LacpRxMachine) LacpRxMachineCurrent(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	p := rxm.p
	pdu := data.(*packet.LACP)

	rxm.updateSelected(pdu)
	rxm.updateNTT(pdu)
	rxm.recordPDU(pdu)
	LacpStateClear(&p.ActorOper.State, LacpStateExpiredBit)

	// restarted on every pdu, sized from the partner's timeout preference
	timeout := LacpLongTimeoutTime
	if LacpStateIsSet(p.PartnerOper.State, LacpStateTimeoutBit) {
		timeout = LacpShortTimeoutTime
	}

	return LacpRxmStateCurrent, []fsm.Effect{
		TimerStop{Timer: TimerTypeLinkDownGuard},
		TimerStart{Timer: TimerTypeCurrentWhile, Duration: timeout},
		LagUpdate{},
		SelectionRequest{},
	}
}

func LacpRxMachineFSMBuild(p *LaAggPort) *LacpRxMachine {

	rules := fsm.Ruleset{}

	rxm := &LacpRxMachine{p: p}

	allStates := []fsm.State{
		LacpRxmStateNone,
		LacpRxmStateInitialize,
		LacpRxmStatePortDisabled,
		LacpRxmStateExpired,
		LacpRxmStateLacpDisabled,
		LacpRxmStateDefaulted,
		LacpRxmStateCurrent,
	}
	// BEGIN -> INITIALIZE
	for _, s := range allStates {
		rules.AddRule(s, LacpRxmEventBegin, rxm.LacpRxMachineInitialize)
	}
	// INITIALIZE -> PORT DISABLED
	rules.AddRule(LacpRxmStateInitialize, LacpRxmEventUnconditionalFallthrough, rxm.LacpRxMachinePortDisabled)
	// NOT PORT ENABLED -> PORT DISABLED
	rules.AddRule(LacpRxmStateExpired, LacpRxmEventNotPortEnabled, rxm.LacpRxMachinePortDisabled)
	rules.AddRule(LacpRxmStateLacpDisabled, LacpRxmEventNotPortEnabled, rxm.LacpRxMachinePortDisabled)
	rules.AddRule(LacpRxmStateDefaulted, LacpRxmEventNotPortEnabled, rxm.LacpRxMachinePortDisabled)
	rules.AddRule(LacpRxmStateCurrent, LacpRxmEventNotPortEnabled, rxm.LacpRxMachinePortDisabled)
	// LACP ENABLED AGAIN -> PORT DISABLED
	rules.AddRule(LacpRxmStateLacpDisabled, LacpRxmEventLacpEnabled, rxm.LacpRxMachinePortDisabled)
	// PORT MOVED -> INITIALIZE
	rules.AddRule(LacpRxmStatePortDisabled, LacpRxmEventPortMoved, rxm.LacpRxMachineInitialize)
	// LINK DOWN GUARD -> PORT DISABLED
	rules.AddRule(LacpRxmStatePortDisabled, LacpRxmEventLinkDownGuardTimerExpired, rxm.LacpRxMachineLinkDownGuardExpired)
	// PORT ENABLED && LACP ENABLED -> EXPIRED
	rules.AddRule(LacpRxmStatePortDisabled, LacpRxmEventPortEnabledAndLacpEnabled, rxm.LacpRxMachineExpired)
	// PORT ENABLED && LACP DISABLED -> LACP DISABLED
	rules.AddRule(LacpRxmStatePortDisabled, LacpRxmEventPortEnabledAndLacpDisabled, rxm.LacpRxMachineLacpDisabled)
	// CURRENT WHILE TIMER EXPIRED -> DEFAULTED
	rules.AddRule(LacpRxmStateExpired, LacpRxmEventCurrentWhileTimerExpired, rxm.LacpRxMachineDefaulted)
	// CURRENT WHILE TIMER EXPIRED -> EXPIRED
	rules.AddRule(LacpRxmStateCurrent, LacpRxmEventCurrentWhileTimerExpired, rxm.LacpRxMachineExpired)
	// LACPDU RX -> CURRENT
	rules.AddRule(LacpRxmStateExpired, LacpRxmEventLacpPktRx, rxm.LacpRxMachineCurrent)
	rules.AddRule(LacpRxmStateDefaulted, LacpRxmEventLacpPktRx, rxm.LacpRxMachineCurrent)
	rules.AddRule(LacpRxmStateCurrent, LacpRxmEventLacpPktRx, rxm.LacpRxMachineCurrent)

	rxm.Apply(&rules)
	rxm.Machine.Start(LacpRxmStateNone)

	return rxm
}

// evaluate checks the global transition conditions of the current state
// and processes at most one event; it reports whether it did.
func (rxm *LacpRxMachine) evaluate() bool {
	p := rxm.p
	s := p.sys
	var e fsm.Event

	switch rxm.Machine.Curr.CurrentState() {
	case LacpRxmStateInitialize:
		e = LacpRxmEventUnconditionalFallthrough
	case LacpRxmStatePortDisabled:
		switch {
		case p.portMoved:
			e = LacpRxmEventPortMoved
		case p.LinkUp && p.lacpEnabled && !p.isHalfDuplex():
			e = LacpRxmEventPortEnabledAndLacpEnabled
		case p.LinkUp:
			e = LacpRxmEventPortEnabledAndLacpDisabled
		}
	case LacpRxmStateLacpDisabled:
		switch {
		case !p.LinkUp:
			e = LacpRxmEventNotPortEnabled
		case p.lacpEnabled && !p.isHalfDuplex():
			e = LacpRxmEventLacpEnabled
		}
	case LacpRxmStateExpired, LacpRxmStateDefaulted, LacpRxmStateCurrent:
		if !p.portEnabled() || !p.lacpEnabled {
			e = LacpRxmEventNotPortEnabled
		}
	}
	if e == 0 {
		return false
	}
	return s.event(p, rxm.Machine, RxMachineModuleStr, e, nil)
}

// updateSelected: a partner identity change invalidates the selection
func (rxm *LacpRxMachine) updateSelected(pdu *packet.LACP) {
	p := rxm.p
	actor := lacpPortInfoFromPdu(pdu.Actor)
	if !LacpLacpPortInfoIsEqual(&actor, &p.PartnerOper, LacpStateAggregationBit) {
		p.sys.setSelected(p, LacpAggUnSelected)
	}
}

// updateDefaultSelected: the default partner differs from the one in use
func (rxm *LacpRxMachine) updateDefaultSelected() {
	p := rxm.p
	if !LacpLacpPortInfoIsEqual(&p.PartnerAdmin, &p.PartnerOper, LacpStateAggregationBit) {
		p.sys.setSelected(p, LacpAggUnSelected)
	}
}

// updateNTT: the partner's view of us is out of date
func (rxm *LacpRxMachine) updateNTT(pdu *packet.LACP) {
	p := rxm.p
	partner := lacpPortInfoFromPdu(pdu.Partner)
	if !LacpLacpPortInfoIsEqual(&partner, &p.ActorOper,
		LacpStateActivityBit|LacpStateTimeoutBit|LacpStateAggregationBit|LacpStateSyncBit) {
		p.ntt = true
	}
}

// recordPDU stores the pdu's actor info as the partner record and
// works out whether the partner considers itself in sync with us
func (rxm *LacpRxMachine) recordPDU(pdu *packet.LACP) {
	p := rxm.p

	p.PartnerOper = lacpPortInfoFromPdu(pdu.Actor)
	LacpStateClear(&p.ActorOper.State, LacpStateDefaultedBit)

	partner := lacpPortInfoFromPdu(pdu.Partner)
	matches := LacpLacpPortInfoIsEqual(&partner, &p.ActorOper, LacpStateAggregationBit)
	actorSync := LacpStateIsSet(pdu.Actor.State, LacpStateSyncBit)
	individual := !LacpStateIsSet(pdu.Actor.State, LacpStateAggregationBit)
	active := LacpStateIsSet(pdu.Actor.State, LacpStateActivityBit) ||
		LacpStateIsSet(p.ActorOper.State, LacpStateActivityBit)

	if actorSync && (matches || individual) && active {
		LacpStateSet(&p.PartnerOper.State, LacpStateSyncBit)
	} else {
		LacpStateClear(&p.PartnerOper.State, LacpStateSyncBit)
	}
}

func (rxm *LacpRxMachine) LacpRxmLog(msg string) {
	rxm.p.LacpDebugEventLog(RxMachineModuleStr, msg)
}
