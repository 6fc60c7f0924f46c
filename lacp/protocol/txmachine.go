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

// txmachine
package lacp

import (
	"github.com/oshothebig/l2/lacp/packet"
	"github.com/oshothebig/l2/lacp/protocol/fsm"
)

const TxMachineModuleStr = "Tx Machine"

const (
	LacpTxmStateNone fsm.State = iota + 1
	LacpTxmStateOn
	LacpTxmStateOff
	LacpTxmStateDelayed
)

var TxmStateStrMap = map[fsm.State]string{
	LacpTxmStateNone:    "None",
	LacpTxmStateOn:      "On",
	LacpTxmStateOff:     "Off",
	LacpTxmStateDelayed: "Delayed",
}

const (
	LacpTxmEventBegin = iota + 1
	LacpTxmEventNtt
	LacpTxmEventGuardTimer
	LacpTxmEventDelayTx
	LacpTxmEventLacpDisabled
	LacpTxmEventLacpEnabled
)

type LacpTxMachine struct {
	Machine *fsm.Machine

	// Port this Machine is associated with
	p *LaAggPort

	// number of frames transmitted within guard timer interval
	txPkts int
}

// A helpful function that lets us apply arbitrary rulesets to this
// instances state machine without reallocating the machine.
func (txm *LacpTxMachine) Apply(r *fsm.Ruleset) *fsm.Machine {
	if txm.Machine == nil {
		txm.Machine = &fsm.Machine{}
	}

	// Assign the ruleset to be used for this machine
	txm.Machine.Rules = r
	txm.Machine.Curr = &LacpStateEvent{
		strStateMap: TxmStateStrMap,
		logEna:      true,
		logger:      txm.LacpTxmLog,
		owner:       TxMachineModuleStr,
	}

	return txm.Machine
}

// LacpTxMachineOn transmits one LACPDU. The first pdu of a window arms
// the guard timer which bounds the window.
func (txm *LacpTxMachine) LacpTxMachineOn(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	var effects []fsm.Effect

	if txm.txPkts == 0 {
		effects = append(effects, TimerStart{Timer: TimerTypeTxGuard, Duration: LacpTxGuardTime})
	}
	txm.txPkts++
	effects = append(effects, TxPdu{Pdu: txm.buildPdu()})

	return LacpTxmStateOn, effects
}

// LacpTxMachineEnabled is entered when lacp and the port come up
func (txm *LacpTxMachine) LacpTxMachineEnabled(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	return LacpTxmStateOn, nil
}

// LacpTxMachineDelayed holds a pending transmit until the guard timer
// opens a new window
func (txm *LacpTxMachine) LacpTxMachineDelayed(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	txm.LacpTxmLog("rate limit reached, delaying tx")
	return LacpTxmStateDelayed, nil
}

// LacpTxMachineOff will ensure that no packets are transmitted, typically means that
// lacp has been disabled
func (txm *LacpTxMachine) LacpTxMachineOff(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	txm.txPkts = 0
	return LacpTxmStateOff, []fsm.Effect{TimerStop{Timer: TimerTypeTxGuard}}
}

// LacpTxMachineGuard will clear the current transmited packet count; a
// delayed pdu is sent by the next kick
func (txm *LacpTxMachine) LacpTxMachineGuard(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	txm.txPkts = 0
	return LacpTxmStateOn, nil
}

// LacpTxMachineFSMBuild will build the state machine with callbacks
func LacpTxMachineFSMBuild(p *LaAggPort) *LacpTxMachine {

	rules := fsm.Ruleset{}

	txm := &LacpTxMachine{p: p}

	//BEGIN -> TX OFF
	rules.AddRule(LacpTxmStateNone, LacpTxmEventBegin, txm.LacpTxMachineOff)
	rules.AddRule(LacpTxmStateOn, LacpTxmEventBegin, txm.LacpTxMachineOff)
	rules.AddRule(LacpTxmStateOff, LacpTxmEventBegin, txm.LacpTxMachineOff)
	rules.AddRule(LacpTxmStateDelayed, LacpTxmEventBegin, txm.LacpTxMachineOff)
	// NTT -> TX ON
	rules.AddRule(LacpTxmStateOn, LacpTxmEventNtt, txm.LacpTxMachineOn)
	// DELAY -> TX DELAY
	rules.AddRule(LacpTxmStateOn, LacpTxmEventDelayTx, txm.LacpTxMachineDelayed)
	// LACP ON -> TX ON
	rules.AddRule(LacpTxmStateOff, LacpTxmEventLacpEnabled, txm.LacpTxMachineEnabled)
	// LACP DISABLED -> TX OFF
	rules.AddRule(LacpTxmStateOn, LacpTxmEventLacpDisabled, txm.LacpTxMachineOff)
	rules.AddRule(LacpTxmStateDelayed, LacpTxmEventLacpDisabled, txm.LacpTxMachineOff)
	// GUARD TIMER -> TX ON
	rules.AddRule(LacpTxmStateOn, LacpTxmEventGuardTimer, txm.LacpTxMachineGuard)
	rules.AddRule(LacpTxmStateDelayed, LacpTxmEventGuardTimer, txm.LacpTxMachineGuard)

	// Create a new FSM and apply the rules
	txm.Apply(&rules)
	txm.Machine.Start(LacpTxmStateNone)

	return txm
}

// evaluate turns the machine on or off with the port
func (txm *LacpTxMachine) evaluate() bool {
	p := txm.p
	off := !p.lacpEnabled || !p.portEnabled()
	state := txm.Machine.Curr.CurrentState()

	switch {
	case off && state != LacpTxmStateOff:
		return p.sys.event(p, txm.Machine, TxMachineModuleStr, LacpTxmEventLacpDisabled, nil)
	case !off && state == LacpTxmStateOff:
		return p.sys.event(p, txm.Machine, TxMachineModuleStr, LacpTxmEventLacpEnabled, nil)
	}
	return false
}

// kick sends a pdu when ntt is set and the rate limit allows it
func (txm *LacpTxMachine) kick() {
	p := txm.p
	if txm.Machine.Curr.CurrentState() != LacpTxmStateOn || !p.ntt {
		return
	}
	// nobody is going to listen
	if p.bothPassive() {
		p.ntt = false
		return
	}
	if txm.txPkts < LacpTxMaxPkts {
		p.sys.event(p, txm.Machine, TxMachineModuleStr, LacpTxmEventNtt, nil)
	} else {
		p.sys.event(p, txm.Machine, TxMachineModuleStr, LacpTxmEventDelayTx, nil)
	}
}

func (txm *LacpTxMachine) buildPdu() *packet.LACP {
	p := txm.p
	return &packet.LACP{
		Version: packet.LacpVersion,
		Actor:   p.ActorOper.toPdu(),
		Partner: p.PartnerOper.toPdu(),
	}
}

func (txm *LacpTxMachine) LacpTxmLog(msg string) {
	txm.p.LacpDebugEventLog(TxMachineModuleStr, msg)
}
