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

// CHURN DETECTION MACHINE 802.1ax-2014 Section 6.4.17
package lacp

import (
	"go.uber.org/zap"

	"github.com/oshothebig/l2/lacp/protocol/fsm"
)

const CdMachineModuleStr = "Actor Churn Detection Machine"
const PCdMachineModuleStr = "Partner Churn Detection Machine"

const (
	LacpCdmStateNone fsm.State = iota + 1
	LacpCdmStateNoChurn
	LacpCdmStateChurnMonitor
	LacpCdmStateChurn
)

var CdmStateStrMap = map[fsm.State]string{
	LacpCdmStateNone:         "None",
	LacpCdmStateNoChurn:      "NoActorChurn",
	LacpCdmStateChurnMonitor: "ActorChurnMonitor",
	LacpCdmStateChurn:        "ActorChurn",
}

var PCdmStateStrMap = map[fsm.State]string{
	LacpCdmStateNone:         "None",
	LacpCdmStateNoChurn:      "NoPartnerChurn",
	LacpCdmStateChurnMonitor: "PartnerChurnMonitor",
	LacpCdmStateChurn:        "PartnerChurn",
}

const (
	LacpCdmEventBegin = iota + 1
	LacpCdmEventNotPortEnabled
	LacpCdmEventOperPortStateSyncOn
	LacpCdmEventOperPortStateSyncOff
	LacpCdmEventChurnTimerExpired
)

// LacpCdMachine watches one side's Synchronization bit. The actor and
// partner instances differ only in which bit, timer and counter they
// use.
type LacpCdMachine struct {
	Machine *fsm.Machine

	p     *LaAggPort
	owner string
	timer TimerType
	// actor_churn or partner_churn
	churn bool
	count *uint64
	sync  func() bool
}

func (cdm *LacpCdMachine) Apply(r *fsm.Ruleset, strMap map[fsm.State]string) *fsm.Machine {
	if cdm.Machine == nil {
		cdm.Machine = &fsm.Machine{}
	}

	cdm.Machine.Rules = r
	cdm.Machine.Curr = &LacpStateEvent{
		strStateMap: strMap,
		logEna:      true,
		logger:      cdm.LacpCdmLog,
		owner:       cdm.owner,
	}
	return cdm.Machine
}

// LacpCdMachineChurnMonitor clears the churn flag and gives the port
// Churn_Detection_Time to reach synchronization
func (cdm *LacpCdMachine) LacpCdMachineChurnMonitor(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	cdm.churn = false
	return LacpCdmStateChurnMonitor, []fsm.Effect{
		TimerStart{Timer: cdm.timer, Duration: LacpChurnDetectionTime},
	}
}

// LacpCdMachineChurnMonitorHold is CHURN_MONITOR re-entered for as
// long as the port is disabled: the timer only runs once it is enabled
func (cdm *LacpCdMachine) LacpCdMachineChurnMonitorHold(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	cdm.churn = false
	return LacpCdmStateChurnMonitor, []fsm.Effect{TimerStop{Timer: cdm.timer}}
}

func (cdm *LacpCdMachine) LacpCdMachineNoChurn(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	cdm.churn = false
	return LacpCdmStateNoChurn, []fsm.Effect{TimerStop{Timer: cdm.timer}}
}

func (cdm *LacpCdMachine) LacpCdMachineChurn(m *fsm.Machine, data interface{}) (fsm.State, []fsm.Effect) {
	cdm.churn = true
	*cdm.count++
	cdm.p.logger.Warn("churn detected", zap.String("machine", cdm.owner))
	return LacpCdmStateChurn, nil
}

func lacpCdMachineFSMBuild(p *LaAggPort, owner string, timer TimerType, count *uint64, sync func() bool, strMap map[fsm.State]string) *LacpCdMachine {
	rules := fsm.Ruleset{}

	cdm := &LacpCdMachine{
		p:     p,
		owner: owner,
		timer: timer,
		count: count,
		sync:  sync,
	}

	for _, s := range []fsm.State{
		LacpCdmStateNone,
		LacpCdmStateNoChurn,
		LacpCdmStateChurnMonitor,
		LacpCdmStateChurn,
	} {
		// BEGIN -> CHURN MONITOR
		rules.AddRule(s, LacpCdmEventBegin, cdm.LacpCdMachineChurnMonitor)
		// PORT DISABLED -> CHURN MONITOR
		rules.AddRule(s, LacpCdmEventNotPortEnabled, cdm.LacpCdMachineChurnMonitorHold)
	}
	// SYNC -> NO CHURN
	rules.AddRule(LacpCdmStateChurnMonitor, LacpCdmEventOperPortStateSyncOn, cdm.LacpCdMachineNoChurn)
	rules.AddRule(LacpCdmStateChurn, LacpCdmEventOperPortStateSyncOn, cdm.LacpCdMachineNoChurn)
	// CHURN TIMER EXPIRED -> CHURN
	rules.AddRule(LacpCdmStateChurnMonitor, LacpCdmEventChurnTimerExpired, cdm.LacpCdMachineChurn)
	// NOT SYNC -> CHURN MONITOR
	rules.AddRule(LacpCdmStateNoChurn, LacpCdmEventOperPortStateSyncOff, cdm.LacpCdMachineChurnMonitor)

	cdm.Apply(&rules, strMap)
	cdm.Machine.Start(LacpCdmStateNone)
	return cdm
}

func LacpActorCdMachineFSMBuild(p *LaAggPort) *LacpCdMachine {
	return lacpCdMachineFSMBuild(p, CdMachineModuleStr, TimerTypeActorChurn, &p.Counters.ActorChurnCount,
		func() bool { return LacpStateIsSet(p.ActorOper.State, LacpStateSyncBit) },
		CdmStateStrMap)
}

func LacpPartnerCdMachineFSMBuild(p *LaAggPort) *LacpCdMachine {
	return lacpCdMachineFSMBuild(p, PCdMachineModuleStr, TimerTypePartnerChurn, &p.Counters.PartnerChurnCount,
		func() bool { return LacpStateIsSet(p.PartnerOper.State, LacpStateSyncBit) },
		PCdmStateStrMap)
}

// monitoring reports whether the port is in a condition where churn
// can be judged at all.
func (cdm *LacpCdMachine) monitoring() bool {
	return cdm.p.lacpEnabled && cdm.p.portEnabled()
}

// evaluate processes at most one event based on the port's current
// conditions and reports whether it did
func (cdm *LacpCdMachine) evaluate() bool {
	p := cdm.p
	state := cdm.Machine.Curr.CurrentState()
	held := state == LacpCdmStateChurnMonitor && !p.timerArmed(cdm.timer)

	var e fsm.Event
	switch {
	case !cdm.monitoring():
		if held {
			return false
		}
		e = LacpCdmEventNotPortEnabled
	case state == LacpCdmStateNone || held:
		e = LacpCdmEventBegin
	case cdm.sync() && state != LacpCdmStateNoChurn:
		e = LacpCdmEventOperPortStateSyncOn
	case !cdm.sync() && state == LacpCdmStateNoChurn:
		e = LacpCdmEventOperPortStateSyncOff
	}
	if e == 0 {
		return false
	}
	return p.sys.event(p, cdm.Machine, cdm.owner, e, nil)
}

func (cdm *LacpCdMachine) expired() {
	cdm.p.sys.event(cdm.p, cdm.Machine, cdm.owner, LacpCdmEventChurnTimerExpired, nil)
}

func (cdm *LacpCdMachine) LacpCdmLog(msg string) {
	cdm.p.LacpDebugEventLog(cdm.owner, msg)
}
