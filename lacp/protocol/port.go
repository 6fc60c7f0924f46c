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

// port
package lacp

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/oshothebig/l2/lacp/packet"
)

type PortProperties struct {
	Mac net.HardwareAddr
	// Mb/s, 0 when unknown
	Speed  int
	Duplex int
	Mtu    int
}

type LacpPortInfo struct {
	System  LacpSystem
	Key     uint16
	PortPri uint16
	Port    uint16
	State   uint8
}

func (i LacpPortInfo) toPdu() packet.LACPPortInfo {
	return packet.LACPPortInfo{
		SystemPriority: i.System.Priority,
		System:         i.System.Mac,
		Key:            i.Key,
		PortPriority:   i.PortPri,
		Port:           i.Port,
		State:          i.State,
	}
}

func lacpPortInfoFromPdu(info packet.LACPPortInfo) LacpPortInfo {
	return LacpPortInfo{
		System:  lacpSystemFromPdu(info),
		Key:     info.Key,
		PortPri: info.PortPriority,
		Port:    info.Port,
		State:   info.State,
	}
}

// LacpLacpPortInfoIsEqual compares identity fields and the given state bits.
func LacpLacpPortInfoIsEqual(aP *LacpPortInfo, bP *LacpPortInfo, StateBits uint8) bool {
	return aP.System == bP.System &&
		aP.Key == bP.Key &&
		aP.PortPri == bP.PortPri &&
		aP.Port == bP.Port &&
		(aP.State&StateBits) == (bP.State&StateBits)
}

type LacpCounters struct {
	LacpInPkts           uint64
	LacpOutPkts          uint64
	LacpRxErrors         uint64
	LacpTxErrors         uint64
	LacpUnknownErrors    uint64
	MarkerPDUsRx         uint64
	MarkerResponsePDUsRx uint64
	MarkerResponsePDUsTx uint64
	ActorChurnCount      uint64
	PartnerChurnCount    uint64
}

// PortConfig is the administrative configuration of an aggregation port.
type PortConfig struct {
	// Actor_Port_Number, the interface index
	Id uint16
	// Actor_Port_priority
	Prio uint16
	// Actor_Port_Aggregator_Identifier
	AggId    int
	IntfName string

	Properties PortProperties
	LinkUp     bool
}

// effects returned by machine actions and applied by the System

type TimerStart struct {
	Timer    TimerType
	Duration time.Duration
}

type TimerStop struct {
	Timer TimerType
}

// SelectionRequest asks for the aggregator selection logic to run.
type SelectionRequest struct{}

// LagUpdate asks for the port's LAG membership to be recomputed from
// its partner record.
type LagUpdate struct{}

type DistributingEnable struct{}

type DistributingDisable struct{}

type TxPdu struct {
	Pdu *packet.LACP
}

// 802.1ax Section 6.4.7 Port attributes
type LaAggPort struct {
	PortNum  uint16
	portPri  uint16
	IntfName string
	AggId    int

	Properties PortProperties
	LinkUp     bool

	// LACP_Enabled: false in static (mode on) aggregators
	lacpEnabled bool

	// Selected
	aggSelected int
	// Ready_N
	readyN bool
	// NTT
	ntt bool
	// port_moved
	portMoved bool

	// LAG this port's partner record currently matches, 0 for none
	lagId int

	ActorAdmin   LacpPortInfo
	ActorOper    LacpPortInfo
	PartnerAdmin LacpPortInfo
	PartnerOper  LacpPortInfo

	Counters LacpCounters

	timers [timerTypeMax]portTimer
	debug  LacpDebug

	RxMachineFsm  *LacpRxMachine
	PtxMachineFsm *LacpPtxMachine
	TxMachineFsm  *LacpTxMachine
	MuxMachineFsm *LacpMuxMachine
	CdMachineFsm  *LacpCdMachine
	PCdMachineFsm *LacpCdMachine

	sys    *System
	logger *zap.Logger
}

func newLaAggPort(s *System, agg *LaAggregator, cfg PortConfig) *LaAggPort {
	prio := cfg.Prio
	if prio == 0 {
		prio = LacpPortPriorityDefault
	}
	p := &LaAggPort{
		PortNum:     cfg.Id,
		portPri:     prio,
		IntfName:    cfg.IntfName,
		AggId:       agg.AggId,
		Properties:  cfg.Properties,
		LinkUp:      cfg.LinkUp,
		aggSelected: LacpAggUnSelected,
		sys:         s,
		logger: s.logger.Named("port").With(
			zap.Uint16("port", cfg.Id),
			zap.String("intf", cfg.IntfName)),
	}

	p.ActorAdmin = LacpPortInfo{
		System:  s.Id,
		Key:     agg.ActorAdminKey,
		PortPri: prio,
		Port:    cfg.Id,
	}
	p.PartnerAdmin = LacpPortInfo{
		State: LacpStatePartnerAdminDefault,
	}
	p.applyMode(agg)
	p.ActorOper = p.ActorAdmin
	p.PartnerOper = p.PartnerAdmin

	p.RxMachineFsm = LacpRxMachineFSMBuild(p)
	p.PtxMachineFsm = LacpPtxMachineFSMBuild(p)
	p.TxMachineFsm = LacpTxMachineFSMBuild(p)
	p.MuxMachineFsm = LacpMuxMachineFSMBuild(p)
	p.CdMachineFsm = LacpActorCdMachineFSMBuild(p)
	p.PCdMachineFsm = LacpPartnerCdMachineFSMBuild(p)
	return p
}

// applyMode derives LACP_Enabled and the actor admin state from the
// aggregator's mode and timeout.
func (p *LaAggPort) applyMode(agg *LaAggregator) {
	p.lacpEnabled = agg.Mode != LacpModeOn
	state := uint8(LacpStateAggregationBit | LacpStateDefaultedBit)
	if agg.Mode == LacpModeActive {
		LacpStateSet(&state, LacpStateActivityBit)
	}
	if agg.Timeout == LacpShortTimeoutTime {
		LacpStateSet(&state, LacpStateTimeoutBit)
	}
	p.ActorAdmin.State = state
	p.ActorAdmin.Key = agg.ActorAdminKey
}

// BEGIN: force every machine back to its initial state
func (p *LaAggPort) BEGIN(restart bool) {
	s := p.sys
	if restart {
		s.timerStopAll(p)
		p.ActorOper = p.ActorAdmin
	}
	s.event(p, p.RxMachineFsm.Machine, "BEGIN", LacpRxmEventBegin, nil)
	s.event(p, p.MuxMachineFsm.Machine, "BEGIN", LacpMuxmEventBegin, nil)
	s.event(p, p.PtxMachineFsm.Machine, "BEGIN", LacpPtxmEventBegin, nil)
	s.event(p, p.TxMachineFsm.Machine, "BEGIN", LacpTxmEventBegin, nil)
	s.event(p, p.CdMachineFsm.Machine, "BEGIN", LacpCdmEventBegin, nil)
	s.event(p, p.PCdMachineFsm.Machine, "BEGIN", LacpCdmEventBegin, nil)
}

func (p *LaAggPort) isHalfDuplex() bool {
	return p.Properties.Duplex == LacpPortDuplexHalf
}

// portEnabled is the MAC operational condition LACP cares about: link up
// and not known to be half duplex.
func (p *LaAggPort) portEnabled() bool {
	return p.LinkUp && !p.isHalfDuplex()
}

func (p *LaAggPort) bothPassive() bool {
	return LacpModeGet(p.ActorOper.State, p.lacpEnabled) == LacpModePassive &&
		LacpModeGet(p.PartnerOper.State, p.lacpEnabled) == LacpModePassive
}

// IsPortAggregatable reports whether the port can be Selected right now.
func (p *LaAggPort) IsPortAggregatable() bool {
	rx := p.RxMachineFsm.Machine.Curr.CurrentState()
	return p.lacpEnabled &&
		p.portEnabled() &&
		(rx == LacpRxmStateCurrent || rx == LacpRxmStateExpired) &&
		LacpStateIsSet(p.ActorOper.State, LacpStateAggregationBit) &&
		LacpStateIsSet(p.PartnerOper.State, LacpStateAggregationBit) &&
		p.lagId != 0
}

// linkDownGuarded is a Selected port riding out a link down on the guard timer.
func (p *LaAggPort) linkDownGuarded() bool {
	return p.aggSelected == LacpAggSelected &&
		p.RxMachineFsm.Machine.Curr.CurrentState() == LacpRxmStatePortDisabled &&
		p.timerArmed(TimerTypeLinkDownGuard)
}

// 6.4.9 recordDefault
func (p *LaAggPort) recordDefault() {
	p.PartnerOper = p.PartnerAdmin
	LacpStateSet(&p.ActorOper.State, LacpStateDefaultedBit)
}

func (p *LaAggPort) partnerDefaulted() bool {
	return LacpStateIsSet(p.ActorOper.State, LacpStateDefaultedBit)
}

// lagIdentity is the partner identity a LAG is keyed on; ok is false
// while the partner record is defaulted.
func (p *LaAggPort) lagIdentity() (LaLagId, bool) {
	if p.partnerDefaulted() {
		return LaLagId{}, false
	}
	return LaLagId{System: p.PartnerOper.System, Key: p.PartnerOper.Key}, true
}
