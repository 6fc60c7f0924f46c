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

// status
package lacp

// PortStatus is a snapshot of one port's protocol state.
type PortStatus struct {
	PortNum  uint16
	IntfName string
	AggId    int

	LinkUp bool
	Speed  int
	Duplex int

	RxState  string
	PtxState string
	TxState  string
	MuxState string
	CdState  string
	PCdState string
	Selected string

	ActorChurn   bool
	PartnerChurn bool

	Actor   LacpPortInfo
	Partner LacpPortInfo

	LagId        int
	Distributing bool
	Counters     LacpCounters
	// recent machine transitions, oldest first
	Events []string
}

// LagStatus describes one candidate LAG.
type LagStatus struct {
	Id        int
	Partner   LaLagId
	Ports     []uint16
	NSelected int
	Speed     int
	Active    bool
}

// AggStatus is a snapshot of one aggregator.
type AggStatus struct {
	Id             int
	Name           string
	Key            uint16
	Mode           string
	MaxActivePorts int
	LinkUp         bool
	Ports          []uint16
	Lags           []LagStatus
	Distributing   []uint16
}

// PortStatus returns a snapshot of the port.
func (s *System) PortStatus(portNum uint16) (PortStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.PortMap[portNum]
	if !ok {
		return PortStatus{}, ErrPortNotFound{Port: portNum}
	}
	ps := PortStatus{
		PortNum:  p.PortNum,
		IntfName: p.IntfName,
		AggId:    p.AggId,
		LinkUp:   p.LinkUp,
		Speed:    p.Properties.Speed,
		Duplex:   p.Properties.Duplex,
		RxState:  RxmStateStrMap[p.RxMachineFsm.Machine.Curr.CurrentState()],
		PtxState: PtxmStateStrMap[p.PtxMachineFsm.Machine.Curr.CurrentState()],
		TxState:  TxmStateStrMap[p.TxMachineFsm.Machine.Curr.CurrentState()],
		MuxState: MuxmStateStrMap[p.MuxMachineFsm.Machine.Curr.CurrentState()],
		CdState:  CdmStateStrMap[p.CdMachineFsm.Machine.Curr.CurrentState()],
		PCdState: PCdmStateStrMap[p.PCdMachineFsm.Machine.Curr.CurrentState()],
		Selected: LacpAggSelectedStrMap[p.aggSelected],

		ActorChurn:   p.CdMachineFsm.churn,
		PartnerChurn: p.PCdMachineFsm.churn,
		Actor:        p.ActorOper,
		Partner:      p.PartnerOper,
		LagId:        p.lagId,
		Counters:     p.Counters,
		Events:       p.debug.Events(),
	}
	if agg, ok := s.AggMap[p.AggId]; ok {
		ps.Distributing = agg.isDistributing(p.PortNum)
	}
	return ps, nil
}

// AggStatus returns a snapshot of the aggregator and its LAGs.
func (s *System) AggStatus(aggId int) (AggStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.AggMap[aggId]
	if !ok {
		return AggStatus{}, ErrAggNotFound{Id: aggId}
	}
	as := AggStatus{
		Id:             agg.AggId,
		Name:           agg.AggName,
		Key:            agg.ActorAdminKey,
		Mode:           LacpModeStrMap[agg.Mode],
		MaxActivePorts: agg.MaxActivePorts,
		LinkUp:         agg.linkUp,
		Ports:          append([]uint16(nil), agg.PortNumList...),
		Distributing:   append([]uint16(nil), agg.distributing...),
	}
	for _, lag := range agg.sortedLags() {
		as.Lags = append(as.Lags, LagStatus{
			Id:        lag.Id,
			Partner:   lag.Partner,
			Ports:     append([]uint16(nil), lag.PortNumList...),
			NSelected: lag.nSelected,
			Speed:     lag.Speed,
			Active:    lag.Id == agg.activeLagId,
		})
	}
	return as, nil
}
