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

// rx will take care of parsing a received frame from a port;
// if checks pass the pdu is passed to the rx machine or the
// marker responder
package lacp

import (
	"slices"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/oshothebig/l2/lacp/packet"
)

const RxModuleStr = "Rx Module"

// HandleFrame decodes a raw Ethernet frame received on a port and
// dispatches it. Frames that are not slow protocol frames are counted
// and dropped.
func (s *System) HandleFrame(portNum uint16, frame []byte) error {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)

	if !packet.IsControlFrame(pkt) {
		s.countRxError(portNum, false)
		return nil
	}
	if l := pkt.Layer(packet.LayerTypeLACP); l != nil {
		return s.HandleLacpPdu(portNum, l.(*packet.LACP))
	}
	if l := pkt.Layer(packet.LayerTypeMarker); l != nil {
		return s.HandleMarker(portNum, l.(*packet.Marker))
	}
	// slow protocol frame for another subtype, or one that failed to decode
	s.countRxError(portNum, pkt.ErrorLayer() != nil)
	return nil
}

func (s *System) countRxError(portNum uint16, invalid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.PortMap[portNum]
	if !ok {
		return
	}
	if invalid {
		p.Counters.LacpRxErrors++
	} else {
		p.Counters.LacpUnknownErrors++
	}
}

// HandleLacpPdu hands a decoded LACPDU to the receive machine of the
// port it arrived on.
func (s *System) HandleLacpPdu(portNum uint16, pdu *packet.LACP) error {
	s.mu.Lock()
	defer s.unlock()

	p, ok := s.PortMap[portNum]
	if !ok {
		return ErrPortNotFound{Port: portNum}
	}
	p.Counters.LacpInPkts++

	s.detectPortMoved(p, pdu)

	if !p.lacpEnabled {
		p.logger.Debug("lacpdu dropped, lacp disabled")
		return nil
	}
	switch p.RxMachineFsm.Machine.Curr.CurrentState() {
	case LacpRxmStateExpired, LacpRxmStateDefaulted, LacpRxmStateCurrent:
		s.event(p, p.RxMachineFsm.Machine, RxModuleStr, LacpRxmEventLacpPktRx, pdu)
	default:
		p.logger.Debug("lacpdu dropped",
			zap.String("rxState", RxmStateStrMap[p.RxMachineFsm.Machine.Curr.CurrentState()]))
	}
	s.settle(s.AggMap[p.AggId])
	return nil
}

// detectPortMoved flags any other disabled port whose partner record
// claims the partner port that just spoke on p: the cable moved.
func (s *System) detectPortMoved(p *LaAggPort, pdu *packet.LACP) {
	actor := lacpPortInfoFromPdu(pdu.Actor)
	for _, pn := range sortedPortNums(s.PortMap) {
		q := s.PortMap[pn]
		if q == p ||
			q.RxMachineFsm.Machine.Curr.CurrentState() != LacpRxmStatePortDisabled ||
			q.partnerDefaulted() {
			continue
		}
		if q.PartnerOper.Port == actor.Port && q.PartnerOper.System == actor.System {
			q.logger.Info("port moved", zap.Uint16("to", p.PortNum))
			q.portMoved = true
			if q.AggId != p.AggId {
				s.settle(s.AggMap[q.AggId])
			}
		}
	}
}

func sortedPortNums(m map[uint16]*LaAggPort) []uint16 {
	nums := make([]uint16, 0, len(m))
	for pn := range m {
		nums = append(nums, pn)
	}
	slices.Sort(nums)
	return nums
}

// LinkChange records a port's new link state and media properties.
// Speed is in Mb/s; properties are left alone on link down.
func (s *System) LinkChange(portNum uint16, up bool, speed int, duplex int) error {
	s.mu.Lock()
	defer s.unlock()

	p, ok := s.PortMap[portNum]
	if !ok {
		return ErrPortNotFound{Port: portNum}
	}
	if up {
		if speed != p.Properties.Speed || duplex != p.Properties.Duplex {
			s.AggMap[p.AggId].selectionPending = true
		}
		p.Properties.Speed = speed
		p.Properties.Duplex = duplex
	}
	if up != p.LinkUp {
		p.logger.Info("link changed", zap.Bool("up", up), zap.Int("speed", speed))
		p.LinkUp = up
		s.AggMap[p.AggId].selectionPending = true
	}
	s.settle(s.AggMap[p.AggId])
	return nil
}
