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

// markerpdu
package lacp

import (
	"go.uber.org/zap"

	"github.com/oshothebig/l2/lacp/packet"
)

// HandleMarker runs the marker responder: a Marker Information PDU is
// echoed back as a Marker Response on the port it arrived on.
// Responses to our own markers are only counted.
func (s *System) HandleMarker(portNum uint16, m *packet.Marker) error {
	s.mu.Lock()
	defer s.unlock()

	p, ok := s.PortMap[portNum]
	if !ok {
		return ErrPortNotFound{Port: portNum}
	}
	if m.IsResponse() {
		p.Counters.MarkerResponsePDUsRx++
		return nil
	}
	p.Counters.MarkerPDUsRx++
	if !p.lacpEnabled {
		return nil
	}

	frame, err := packet.SerializeMarker(p.Properties.Mac, m.Response())
	if err != nil {
		p.Counters.LacpTxErrors++
		return err
	}
	if s.txFunc != nil {
		if err := s.txFunc(p.PortNum, frame); err != nil {
			p.Counters.LacpTxErrors++
			p.logger.Debug("marker response send failed", zap.Error(err))
			return nil
		}
	}
	p.Counters.MarkerResponsePDUsTx++
	return nil
}
