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

package packet

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// 802.3 Annex 43B Marker PDU, counted after the subtype octet
const (
	MarkerVersion uint8 = 0x01

	MarkerTlvTypeInfo     uint8 = 0x01
	MarkerTlvTypeResponse uint8 = 0x02
	MarkerTlvLength       uint8 = 16

	markerReservedLength = 90

	// MarkerPduLength is the size of a Marker PDU body following the subtype.
	MarkerPduLength = 1 + 16 + 2 + markerReservedLength
)

// Marker is a Marker Information or Marker Response PDU.
type Marker struct {
	layers.BaseLayer
	Version         uint8
	TlvType         uint8
	RequesterPort   uint16
	RequesterSystem [6]uint8
	TransactionId   uint32
}

func (m *Marker) LayerType() gopacket.LayerType { return LayerTypeMarker }

func (m *Marker) CanDecode() gopacket.LayerClass { return LayerTypeMarker }

func (m *Marker) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (m *Marker) IsResponse() bool { return m.TlvType == MarkerTlvTypeResponse }

func (m *Marker) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < MarkerPduLength {
		df.SetTruncated()
		return ErrShortPdu
	}
	m.Version = data[0]
	m.TlvType = data[1]
	if (m.TlvType != MarkerTlvTypeInfo && m.TlvType != MarkerTlvTypeResponse) || data[2] != MarkerTlvLength {
		return fmt.Errorf("marker: bad tlv type %d length %d", data[1], data[2])
	}
	m.RequesterPort = binary.BigEndian.Uint16(data[3:5])
	copy(m.RequesterSystem[:], data[5:11])
	m.TransactionId = binary.BigEndian.Uint32(data[11:15])
	m.BaseLayer = layers.BaseLayer{Contents: data[:MarkerPduLength], Payload: data[MarkerPduLength:]}
	return nil
}

func (m *Marker) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(MarkerPduLength)
	if err != nil {
		return err
	}
	for i := range bytes {
		bytes[i] = 0
	}
	bytes[0] = m.Version
	bytes[1] = m.TlvType
	bytes[2] = MarkerTlvLength
	binary.BigEndian.PutUint16(bytes[3:5], m.RequesterPort)
	copy(bytes[5:11], m.RequesterSystem[:])
	binary.BigEndian.PutUint32(bytes[11:15], m.TransactionId)
	return nil
}

func decodeMarker(data []byte, p gopacket.PacketBuilder) error {
	m := &Marker{}
	if err := m.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(m)
	return nil
}

// Response returns the Marker Response answering m; only the tlv type differs.
func (m *Marker) Response() *Marker {
	return &Marker{
		Version:         m.Version,
		TlvType:         MarkerTlvTypeResponse,
		RequesterPort:   m.RequesterPort,
		RequesterSystem: m.RequesterSystem,
		TransactionId:   m.TransactionId,
	}
}

// SerializeMarker returns a complete Ethernet frame carrying the Marker PDU.
func SerializeMarker(src net.HardwareAddr, m *Marker) ([]byte, error) {
	if m.Version == 0 {
		m.Version = MarkerVersion
	}
	return serialize(src, SlowProtocolTypeMarker, m)
}
