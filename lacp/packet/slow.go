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

// Package packet implements gopacket layers for the IEEE 802.3 Slow
// Protocols used by link aggregation: LACPDUs and Marker PDUs.
package packet

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EthernetTypeSlowProtocol is the 802.3 Annex 57A Slow Protocols ethertype.
const EthernetTypeSlowProtocol layers.EthernetType = 0x8809

// SlowProtocolDMAC is the Slow Protocols multicast group address.
var SlowProtocolDMAC = net.HardwareAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x02}

type SlowProtocolType uint8

const (
	SlowProtocolTypeLACP   SlowProtocolType = 0x01
	SlowProtocolTypeMarker SlowProtocolType = 0x02
)

func (t SlowProtocolType) String() string {
	switch t {
	case SlowProtocolTypeLACP:
		return "LACP"
	case SlowProtocolTypeMarker:
		return "Marker"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// layer type numbers are taken well above the gopacket reserved range
var (
	LayerTypeSlowProtocol = gopacket.RegisterLayerType(3080,
		gopacket.LayerTypeMetadata{Name: "SlowProtocol", Decoder: gopacket.DecodeFunc(decodeSlowProtocol)})
	LayerTypeLACP = gopacket.RegisterLayerType(3081,
		gopacket.LayerTypeMetadata{Name: "LACP", Decoder: gopacket.DecodeFunc(decodeLACP)})
	LayerTypeMarker = gopacket.RegisterLayerType(3082,
		gopacket.LayerTypeMetadata{Name: "Marker", Decoder: gopacket.DecodeFunc(decodeMarker)})
)

func init() {
	layers.EthernetTypeMetadata[EthernetTypeSlowProtocol] = layers.EnumMetadata{
		DecodeWith: gopacket.DecodeFunc(decodeSlowProtocol),
		Name:       "SlowProtocol",
		LayerType:  LayerTypeSlowProtocol,
	}
}

// ErrShortPdu is returned when a PDU is shorter than its fixed wire size.
var ErrShortPdu = errors.New("slow protocol pdu too short")

// SlowProtocol is the one byte subtype header shared by LACP and Marker.
type SlowProtocol struct {
	layers.BaseLayer
	SubType SlowProtocolType
}

func (s *SlowProtocol) LayerType() gopacket.LayerType { return LayerTypeSlowProtocol }

func (s *SlowProtocol) CanDecode() gopacket.LayerClass { return LayerTypeSlowProtocol }

func (s *SlowProtocol) NextLayerType() gopacket.LayerType {
	switch s.SubType {
	case SlowProtocolTypeLACP:
		return LayerTypeLACP
	case SlowProtocolTypeMarker:
		return LayerTypeMarker
	}
	return gopacket.LayerTypePayload
}

func (s *SlowProtocol) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 1 {
		df.SetTruncated()
		return ErrShortPdu
	}
	s.SubType = SlowProtocolType(data[0])
	s.BaseLayer = layers.BaseLayer{Contents: data[:1], Payload: data[1:]}
	return nil
}

func (s *SlowProtocol) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(1)
	if err != nil {
		return err
	}
	bytes[0] = uint8(s.SubType)
	return nil
}

func decodeSlowProtocol(data []byte, p gopacket.PacketBuilder) error {
	s := &SlowProtocol{}
	if err := s.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(s)
	return p.NextDecoder(s.NextLayerType())
}

// serialize builds an Ethernet frame carrying the given slow protocol pdu.
func serialize(src net.HardwareAddr, subType SlowProtocolType, pdu gopacket.SerializableLayer) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       SlowProtocolDMAC,
		EthernetType: EthernetTypeSlowProtocol,
	}
	slow := SlowProtocol{SubType: subType}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &slow, pdu); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsControlFrame reports whether the packet is addressed to the slow
// protocols group and carries the slow protocols ethertype.
func IsControlFrame(packet gopacket.Packet) bool {
	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return false
	}
	eth := ethLayer.(*layers.Ethernet)
	if !bytes.Equal(eth.DstMAC, SlowProtocolDMAC) || eth.EthernetType != EthernetTypeSlowProtocol {
		return false
	}
	return packet.Layer(LayerTypeSlowProtocol) != nil
}
