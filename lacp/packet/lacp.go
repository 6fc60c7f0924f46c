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

// 802.1AX 6.4.2.3 LACPDU structure, counted after the subtype octet
const (
	LacpVersion uint8 = 0x01

	LacpActorTlvType     uint8 = 0x01
	LacpPartnerTlvType   uint8 = 0x02
	LacpCollectorTlvType uint8 = 0x03
	LacpTerminatorType   uint8 = 0x00

	LacpActorTlvLength     uint8 = 20
	LacpPartnerTlvLength   uint8 = 20
	LacpCollectorTlvLength uint8 = 16

	lacpReservedLength = 50

	// LacpPduLength is the size of a LACPDU body following the subtype.
	LacpPduLength = 1 + 20 + 20 + 16 + 2 + lacpReservedLength
)

// LACPPortInfo is the content of an Actor or Partner information TLV.
type LACPPortInfo struct {
	SystemPriority uint16
	System         [6]uint8
	Key            uint16
	PortPriority   uint16
	Port           uint16
	State          uint8
}

func (i LACPPortInfo) String() string {
	return fmt.Sprintf("sys %d/%s key %d port %d/%d state 0x%02x",
		i.SystemPriority, net.HardwareAddr(i.System[:]), i.Key, i.PortPriority, i.Port, i.State)
}

// LACP is a version 1 LACPDU.
type LACP struct {
	layers.BaseLayer
	Version           uint8
	Actor             LACPPortInfo
	Partner           LACPPortInfo
	CollectorMaxDelay uint16
}

func (l *LACP) LayerType() gopacket.LayerType { return LayerTypeLACP }

func (l *LACP) CanDecode() gopacket.LayerClass { return LayerTypeLACP }

func (l *LACP) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func decodeInfoTlv(data []byte, tlvType uint8, info *LACPPortInfo) error {
	if data[0] != tlvType || data[1] != LacpActorTlvLength {
		return fmt.Errorf("lacp: bad info tlv type %d length %d", data[0], data[1])
	}
	info.SystemPriority = binary.BigEndian.Uint16(data[2:4])
	copy(info.System[:], data[4:10])
	info.Key = binary.BigEndian.Uint16(data[10:12])
	info.PortPriority = binary.BigEndian.Uint16(data[12:14])
	info.Port = binary.BigEndian.Uint16(data[14:16])
	info.State = data[16]
	return nil
}

func encodeInfoTlv(data []byte, tlvType uint8, info *LACPPortInfo) {
	data[0] = tlvType
	data[1] = LacpActorTlvLength
	binary.BigEndian.PutUint16(data[2:4], info.SystemPriority)
	copy(data[4:10], info.System[:])
	binary.BigEndian.PutUint16(data[10:12], info.Key)
	binary.BigEndian.PutUint16(data[12:14], info.PortPriority)
	binary.BigEndian.PutUint16(data[14:16], info.Port)
	data[16] = info.State
	data[17], data[18], data[19] = 0, 0, 0
}

func (l *LACP) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < LacpPduLength {
		df.SetTruncated()
		return ErrShortPdu
	}
	l.Version = data[0]
	if err := decodeInfoTlv(data[1:21], LacpActorTlvType, &l.Actor); err != nil {
		return err
	}
	if err := decodeInfoTlv(data[21:41], LacpPartnerTlvType, &l.Partner); err != nil {
		return err
	}
	if data[41] != LacpCollectorTlvType || data[42] != LacpCollectorTlvLength {
		return fmt.Errorf("lacp: bad collector tlv type %d length %d", data[41], data[42])
	}
	l.CollectorMaxDelay = binary.BigEndian.Uint16(data[43:45])
	l.BaseLayer = layers.BaseLayer{Contents: data[:LacpPduLength], Payload: data[LacpPduLength:]}
	return nil
}

func (l *LACP) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(LacpPduLength)
	if err != nil {
		return err
	}
	for i := range bytes {
		bytes[i] = 0
	}
	bytes[0] = l.Version
	encodeInfoTlv(bytes[1:21], LacpActorTlvType, &l.Actor)
	encodeInfoTlv(bytes[21:41], LacpPartnerTlvType, &l.Partner)
	bytes[41] = LacpCollectorTlvType
	bytes[42] = LacpCollectorTlvLength
	binary.BigEndian.PutUint16(bytes[43:45], l.CollectorMaxDelay)
	// collector reserved, terminator tlv and reserved octets stay zero
	return nil
}

func decodeLACP(data []byte, p gopacket.PacketBuilder) error {
	l := &LACP{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	return nil
}

// SerializeLACP returns a complete Ethernet frame carrying the LACPDU.
func SerializeLACP(src net.HardwareAddr, l *LACP) ([]byte, error) {
	if l.Version == 0 {
		l.Version = LacpVersion
	}
	return serialize(src, SlowProtocolTypeLACP, l)
}
