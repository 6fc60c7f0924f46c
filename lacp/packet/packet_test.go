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
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSrc = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

func testLacp() *LACP {
	return &LACP{
		Actor: LACPPortInfo{
			SystemPriority: 0x8000,
			System:         [6]uint8{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
			Key:            100,
			PortPriority:   0x80,
			Port:           7,
			State:          0x3d,
		},
		Partner: LACPPortInfo{
			SystemPriority: 0x8000,
			System:         [6]uint8{0x00, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e},
			Key:            200,
			PortPriority:   0x80,
			Port:           9,
			State:          0x05,
		},
	}
}

func TestLacpFrameLayout(t *testing.T) {
	frame, err := SerializeLACP(testSrc, testLacp())
	require.NoError(t, err)
	require.Len(t, frame, 14+1+LacpPduLength)

	assert.Equal(t, []byte(SlowProtocolDMAC), frame[0:6])
	assert.Equal(t, []byte(testSrc), frame[6:12])
	assert.Equal(t, []byte{0x88, 0x09}, frame[12:14])

	body := frame[14:]
	assert.Equal(t, uint8(SlowProtocolTypeLACP), body[0])
	assert.Equal(t, LacpVersion, body[1])
	// actor tlv
	assert.Equal(t, []byte{0x01, 0x14, 0x80, 0x00}, body[2:6])
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, body[6:12])
	assert.Equal(t, []byte{0x00, 0x64, 0x00, 0x80, 0x00, 0x07, 0x3d}, body[12:19])
	// partner tlv
	assert.Equal(t, []byte{0x02, 0x14}, body[22:24])
	// collector tlv
	assert.Equal(t, []byte{0x03, 0x10}, body[42:44])
	// terminator
	assert.Equal(t, []byte{0x00, 0x00}, body[58:60])
}

func TestLacpDecode(t *testing.T) {
	in := testLacp()
	in.CollectorMaxDelay = 5
	frame, err := SerializeLACP(testSrc, in)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	assert.True(t, IsControlFrame(pkt))

	slow, ok := pkt.Layer(LayerTypeSlowProtocol).(*SlowProtocol)
	require.True(t, ok)
	assert.Equal(t, SlowProtocolTypeLACP, slow.SubType)

	out, ok := pkt.Layer(LayerTypeLACP).(*LACP)
	require.True(t, ok)
	assert.Equal(t, in.Actor, out.Actor)
	assert.Equal(t, in.Partner, out.Partner)
	assert.Equal(t, uint16(5), out.CollectorMaxDelay)
}

func TestLacpShortPduIsRejected(t *testing.T) {
	frame, err := SerializeLACP(testSrc, testLacp())
	require.NoError(t, err)

	short := frame[:14+1+40]
	pkt := gopacket.NewPacket(short, layers.LayerTypeEthernet, gopacket.Default)
	assert.NotNil(t, pkt.ErrorLayer())
	assert.Nil(t, pkt.Layer(LayerTypeLACP))
}

func TestLacpBadTlvIsRejected(t *testing.T) {
	frame, err := SerializeLACP(testSrc, testLacp())
	require.NoError(t, err)

	frame[14+2] = 0x09
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	assert.NotNil(t, pkt.ErrorLayer())
	assert.Nil(t, pkt.Layer(LayerTypeLACP))
}

func TestMarkerResponseEchoesRequest(t *testing.T) {
	req := &Marker{
		TlvType:         MarkerTlvTypeInfo,
		RequesterPort:   3,
		RequesterSystem: [6]uint8{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		TransactionId:   0xdeadbeef,
	}
	reqFrame, err := SerializeMarker(testSrc, req)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(reqFrame, layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	decoded, ok := pkt.Layer(LayerTypeMarker).(*Marker)
	require.True(t, ok)
	assert.False(t, decoded.IsResponse())

	respFrame, err := SerializeMarker(testSrc, decoded.Response())
	require.NoError(t, err)
	require.Equal(t, len(reqFrame), len(respFrame))

	// identical except for the tlv type octet after subtype and version
	typeOffset := 14 + 2
	for i := range reqFrame {
		if i == typeOffset {
			assert.Equal(t, MarkerTlvTypeInfo, reqFrame[i])
			assert.Equal(t, MarkerTlvTypeResponse, respFrame[i])
			continue
		}
		assert.Equal(t, reqFrame[i], respFrame[i], "offset %d", i)
	}
}

func TestNonSlowFrameIsNotControl(t *testing.T) {
	eth := layers.Ethernet{
		SrcMAC:       testSrc,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&eth, gopacket.Payload(make([]byte, 46))))

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	assert.False(t, IsControlFrame(pkt))
}
