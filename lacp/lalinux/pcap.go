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

// pcap.go
package lalinux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	lacp "github.com/oshothebig/l2/lacp/protocol"
	"github.com/oshothebig/l2/lacp/server"
)

// only Slow Protocols frames reach the engine
const slowProtocolsFilter = "ether proto 0x8809"

// PcapDriver opens member ports as pcap handles.
type PcapDriver struct {
	logger *zap.Logger
	eth    *ethtool.Ethtool
}

// NewPcapDriver returns a driver. Media speed and duplex are unknown
// if the ethtool socket cannot be opened.
func NewPcapDriver(logger *zap.Logger) *PcapDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &PcapDriver{logger: logger.Named("pcap")}
	eth, err := ethtool.NewEthtool()
	if err != nil {
		d.logger.Warn("ethtool unavailable, port speed unknown", zap.Error(err))
	} else {
		d.eth = eth
	}
	return d
}

func (d *PcapDriver) Close() {
	if d.eth != nil {
		d.eth.Close()
	}
}

func (d *PcapDriver) OpenPort(name string) (server.PortHandle, error) {
	intf, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	if intf.Index > math.MaxUint16 {
		return nil, fmt.Errorf("%s: ifindex %d out of range", name, intf.Index)
	}
	handle, err := pcap.OpenLive(name, 65536, false, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("pcap open %s: %w", name, err)
	}
	if err := handle.SetBPFFilter(slowProtocolsFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("pcap filter %s: %w", name, err)
	}
	if err := handle.SetDirection(pcap.DirectionIn); err != nil {
		d.logger.Debug("pcap direction not supported", zap.String("intf", name), zap.Error(err))
	}
	d.logger.Info("Creating Listener for intf", zap.String("intf", name), zap.Int("ifindex", intf.Index))
	return &PcapPort{
		idx:    uint16(intf.Index),
		name:   name,
		mac:    intf.HardwareAddr,
		handle: handle,
		eth:    d.eth,
	}, nil
}

// PcapPort is one member port.
type PcapPort struct {
	idx  uint16
	name string
	mac  net.HardwareAddr

	handle    *pcap.Handle
	eth       *ethtool.Ethtool
	closeOnce sync.Once
}

func (p *PcapPort) Index() uint16         { return p.idx }
func (p *PcapPort) Name() string          { return p.name }
func (p *PcapPort) Mac() net.HardwareAddr { return p.mac }

// Media reads link state from netlink and speed and duplex from
// ethtool.
func (p *PcapPort) Media() (server.Media, error) {
	link, err := netlink.LinkByIndex(int(p.idx))
	if err != nil {
		return server.Media{}, fmt.Errorf("link %s: %w", p.name, err)
	}
	attrs := link.Attrs()
	m := server.Media{
		Up:     linkUp(attrs),
		Mtu:    attrs.MTU,
		Duplex: lacp.LacpPortDuplexUnknown,
	}
	if p.eth == nil {
		return m, nil
	}
	var cmd ethtool.EthtoolCmd
	speed, err := p.eth.CmdGet(&cmd, p.name)
	if err != nil {
		// virtual interfaces often lack link settings
		return m, nil
	}
	m.Speed = speedFromEthtool(speed)
	m.Duplex = duplexFromEthtool(cmd.Duplex)
	return m, nil
}

func speedFromEthtool(speed uint32) int {
	if speed == 0 || speed == math.MaxUint32 || speed == math.MaxUint16 {
		return 0
	}
	return int(speed)
}

func duplexFromEthtool(d uint8) int {
	switch d {
	case 0x00:
		return lacp.LacpPortDuplexHalf
	case 0x01:
		return lacp.LacpPortDuplexFull
	}
	return lacp.LacpPortDuplexUnknown
}

// Run reads frames until ctx is done or the handle is closed.
func (p *PcapPort) Run(ctx context.Context, out chan<- server.RxFrame) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, _, err := p.handle.ReadPacketData()
		switch {
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("pcap read %s: %w", p.name, err)
		}
		select {
		case out <- server.RxFrame{Port: p.idx, Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *PcapPort) Write(frame []byte) error {
	return p.handle.WritePacketData(frame)
}

func (p *PcapPort) Close() error {
	p.closeOnce.Do(p.handle.Close)
	return nil
}
