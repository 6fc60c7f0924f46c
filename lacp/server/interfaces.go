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

// interfaces
package server

import (
	"context"
	"net"

	"github.com/oshothebig/l2/lacp/config"
)

// RxFrame is one frame read from a member port.
type RxFrame struct {
	Port uint16
	Data []byte
}

// LinkEvent reports a change of operational state on an interface.
type LinkEvent struct {
	Index uint16
	Name  string
	Up    bool
}

// Media is the physical state of a member port.
type Media struct {
	Up bool
	// Mb/s
	Speed  int
	Duplex int
	Mtu    int
}

// PortHandle is an open member port.
type PortHandle interface {
	// Index is the interface index, used as the LACP port number.
	Index() uint16
	Name() string
	Mac() net.HardwareAddr
	Media() (Media, error)
	// Run reads frames until ctx is done or the handle is closed.
	Run(ctx context.Context, out chan<- RxFrame) error
	Write(frame []byte) error
	Close() error
}

// PortDriver opens member ports by interface name.
type PortDriver interface {
	OpenPort(name string) (PortHandle, error)
}

// LinkMonitor reports link changes until ctx is done.
type LinkMonitor interface {
	Run(ctx context.Context, out chan<- LinkEvent) error
}

// TrunkProgrammer programs the data plane trunk of an aggregator.
type TrunkProgrammer interface {
	EnsureTrunk(name string) error
	DeleteTrunk(name string) error
	// SetDistributing makes members the only ports carrying traffic.
	SetDistributing(name string, members []string) error
}

// StateStore receives administrative changes for persistence.
type StateStore interface {
	SaveAggregator(ctx context.Context, a config.AggregatorConfig) error
	DeleteAggregator(ctx context.Context, id int) error
	SaveMember(ctx context.Context, intf string, aggId int) error
	DeleteMember(ctx context.Context, intf string) error
}
