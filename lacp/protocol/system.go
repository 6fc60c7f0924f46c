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

// system
package lacp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oshothebig/l2/lacp/packet"
)

// 6.4.5 Variables associated with the System
type LacpSystem struct {
	// System Priority
	Priority uint16
	// MAC address component of the System Id
	Mac [6]uint8
}

func (s LacpSystem) String() string {
	return fmt.Sprintf("%d/%s", s.Priority, net.HardwareAddr(s.Mac[:]))
}

// LacpSystemFromMac builds a system id from a hardware address.
func LacpSystemFromMac(priority uint16, mac net.HardwareAddr) LacpSystem {
	s := LacpSystem{Priority: priority}
	copy(s.Mac[:], mac)
	return s
}

func lacpSystemFromPdu(info packet.LACPPortInfo) LacpSystem {
	return LacpSystem{Priority: info.SystemPriority, Mac: info.System}
}

// Clock supplies the engine's notion of now. Timers are kept by the
// engine itself and fire from System.Tick.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by time.Now.
func RealClock() Clock { return realClock{} }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
