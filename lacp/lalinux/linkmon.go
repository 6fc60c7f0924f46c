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

// linkmon.go
package lalinux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/oshothebig/l2/lacp/server"
)

// NetlinkMonitor turns rtnetlink link updates into link events.
type NetlinkMonitor struct {
	Logger *zap.Logger
}

// linkUp treats an unknown operstate on an admin-up link as up; many
// virtual drivers never report carrier.
func linkUp(attrs *netlink.LinkAttrs) bool {
	switch attrs.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return attrs.Flags&net.FlagUp != 0
	}
	return false
}

// Run subscribes to link updates and emits an event whenever an
// interface's operational state changes. It returns nil once ctx is
// done.
func (m *NetlinkMonitor) Run(ctx context.Context, out chan<- server.LinkEvent) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	defer close(done)
	errCh := make(chan error, 1)

	err := netlink.LinkSubscribeWithOptions(updates, done, netlink.LinkSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	})
	if err != nil {
		return fmt.Errorf("link subscribe: %w", err)
	}

	last := make(map[int]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return fmt.Errorf("link subscription: %w", err)
		case u, ok := <-updates:
			if !ok {
				return errors.New("link subscription closed")
			}
			attrs := u.Attrs()
			up := linkUp(attrs)
			if u.Header.Type == syscall.RTM_DELLINK {
				up = false
			}
			if prev, seen := last[attrs.Index]; seen && prev == up {
				continue
			}
			last[attrs.Index] = up
			if attrs.Index <= 0 || attrs.Index > 0xffff {
				continue
			}
			logger.Debug("link update", zap.String("intf", attrs.Name), zap.Bool("up", up))
			select {
			case out <- server.LinkEvent{Index: uint16(attrs.Index), Name: attrs.Name, Up: up}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
