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

// porttrunk.go
package lalinux

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// command to show status of lag
// cat /proc/net/bonding/<name>

// BondTrunk programs one Linux bond device per aggregator. The bond
// runs balance-xor so the kernel only hashes over enslaved members;
// LACP itself stays in this process.
type BondTrunk struct {
	HashPolicy netlink.BondXmitHashPolicy
	Logger     *zap.Logger
}

func (b *BondTrunk) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func isNotFound(err error) bool {
	var nf netlink.LinkNotFoundError
	return errors.As(err, &nf)
}

// EnsureTrunk creates the bond if it does not exist and sets it up.
func (b *BondTrunk) EnsureTrunk(name string) error {
	if link, err := netlink.LinkByName(name); err == nil {
		if _, ok := link.(*netlink.Bond); !ok {
			return fmt.Errorf("%s exists and is a %s, not a bond", name, link.Type())
		}
		return netlink.LinkSetUp(link)
	} else if !isNotFound(err) {
		return err
	}

	bond := netlink.NewLinkBond(netlink.LinkAttrs{Name: name})
	bond.Mode = netlink.BOND_MODE_BALANCE_XOR
	bond.XmitHashPolicy = b.HashPolicy
	bond.MinLinks = 1
	if err := netlink.LinkAdd(bond); err != nil {
		return fmt.Errorf("bond add %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(bond); err != nil {
		return fmt.Errorf("bond up %s: %w", name, err)
	}
	b.logger().Info("bond created", zap.String("bond", name))
	return nil
}

// DeleteTrunk removes the bond; the kernel releases its slaves.
func (b *BondTrunk) DeleteTrunk(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("bond delete %s: %w", name, err)
	}
	b.logger().Info("bond deleted", zap.String("bond", name))
	return nil
}

// SetDistributing enslaves members to the bond and releases every
// other slave it has.
func (b *BondTrunk) SetDistributing(name string, members []string) error {
	bond, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("bond %s: %w", name, err)
	}
	bondIdx := bond.Attrs().Index

	want := make(map[string]bool, len(members))
	for _, m := range members {
		want[m] = true
	}

	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("link list: %w", err)
	}
	var errs []error
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.MasterIndex != bondIdx || want[attrs.Name] {
			continue
		}
		if err := netlink.LinkSetNoMaster(l); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", attrs.Name, err))
			continue
		}
		b.logger().Debug("slave released", zap.String("bond", name), zap.String("intf", attrs.Name))
	}

	for _, m := range members {
		l, err := netlink.LinkByName(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("enslave %s: %w", m, err))
			continue
		}
		if l.Attrs().MasterIndex == bondIdx {
			continue
		}
		if err := netlink.LinkSetMaster(l, bond); err != nil {
			errs = append(errs, fmt.Errorf("enslave %s: %w", m, err))
			continue
		}
		b.logger().Debug("slave enslaved", zap.String("bond", name), zap.String("intf", m))
	}
	return errors.Join(errs...)
}
