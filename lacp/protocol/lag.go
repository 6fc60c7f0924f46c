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

// lag
package lacp

import (
	"fmt"
	"sort"
)

// LaLagId is the partner identity ports of one LAG share.
type LaLagId struct {
	System LacpSystem
	Key    uint16
}

func (l LaLagId) String() string {
	return fmt.Sprintf("%s/%d", l.System, l.Key)
}

// LaLag is a candidate link aggregation group inside an aggregator
type LaLag struct {
	Id      int
	Partner LaLagId

	PortNumList []uint16
	// members currently Selected
	nSelected int
	// media speed the group runs at while active, Mb/s
	Speed int
}

func (l *LaLag) addPortNum(portNum uint16) {
	i := sort.Search(len(l.PortNumList), func(i int) bool { return l.PortNumList[i] >= portNum })
	if i < len(l.PortNumList) && l.PortNumList[i] == portNum {
		return
	}
	l.PortNumList = append(l.PortNumList, 0)
	copy(l.PortNumList[i+1:], l.PortNumList[i:])
	l.PortNumList[i] = portNum
}

func (l *LaLag) delPortNum(portNum uint16) {
	for i, pn := range l.PortNumList {
		if pn == portNum {
			l.PortNumList = append(l.PortNumList[:i], l.PortNumList[i+1:]...)
			return
		}
	}
}

// lagMerit orders candidate LAGs: more ports first, then the
// aggregate bandwidth they carry
type lagMerit struct {
	n         int
	bandwidth uint64
}

func (m lagMerit) better(o lagMerit) bool {
	if m.n != o.n {
		return m.n > o.n
	}
	return m.bandwidth > o.bandwidth
}
