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

// aggregator
package lacp

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// Indicates on a port what state
// the aggSelected is in
const (
	LacpAggSelected = iota + 1
	LacpAggStandby
	LacpAggUnSelected
)

var LacpAggSelectedStrMap = map[int]string{
	LacpAggSelected:   "Selected",
	LacpAggStandby:    "Standby",
	LacpAggUnSelected: "Unselected",
}

// AggConfig is the administrative configuration of an aggregator.
type AggConfig struct {
	// Aggregator_Identifier
	Id   int
	Name string
	// Actor_Admin_Aggregator_Key
	Key uint16
	// LacpModeOn, LacpModeActive or LacpModePassive
	Mode int
	// LacpShortTimeoutTime or LacpLongTimeoutTime
	Timeout time.Duration
	// 0 means no limit beyond the distributing array size
	MaxActivePorts int
}

// 802.1ax-2014 Section 6.4.6 Variables associated with each Aggregator
type LaAggregator struct {
	AggId   int
	AggName string
	// Actor_Admin_Aggregator_Key
	ActorAdminKey  uint16
	Mode           int
	Timeout        time.Duration
	MaxActivePorts int

	// Port number from LaAggPort
	// LAG_Ports
	PortNumList []uint16

	// candidate LAGs by id, and the active one (0 for none)
	lags        map[int]*LaLag
	activeLagId int

	// ports currently collecting and distributing, ordered by port number;
	// only enableDistributing and disableDistributing touch it
	distributing         []uint16
	reportedDistributing []uint16

	linkUp           bool
	selectionPending bool

	logger *zap.Logger
}

func validateAggConfig(ac AggConfig) error {
	if ac.Id <= 0 {
		return ErrInvalidConfig{Field: "aggregator id", Reason: "must be positive"}
	}
	if _, ok := LacpModeStrMap[ac.Mode]; !ok {
		return ErrInvalidConfig{Field: "mode", Reason: "unknown lacp mode"}
	}
	if ac.Timeout != LacpShortTimeoutTime && ac.Timeout != LacpLongTimeoutTime {
		return ErrInvalidConfig{Field: "timeout", Reason: "must be short or long"}
	}
	if ac.MaxActivePorts < 0 {
		return ErrInvalidConfig{Field: "max active ports", Reason: "must not be negative"}
	}
	return nil
}

func newLaAggregator(s *System, ac AggConfig) *LaAggregator {
	return &LaAggregator{
		AggId:          ac.Id,
		AggName:        ac.Name,
		ActorAdminKey:  ac.Key,
		Mode:           ac.Mode,
		Timeout:        ac.Timeout,
		MaxActivePorts: ac.MaxActivePorts,
		lags:           make(map[int]*LaLag),
		logger:         s.logger.Named("agg").With(zap.Int("agg", ac.Id), zap.String("name", ac.Name)),
	}
}

func (a *LaAggregator) addPortNum(portNum uint16) {
	a.PortNumList = append(a.PortNumList, portNum)
	sort.Slice(a.PortNumList, func(i, j int) bool { return a.PortNumList[i] < a.PortNumList[j] })
}

func (a *LaAggregator) delPortNum(portNum uint16) {
	for i, pn := range a.PortNumList {
		if pn == portNum {
			a.PortNumList = append(a.PortNumList[:i], a.PortNumList[i+1:]...)
			return
		}
	}
}

func (a *LaAggregator) activeLag() *LaLag {
	if a.activeLagId == 0 {
		return nil
	}
	return a.lags[a.activeLagId]
}

func (a *LaAggregator) sortedLags() []*LaLag {
	lags := make([]*LaLag, 0, len(a.lags))
	for _, lag := range a.lags {
		lags = append(lags, lag)
	}
	sort.Slice(lags, func(i, j int) bool { return lags[i].Id < lags[j].Id })
	return lags
}

// enableDistributing adds the port to the distributing array.
func (a *LaAggregator) enableDistributing(portNum uint16) error {
	i := sort.Search(len(a.distributing), func(i int) bool { return a.distributing[i] >= portNum })
	if i < len(a.distributing) && a.distributing[i] == portNum {
		return nil
	}
	if len(a.distributing) >= LacpMaxDistributingPorts {
		return errDistributingFull
	}
	a.distributing = append(a.distributing, 0)
	copy(a.distributing[i+1:], a.distributing[i:])
	a.distributing[i] = portNum
	a.logger.Debug("distributing enabled", zap.Uint16("port", portNum))
	return nil
}

// disableDistributing removes the port from the distributing array.
func (a *LaAggregator) disableDistributing(portNum uint16) {
	for i, pn := range a.distributing {
		if pn == portNum {
			a.distributing = append(a.distributing[:i], a.distributing[i+1:]...)
			a.logger.Debug("distributing disabled", zap.Uint16("port", portNum))
			return
		}
	}
}

func (a *LaAggregator) isDistributing(portNum uint16) bool {
	for _, pn := range a.distributing {
		if pn == portNum {
			return true
		}
	}
	return false
}

// SetMaxActivePorts changes the aggregator's active port cap and
// reruns selection.
func (s *System) SetMaxActivePorts(aggId int, n int) error {
	s.mu.Lock()
	defer s.unlock()

	agg, ok := s.AggMap[aggId]
	if !ok {
		return ErrAggNotFound{Id: aggId}
	}
	if n < 0 {
		return ErrInvalidConfig{Field: "max active ports", Reason: "must not be negative"}
	}
	agg.MaxActivePorts = n
	agg.logger.Info("max active ports set", zap.Int("max", n))
	agg.selectionPending = true
	s.settle(agg)
	return nil
}

// TxPortForHash picks the distributing port for a flow hash. It reads
// the distributing array under the system lock.
func (s *System) TxPortForHash(aggId int, hash uint32) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.AggMap[aggId]
	if !ok || len(agg.distributing) == 0 {
		return 0, false
	}
	return agg.distributing[hash%uint32(len(agg.distributing))], true
}
