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

// errors
package lacp

import (
	"errors"
	"fmt"
)

// ErrTopologyClosed is returned by a TopologyChange used after Done.
var ErrTopologyClosed = errors.New("lacp: topology change already done")

// ErrPortExists is returned when adding a port that is already
// attached to an aggregator.
type ErrPortExists struct {
	Port  uint16
	AggId int
}

func (e ErrPortExists) Error() string {
	return fmt.Sprintf("lacp: port %d already in aggregator %d", e.Port, e.AggId)
}

type ErrPortNotFound struct {
	Port uint16
}

func (e ErrPortNotFound) Error() string {
	return fmt.Sprintf("lacp: port %d not found", e.Port)
}

// ErrPortNotMember is returned when a port is named under an
// aggregator it does not belong to.
type ErrPortNotMember struct {
	Intf  string
	AggId int
}

func (e ErrPortNotMember) Error() string {
	return fmt.Sprintf("lacp: %s is not a member of aggregator %d", e.Intf, e.AggId)
}

type ErrAggExists struct {
	Id int
}

func (e ErrAggExists) Error() string {
	return fmt.Sprintf("lacp: aggregator %d already exists", e.Id)
}

type ErrAggNotFound struct {
	Id int
}

func (e ErrAggNotFound) Error() string {
	return fmt.Sprintf("lacp: aggregator %d not found", e.Id)
}

// ErrAggNotEmpty is returned when deleting an aggregator that still
// has member ports.
type ErrAggNotEmpty struct {
	Id    int
	Ports []uint16
}

func (e ErrAggNotEmpty) Error() string {
	return fmt.Sprintf("lacp: aggregator %d still has ports %v", e.Id, e.Ports)
}

type ErrInvalidConfig struct {
	Field  string
	Reason string
}

func (e ErrInvalidConfig) Error() string {
	return fmt.Sprintf("lacp: invalid %s: %s", e.Field, e.Reason)
}

// errDistributingFull is internal; a port that cannot get a
// distributing slot falls back to Unselected.
var errDistributingFull = errors.New("lacp: distributing array full")
