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

// topology
package lacp

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// TopologyChange is the exclusive right to change aggregators and
// their ports. Only one exists at a time; slow administrative work
// (programming the OS trunk, say) may run between its calls without
// the engine lock, and no other structural change can interleave.
type TopologyChange struct {
	s    *System
	done bool
}

// BeginTopologyChange waits for the topology token. It fails only if
// ctx is done first.
func (s *System) BeginTopologyChange(ctx context.Context) (*TopologyChange, error) {
	select {
	case s.topo <- struct{}{}:
		return &TopologyChange{s: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns the token. Calling it twice is harmless.
func (t *TopologyChange) Done() {
	if t.done {
		return
	}
	t.done = true
	<-t.s.topo
}

func (t *TopologyChange) lock() (*System, error) {
	if t.done {
		return nil, ErrTopologyClosed
	}
	t.s.mu.Lock()
	return t.s, nil
}

// CreateAggregator adds an empty aggregator.
func (t *TopologyChange) CreateAggregator(ac AggConfig) error {
	if err := validateAggConfig(ac); err != nil {
		return err
	}
	s, err := t.lock()
	if err != nil {
		return err
	}
	defer s.unlock()

	if _, ok := s.AggMap[ac.Id]; ok {
		return ErrAggExists{Id: ac.Id}
	}
	agg := newLaAggregator(s, ac)
	s.AggMap[ac.Id] = agg
	agg.logger.Info("aggregator created",
		zap.Uint16("key", ac.Key),
		zap.String("mode", LacpModeStrMap[ac.Mode]))
	return nil
}

// DeleteAggregator removes an aggregator that has no ports left.
func (t *TopologyChange) DeleteAggregator(aggId int) error {
	s, err := t.lock()
	if err != nil {
		return err
	}
	defer s.unlock()

	agg, ok := s.AggMap[aggId]
	if !ok {
		return ErrAggNotFound{Id: aggId}
	}
	if len(agg.PortNumList) != 0 {
		return ErrAggNotEmpty{Id: aggId, Ports: append([]uint16(nil), agg.PortNumList...)}
	}
	delete(s.AggMap, aggId)
	agg.logger.Info("aggregator deleted")
	return nil
}

// AddPort creates a port in an existing aggregator and starts its
// machines.
func (t *TopologyChange) AddPort(cfg PortConfig) error {
	s, err := t.lock()
	if err != nil {
		return err
	}
	defer s.unlock()

	agg, ok := s.AggMap[cfg.AggId]
	if !ok {
		return ErrAggNotFound{Id: cfg.AggId}
	}
	if q, ok := s.PortMap[cfg.Id]; ok {
		return ErrPortExists{Port: cfg.Id, AggId: q.AggId}
	}
	if len(cfg.Properties.Mac) == 0 {
		cfg.Properties.Mac = net.HardwareAddr(s.Id.Mac[:])
	}

	p := newLaAggPort(s, agg, cfg)
	s.PortMap[p.PortNum] = p
	agg.addPortNum(p.PortNum)
	p.logger.Info("port added", zap.Int("agg", agg.AggId))

	p.BEGIN(false)
	s.settle(agg)
	return nil
}

// RemovePort stops the port's timers, detaches it from its LAG and
// the distributing array and forgets it.
func (t *TopologyChange) RemovePort(portNum uint16) error {
	s, err := t.lock()
	if err != nil {
		return err
	}
	defer s.unlock()

	p, ok := s.PortMap[portNum]
	if !ok {
		return ErrPortNotFound{Port: portNum}
	}
	agg := s.AggMap[p.AggId]

	s.leaveLag(agg, p)
	s.event(p, p.MuxMachineFsm.Machine, "RemovePort", LacpMuxmEventBegin, nil)
	s.timerStopAll(p)

	delete(s.PortMap, portNum)
	agg.delPortNum(portNum)
	agg.selectionPending = true
	p.logger.Info("port removed")

	s.settle(agg)
	return nil
}

// SetMode switches an aggregator between on, active and passive and
// re-initializes every member port.
func (t *TopologyChange) SetMode(aggId int, mode int) error {
	if _, ok := LacpModeStrMap[mode]; !ok {
		return ErrInvalidConfig{Field: "mode", Reason: "unknown lacp mode"}
	}
	s, err := t.lock()
	if err != nil {
		return err
	}
	defer s.unlock()

	agg, ok := s.AggMap[aggId]
	if !ok {
		return ErrAggNotFound{Id: aggId}
	}
	if agg.Mode == mode {
		return nil
	}
	agg.logger.Info("mode changed",
		zap.String("from", LacpModeStrMap[agg.Mode]),
		zap.String("to", LacpModeStrMap[mode]))
	agg.Mode = mode
	for _, pn := range agg.PortNumList {
		p := s.PortMap[pn]
		p.applyMode(agg)
		p.BEGIN(true)
	}
	agg.selectionPending = true
	s.settle(agg)
	return nil
}
