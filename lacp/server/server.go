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

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oshothebig/l2/lacp/config"
	lacp "github.com/oshothebig/l2/lacp/protocol"
)

type LaConfigMsgType int8

const (
	LAConfigMsgCreateLaPortChannel LaConfigMsgType = iota + 1
	LAConfigMsgDeleteLaPortChannel
	LAConfigMsgUpdateLaPortChannelAggMode
	LAConfigMsgUpdateLaPortChannelMaxActive
	LAConfigMsgCreateLaAggPort
	LAConfigMsgDeleteLaAggPort
	LAConfigMsgGetLaPortChannelStatus
	LAConfigMsgGetLaAggPortStatus
)

var LaConfigMsgStrMap = map[LaConfigMsgType]string{
	LAConfigMsgCreateLaPortChannel:          "CreateLaPortChannel",
	LAConfigMsgDeleteLaPortChannel:          "DeleteLaPortChannel",
	LAConfigMsgUpdateLaPortChannelAggMode:   "UpdateLaPortChannelAggMode",
	LAConfigMsgUpdateLaPortChannelMaxActive: "UpdateLaPortChannelMaxActive",
	LAConfigMsgCreateLaAggPort:              "CreateLaAggPort",
	LAConfigMsgDeleteLaAggPort:              "DeleteLaAggPort",
	LAConfigMsgGetLaPortChannelStatus:       "GetLaPortChannelStatus",
	LAConfigMsgGetLaAggPortStatus:           "GetLaAggPortStatus",
}

func (t LaConfigMsgType) String() string { return LaConfigMsgStrMap[t] }

// LAConfig is one administrative request. The reply is sent on Resp,
// which must have room for one value.
type LAConfig struct {
	Msgtype LaConfigMsgType
	Msgdata interface{}
	Resp    chan LAResponse
}

type LAResponse struct {
	Data interface{}
	Err  error
}

// AggPortMsg names a member port of an aggregator.
type AggPortMsg struct {
	AggId    int
	IntfName string
}

// AggModeMsg changes the mode of an aggregator.
type AggModeMsg struct {
	AggId int
	Mode  string
}

// AggMaxActiveMsg changes the active port limit of an aggregator.
type AggMaxActiveMsg struct {
	AggId int
	Max   int
}

// Config wires an LAServer to its collaborators. Ports and Trunks are
// required; Links and Store may be nil.
type Config struct {
	SystemId lacp.LacpSystem
	Logger   *zap.Logger
	Ports    PortDriver
	Links    LinkMonitor
	Trunks   TrunkProgrammer
	Store    StateStore
	// Aggregators replayed when Run starts, before any request.
	Aggregators []config.AggregatorConfig
	// transmit queue depth, default 256
	TxQueueLen int
}

type memberPort struct {
	handle PortHandle
	aggId  int
	cancel context.CancelFunc
}

type txFrame struct {
	handle PortHandle
	data   []byte
}

// LAServer runs the LACP engine from a single goroutine. Frames, link
// events, timers and administrative requests are all serialized
// through Run.
type LAServer struct {
	ConfigCh chan LAConfig
	RxCh     chan RxFrame
	LinkCh   chan LinkEvent

	sys    *lacp.System
	logger *zap.Logger

	ports  PortDriver
	links  LinkMonitor
	trunks TrunkProgrammer
	store  StateStore

	initial []config.AggregatorConfig
	aggs    map[int]config.AggregatorConfig
	members map[uint16]*memberPort
	byName  map[string]uint16

	txq     chan txFrame
	dropLog *rate.Limiter

	wg sync.WaitGroup
}

func NewLAServer(cfg Config) *LAServer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TxQueueLen <= 0 {
		cfg.TxQueueLen = 256
	}
	s := &LAServer{
		ConfigCh: make(chan LAConfig),
		RxCh:     make(chan RxFrame, 64),
		LinkCh:   make(chan LinkEvent, 16),
		logger:   cfg.Logger.Named("server"),
		ports:    cfg.Ports,
		links:    cfg.Links,
		trunks:   cfg.Trunks,
		store:    cfg.Store,
		initial:  cfg.Aggregators,
		aggs:     make(map[int]config.AggregatorConfig),
		members:  make(map[uint16]*memberPort),
		byName:   make(map[string]uint16),
		txq:      make(chan txFrame, cfg.TxQueueLen),
		dropLog:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
	s.sys = lacp.NewSystem(lacp.SystemConfig{
		Id:               cfg.SystemId,
		Logger:           cfg.Logger,
		TxFunc:           s.enqueueTx,
		LinkStatusFunc:   s.linkStatus,
		DistributingFunc: s.distributing,
	})
	return s
}

// System exposes the engine for read-only queries.
func (s *LAServer) System() *lacp.System { return s.sys }

// Run processes events until ctx is done. Member ports still open at
// that point are closed.
func (s *LAServer) Run(ctx context.Context) error {
	s.logger.Info("Starting LA server", zap.Stringer("system", s.sys.Id))

	s.wg.Add(1)
	go s.txWriter(ctx)

	if s.links != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.links.Run(ctx, s.LinkCh); err != nil && ctx.Err() == nil {
				s.logger.Error("link monitor stopped", zap.Error(err))
			}
		}()
	}

	s.replay(ctx)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.rearm(timer)
		select {
		case <-ctx.Done():
			s.shutdown()
			s.wg.Wait()
			return nil
		case conf := <-s.ConfigCh:
			data, err := s.processLaConfig(ctx, conf)
			if conf.Resp != nil {
				conf.Resp <- LAResponse{Data: data, Err: err}
			}
		case f := <-s.RxCh:
			if err := s.sys.HandleFrame(f.Port, f.Data); err != nil {
				s.logDrop("frame dropped", zap.Uint16("port", f.Port), zap.Error(err))
			}
		case ev := <-s.LinkCh:
			s.processLinkEvent(ev)
		case <-timer.C:
			s.sys.Tick()
		}
	}
}

// rearm points timer at the engine's next deadline.
func (s *LAServer) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	d := time.Hour
	if deadline, ok := s.sys.NextDeadline(); ok {
		d = max(time.Until(deadline), 0)
	}
	timer.Reset(d)
}

func (s *LAServer) logDrop(msg string, fields ...zap.Field) {
	if s.dropLog.Allow() {
		s.logger.Warn(msg, fields...)
	}
}

// enqueueTx runs under the engine lock and never blocks.
func (s *LAServer) enqueueTx(port uint16, frame []byte) error {
	m, ok := s.members[port]
	if !ok {
		return lacp.ErrPortNotFound{Port: port}
	}
	select {
	case s.txq <- txFrame{handle: m.handle, data: frame}:
		return nil
	default:
		s.logDrop("tx queue full", zap.Uint16("port", port))
		return errors.New("tx queue full")
	}
}

func (s *LAServer) txWriter(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.txq:
			if err := f.handle.Write(f.data); err != nil {
				s.logDrop("tx failed", zap.String("intf", f.handle.Name()), zap.Error(err))
			}
		}
	}
}

func (s *LAServer) linkStatus(aggId int, up bool) {
	s.logger.Info("aggregator link", zap.Int("agg", aggId), zap.Bool("up", up))
}

func (s *LAServer) distributing(aggId int, ports []uint16) {
	a, ok := s.aggs[aggId]
	if !ok || s.trunks == nil {
		return
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		if m, ok := s.members[p]; ok {
			names = append(names, m.handle.Name())
		}
	}
	s.logger.Info("distributing", zap.String("agg", a.Name), zap.Strings("members", names))
	if err := s.trunks.SetDistributing(a.Name, names); err != nil {
		s.logger.Error("trunk update failed", zap.String("agg", a.Name), zap.Error(err))
	}
}

func (s *LAServer) processLinkEvent(ev LinkEvent) {
	m, ok := s.members[ev.Index]
	if !ok {
		return
	}
	s.logger.Info("LA EVT: link", zap.String("intf", m.handle.Name()), zap.Bool("up", ev.Up))
	speed, duplex := 0, lacp.LacpPortDuplexUnknown
	if ev.Up {
		media, err := m.handle.Media()
		if err != nil {
			s.logger.Warn("media query failed", zap.String("intf", m.handle.Name()), zap.Error(err))
		} else {
			speed, duplex = media.Speed, media.Duplex
		}
	}
	if err := s.sys.LinkChange(ev.Index, ev.Up, speed, duplex); err != nil {
		s.logger.Warn("link change", zap.Error(err))
	}
}

// replay applies the startup aggregators. Failures are logged and the
// rest of the configuration still applies.
func (s *LAServer) replay(ctx context.Context) {
	for _, a := range s.initial {
		if err := s.createAgg(ctx, a, false); err != nil {
			s.logger.Error("replay aggregator", zap.Int("agg", a.Id), zap.Error(err))
			continue
		}
		for _, intf := range a.Members {
			if err := s.addPort(ctx, a.Id, intf, false); err != nil {
				s.logger.Error("replay member", zap.Int("agg", a.Id), zap.String("intf", intf), zap.Error(err))
			}
		}
	}
	s.initial = nil
}

func (s *LAServer) shutdown() {
	for idx, m := range s.members {
		m.cancel()
		m.handle.Close()
		delete(s.members, idx)
	}
	s.logger.Info("LA server stopped")
}

func (s *LAServer) processLaConfig(ctx context.Context, conf LAConfig) (interface{}, error) {
	s.logger.Info("CONFIG", zap.Stringer("msg", conf.Msgtype))

	switch conf.Msgtype {
	case LAConfigMsgCreateLaPortChannel:
		a, ok := conf.Msgdata.(config.AggregatorConfig)
		if !ok {
			break
		}
		if err := s.createAgg(ctx, a, true); err != nil {
			return nil, err
		}
		for i, intf := range a.Members {
			if err := s.addPort(ctx, a.Id, intf, true); err != nil {
				s.rollbackAgg(ctx, a.Id, a.Members[:i])
				return nil, fmt.Errorf("member %s: %w", intf, err)
			}
		}
		return nil, nil

	case LAConfigMsgDeleteLaPortChannel:
		id, ok := conf.Msgdata.(int)
		if !ok {
			break
		}
		return nil, s.deleteAgg(ctx, id)

	case LAConfigMsgUpdateLaPortChannelAggMode:
		msg, ok := conf.Msgdata.(AggModeMsg)
		if !ok {
			break
		}
		return nil, s.setMode(ctx, msg.AggId, msg.Mode)

	case LAConfigMsgUpdateLaPortChannelMaxActive:
		msg, ok := conf.Msgdata.(AggMaxActiveMsg)
		if !ok {
			break
		}
		if err := s.sys.SetMaxActivePorts(msg.AggId, msg.Max); err != nil {
			return nil, err
		}
		a := s.aggs[msg.AggId]
		a.MaxActivePorts = msg.Max
		s.aggs[msg.AggId] = a
		return nil, s.persist(func(st StateStore) error { return st.SaveAggregator(ctx, a) })

	case LAConfigMsgCreateLaAggPort:
		msg, ok := conf.Msgdata.(AggPortMsg)
		if !ok {
			break
		}
		return nil, s.addPort(ctx, msg.AggId, msg.IntfName, true)

	case LAConfigMsgDeleteLaAggPort:
		msg, ok := conf.Msgdata.(AggPortMsg)
		if !ok {
			break
		}
		return nil, s.removePort(ctx, msg.AggId, msg.IntfName)

	case LAConfigMsgGetLaPortChannelStatus:
		id, ok := conf.Msgdata.(int)
		if !ok {
			break
		}
		return s.sys.AggStatus(id)

	case LAConfigMsgGetLaAggPortStatus:
		name, ok := conf.Msgdata.(string)
		if !ok {
			break
		}
		idx, known := s.byName[name]
		if !known {
			return nil, fmt.Errorf("interface %s is not a member", name)
		}
		return s.sys.PortStatus(idx)
	}
	return nil, fmt.Errorf("bad request %v with %T", conf.Msgtype, conf.Msgdata)
}

func (s *LAServer) persist(op func(st StateStore) error) error {
	if s.store == nil {
		return nil
	}
	if err := op(s.store); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

func (s *LAServer) createAgg(ctx context.Context, a config.AggregatorConfig, save bool) error {
	ac, err := a.AggConfig()
	if err != nil {
		return err
	}
	// keep the resolved name so the trunk and the store agree
	a.Name = ac.Name
	a.Members = nil

	tc, err := s.sys.BeginTopologyChange(ctx)
	if err != nil {
		return err
	}
	defer tc.Done()
	if err := tc.CreateAggregator(ac); err != nil {
		return err
	}
	if s.trunks != nil {
		if err := s.trunks.EnsureTrunk(a.Name); err != nil {
			tc.DeleteAggregator(a.Id)
			return fmt.Errorf("trunk %s: %w", a.Name, err)
		}
	}
	s.aggs[a.Id] = a
	if save {
		return s.persist(func(st StateStore) error { return st.SaveAggregator(ctx, a) })
	}
	return nil
}

// rollbackAgg undoes a create that failed on one of its members, so
// neither the engine nor the store keeps half of it.
func (s *LAServer) rollbackAgg(ctx context.Context, id int, added []string) {
	for _, intf := range added {
		if err := s.removePort(ctx, id, intf); err != nil {
			s.logger.Warn("rollback member", zap.String("intf", intf), zap.Error(err))
		}
	}
	if err := s.deleteAgg(ctx, id); err != nil {
		s.logger.Warn("rollback aggregator", zap.Int("agg", id), zap.Error(err))
	}
}

func (s *LAServer) deleteAgg(ctx context.Context, id int) error {
	a, ok := s.aggs[id]
	if !ok {
		return lacp.ErrAggNotFound{Id: id}
	}
	tc, err := s.sys.BeginTopologyChange(ctx)
	if err != nil {
		return err
	}
	defer tc.Done()
	if err := tc.DeleteAggregator(id); err != nil {
		return err
	}
	delete(s.aggs, id)
	if s.trunks != nil {
		if err := s.trunks.DeleteTrunk(a.Name); err != nil {
			s.logger.Warn("trunk delete failed", zap.String("agg", a.Name), zap.Error(err))
		}
	}
	return s.persist(func(st StateStore) error { return st.DeleteAggregator(ctx, id) })
}

func (s *LAServer) setMode(ctx context.Context, id int, name string) error {
	mode, err := config.ParseMode(name)
	if err != nil {
		return err
	}
	a, ok := s.aggs[id]
	if !ok {
		return lacp.ErrAggNotFound{Id: id}
	}
	tc, err := s.sys.BeginTopologyChange(ctx)
	if err != nil {
		return err
	}
	defer tc.Done()
	if err := tc.SetMode(id, mode); err != nil {
		return err
	}
	a.Mode = name
	s.aggs[id] = a
	return s.persist(func(st StateStore) error { return st.SaveAggregator(ctx, a) })
}

func (s *LAServer) addPort(ctx context.Context, aggId int, intf string, save bool) error {
	a, ok := s.aggs[aggId]
	if !ok {
		return lacp.ErrAggNotFound{Id: aggId}
	}
	if idx, ok := s.byName[intf]; ok {
		return lacp.ErrPortExists{Port: idx, AggId: s.members[idx].aggId}
	}
	h, err := s.ports.OpenPort(intf)
	if err != nil {
		return fmt.Errorf("open %s: %w", intf, err)
	}
	media, err := h.Media()
	if err != nil {
		h.Close()
		return fmt.Errorf("media %s: %w", intf, err)
	}

	tc, err := s.sys.BeginTopologyChange(ctx)
	if err != nil {
		h.Close()
		return err
	}
	defer tc.Done()

	idx := h.Index()
	if m, ok := s.members[idx]; ok {
		h.Close()
		return lacp.ErrPortExists{Port: idx, AggId: m.aggId}
	}
	// registered first so the engine can transmit from AddPort
	pctx, cancel := context.WithCancel(ctx)
	s.members[idx] = &memberPort{handle: h, aggId: aggId, cancel: cancel}
	s.byName[intf] = idx

	err = tc.AddPort(lacp.PortConfig{
		Id:       idx,
		Prio:     a.PortPriority,
		AggId:    aggId,
		IntfName: intf,
		Properties: lacp.PortProperties{
			Mac:    h.Mac(),
			Speed:  media.Speed,
			Duplex: media.Duplex,
			Mtu:    media.Mtu,
		},
		LinkUp: media.Up,
	})
	if err != nil {
		cancel()
		h.Close()
		delete(s.members, idx)
		delete(s.byName, intf)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := h.Run(pctx, s.RxCh); err != nil && pctx.Err() == nil {
			s.logger.Warn("port reader stopped", zap.String("intf", intf), zap.Error(err))
		}
	}()
	s.logger.Info("member added", zap.String("intf", intf), zap.Uint16("port", idx), zap.Int("agg", aggId))

	if save {
		return s.persist(func(st StateStore) error { return st.SaveMember(ctx, intf, aggId) })
	}
	return nil
}

func (s *LAServer) removePort(ctx context.Context, aggId int, intf string) error {
	if _, ok := s.aggs[aggId]; !ok {
		return lacp.ErrAggNotFound{Id: aggId}
	}
	idx, ok := s.byName[intf]
	if !ok || s.members[idx].aggId != aggId {
		return lacp.ErrPortNotMember{Intf: intf, AggId: aggId}
	}
	tc, err := s.sys.BeginTopologyChange(ctx)
	if err != nil {
		return err
	}
	defer tc.Done()
	if err := tc.RemovePort(idx); err != nil {
		return err
	}
	m := s.members[idx]
	m.cancel()
	m.handle.Close()
	delete(s.members, idx)
	delete(s.byName, intf)
	s.logger.Info("member removed", zap.String("intf", intf), zap.Uint16("port", idx))
	return s.persist(func(st StateStore) error { return st.DeleteMember(ctx, intf) })
}

// Request sends an administrative request to the running server and
// waits for the reply.
func (s *LAServer) Request(ctx context.Context, t LaConfigMsgType, data interface{}) (interface{}, error) {
	resp := make(chan LAResponse, 1)
	select {
	case s.ConfigCh <- LAConfig{Msgtype: t, Msgdata: data, Resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *LAServer) CreateAggregator(ctx context.Context, a config.AggregatorConfig) error {
	_, err := s.Request(ctx, LAConfigMsgCreateLaPortChannel, a)
	return err
}

func (s *LAServer) DeleteAggregator(ctx context.Context, id int) error {
	_, err := s.Request(ctx, LAConfigMsgDeleteLaPortChannel, id)
	return err
}

func (s *LAServer) AddPort(ctx context.Context, aggId int, intf string) error {
	_, err := s.Request(ctx, LAConfigMsgCreateLaAggPort, AggPortMsg{AggId: aggId, IntfName: intf})
	return err
}

func (s *LAServer) RemovePort(ctx context.Context, aggId int, intf string) error {
	_, err := s.Request(ctx, LAConfigMsgDeleteLaAggPort, AggPortMsg{AggId: aggId, IntfName: intf})
	return err
}

func (s *LAServer) SetMode(ctx context.Context, aggId int, mode string) error {
	_, err := s.Request(ctx, LAConfigMsgUpdateLaPortChannelAggMode, AggModeMsg{AggId: aggId, Mode: mode})
	return err
}

func (s *LAServer) SetMaxActivePorts(ctx context.Context, aggId int, n int) error {
	_, err := s.Request(ctx, LAConfigMsgUpdateLaPortChannelMaxActive, AggMaxActiveMsg{AggId: aggId, Max: n})
	return err
}

func (s *LAServer) AggStatus(ctx context.Context, aggId int) (lacp.AggStatus, error) {
	v, err := s.Request(ctx, LAConfigMsgGetLaPortChannelStatus, aggId)
	if err != nil {
		return lacp.AggStatus{}, err
	}
	return v.(lacp.AggStatus), nil
}

func (s *LAServer) PortStatus(ctx context.Context, intf string) (lacp.PortStatus, error) {
	v, err := s.Request(ctx, LAConfigMsgGetLaAggPortStatus, intf)
	if err != nil {
		return lacp.PortStatus{}, err
	}
	return v.(lacp.PortStatus), nil
}
