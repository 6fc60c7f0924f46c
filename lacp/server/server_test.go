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
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/oshothebig/l2/lacp/config"
	lacp "github.com/oshothebig/l2/lacp/protocol"
)

type fakePort struct {
	idx  uint16
	name string
	mac  net.HardwareAddr

	mu     sync.Mutex
	media  Media
	peer   *fakePort
	closed bool
	rx     chan []byte
}

func (p *fakePort) Index() uint16         { return p.idx }
func (p *fakePort) Name() string          { return p.name }
func (p *fakePort) Mac() net.HardwareAddr { return p.mac }

func (p *fakePort) Media() (Media, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media, nil
}

func (p *fakePort) Run(ctx context.Context, out chan<- RxFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-p.rx:
			select {
			case out <- RxFrame{Port: p.idx, Data: f}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (p *fakePort) Write(frame []byte) error {
	p.mu.Lock()
	peer, closed := p.peer, p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("closed")
	}
	if peer == nil {
		return nil
	}
	select {
	case peer.rx <- frame:
	default:
	}
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeDriver struct {
	mu     sync.Mutex
	ports  map[string]*fakePort
	opened []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{ports: make(map[string]*fakePort)}
}

func (d *fakeDriver) add(idx uint16, name string, sysByte byte) *fakePort {
	p := &fakePort{
		idx:   idx,
		name:  name,
		mac:   net.HardwareAddr{0x02, sysByte, 0, 0, 0, byte(idx)},
		media: Media{Up: true, Speed: 10000, Duplex: lacp.LacpPortDuplexFull, Mtu: 1500},
		rx:    make(chan []byte, 64),
	}
	d.ports[name] = p
	return p
}

func (d *fakeDriver) OpenPort(name string) (PortHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.ports[name]
	if !ok {
		return nil, fmt.Errorf("no such interface %s", name)
	}
	d.opened = append(d.opened, name)
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
	return p, nil
}

func wire(a, b *fakePort) {
	a.peer, b.peer = b, a
}

type fakeTrunks struct {
	mu      sync.Mutex
	trunks  map[string]bool
	members map[string][]string
}

func newFakeTrunks() *fakeTrunks {
	return &fakeTrunks{trunks: make(map[string]bool), members: make(map[string][]string)}
}

func (f *fakeTrunks) EnsureTrunk(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trunks[name] = true
	return nil
}

func (f *fakeTrunks) DeleteTrunk(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trunks, name)
	delete(f.members, name)
	return nil
}

func (f *fakeTrunks) SetDistributing(name string, members []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[name] = slices.Clone(members)
	return nil
}

func (f *fakeTrunks) distributing(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := slices.Clone(f.members[name])
	slices.Sort(m)
	return m
}

func (f *fakeTrunks) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trunks[name]
}

type fakeStore struct {
	mu      sync.Mutex
	aggs    map[int]config.AggregatorConfig
	members map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{aggs: make(map[int]config.AggregatorConfig), members: make(map[string]int)}
}

func (f *fakeStore) SaveAggregator(_ context.Context, a config.AggregatorConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggs[a.Id] = a
	return nil
}

func (f *fakeStore) DeleteAggregator(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.aggs, id)
	return nil
}

func (f *fakeStore) SaveMember(_ context.Context, intf string, aggId int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[intf] = aggId
	return nil
}

func (f *fakeStore) DeleteMember(_ context.Context, intf string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, intf)
	return nil
}

type fakeLinks struct{}

func (fakeLinks) Run(ctx context.Context, out chan<- LinkEvent) error {
	<-ctx.Done()
	return nil
}

type testNode struct {
	srv    *LAServer
	driver *fakeDriver
	trunks *fakeTrunks
	store  *fakeStore
}

func startNode(t *testing.T, sysByte byte, driver *fakeDriver, initial []config.AggregatorConfig) *testNode {
	t.Helper()
	n := &testNode{driver: driver, trunks: newFakeTrunks(), store: newFakeStore()}
	n.srv = NewLAServer(Config{
		SystemId:    lacp.LacpSystemFromMac(lacp.LacpSystemPriorityDefault, net.HardwareAddr{0x02, sysByte, 0, 0, 0, 0}),
		Logger:      zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)).Named(fmt.Sprintf("sys%d", sysByte)),
		Ports:       driver,
		Links:       fakeLinks{},
		Trunks:      n.trunks,
		Store:       n.store,
		Aggregators: initial,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return n
}

func testAgg(id int, members ...string) config.AggregatorConfig {
	return config.AggregatorConfig{
		Id:      id,
		Key:     100,
		Mode:    "active",
		Timeout: "short",
		Members: members,
	}
}

func reqCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBackToBackServersConverge(t *testing.T) {
	da, db := newFakeDriver(), newFakeDriver()
	wire(da.add(11, "eth1", 1), db.add(21, "eth1", 2))
	wire(da.add(12, "eth2", 1), db.add(22, "eth2", 2))

	a := startNode(t, 1, da, nil)
	b := startNode(t, 2, db, nil)

	ctx := reqCtx(t)
	require.NoError(t, a.srv.CreateAggregator(ctx, testAgg(1, "eth1", "eth2")))
	require.NoError(t, b.srv.CreateAggregator(ctx, testAgg(1, "eth1", "eth2")))
	assert.True(t, a.trunks.has("bond1"))

	// convergence waits out the mux wait_while timer
	for _, n := range []*testNode{a, b} {
		n := n
		require.Eventually(t, func() bool {
			return slices.Equal(n.trunks.distributing("bond1"), []string{"eth1", "eth2"})
		}, 10*time.Second, 20*time.Millisecond)
	}

	st, err := a.srv.AggStatus(ctx, 1)
	require.NoError(t, err)
	assert.True(t, st.LinkUp)
	assert.ElementsMatch(t, []uint16{11, 12}, st.Distributing)

	ps, err := b.srv.PortStatus(ctx, "eth2")
	require.NoError(t, err)
	assert.Equal(t, uint16(22), ps.PortNum)
	assert.True(t, ps.Distributing)
	assert.Equal(t, uint16(12), ps.Partner.Port)

	assert.Equal(t, 1, a.store.members["eth1"])
	assert.Equal(t, "bond1", a.store.aggs[1].Name)
}

func TestRemovePortUpdatesTrunk(t *testing.T) {
	da, db := newFakeDriver(), newFakeDriver()
	wire(da.add(11, "eth1", 1), db.add(21, "eth1", 2))
	wire(da.add(12, "eth2", 1), db.add(22, "eth2", 2))
	a := startNode(t, 1, da, []config.AggregatorConfig{testAgg(1, "eth1", "eth2")})
	b := startNode(t, 2, db, []config.AggregatorConfig{testAgg(1, "eth1", "eth2")})

	require.Eventually(t, func() bool {
		return len(a.trunks.distributing("bond1")) == 2 && len(b.trunks.distributing("bond1")) == 2
	}, 10*time.Second, 20*time.Millisecond)

	ctx := reqCtx(t)
	require.NoError(t, a.srv.RemovePort(ctx, 1, "eth2"))
	assert.Equal(t, []string{"eth1"}, a.trunks.distributing("bond1"))
	_, ok := a.store.members["eth2"]
	assert.False(t, ok)

	_, err := a.srv.PortStatus(ctx, "eth2")
	assert.Error(t, err)
}

func TestReplayDoesNotWriteStore(t *testing.T) {
	d := newFakeDriver()
	d.add(5, "eth5", 1)
	n := startNode(t, 1, d, []config.AggregatorConfig{testAgg(3, "eth5", "missing0")})

	ctx := reqCtx(t)
	st, err := n.srv.AggStatus(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{5}, st.Ports)
	assert.True(t, n.trunks.has("bond3"))
	assert.Empty(t, n.store.aggs)
	assert.Empty(t, n.store.members)
}

func TestAdminErrors(t *testing.T) {
	d := newFakeDriver()
	d.add(1, "eth1", 1)
	n := startNode(t, 1, d, nil)
	ctx := reqCtx(t)

	var nf lacp.ErrAggNotFound
	assert.True(t, errors.As(n.srv.DeleteAggregator(ctx, 9), &nf))
	assert.True(t, errors.As(n.srv.AddPort(ctx, 9, "eth1"), &nf))
	assert.True(t, errors.As(n.srv.SetMode(ctx, 9, "passive"), &nf))

	bad := testAgg(1)
	bad.Mode = "sometimes"
	var ic lacp.ErrInvalidConfig
	assert.True(t, errors.As(n.srv.CreateAggregator(ctx, bad), &ic))

	require.NoError(t, n.srv.CreateAggregator(ctx, testAgg(1, "eth1")))
	var exists lacp.ErrAggExists
	assert.True(t, errors.As(n.srv.CreateAggregator(ctx, testAgg(1)), &exists))

	var pe lacp.ErrPortExists
	assert.True(t, errors.As(n.srv.AddPort(ctx, 1, "eth1"), &pe))
	assert.Error(t, n.srv.AddPort(ctx, 1, "nosuch"))

	var ne lacp.ErrAggNotEmpty
	require.True(t, errors.As(n.srv.DeleteAggregator(ctx, 1), &ne))
	assert.Equal(t, []uint16{1}, ne.Ports)

	assert.True(t, errors.As(n.srv.SetMaxActivePorts(ctx, 1, -1), &ic))

	_, err := n.srv.Request(ctx, LAConfigMsgDeleteLaPortChannel, "one")
	assert.Error(t, err)
}

func TestAdminWriteThrough(t *testing.T) {
	d := newFakeDriver()
	d.add(1, "eth1", 1)
	n := startNode(t, 1, d, nil)
	ctx := reqCtx(t)

	require.NoError(t, n.srv.CreateAggregator(ctx, testAgg(4)))
	require.NoError(t, n.srv.AddPort(ctx, 4, "eth1"))
	require.NoError(t, n.srv.SetMode(ctx, 4, "passive"))
	require.NoError(t, n.srv.SetMaxActivePorts(ctx, 4, 2))

	n.store.mu.Lock()
	assert.Equal(t, "passive", n.store.aggs[4].Mode)
	assert.Equal(t, 2, n.store.aggs[4].MaxActivePorts)
	assert.Equal(t, 4, n.store.members["eth1"])
	n.store.mu.Unlock()

	st, err := n.srv.AggStatus(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "passive", st.Mode)
	assert.Equal(t, 2, st.MaxActivePorts)

	require.NoError(t, n.srv.RemovePort(ctx, 4, "eth1"))
	require.NoError(t, n.srv.DeleteAggregator(ctx, 4))
	assert.False(t, n.trunks.has("bond4"))
	n.store.mu.Lock()
	assert.Empty(t, n.store.aggs)
	n.store.mu.Unlock()
}

func TestRemovePortChecksAggregator(t *testing.T) {
	d := newFakeDriver()
	d.add(1, "eth1", 1)
	n := startNode(t, 1, d, nil)
	ctx := reqCtx(t)

	require.NoError(t, n.srv.CreateAggregator(ctx, testAgg(1, "eth1")))
	other := testAgg(2)
	other.Key = 200
	require.NoError(t, n.srv.CreateAggregator(ctx, other))

	var nf lacp.ErrAggNotFound
	assert.True(t, errors.As(n.srv.RemovePort(ctx, 9, "eth1"), &nf))

	var nm lacp.ErrPortNotMember
	require.True(t, errors.As(n.srv.RemovePort(ctx, 2, "eth1"), &nm))
	assert.Equal(t, lacp.ErrPortNotMember{Intf: "eth1", AggId: 2}, nm)
	assert.True(t, errors.As(n.srv.RemovePort(ctx, 1, "eth9"), &nm))

	st, err := n.srv.AggStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1}, st.Ports)
	n.store.mu.Lock()
	assert.Equal(t, 1, n.store.members["eth1"])
	n.store.mu.Unlock()
}

func TestCreateRollsBackOnMemberFailure(t *testing.T) {
	d := newFakeDriver()
	d.add(1, "eth1", 1)
	n := startNode(t, 1, d, nil)
	ctx := reqCtx(t)

	require.Error(t, n.srv.CreateAggregator(ctx, testAgg(5, "eth1", "nosuch")))

	var nf lacp.ErrAggNotFound
	_, err := n.srv.AggStatus(ctx, 5)
	assert.True(t, errors.As(err, &nf))
	assert.False(t, n.trunks.has("bond5"))
	n.store.mu.Lock()
	assert.Empty(t, n.store.aggs)
	assert.Empty(t, n.store.members)
	n.store.mu.Unlock()

	// the member released by the rollback is free to join again
	require.NoError(t, n.srv.CreateAggregator(ctx, testAgg(6, "eth1")))
	st, err := n.srv.AggStatus(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1}, st.Ports)
}

func TestLinkEventReachesEngine(t *testing.T) {
	d := newFakeDriver()
	p := d.add(7, "eth7", 1)
	n := startNode(t, 1, d, []config.AggregatorConfig{testAgg(1, "eth7")})
	ctx := reqCtx(t)

	ps, err := n.srv.PortStatus(ctx, "eth7")
	require.NoError(t, err)
	assert.True(t, ps.LinkUp)

	n.srv.LinkCh <- LinkEvent{Index: 7, Name: "eth7", Up: false}
	require.Eventually(t, func() bool {
		ps, err := n.srv.PortStatus(ctx, "eth7")
		return err == nil && !ps.LinkUp
	}, 2*time.Second, 10*time.Millisecond)

	p.mu.Lock()
	p.media.Speed = 1000
	p.mu.Unlock()
	n.srv.LinkCh <- LinkEvent{Index: 7, Name: "eth7", Up: true}
	require.Eventually(t, func() bool {
		ps, err := n.srv.PortStatus(ctx, "eth7")
		return err == nil && ps.LinkUp && ps.Speed == 1000
	}, 2*time.Second, 10*time.Millisecond)

	// unknown interfaces are ignored
	n.srv.LinkCh <- LinkEvent{Index: 99, Up: false}
	_, err = n.srv.AggStatus(ctx, 1)
	require.NoError(t, err)
}
