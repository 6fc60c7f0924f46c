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

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oshothebig/l2/lacp/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "lacpd.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEmptyStore(t *testing.T) {
	st := openTestStore(t)
	aggs, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, aggs)
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	a := config.AggregatorConfig{Id: 2, Name: "bond2", Key: 20, Mode: "active", Timeout: "short", MaxActivePorts: 2, PortPriority: 10}
	require.NoError(t, st.SaveAggregator(ctx, a))
	require.NoError(t, st.SaveAggregator(ctx, config.AggregatorConfig{Id: 1, Name: "bond1", Key: 10, Mode: "passive", Timeout: "long"}))
	require.NoError(t, st.SaveMember(ctx, "eth3", 2))
	require.NoError(t, st.SaveMember(ctx, "eth1", 2))
	require.NoError(t, st.SaveMember(ctx, "eth2", 1))

	aggs, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, 1, aggs[0].Id)
	assert.Equal(t, []string{"eth2"}, aggs[0].Members)
	a.Members = []string{"eth3", "eth1"}
	assert.Equal(t, a, aggs[1])

	// update in place
	a.Mode = "on"
	require.NoError(t, st.SaveAggregator(ctx, a))
	aggs, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "on", aggs[1].Mode)
	assert.Len(t, aggs[1].Members, 2)
}

func TestMemberMoves(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.SaveAggregator(ctx, config.AggregatorConfig{Id: 1, Name: "a", Key: 1, Mode: "active", Timeout: "long"}))
	require.NoError(t, st.SaveAggregator(ctx, config.AggregatorConfig{Id: 2, Name: "b", Key: 2, Mode: "active", Timeout: "long"}))
	require.NoError(t, st.SaveMember(ctx, "eth1", 1))
	require.NoError(t, st.SaveMember(ctx, "eth1", 2))

	aggs, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, aggs[0].Members)
	assert.Equal(t, []string{"eth1"}, aggs[1].Members)

	require.NoError(t, st.DeleteMember(ctx, "eth1"))
	aggs, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, aggs[1].Members)
}

func TestMemberNeedsAggregator(t *testing.T) {
	st := openTestStore(t)
	assert.Error(t, st.SaveMember(context.Background(), "eth1", 7))
}

func TestDeleteAggregatorCascades(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.Seed(ctx, []config.AggregatorConfig{
		{Id: 1, Name: "a", Key: 1, Mode: "active", Timeout: "long", Members: []string{"eth1", "eth2"}},
		{Id: 2, Name: "b", Key: 2, Mode: "active", Timeout: "long", Members: []string{"eth3"}},
	}))
	require.NoError(t, st.DeleteAggregator(ctx, 1))

	aggs, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 2, aggs[0].Id)

	// eth1 is free again
	require.NoError(t, st.SaveMember(ctx, "eth1", 2))
}

func TestSeedIsAtomic(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	err := st.Seed(ctx, []config.AggregatorConfig{
		{Id: 1, Name: "a", Key: 1, Mode: "active", Timeout: "long"},
		{Id: 2, Name: "b", Key: 1, Mode: "active", Timeout: "long"},
	})
	require.Error(t, err)

	aggs, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, aggs)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "lacpd.db")
	st, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, st.SaveAggregator(ctx, config.AggregatorConfig{Id: 5, Name: "x", Key: 5, Mode: "on", Timeout: "long"}))
	require.NoError(t, st.Close())

	st, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer st.Close()
	aggs, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 5, aggs[0].Id)
}
