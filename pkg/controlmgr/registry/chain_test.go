/*
Copyright 2025 The controlmgr Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
	testutil "github.com/kinematix/controlmgr/pkg/controlmgr/util/testing"
)

// configuredRecord builds a record whose interface declarations are already
// captured, as if Configure had run.
func configuredRecord(t *testing.T, name string, cmdNames, stateNames []string) *Record {
	t.Helper()
	fc := &testutil.FakeController{}
	r := NewRecord(name, "test_type", fc, nil)
	if len(cmdNames) > 0 {
		r.CmdCfg = types.InterfaceConfig{Type: types.InterfaceConfigIndividual, Names: cmdNames}
	}
	if len(stateNames) > 0 {
		r.StateCfg = types.InterfaceConfig{Type: types.InterfaceConfigIndividual, Names: stateNames}
	}
	return r
}

func TestChainGraph_CommandEdges(t *testing.T) {
	traj := configuredRecord(t, "traj", nil, nil)
	pid := configuredRecord(t, "pid", []string{"traj/joint1/position", "joint1/effort"}, nil)

	g := BuildChainGraph([]*Record{traj, pid})

	assert.Equal(t, []string{"traj"}, g.Following("pid"),
		"pid consumes traj's exported reference, so traj must be in pid's following set")
	assert.Equal(t, []string{"pid"}, g.Preceding("traj"),
		"pid must be recorded as a consumer of traj")
	assert.Empty(t, g.Following("traj"))
}

func TestChainGraph_StateEdgesInvertDirection(t *testing.T) {
	odom := configuredRecord(t, "odom", nil, nil)
	reader := configuredRecord(t, "reader", nil, []string{"odom/x"})

	g := BuildChainGraph([]*Record{odom, reader})

	assert.Equal(t, []string{"odom"}, g.Preceding("reader"),
		"state interface connections run the opposite way from command connections")
	assert.Equal(t, []string{"reader"}, g.Following("odom"))
}

func TestChainGraph_IgnoresNonControllerPrefixes(t *testing.T) {
	pos := configuredRecord(t, "pos", []string{"joint1/position"}, []string{"joint1/velocity"})

	g := BuildChainGraph([]*Record{pos})

	assert.Empty(t, g.Following("pos"))
	assert.Empty(t, g.Preceding("pos"))
}

func TestChainGraph_OrderProducersFirst(t *testing.T) {
	traj := configuredRecord(t, "traj", nil, nil)
	pid := configuredRecord(t, "pid", []string{"traj/joint1/position"}, nil)
	other := configuredRecord(t, "other", nil, nil)

	// Load order deliberately places the consumer first.
	records := []*Record{pid, other, traj}
	g := BuildChainGraph(records)
	ordered, err := g.Order(records)
	require.NoError(t, err)

	idx := map[string]int{}
	for i, r := range ordered {
		idx[r.Name] = i
	}
	assert.Less(t, idx["traj"], idx["pid"], "the producer must update before its consumer")
	assert.Len(t, ordered, 3)
}

func TestChainGraph_OrderTieBreaksByLoadOrder(t *testing.T) {
	a := configuredRecord(t, "a", nil, nil)
	b := configuredRecord(t, "b", nil, nil)
	c := configuredRecord(t, "c", nil, nil)

	records := []*Record{a, b, c}
	g := BuildChainGraph(records)
	ordered, err := g.Order(records)
	require.NoError(t, err)

	names := make([]string, 0, 3)
	for _, r := range ordered {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestChainGraph_OrderRejectsCycle(t *testing.T) {
	a := configuredRecord(t, "a", []string{"b/out"}, nil)
	b := configuredRecord(t, "b", []string{"a/out"}, nil)

	records := []*Record{a, b}
	g := BuildChainGraph(records)
	_, err := g.Order(records)
	require.Error(t, err, "a two-controller cycle must be rejected")
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestChainGraph_OrderRejectsLongerCycle(t *testing.T) {
	a := configuredRecord(t, "a", []string{"c/out"}, nil)
	b := configuredRecord(t, "b", []string{"a/out"}, nil)
	c := configuredRecord(t, "c", []string{"b/out"}, nil)

	records := []*Record{a, b, c}
	g := BuildChainGraph(records)
	_, err := g.Order(records)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestChainGraph_TransitivePreceding(t *testing.T) {
	// base <- mid <- top: top consumes mid's exports, mid consumes base's.
	base := configuredRecord(t, "base", nil, nil)
	mid := configuredRecord(t, "mid", []string{"base/ref"}, nil)
	top := configuredRecord(t, "top", []string{"mid/ref"}, nil)

	g := BuildChainGraph([]*Record{base, mid, top})

	assert.ElementsMatch(t, []string{"mid", "top"}, g.TransitivePreceding("base"),
		"deactivating base must consider both direct and indirect consumers")
	assert.Equal(t, []string{"top"}, g.TransitivePreceding("mid"))
	assert.Empty(t, g.TransitivePreceding("top"))
}
