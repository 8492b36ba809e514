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

package manager

import (
	"fmt"
	"time"

	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// ControllerView is the read-only projection of one controller returned by
// the introspection queries.
type ControllerView struct {
	Name              string
	PluginType        string
	State             types.LifecycleState
	Chainable         bool
	ChainedMode       bool
	Async             bool
	UpdateRate        uint
	ClaimedInterfaces []string
	Fallbacks         []string

	// Following and Preceding are the controller's chain connections:
	// producers it consumes from, and consumers of its exports.
	Following []string
	Preceding []string

	// PeriodicityHz and ExecTimeMean summarize the rolling statistics the
	// realtime loop keeps; readers accept values from slightly different
	// samples.
	PeriodicityHz float64
	ExecTimeMean  time.Duration
	LastUpdate    time.Time
}

// ListControllers returns a view of every loaded controller in load order.
func (cm *ControllerManager) ListControllers() []ControllerView {
	cm.engine.Lock()
	defer cm.engine.Unlock()
	graph := cm.store.Graph()
	all := cm.store.All()
	out := make([]ControllerView, 0, len(all))
	for _, r := range all {
		out = append(out, ControllerView{
			Name:              r.Name,
			PluginType:        r.PluginType,
			State:             r.State(),
			Chainable:         r.Chainable,
			ChainedMode:       r.Chained(),
			Async:             r.Async,
			UpdateRate:        r.UpdateRate,
			ClaimedInterfaces: r.ClaimedInterfaceNames(),
			Fallbacks:         append([]string(nil), r.Fallbacks...),
			Following:         append([]string(nil), graph.Following(r.Name)...),
			Preceding:         append([]string(nil), graph.Preceding(r.Name)...),
			PeriodicityHz:     r.PeriodicityStats.Mean(),
			ExecTimeMean:      time.Duration(r.ExecTimeStats.Mean() * float64(time.Second)),
			LastUpdate:        r.LastUpdateTime(),
		})
	}
	return out
}

// GetController returns the view of one controller.
func (cm *ControllerManager) GetController(name string) (ControllerView, error) {
	for _, v := range cm.ListControllers() {
		if v.Name == name {
			return v, nil
		}
	}
	return ControllerView{}, fmt.Errorf("controller %q: %w", name, types.ErrNotFound)
}

// ChainConnections returns the named controller's direct chain neighbors.
func (cm *ControllerManager) ChainConnections(name string) (following, preceding []string, err error) {
	cm.engine.Lock()
	defer cm.engine.Unlock()
	if _, err := cm.store.Get(name); err != nil {
		return nil, nil, err
	}
	graph := cm.store.Graph()
	return append([]string(nil), graph.Following(name)...),
		append([]string(nil), graph.Preceding(name)...), nil
}
