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
	"fmt"
	"slices"
	"sync"

	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// Store owns every loaded controller Record, the chain graph derived from
// their configurations, and the double-buffered roster the realtime loop
// reads.
//
// Records are stored once and referenced everywhere by name; the roster
// slots hold the same *Record pointers in topological order. Mutations
// (load, unload, rebuild) are serialized by the store's mutex, held for the
// duration of each call; the manager runs every control-side operation
// under the switch engine's lock.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	// loadOrder preserves insertion order for stable ordering ties.
	loadOrder []string
	graph     *ChainGraph
	roster    *Roster
}

// NewStore returns an empty store with an empty published roster.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
		graph:   BuildChainGraph(nil),
		roster:  NewRoster(),
	}
}

// Add registers a newly loaded controller. The name must be unused.
func (s *Store) Add(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Name]; ok {
		return fmt.Errorf("controller %q already loaded: %w", r.Name, types.ErrConflict)
	}
	if slices.Contains(r.Fallbacks, r.Name) {
		return fmt.Errorf("controller %q cannot be its own fallback: %w", r.Name, types.ErrConflict)
	}
	s.records[r.Name] = r
	s.loadOrder = append(s.loadOrder, r.Name)
	return nil
}

// Remove unregisters an unloaded controller.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return fmt.Errorf("controller %q: %w", name, types.ErrNotFound)
	}
	delete(s.records, name)
	s.loadOrder = slices.DeleteFunc(s.loadOrder, func(n string) bool { return n == name })
	return nil
}

// Get resolves a controller by name.
func (s *Store) Get(name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("controller %q: %w", name, types.ErrNotFound)
	}
	return r, nil
}

// All returns every loaded record in load order.
func (s *Store) All() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.loadOrder))
	for _, n := range s.loadOrder {
		out = append(out, s.records[n])
	}
	return out
}

// Graph returns the chain graph of the last successful rebuild.
func (s *Store) Graph() *ChainGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Roster exposes the double-buffered list for the realtime loop and the
// switch engine.
func (s *Store) Roster() *Roster { return s.roster }

// Rebuild recomputes the chain graph from the current configurations,
// derives the topological roster order, publishes it to the inactive slot,
// and swaps. It fails without publishing when the graph has a cycle.
func (s *Store) Rebuild() error {
	s.mu.Lock()
	all := make([]*Record, 0, len(s.loadOrder))
	for _, n := range s.loadOrder {
		all = append(all, s.records[n])
	}
	graph := BuildChainGraph(all)
	ordered, err := graph.Order(all)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.graph = graph
	s.mu.Unlock()

	s.roster.SetUnused(ordered)
	s.roster.Swap()
	// Keep both slots in sync so the next SetUnused starts from the same
	// membership.
	s.roster.SetUnused(slices.Clone(ordered))
	return nil
}
