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

	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// ChainGraph is the bidirectional adjacency between controllers connected
// through chained interfaces.
//
// For a controller `c`, `following[c]` holds the controllers whose exported
// interfaces `c` claims through its command configuration (its producers:
// they update before `c`), and `preceding[c]` holds the controllers that
// claim `c`'s exports (its consumers: they update after `c`). Chained names
// appearing in a state configuration connect the same pair with the
// direction inverted, since state flows the opposite way from commands.
//
// The graph is rebuilt from scratch whenever the set of configured
// controllers changes; it is read-only afterwards.
type ChainGraph struct {
	following map[string][]string
	preceding map[string][]string
}

// BuildChainGraph derives the adjacency from the records' captured
// interface configurations. Only individually named interfaces can denote
// chained connections; ALL and NONE configurations never reference another
// controller by name.
func BuildChainGraph(records []*Record) *ChainGraph {
	g := &ChainGraph{
		following: make(map[string][]string),
		preceding: make(map[string][]string),
	}
	byName := make(map[string]*Record, len(records))
	for _, r := range records {
		byName[r.Name] = r
	}
	for _, r := range records {
		if r.CmdCfg.Type == types.InterfaceConfigIndividual {
			for _, name := range r.CmdCfg.Names {
				if p := types.InterfacePrefix(name); p != r.Name && byName[p] != nil {
					g.addEdge(p, r.Name)
				}
			}
		}
		if r.StateCfg.Type == types.InterfaceConfigIndividual {
			for _, name := range r.StateCfg.Names {
				if p := types.InterfacePrefix(name); p != r.Name && byName[p] != nil {
					g.addEdge(r.Name, p)
				}
			}
		}
	}
	return g
}

// addEdge records that `producer` must update before `consumer`.
func (g *ChainGraph) addEdge(producer, consumer string) {
	if !slices.Contains(g.following[consumer], producer) {
		g.following[consumer] = append(g.following[consumer], producer)
	}
	if !slices.Contains(g.preceding[producer], consumer) {
		g.preceding[producer] = append(g.preceding[producer], consumer)
	}
}

// Following returns the controllers whose exports the named controller
// consumes. The returned slice must not be modified.
func (g *ChainGraph) Following(name string) []string { return g.following[name] }

// Preceding returns the controllers consuming the named controller's
// exports. The returned slice must not be modified.
func (g *ChainGraph) Preceding(name string) []string { return g.preceding[name] }

// TransitivePreceding returns every controller that directly or indirectly
// consumes the named controller's exports, in breadth-first order.
func (g *ChainGraph) TransitivePreceding(name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	frontier := []string{name}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, c := range g.preceding[next] {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
				frontier = append(frontier, c)
			}
		}
	}
	return out
}

// Order arranges the records so every controller is placed after all its
// producers and before all its consumers. Ties break by the given (load)
// order. A placement contradiction means the graph has a cycle and the
// rebuild fails.
func (g *ChainGraph) Order(records []*Record) ([]*Record, error) {
	ordered := make([]*Record, 0, len(records))
	pos := make(map[string]int, len(records))

	for _, r := range records {
		lo := 0 // first legal slot: after every placed producer
		for _, p := range g.following[r.Name] {
			if i, ok := pos[p]; ok && i+1 > lo {
				lo = i + 1
			}
		}
		hi := len(ordered) // last legal slot: before every placed consumer
		for _, c := range g.preceding[r.Name] {
			if i, ok := pos[c]; ok && i < hi {
				hi = i
			}
		}
		if lo > hi {
			return nil, fmt.Errorf("controller %q cannot be ordered relative to its chain peers: %w",
				r.Name, types.ErrConflict)
		}
		ordered = slices.Insert(ordered, hi, r)
		for n, i := range pos {
			if i >= hi {
				pos[n] = i + 1
			}
		}
		pos[r.Name] = hi
	}
	return ordered, nil
}
