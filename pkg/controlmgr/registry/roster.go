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
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// rosterSpinInterval bounds the spin-wait while the realtime thread is
// still reading the list slot the control thread wants to mutate. The wait
// lasts at most one realtime cycle.
const rosterSpinInterval = 10 * time.Microsecond

// unusedByRT marks that the realtime thread has not taken a snapshot yet.
const unusedByRT = -1

// Roster is the double-buffered controller list shared between the realtime
// loop and the control thread.
//
// Two list slots are kept; `updated` names the slot the realtime thread
// should read, `usedByRT` the slot it last observed. The control thread
// prepares the inactive slot, flips `updated`, and then waits until the
// realtime thread has moved over before touching the now-inactive slot
// again. The flip is a release/acquire pair: records written before the
// flip are visible to the realtime thread after it observes the new index.
//
// All mutating calls (`SetUnused`, `Swap`) must be serialized by the caller;
// `SnapshotForRT` is only ever called from the single realtime thread.
type Roster struct {
	mu       sync.Mutex
	lists    [2][]*Record
	updated  atomic.Int32
	usedByRT atomic.Int32

	// generation increments on every Swap so realtime-side caches derived
	// from the list (e.g. the hardware-component index) know when to
	// rebuild.
	generation atomic.Uint64
}

// Generation returns the current swap generation.
func (ro *Roster) Generation() uint64 { return ro.generation.Load() }

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	ro := &Roster{}
	ro.usedByRT.Store(unusedByRT)
	return ro
}

// SnapshotForRT returns the current list for this realtime cycle and
// publishes which slot the realtime thread is reading. The returned slice
// must not be retained across cycles.
func (ro *Roster) SnapshotForRT() []*Record {
	i := ro.updated.Load()
	ro.usedByRT.Store(i)
	return ro.lists[i]
}

// SetUnused replaces the contents of the inactive slot, waiting first until
// the realtime thread is no longer reading it.
func (ro *Roster) SetUnused(list []*Record) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	unused := 1 - ro.updated.Load()
	ro.waitUntilRTNotUsing(unused)
	ro.lists[unused] = list
}

// Swap flips the active slot and blocks until the realtime thread has
// observed the new index (or has never taken a snapshot at all).
func (ro *Roster) Swap() {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	old := ro.updated.Load()
	ro.updated.Store(1 - old)
	ro.generation.Add(1)
	ro.waitUntilRTNotUsing(old)
}

// Snapshot returns the currently published list for non-realtime readers
// (introspection). The slice must not be modified.
func (ro *Roster) Snapshot() []*Record {
	return ro.lists[ro.updated.Load()]
}

func (ro *Roster) waitUntilRTNotUsing(index int32) {
	for ro.usedByRT.Load() == index {
		runtime.Gosched()
		time.Sleep(rosterSpinInterval)
	}
}
