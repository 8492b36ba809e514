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
	"sync"
	"sync/atomic"
	"time"

	"github.com/kinematix/controlmgr/pkg/controlmgr/contracts"
	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// Record is the per-controller bookkeeping the manager keeps alongside the
// controller implementation itself.
//
// # Concurrency Model
//
// The record is shared between the control thread and the realtime thread:
//
//   - Lifecycle state is an atomic; it is mutated by the lifecycle
//     transitions (control thread, or the realtime thread during the switch
//     apply phase) and only ever observed by the realtime update loop.
//   - `lastUpdate` and `firstUpdateCycle` are written exclusively by the
//     realtime thread.
//   - Claimed-interface bookkeeping (`claimedNames`, loans) is guarded by
//     `claimMu`; the realtime thread takes it in the switch apply phase,
//     in the failover path, and when the scheduler rebuilds its component
//     cache, holding it only for the bookkeeping itself.
type Record struct {
	// --- Immutable identity (set on load) ---

	Name       string
	PluginType string
	Controller contracts.Controller

	// Fallbacks is the ordered list of controllers activated when this one
	// fails at update time.
	Fallbacks []string

	// --- Configuration snapshot (set on configure, cleared on cleanup) ---

	// CmdCfg and StateCfg are captured once the controller reaches
	// Inactive, so validation does not re-enter controller code.
	CmdCfg   types.InterfaceConfig
	StateCfg types.InterfaceConfig

	// UpdateRate is the resolved rate in Hz; never zero after configure
	// (zero declarations resolve to the manager rate).
	UpdateRate uint

	// Chainable mirrors `Controller.IsChainable()`, captured at load.
	Chainable bool

	// Async mirrors `Controller.IsAsync()`, captured at load.
	Async bool

	// --- Lifecycle state (atomic) ---

	state atomic.Int32

	// --- Claim bookkeeping (claimMu) ---

	claimMu      sync.Mutex
	claimedNames []string
	cmdLoans     []contracts.Loan
	stateLoans   []contracts.Loan

	// --- Realtime-only state ---

	// lastUpdate is the time of the last emitted trigger; the zero value
	// means the controller has not been triggered since activation.
	lastUpdate time.Time

	// firstUpdateCycle is true from activation until the first trigger,
	// which bypasses rate skipping.
	firstUpdateCycle bool

	// --- Statistics (realtime writer, lock-free readers) ---

	PeriodicityStats *RollingStats
	ExecTimeStats    *RollingStats
}

// NewRecord wraps a loaded controller implementation. The lifecycle starts
// at Unconfigured.
func NewRecord(name, pluginType string, c contracts.Controller, fallbacks []string) *Record {
	r := &Record{
		Name:             name,
		PluginType:       pluginType,
		Controller:       c,
		Fallbacks:        append([]string(nil), fallbacks...),
		Chainable:        c.IsChainable(),
		Async:            c.IsAsync(),
		PeriodicityStats: NewRollingStats(),
		ExecTimeStats:    NewRollingStats(),
	}
	r.state.Store(int32(types.StateUnconfigured))
	return r
}

// State returns the current lifecycle state.
func (r *Record) State() types.LifecycleState {
	return types.LifecycleState(r.state.Load())
}

// IsActive reports whether the controller is currently Active.
func (r *Record) IsActive() bool { return r.State() == types.StateActive }

// IsInactive reports whether the controller is currently Inactive.
func (r *Record) IsInactive() bool { return r.State() == types.StateInactive }

func (r *Record) setState(s types.LifecycleState) { r.state.Store(int32(s)) }

// Chained reports whether the controller is operating in chained mode.
// Non-chainable controllers are never chained.
func (r *Record) Chained() bool {
	cc, ok := r.Controller.(contracts.ChainableController)
	return ok && cc.IsInChainedMode()
}

// ExportedInterfaceNames returns every reference and exported-state
// interface name of a chainable controller, or nil for plain controllers.
func (r *Record) ExportedInterfaceNames() []string {
	cc, ok := r.Controller.(contracts.ChainableController)
	if !ok {
		return nil
	}
	names := append([]string(nil), cc.ExportedReferenceInterfaceNames()...)
	return append(names, cc.ExportedStateInterfaceNames()...)
}

// ExportedReferenceNames returns the command-consumable exports of a
// chainable controller, or nil.
func (r *Record) ExportedReferenceNames() []string {
	cc, ok := r.Controller.(contracts.ChainableController)
	if !ok {
		return nil
	}
	return cc.ExportedReferenceInterfaceNames()
}

// ClaimedInterfaceNames returns a copy of the command interfaces the
// controller currently claims.
func (r *Record) ClaimedInterfaceNames() []string {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	return append([]string(nil), r.claimedNames...)
}

// SetClaims records the interfaces and loans held after a successful
// activation. Called from the switch apply phase.
func (r *Record) SetClaims(names []string, cmd, state []contracts.Loan) {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	r.claimedNames = names
	r.cmdLoans = cmd
	r.stateLoans = state
}

// releaseClaims releases every outstanding loan back to the resource
// manager and clears the bookkeeping.
func (r *Record) releaseClaims() {
	r.claimMu.Lock()
	cmd, state := r.cmdLoans, r.stateLoans
	r.claimedNames, r.cmdLoans, r.stateLoans = nil, nil, nil
	r.claimMu.Unlock()
	for _, l := range cmd {
		l.Release()
	}
	for _, l := range state {
		l.Release()
	}
}

// LastUpdateTime returns the realtime loop's record of the last trigger
// time. Only meaningful on the realtime thread; other readers accept
// staleness.
func (r *Record) LastUpdateTime() time.Time { return r.lastUpdate }

// seedFirstUpdate is called when the controller becomes Active: the next
// cycle triggers unconditionally and seeds the period base.
func (r *Record) seedFirstUpdate() {
	r.lastUpdate = time.Time{}
	r.firstUpdateCycle = true
	r.PeriodicityStats.Reset()
	r.ExecTimeStats.Reset()
}

// rateSkipTolerance absorbs scheduler jitter so a controller at a
// non-divisor rate fires on the intended cycle instead of one late: a
// 50 Hz controller on a 100 Hz manager triggers every other cycle rather
// than every third.
const rateSkipTolerance = 0.99

// DueForUpdate decides whether the controller fires this cycle and with
// which period. Controllers at or above the manager rate trigger every
// cycle; slower controllers trigger once the elapsed time covers their
// nominal period within the jitter tolerance. The first cycle after
// activation fires unconditionally with the nominal period, so a trigger
// never carries a zero period. Realtime thread only.
func (r *Record) DueForUpdate(now time.Time, managerRate uint, managerPeriod time.Duration) (bool, time.Duration) {
	rate := r.UpdateRate
	if rate == 0 || rate >= managerRate {
		if r.firstUpdateCycle || r.lastUpdate.IsZero() {
			return true, managerPeriod
		}
		return true, now.Sub(r.lastUpdate)
	}
	nominal := time.Duration(float64(time.Second) / float64(rate))
	if r.firstUpdateCycle {
		return true, nominal
	}
	elapsed := now.Sub(r.lastUpdate)
	if elapsed.Seconds()*float64(rate) >= rateSkipTolerance {
		return true, elapsed
	}
	return false, 0
}

// MarkTriggered records the emission of one trigger. Realtime thread only.
func (r *Record) MarkTriggered(now time.Time, period time.Duration) {
	if !r.firstUpdateCycle && period > 0 {
		r.PeriodicityStats.AddSample(1.0 / period.Seconds())
	}
	r.firstUpdateCycle = false
	r.lastUpdate = now
}
