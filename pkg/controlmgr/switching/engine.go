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

// Package switching implements the atomic activate/deactivate engine.
//
// A switch runs in five phases. Validation, interface planning, and arming
// (A-C) happen on the control thread under the engine mutex; the apply
// phase (D) runs on the realtime thread at the next cycle boundary; the
// control thread then finishes bookkeeping and swaps the roster (E). From
// the perspective of any observer, either the entire request applies, an
// accepted subset applies under BEST_EFFORT, or nothing applies; there is
// never a transient state with two writers of one command interface.
package switching

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/kinematix/controlmgr/pkg/controlmgr/contracts"
	"github.com/kinematix/controlmgr/pkg/controlmgr/metrics"
	"github.com/kinematix/controlmgr/pkg/controlmgr/registry"
	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
	logutil "github.com/kinematix/controlmgr/pkg/controlmgr/util/logging"
)

// Engine owns the switch request slot shared between the control thread and
// the realtime thread.
//
// # Concurrency Model
//
//   - `mu` serializes control-side switches; the manager also routes every
//     roster-mutating operation through it.
//   - `reqMu` guards the armed request. The realtime thread only ever
//     acquires it with TryLock; a lost race simply postpones the apply to
//     the next cycle.
//   - `doSwitch` lets the realtime loop check for pending work without
//     touching the mutex.
type Engine struct {
	rm      contracts.ResourceManager
	store   *registry.Store
	metrics *metrics.Metrics
	logger  logr.Logger
	clock   clock.Clock

	mu sync.Mutex

	reqMu    sync.Mutex
	pending  *request
	doSwitch atomic.Bool

	// pendingDeact mirrors the armed request's deactivation set for
	// lock-free realtime reads (cooperative drain of async controllers).
	pendingDeact atomic.Pointer[map[string]struct{}]
}

// NewEngine wires the switch engine to its collaborators.
func NewEngine(
	rm contracts.ResourceManager,
	store *registry.Store,
	m *metrics.Metrics,
	logger logr.Logger,
	clk clock.Clock,
) *Engine {
	return &Engine{
		rm:      rm,
		store:   store,
		metrics: m,
		logger:  logger.WithName("switch-engine"),
		clock:   clk,
	}
}

// Armed reports whether a switch request is waiting for the realtime apply
// phase. Realtime-safe.
func (e *Engine) Armed() bool { return e.doSwitch.Load() }

// DeactivationPending reports whether the named controller is in the armed
// request's deactivation set. Realtime-safe.
func (e *Engine) DeactivationPending(name string) bool {
	m := e.pendingDeact.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[name]
	return ok
}

// Lock serializes an external control-side critical section (load, unload,
// configure) against in-flight switches.
func (e *Engine) Lock() { e.mu.Lock() }

// Unlock releases the control-side lock.
func (e *Engine) Unlock() { e.mu.Unlock() }

// validation carries the mutable candidate sets through Phase A.
type validation struct {
	strict bool

	// activate and deactivate hold resolved records keyed by name.
	activate   map[string]*registry.Record
	deactivate map[string]*registry.Record

	toChained   []string
	fromChained []string
}

func (v *validation) activating(name string) bool {
	_, ok := v.activate[name]
	return ok
}

func (v *validation) deactivating(name string) bool {
	_, ok := v.deactivate[name]
	return ok
}

// Switch validates, arms, and waits out one switch request. It returns once
// the realtime thread has applied the request, or with a typed error when
// validation, the hardware, or the timeout rejects it.
func (e *Engine) Switch(ctx context.Context, spec Spec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := uuid.NewString()
	logger := e.logger.WithValues("switchID", id)

	effective := spec.Strictness.Effective()
	if spec.Strictness != types.StrictnessStrict && spec.Strictness != types.StrictnessBestEffort {
		logger.Info("Treating switch strictness as BEST_EFFORT", "requested", spec.Strictness.String())
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultSwitchTimeout
	}

	// --- Phase A: validation ---
	v, err := e.validate(logger, spec, effective == types.StrictnessStrict)
	if err != nil {
		e.metrics.SwitchesTotal.WithLabelValues(metrics.SwitchResultRejected).Inc()
		return err
	}
	if len(v.activate) == 0 && len(v.deactivate) == 0 {
		logger.V(logutil.VERBOSE).Info("Switch request empty after validation, nothing to do")
		e.metrics.SwitchesTotal.WithLabelValues(metrics.SwitchResultApplied).Inc()
		return nil
	}

	// --- Phase B: interface plan ---
	activateItfs, deactivateItfs := e.compileInterfacePlan(v)
	if !e.rm.PrepareCommandModeSwitch(activateItfs, deactivateItfs) {
		logger.Error(nil, "Hardware rejected command mode switch",
			"activateInterfaces", activateItfs, "deactivateInterfaces", deactivateItfs)
		e.metrics.SwitchesTotal.WithLabelValues(metrics.SwitchResultRejected).Inc()
		return fmt.Errorf("command mode switch for switch %s: %w", id, types.ErrHardwareRejected)
	}

	// --- Phase C: arm ---
	req := &request{
		id:                id,
		activate:          e.inRosterOrder(v.activate),
		deactivate:        e.inRosterOrder(v.deactivate),
		toChained:         v.toChained,
		fromChained:       v.fromChained,
		activateCmdItfs:   activateItfs,
		deactivateCmdItfs: deactivateItfs,
		activateASAP:      spec.ActivateASAP,
		timeout:           timeout,
		done:              make(chan struct{}),
	}
	deactSet := make(map[string]struct{}, len(req.deactivate))
	for _, n := range req.deactivate {
		deactSet[n] = struct{}{}
	}

	// Cooperative drain: deactivating asynchronous controllers finish their
	// in-flight cycle before the apply phase touches them.
	for _, d := range v.deactivate {
		if d.Async {
			d.Controller.PrepareForDeactivation()
		}
	}

	e.reqMu.Lock()
	e.pending = req
	e.pendingDeact.Store(&deactSet)
	e.doSwitch.Store(true)
	e.reqMu.Unlock()

	logger.V(logutil.DEBUG).Info("Switch request armed",
		"activate", req.activate, "deactivate", req.deactivate,
		"toChainedMode", req.toChained, "fromChainedMode", req.fromChained)

	// --- Wait for Phase D on the realtime thread ---
	timer := e.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-req.done:
	case <-ctx.Done():
		if e.cancel(req) {
			e.metrics.SwitchesTotal.WithLabelValues(metrics.SwitchResultTimeout).Inc()
			return fmt.Errorf("switch %s cancelled: %w", id, ctx.Err())
		}
		<-req.done
	case <-timer.C():
		if e.cancel(req) {
			logger.Error(nil, "Switch not applied before timeout", "timeout", timeout)
			e.metrics.SwitchesTotal.WithLabelValues(metrics.SwitchResultTimeout).Inc()
			return fmt.Errorf("switch %s: %w", id, types.ErrTimeout)
		}
		// The realtime thread consumed the request concurrently; it will
		// finish the apply, so completion proceeds normally.
		<-req.done
	}

	// --- Phase E: completion ---
	e.completeBookkeeping(v)
	if err := e.store.Rebuild(); err != nil {
		// The graph was validated acyclic before arming; a rebuild failure
		// here means a record vanished mid-switch.
		logger.Error(err, "FATAL: roster rebuild failed after switch apply")
		return fmt.Errorf("roster rebuild after switch %s: %w", id, types.ErrInternal)
	}
	e.metrics.SwitchesTotal.WithLabelValues(metrics.SwitchResultApplied).Inc()
	logger.V(logutil.DEFAULT).Info("Switch applied",
		"activated", req.activate, "deactivated", req.deactivate)
	return nil
}

// cancel withdraws an armed request. It returns false when the realtime
// thread already consumed it, in which case the caller must wait for the
// apply to finish.
func (e *Engine) cancel(req *request) bool {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	if e.pending != req {
		return false
	}
	e.pending = nil
	e.pendingDeact.Store(nil)
	e.doSwitch.Store(false)
	return true
}

// validate runs Phase A: name resolution, per-candidate guards, chain
// conflict checks, and chained-mode propagation. Under BEST_EFFORT,
// offending candidates are dropped and validation restarts until the sets
// are stable; under STRICT the first offense fails the whole request.
func (e *Engine) validate(logger logr.Logger, spec Spec, strict bool) (*validation, error) {
	v := &validation{
		strict:     strict,
		activate:   make(map[string]*registry.Record),
		deactivate: make(map[string]*registry.Record),
	}

	resolve := func(names []string, into map[string]*registry.Record, verb string) error {
		for _, n := range names {
			r, err := e.store.Get(n)
			if err != nil {
				if strict {
					return fmt.Errorf("cannot %s: %w", verb, err)
				}
				logger.Info("Dropping unknown controller from switch request", "controller", n)
				continue
			}
			into[n] = r
		}
		return nil
	}
	if err := resolve(spec.Activate, v.activate, "activate"); err != nil {
		return nil, err
	}
	if err := resolve(spec.Deactivate, v.deactivate, "deactivate"); err != nil {
		return nil, err
	}

	for {
		dropped, err := e.validatePass(logger, v)
		if err != nil {
			return nil, err
		}
		if !dropped {
			break
		}
	}

	if err := e.propagateChainedMode(v); err != nil {
		return nil, err
	}
	return v, nil
}

// validatePass applies the per-candidate guards once. It reports whether a
// BEST_EFFORT drop occurred, requiring another pass.
func (e *Engine) validatePass(logger logr.Logger, v *validation) (bool, error) {
	drop := func(m map[string]*registry.Record, name, why string) {
		logger.Info("Dropping controller from switch request", "controller", name, "reason", why)
		delete(m, name)
	}

	// Deactivation candidates must currently be Active.
	for name, d := range v.deactivate {
		if !d.IsActive() {
			if v.strict {
				return false, fmt.Errorf("cannot deactivate controller %q in state %s: %w",
					name, d.State(), types.ErrInvalidState)
			}
			drop(v.deactivate, name, "not active")
			return true, nil
		}
	}

	// Deactivating a chained producer requires every transitive consumer to
	// deactivate with it.
	graph := e.store.Graph()
	for name := range v.deactivate {
		for _, consumer := range graph.TransitivePreceding(name) {
			c, err := e.store.Get(consumer)
			if err != nil {
				continue
			}
			if c.IsActive() && !v.deactivating(consumer) {
				if v.strict {
					return false, fmt.Errorf("cannot deactivate controller %q while active controller %q consumes its interfaces: %w",
						name, consumer, types.ErrConflict)
				}
				drop(v.deactivate, name, fmt.Sprintf("active consumer %q remains", consumer))
				return true, nil
			}
		}
	}

	// Activation candidates.
	for name, c := range v.activate {
		if c.State() == types.StateActive {
			if v.deactivating(name) {
				continue // restart
			}
			if v.strict {
				return false, fmt.Errorf("cannot activate controller %q: already active: %w",
					name, types.ErrInvalidState)
			}
			drop(v.activate, name, "already active")
			return true, nil
		}
		if c.State() != types.StateInactive {
			if v.strict {
				return false, fmt.Errorf("cannot activate controller %q in state %s: %w",
					name, c.State(), types.ErrInvalidState)
			}
			drop(v.activate, name, "not configured")
			return true, nil
		}
		if err := e.validateActivationInterfaces(c, v); err != nil {
			if v.strict {
				return false, err
			}
			drop(v.activate, name, err.Error())
			return true, nil
		}
		if err := e.validateFallbacks(c); err != nil {
			if v.strict {
				return false, err
			}
			drop(v.activate, name, err.Error())
			return true, nil
		}
	}
	return false, nil
}

// validateActivationInterfaces checks every required command and state
// interface of an activation candidate: chained names must point at a
// chainable producer that will be active after the switch, plain names must
// be available (or held by a controller releasing them in this request).
func (e *Engine) validateActivationInterfaces(c *registry.Record, v *validation) error {
	check := func(name string, command bool) error {
		prefix := types.InterfacePrefix(name)
		if prefix != c.Name {
			if f, err := e.store.Get(prefix); err == nil {
				// Chained interface.
				if !f.Chainable {
					return fmt.Errorf("controller %q requires interface %q of non-chainable controller %q: %w",
						c.Name, name, prefix, types.ErrConflict)
				}
				if v.activating(prefix) {
					return nil
				}
				if f.IsActive() && !v.deactivating(prefix) {
					return nil
				}
				return fmt.Errorf("controller %q requires interface %q but controller %q will not be active: %w",
					c.Name, name, prefix, types.ErrConflict)
			}
		}
		if command {
			if e.rm.CommandInterfaceIsAvailable(name) {
				return nil
			}
			if holder := e.claimantOf(name); holder != "" {
				if v.deactivating(holder) {
					return nil
				}
				return fmt.Errorf("command interface %q required by %q is claimed by %q: %w",
					name, c.Name, holder, types.ErrConflict)
			}
			return fmt.Errorf("command interface %q required by %q: %w",
				name, c.Name, types.ErrInterfaceUnavailable)
		}
		if !e.rm.StateInterfaceIsAvailable(name) {
			return fmt.Errorf("state interface %q required by %q: %w",
				name, c.Name, types.ErrInterfaceUnavailable)
		}
		return nil
	}

	if c.CmdCfg.Type == types.InterfaceConfigIndividual {
		for _, n := range c.CmdCfg.Names {
			if err := check(n, true); err != nil {
				return err
			}
		}
	}
	if c.StateCfg.Type == types.InterfaceConfigIndividual {
		for _, n := range c.StateCfg.Names {
			if err := check(n, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateFallbacks checks that every declared fallback exists, is at least
// configured, and could claim its interfaces: each required interface must
// be available now or exported by a chainable peer in the same fallback
// list.
func (e *Engine) validateFallbacks(c *registry.Record) error {
	if len(c.Fallbacks) == 0 {
		return nil
	}
	exportedByPeers := make(map[string]struct{})
	for _, name := range c.Fallbacks {
		fb, err := e.store.Get(name)
		if err != nil {
			return fmt.Errorf("fallback of controller %q: %w", c.Name, err)
		}
		for _, exp := range fb.ExportedInterfaceNames() {
			exportedByPeers[exp] = struct{}{}
		}
	}
	for _, name := range c.Fallbacks {
		fb, err := e.store.Get(name)
		if err != nil {
			return err
		}
		if s := fb.State(); s != types.StateInactive && s != types.StateActive {
			return fmt.Errorf("fallback %q of controller %q in state %s: %w",
				name, c.Name, s, types.ErrInvalidState)
		}
		checkItf := func(itf string, command bool) error {
			if _, ok := exportedByPeers[itf]; ok {
				return nil
			}
			available := e.rm.StateInterfaceIsAvailable(itf)
			if command {
				// The interface may be claimed by the primary right now;
				// the failover path frees it before the fallback claims.
				available = e.rm.CommandInterfaceIsAvailable(itf) || e.claimantOf(itf) != ""
			}
			if !available {
				return fmt.Errorf("fallback %q of controller %q requires interface %q: %w",
					name, c.Name, itf, types.ErrInterfaceUnavailable)
			}
			return nil
		}
		if fb.CmdCfg.Type == types.InterfaceConfigIndividual {
			for _, itf := range fb.CmdCfg.Names {
				if err := checkItf(itf, true); err != nil {
					return err
				}
			}
		}
		if fb.StateCfg.Type == types.InterfaceConfigIndividual {
			for _, itf := range fb.StateCfg.Names {
				if err := checkItf(itf, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// propagateChainedMode computes the chained-mode flips implied by the
// candidate sets. A producer whose mode must flip while it stays active is
// restarted by adding it to both sets, which can cascade; the loop runs to
// a fixpoint bounded by the number of loaded controllers.
func (e *Engine) propagateChainedMode(v *validation) error {
	graph := e.store.Graph()
	toChained := make(map[string]struct{})
	fromChained := make(map[string]struct{})

	for changed := true; changed; {
		changed = false

		// Producers feeding a controller being activated enter chained mode.
		for name := range v.activate {
			for _, f := range graph.Following(name) {
				fr, err := e.store.Get(f)
				if err != nil {
					return fmt.Errorf("chained producer %q vanished during validation: %w", f, types.ErrInternal)
				}
				if fr.Chained() {
					continue
				}
				if _, ok := toChained[f]; ok {
					continue
				}
				toChained[f] = struct{}{}
				if fr.IsActive() && !v.activating(f) {
					// Restart to flip the mode across a deactivate/activate
					// pair.
					v.deactivate[f] = fr
					v.activate[f] = fr
					changed = true
				}
			}
		}

		// Producers losing their last active consumer leave chained mode.
		for name := range v.deactivate {
			for _, f := range graph.Following(name) {
				fr, err := e.store.Get(f)
				if err != nil {
					continue
				}
				if !fr.Chained() {
					continue
				}
				stillConsumed := false
				for _, p := range graph.Preceding(f) {
					pr, err := e.store.Get(p)
					if err != nil {
						continue
					}
					if v.activating(p) || (pr.IsActive() && !v.deactivating(p)) {
						stillConsumed = true
						break
					}
				}
				if stillConsumed {
					continue
				}
				if _, ok := fromChained[f]; ok {
					continue
				}
				fromChained[f] = struct{}{}
				if fr.IsActive() && !v.deactivating(f) {
					v.deactivate[f] = fr
					v.activate[f] = fr
					changed = true
				}
			}
		}
	}

	v.toChained = sortedKeys(toChained)
	v.fromChained = sortedKeys(fromChained)
	return nil
}

// compileInterfacePlan expands the candidates' command configurations into
// the activate/deactivate interface lists handed to the hardware.
func (e *Engine) compileInterfacePlan(v *validation) (activate, deactivate []string) {
	seenAct := make(map[string]struct{})
	for _, c := range e.inRosterOrderRecords(v.activate) {
		for _, n := range e.expandCmdCfg(c) {
			if _, ok := seenAct[n]; !ok {
				seenAct[n] = struct{}{}
				activate = append(activate, n)
			}
		}
	}
	seenDeact := make(map[string]struct{})
	for _, d := range e.inRosterOrderRecords(v.deactivate) {
		names := d.ClaimedInterfaceNames()
		if len(names) == 0 {
			names = e.expandCmdCfg(d)
		}
		for _, n := range names {
			if _, ok := seenDeact[n]; !ok {
				seenDeact[n] = struct{}{}
				deactivate = append(deactivate, n)
			}
		}
	}
	return activate, deactivate
}

// expandCmdCfg resolves a controller's command configuration to concrete
// interface names.
func (e *Engine) expandCmdCfg(r *registry.Record) []string {
	switch r.CmdCfg.Type {
	case types.InterfaceConfigAll:
		return e.rm.AvailableCommandInterfaces()
	case types.InterfaceConfigIndividual:
		return r.CmdCfg.Names
	default:
		return nil
	}
}

// expandStateCfg resolves a controller's state configuration to concrete
// interface names.
func (e *Engine) expandStateCfg(r *registry.Record) []string {
	switch r.StateCfg.Type {
	case types.InterfaceConfigAll:
		return e.rm.AvailableStateInterfaces()
	case types.InterfaceConfigIndividual:
		return r.StateCfg.Names
	default:
		return nil
	}
}

// claimantOf scans the loaded controllers for the one currently claiming
// the named command interface. Control-thread only.
func (e *Engine) claimantOf(name string) string {
	for _, r := range e.store.All() {
		if slices.Contains(r.ClaimedInterfaceNames(), name) {
			return r.Name
		}
	}
	return ""
}

// inRosterOrder returns the names of the given records in the published
// topological roster order.
func (e *Engine) inRosterOrder(set map[string]*registry.Record) []string {
	var out []string
	for _, r := range e.store.Roster().Snapshot() {
		if _, ok := set[r.Name]; ok {
			out = append(out, r.Name)
		}
	}
	// Records not yet in the published roster (freshly configured before a
	// rebuild) append in name order for determinism.
	for _, name := range sortedKeys(setKeys(set)) {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func (e *Engine) inRosterOrderRecords(set map[string]*registry.Record) []*registry.Record {
	names := e.inRosterOrder(set)
	out := make([]*registry.Record, 0, len(names))
	for _, n := range names {
		out = append(out, set[n])
	}
	return out
}

// completeBookkeeping runs Phase E: claimed-interface bookkeeping reflects
// each controller's final state.
func (e *Engine) completeBookkeeping(v *validation) {
	for _, c := range v.activate {
		if !c.IsActive() {
			c.Controller.ReleaseInterfaces()
		}
	}
	active := 0
	for _, r := range e.store.All() {
		if r.IsActive() {
			active++
		}
	}
	e.metrics.ActiveControllers.Set(float64(active))
}

func setKeys(m map[string]*registry.Record) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
