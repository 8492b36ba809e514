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

package switching

import (
	"slices"

	"github.com/kinematix/controlmgr/pkg/controlmgr/contracts"
	"github.com/kinematix/controlmgr/pkg/controlmgr/metrics"
	"github.com/kinematix/controlmgr/pkg/controlmgr/registry"
	logutil "github.com/kinematix/controlmgr/pkg/controlmgr/util/logging"
)

// ApplyPending runs Phase D if a request is armed. Called by the realtime
// scheduler at the cycle boundary; a lost TryLock race postpones the apply
// to the next cycle. Returns whether a request was applied.
func (e *Engine) ApplyPending() bool {
	if !e.doSwitch.Load() {
		return false
	}
	if !e.reqMu.TryLock() {
		return false
	}
	defer e.reqMu.Unlock()
	req := e.pending
	if req == nil {
		return false
	}

	e.perform(req)

	e.pending = nil
	e.pendingDeact.Store(nil)
	e.doSwitch.Store(false)
	close(req.done)
	return true
}

// perform executes the realtime apply steps in order: hardware mode switch,
// deactivations, chained-mode flips, activations.
func (e *Engine) perform(req *request) {
	if !e.rm.PerformCommandModeSwitch(req.activateCmdItfs, req.deactivateCmdItfs) {
		// Prepare accepted this exact plan on the control thread; a refusal
		// here is a hardware-side invariant violation.
		e.logger.Error(nil, "FATAL: hardware refused the prepared command mode switch", "switchID", req.id)
	}

	// Deactivate consumers before producers: reverse roster order.
	for i := len(req.deactivate) - 1; i >= 0; i-- {
		e.deactivateOne(req.deactivate[i])
	}

	for _, name := range req.fromChained {
		e.setChainedMode(name, false)
	}
	for _, name := range req.toChained {
		e.setChainedMode(name, true)
	}

	for _, name := range req.activate {
		e.activateOne(name)
	}
}

// deactivateOne transitions one controller out of Active and returns its
// loans. Missing or already-inactive controllers are logged and skipped;
// the switch carries on.
func (e *Engine) deactivateOne(name string) {
	r, err := e.store.Get(name)
	if err != nil {
		e.logger.Error(err, "FATAL: controller vanished between switch phases", "controller", name)
		return
	}
	if !r.IsActive() {
		e.logger.V(logutil.DEBUG).Info("Skipping deactivation of controller that is no longer active",
			"controller", name, "state", r.State().String())
		return
	}
	if err := r.Deactivate(); err != nil {
		e.logger.Error(err, "Controller failed to deactivate", "controller", name)
	}
	if r.Chainable {
		e.rm.MakeControllerExportedInterfacesUnavailable(name)
	}
}

// activateOne claims the controller's interfaces and transitions it to
// Active. A claim conflict skips the controller and leaves it Inactive.
func (e *Engine) activateOne(name string) {
	r, err := e.store.Get(name)
	if err != nil {
		e.logger.Error(err, "FATAL: controller vanished between switch phases", "controller", name)
		return
	}
	if !r.IsInactive() {
		e.logger.V(logutil.DEBUG).Info("Skipping activation of controller that is not inactive",
			"controller", name, "state", r.State().String())
		return
	}

	cmdNames := e.expandCmdCfg(r)
	stateNames := e.expandStateCfg(r)

	cmdLoans := make([]contracts.Loan, 0, len(cmdNames))
	stateLoans := make([]contracts.Loan, 0, len(stateNames))
	release := func() {
		for _, l := range cmdLoans {
			l.Release()
		}
		for _, l := range stateLoans {
			l.Release()
		}
	}

	for _, itf := range cmdNames {
		loan, err := e.rm.ClaimCommandInterface(itf)
		if err != nil {
			e.logger.Error(err, "Claim conflict during activation, leaving controller inactive",
				"controller", name, "interface", itf)
			release()
			return
		}
		cmdLoans = append(cmdLoans, loan)
	}
	for _, itf := range stateNames {
		loan, err := e.rm.ClaimStateInterface(itf)
		if err != nil {
			e.logger.Error(err, "State interface unavailable during activation, leaving controller inactive",
				"controller", name, "interface", itf)
			release()
			return
		}
		stateLoans = append(stateLoans, loan)
	}

	r.Controller.AssignInterfaces(cmdLoans, stateLoans)
	if err := r.Activate(); err != nil {
		e.logger.Error(err, "Controller failed to activate", "controller", name)
		return
	}
	r.SetClaims(slices.Clone(cmdNames), cmdLoans, stateLoans)
	if r.Chainable {
		e.rm.MakeControllerExportedInterfacesAvailable(name)
	}
}

func (e *Engine) setChainedMode(name string, chained bool) {
	r, err := e.store.Get(name)
	if err != nil {
		e.logger.Error(err, "FATAL: controller vanished before chained-mode flip", "controller", name)
		return
	}
	cc, ok := r.Controller.(contracts.ChainableController)
	if !ok {
		e.logger.Error(nil, "FATAL: chained-mode flip requested for non-chainable controller", "controller", name)
		return
	}
	if cc.IsInChainedMode() == chained {
		return
	}
	if !cc.SetChainedMode(chained) {
		e.logger.Error(nil, "Controller refused chained-mode flip", "controller", name, "chained", chained)
	}
}

// Failover is the mid-cycle error path: it deactivates the failed
// controllers (plus every active transitive consumer of their exports, plus
// any peer holding a command interface the fallbacks need) and activates
// the declared fallbacks, using the same prepare/perform protocol as a
// regular switch. Runs entirely on the realtime thread.
func (e *Engine) Failover(failed []*registry.Record, withFallbacks bool) {
	if len(failed) == 0 {
		return
	}
	graph := e.store.Graph()

	deact := make(map[string]*registry.Record)
	addDeact := func(r *registry.Record) {
		if r.IsActive() {
			deact[r.Name] = r
		}
	}
	for _, f := range failed {
		addDeact(f)
		for _, consumer := range graph.TransitivePreceding(f.Name) {
			if c, err := e.store.Get(consumer); err == nil {
				addDeact(c)
			}
		}
	}

	var fallbacks []*registry.Record
	if withFallbacks {
		seen := make(map[string]struct{})
		for _, f := range failed {
			for _, name := range f.Fallbacks {
				if _, ok := seen[name]; ok {
					continue
				}
				seen[name] = struct{}{}
				fb, err := e.store.Get(name)
				if err != nil {
					e.logger.Error(err, "Declared fallback controller is not loaded",
						"controller", f.Name, "fallback", name)
					continue
				}
				if fb.IsActive() {
					continue
				}
				fallbacks = append(fallbacks, fb)
			}
		}
		// Peers holding command interfaces the fallbacks need are
		// deactivated too.
		for _, fb := range fallbacks {
			needed := e.expandCmdCfg(fb)
			for _, r := range e.store.Roster().Snapshot() {
				if !r.IsActive() || deact[r.Name] != nil {
					continue
				}
				for _, claimed := range r.ClaimedInterfaceNames() {
					if slices.Contains(needed, claimed) {
						deact[r.Name] = r
						break
					}
				}
			}
		}
	}

	var deactItfs []string
	deactNames := make([]string, 0, len(deact))
	for name, d := range deact {
		deactNames = append(deactNames, name)
		deactItfs = append(deactItfs, d.ClaimedInterfaceNames()...)
	}
	var actItfs []string
	for _, fb := range fallbacks {
		actItfs = append(actItfs, e.expandCmdCfg(fb)...)
	}

	e.logger.Error(nil, "Deactivating failed controllers",
		"deactivate", deactNames, "fallbacks", len(fallbacks))

	if !e.rm.PrepareCommandModeSwitch(actItfs, deactItfs) {
		e.logger.Error(nil, "Hardware rejected the failover command mode switch; deactivating without fallbacks",
			"deactivate", deactNames)
		actItfs, fallbacks = nil, nil
	}
	if !e.rm.PerformCommandModeSwitch(actItfs, deactItfs) {
		e.logger.Error(nil, "FATAL: hardware refused the failover command mode switch")
	}

	for _, d := range deact {
		if err := d.Deactivate(); err != nil {
			e.logger.Error(err, "Controller failed to deactivate during failover", "controller", d.Name)
		}
		if d.Chainable {
			e.rm.MakeControllerExportedInterfacesUnavailable(d.Name)
		}
	}
	// A producer taken down here has no active consumers left; chained mode
	// must not outlive them.
	for _, d := range deact {
		if !d.Chained() {
			continue
		}
		stillConsumed := false
		for _, p := range graph.Preceding(d.Name) {
			if pr, err := e.store.Get(p); err == nil && pr.IsActive() {
				stillConsumed = true
				break
			}
		}
		if !stillConsumed {
			e.setChainedMode(d.Name, false)
		}
	}
	for _, fb := range fallbacks {
		e.activateOne(fb.Name)
		if fb.IsActive() {
			e.metrics.FallbackActivationsTotal.Inc()
		}
	}
	e.metrics.SwitchesTotal.WithLabelValues(metrics.SwitchResultApplied).Inc()
}
