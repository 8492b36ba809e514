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

	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// =============================================================================
// Controller Lifecycle State Machine
// =============================================================================
//
// Transitions: Unconfigured -> Inactive (configure), Inactive -> Unconfigured
// (cleanup), Inactive -> Active (activate), Active -> Inactive (deactivate),
// any -> Finalized (shutdown). Re-configuring an Inactive controller cleans
// it up first so `OnConfigure` always starts from Unconfigured.
//
// Every controller hook is invoked through `runHook`, which converts a panic
// in controller code into `CallbackError`. A `CallbackError` from any hook
// routes through `HandleError`: the controller lands in Unconfigured if
// `OnError` succeeds and in Finalized otherwise. Errors never cross the
// realtime boundary as panics.

// runHook invokes a controller lifecycle hook, trapping panics.
func runHook(hook func() types.CallbackResult) (res types.CallbackResult) {
	defer func() {
		if r := recover(); r != nil {
			res = types.CallbackError
		}
	}()
	return hook()
}

// Init runs the controller's one-time initialization hook at load time.
// A failure leaves the record unusable; the caller discards it.
func (r *Record) Init() error {
	switch runHook(r.Controller.OnInit) {
	case types.CallbackSuccess:
		return nil
	case types.CallbackFailure:
		return fmt.Errorf("controller %q declined initialization: %w", r.Name, types.ErrInvalidState)
	default:
		r.HandleError()
		return fmt.Errorf("controller %q errored during initialization: %w", r.Name, types.ErrInternal)
	}
}

// Configure drives the controller to Inactive. `managerRate` resolves a zero
// declared update rate. Rejected from Active or Finalized; from Inactive the
// controller is cleaned up first.
func (r *Record) Configure(managerRate uint) error {
	switch r.State() {
	case types.StateActive, types.StateFinalized:
		return fmt.Errorf("configure of controller %q from state %s: %w",
			r.Name, r.State(), types.ErrInvalidState)
	case types.StateInactive:
		if err := r.Cleanup(); err != nil {
			return err
		}
	}

	switch runHook(r.Controller.OnConfigure) {
	case types.CallbackSuccess:
	case types.CallbackFailure:
		return fmt.Errorf("controller %q declined configuration: %w", r.Name, types.ErrInvalidState)
	default:
		r.HandleError()
		return fmt.Errorf("controller %q errored during configuration: %w", r.Name, types.ErrInternal)
	}

	// Capture the interface declarations once; validation and interface
	// planning must not re-enter controller code.
	r.CmdCfg = r.Controller.CommandInterfaceConfiguration()
	r.StateCfg = r.Controller.StateInterfaceConfiguration()
	r.UpdateRate = r.Controller.UpdateRate()
	if r.UpdateRate == 0 || r.UpdateRate > managerRate {
		r.UpdateRate = managerRate
	}

	r.setState(types.StateInactive)
	return nil
}

// Cleanup returns an Inactive controller to Unconfigured, releasing any
// stale claim bookkeeping.
func (r *Record) Cleanup() error {
	if r.State() != types.StateInactive {
		return fmt.Errorf("cleanup of controller %q from state %s: %w",
			r.Name, r.State(), types.ErrInvalidState)
	}
	switch runHook(r.Controller.OnCleanup) {
	case types.CallbackSuccess:
	case types.CallbackFailure:
		return fmt.Errorf("controller %q declined cleanup: %w", r.Name, types.ErrInvalidState)
	default:
		r.HandleError()
		return fmt.Errorf("controller %q errored during cleanup: %w", r.Name, types.ErrInternal)
	}
	r.CmdCfg = types.InterfaceConfig{}
	r.StateCfg = types.InterfaceConfig{}
	r.releaseClaims()
	r.setState(types.StateUnconfigured)
	return nil
}

// Activate transitions Inactive -> Active. Interface loans must already be
// assigned by the caller; on hook failure the claims are released again.
// Called from the realtime thread during the switch apply phase.
func (r *Record) Activate() error {
	if r.State() != types.StateInactive {
		return fmt.Errorf("activate of controller %q from state %s: %w",
			r.Name, r.State(), types.ErrInvalidState)
	}
	switch runHook(r.Controller.OnActivate) {
	case types.CallbackSuccess:
	case types.CallbackFailure:
		r.Controller.ReleaseInterfaces()
		r.releaseClaims()
		return fmt.Errorf("controller %q declined activation: %w", r.Name, types.ErrInvalidState)
	default:
		r.Controller.ReleaseInterfaces()
		r.HandleError()
		return fmt.Errorf("controller %q errored during activation: %w", r.Name, types.ErrInternal)
	}
	r.seedFirstUpdate()
	r.setState(types.StateActive)
	return nil
}

// Deactivate transitions Active -> Inactive and releases all loans. Called
// from the realtime thread during the switch apply phase and the fallback
// path.
func (r *Record) Deactivate() error {
	if r.State() != types.StateActive {
		return fmt.Errorf("deactivate of controller %q from state %s: %w",
			r.Name, r.State(), types.ErrInvalidState)
	}
	res := runHook(r.Controller.OnDeactivate)
	r.Controller.ReleaseInterfaces()
	r.releaseClaims()
	switch res {
	case types.CallbackSuccess:
	case types.CallbackFailure:
		r.setState(types.StateInactive)
		return fmt.Errorf("controller %q declined deactivation: %w", r.Name, types.ErrInvalidState)
	default:
		r.HandleError()
		return fmt.Errorf("controller %q errored during deactivation: %w", r.Name, types.ErrInternal)
	}
	r.setState(types.StateInactive)
	return nil
}

// Shutdown finalizes the controller from any state. Active controllers are
// deactivated first so loans are returned.
func (r *Record) Shutdown() error {
	if r.State() == types.StateActive {
		runHook(r.Controller.OnDeactivate)
		r.Controller.ReleaseInterfaces()
		r.releaseClaims()
	}
	res := runHook(r.Controller.OnShutdown)
	r.setState(types.StateFinalized)
	if res != types.CallbackSuccess {
		return fmt.Errorf("controller %q errored during shutdown: %w", r.Name, types.ErrInternal)
	}
	return nil
}

// HandleError runs the controller's error hook and settles the lifecycle:
// Unconfigured when recovery succeeds, Finalized otherwise. All claims are
// released either way.
func (r *Record) HandleError() {
	r.Controller.ReleaseInterfaces()
	r.releaseClaims()
	if runHook(r.Controller.OnError) == types.CallbackSuccess {
		r.CmdCfg = types.InterfaceConfig{}
		r.StateCfg = types.InterfaceConfig{}
		r.setState(types.StateUnconfigured)
		return
	}
	r.setState(types.StateFinalized)
}
