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

package contracts

import (
	"time"

	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// UpdateResult is what a controller reports back from one trigger of its
// update function.
//
// Asynchronous controllers may return immediately with the result of the
// *previous* cycle; in that case `ExecutionTime` and `Period` describe that
// earlier cycle.
type UpdateResult struct {
	// Successful is false when the trigger itself could not run, e.g. the
	// async worker thread is gone. The controller is treated as failed.
	Successful bool

	// OK is false when the update ran but reported an error return. The
	// controller is deactivated and its fallbacks are activated.
	OK bool

	// ExecutionTime, when set, is the measured duration of the update that
	// produced this result.
	ExecutionTime *time.Duration

	// Period, when set, is the actual period of the update that produced
	// this result.
	Period *time.Duration
}

// Controller is the capability contract every managed controller satisfies.
// The core sees controllers only through this interface; concrete algorithm
// types are loaded elsewhere and handed in on load.
//
// # Conformance
//
// `TriggerUpdate` is invoked from the realtime thread and MUST NOT block.
// Lifecycle hooks run on the non-realtime control thread and may block
// briefly. Hook panics are trapped by the core and converted into the error
// path; implementations should still prefer returning `CallbackError`.
type Controller interface {
	// CommandInterfaceConfiguration declares the command interfaces the
	// controller claims on activation. It is only meaningful once the
	// controller is configured.
	CommandInterfaceConfiguration() types.InterfaceConfig

	// StateInterfaceConfiguration declares the state interfaces the
	// controller reads.
	StateInterfaceConfiguration() types.InterfaceConfig

	// IsChainable reports whether the controller can export reference and
	// state interfaces for consumption by other controllers. Chainable
	// controllers additionally implement `ChainableController`.
	IsChainable() bool

	// IsAsync reports whether updates run on the controller's own worker
	// rather than inline on the realtime thread.
	IsAsync() bool

	// UpdateRate returns the controller's desired update rate in Hz.
	// Zero means "run at the manager rate".
	UpdateRate() uint

	// AssignInterfaces hands the controller the loans claimed on its
	// behalf, in the order of its declared configuration.
	AssignInterfaces(command, state []Loan)

	// ReleaseInterfaces tells the controller to drop its references to all
	// assigned loans. The core releases the loans themselves.
	ReleaseInterfaces()

	// Lifecycle hooks. Each returns the outcome of the transition attempt.
	OnInit() types.CallbackResult
	OnConfigure() types.CallbackResult
	OnActivate() types.CallbackResult
	OnDeactivate() types.CallbackResult
	OnCleanup() types.CallbackResult
	OnShutdown() types.CallbackResult

	// OnError is invoked after any hook or update reports `CallbackError`
	// or panics. Returning `CallbackSuccess` lands the controller in
	// Unconfigured; anything else finalizes it.
	OnError() types.CallbackResult

	// TriggerUpdate runs (or, for async controllers, requests) one update
	// cycle.
	TriggerUpdate(t time.Time, period time.Duration) UpdateResult

	// PrepareForDeactivation asks an asynchronous controller to complete
	// its in-flight cycle before the switch engine's realtime apply phase.
	// Synchronous controllers implement it as a no-op.
	PrepareForDeactivation()
}

// ChainableController extends Controller with the export surface that lets
// other controllers consume its outputs.
type ChainableController interface {
	Controller

	// ExportedReferenceInterfaceNames returns the full names
	// (`<controller>/<suffix>`) of the command-consumable interfaces this
	// controller exports. Stable from configure until cleanup.
	ExportedReferenceInterfaceNames() []string

	// ExportedStateInterfaceNames returns the full names of the state
	// interfaces this controller exports for downstream consumption.
	ExportedStateInterfaceNames() []string

	// SetChainedMode switches the controller between external-input mode
	// and chained mode. It returns false if the controller refuses the
	// flip, e.g. because it is Active.
	SetChainedMode(chained bool) bool

	// IsInChainedMode reports the current mode.
	IsInChainedMode() bool
}
