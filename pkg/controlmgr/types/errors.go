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

package types

import "errors"

// --- Lookup and Lifecycle Errors ---

var (
	// ErrNotFound indicates a controller name is not known to the manager.
	//
	// Callers should use `errors.Is(err, ErrNotFound)` to check for this
	// class of failure.
	ErrNotFound = errors.New("controller not found")

	// ErrInvalidState indicates a lifecycle precondition was not met, e.g.
	// configuring a controller that is Active.
	ErrInvalidState = errors.New("controller in invalid state for requested transition")
)

// --- Switch Validation and Execution Errors ---

var (
	// ErrInterfaceUnavailable indicates a required command or state
	// interface is not exported by the hardware (or by a chained peer) at
	// validation time.
	ErrInterfaceUnavailable = errors.New("required interface unavailable")

	// ErrConflict indicates a claim collision during activation, or a
	// violation of the chain invariants (e.g. a follower of a deactivating
	// controller staying active, or a cycle in the chain graph).
	ErrConflict = errors.New("interface or chain conflict")

	// ErrHardwareRejected indicates the hardware declined the command mode
	// switch in `PrepareCommandModeSwitch`.
	ErrHardwareRejected = errors.New("hardware rejected command mode switch")

	// ErrTimeout indicates the realtime loop did not apply the switch
	// request within the request's timeout.
	ErrTimeout = errors.New("switch not applied within timeout")

	// ErrInternal indicates an invariant violation, e.g. a controller
	// vanished between switch phases, or a controller lifecycle hook that
	// reported an error or panicked.
	ErrInternal = errors.New("internal invariant violation")
)
