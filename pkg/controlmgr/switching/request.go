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
	"time"

	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// DefaultSwitchTimeout applies when a request carries no timeout (or an
// explicit zero).
const DefaultSwitchTimeout = time.Second

// Spec is a caller's switch request: which controllers to activate and
// deactivate, and under which policy.
type Spec struct {
	Activate   []string
	Deactivate []string

	// Strictness selects atomic-all-or-nothing (STRICT) or best-effort
	// semantics. Unknown values resolve to BEST_EFFORT with a warning.
	Strictness types.Strictness

	// ActivateASAP is recorded on the armed request. The apply phase handles
	// activations the same way whether or not it is set: they complete or
	// fail in the apply cycle, and none is retried in a later cycle.
	ActivateASAP bool

	// Timeout bounds the wait for the realtime thread to apply the
	// request; zero means DefaultSwitchTimeout.
	Timeout time.Duration
}

// request is the armed form of a validated Spec, consumed by the realtime
// thread at the next cycle boundary. It is guarded by the engine's request
// mutex; `done` is closed exactly once, after the apply phase finishes.
type request struct {
	id string

	// Resolved controller sets, in roster (topological) order. Controllers
	// whose chained mode flips while staying active appear in both lists.
	activate   []string
	deactivate []string

	// Chained-mode flips applied between deactivation and activation.
	toChained   []string
	fromChained []string

	// Compiled command interface plan handed to the hardware.
	activateCmdItfs   []string
	deactivateCmdItfs []string

	activateASAP bool
	timeout      time.Duration

	done chan struct{}
}
