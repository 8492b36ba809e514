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

import "fmt"

// Strictness governs whether a multi-controller switch request is
// atomic-all-or-nothing or best-effort.
type Strictness int32

const (
	// StrictnessStrict rejects the entire switch request if any part of it
	// fails validation.
	StrictnessStrict Strictness = 1

	// StrictnessBestEffort drops invalid parts of the request with a
	// warning and applies the accepted subset.
	StrictnessBestEffort Strictness = 2

	// StrictnessAuto is accepted for API compatibility and behaves as
	// BEST_EFFORT with a warning.
	StrictnessAuto Strictness = 3

	// StrictnessForceAuto is accepted for API compatibility and behaves as
	// BEST_EFFORT with a warning.
	StrictnessForceAuto Strictness = 4
)

func (s Strictness) String() string {
	switch s {
	case StrictnessStrict:
		return "STRICT"
	case StrictnessBestEffort:
		return "BEST_EFFORT"
	case StrictnessAuto:
		return "AUTO"
	case StrictnessForceAuto:
		return "FORCE_AUTO"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// Effective maps the requested strictness onto the two policies the switch
// engine implements. Anything that is not STRICT, including unknown values,
// resolves to BEST_EFFORT; callers are expected to warn when the input and
// the result differ.
func (s Strictness) Effective() Strictness {
	if s == StrictnessStrict {
		return StrictnessStrict
	}
	return StrictnessBestEffort
}
