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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterfacePrefix(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "joint interface", in: "joint1/position", want: "joint1"},
		{name: "chained interface keeps first segment", in: "traj/joint1/position", want: "traj"},
		{name: "bare name", in: "estop", want: "estop"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InterfacePrefix(tt.in))
		})
	}
}

func TestStrictness_Effective(t *testing.T) {
	assert.Equal(t, StrictnessStrict, StrictnessStrict.Effective())
	assert.Equal(t, StrictnessBestEffort, StrictnessBestEffort.Effective())
	assert.Equal(t, StrictnessBestEffort, StrictnessAuto.Effective())
	assert.Equal(t, StrictnessBestEffort, StrictnessForceAuto.Effective())
	assert.Equal(t, StrictnessBestEffort, Strictness(42).Effective(),
		"unknown strictness values fall back to best effort")
}

func TestLifecycleState_String(t *testing.T) {
	assert.Equal(t, "Unconfigured", StateUnconfigured.String())
	assert.Equal(t, "Inactive", StateInactive.String())
	assert.Equal(t, "Active", StateActive.String())
	assert.Equal(t, "Finalized", StateFinalized.String())
	assert.Contains(t, LifecycleState(9).String(), "Unknown")
}
