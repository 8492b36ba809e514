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

// ControllerActivity is one controller's row in an activity snapshot.
type ControllerActivity struct {
	Name          string
	PluginType    string
	State         types.LifecycleState
	ChainedMode   bool
	UpdateRate    uint
	LastUpdate    time.Time
	PeriodicityHz float64
	ExecTimeMean  time.Duration
}

// DiagnosticsSink receives activity snapshots after lifecycle changes and
// after the realtime loop handles errors. Implementations MUST return
// quickly: the realtime loop calls PublishActivity synchronously, with no
// buffering in between.
//
// The sink is injected into the core; it is not a process singleton.
type DiagnosticsSink interface {
	PublishActivity(snapshot []ControllerActivity)
}

// NullDiagnosticsSink discards all snapshots. It is the default sink.
type NullDiagnosticsSink struct{}

func (NullDiagnosticsSink) PublishActivity([]ControllerActivity) {}

var _ DiagnosticsSink = NullDiagnosticsSink{}
