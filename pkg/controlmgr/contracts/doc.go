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

// Package contracts defines the interfaces between the controller manager
// core and its external collaborators: the hardware abstraction layer
// (`ResourceManager`), the controllers it drives (`Controller` and
// `ChainableController`), and the diagnostics sink.
//
// The core consumes these interfaces and never provides implementations of
// the hardware side; conversely, controller implementations never see the
// core's internal state. Keeping the boundary in a leaf package allows the
// scheduler, switch engine, and registry to depend on it without import
// cycles, and allows tests to substitute fakes for either side.
package contracts
