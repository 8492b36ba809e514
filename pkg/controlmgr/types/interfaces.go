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

import "strings"

// InterfaceConfigType selects how a controller declares its required
// command or state interfaces.
type InterfaceConfigType int

const (
	// InterfaceConfigNone declares no required interfaces.
	InterfaceConfigNone InterfaceConfigType = iota

	// InterfaceConfigAll expands to every interface currently available on
	// the hardware at activation time.
	InterfaceConfigAll

	// InterfaceConfigIndividual declares an explicit list of interface
	// names.
	InterfaceConfigIndividual
)

func (t InterfaceConfigType) String() string {
	switch t {
	case InterfaceConfigNone:
		return "None"
	case InterfaceConfigAll:
		return "All"
	case InterfaceConfigIndividual:
		return "Individual"
	default:
		return "Unknown"
	}
}

// InterfaceConfig is a controller's declaration of the command or state
// interfaces it requires. Names are only meaningful for
// `InterfaceConfigIndividual`.
type InterfaceConfig struct {
	Type  InterfaceConfigType
	Names []string
}

// InterfacePrefix returns the `<prefix>` part of an interface name of the
// form `<prefix>/<suffix>`. A name whose prefix equals a loaded controller's
// name denotes a chained (reference or exported-state) interface.
func InterfacePrefix(name string) string {
	if i := strings.Index(name, "/"); i >= 0 {
		return name[:i]
	}
	return name
}
