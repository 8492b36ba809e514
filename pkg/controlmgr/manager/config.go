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

package manager

import (
	"fmt"

	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

const (
	// DefaultUpdateRate is the manager rate applied when none is
	// configured.
	DefaultUpdateRate = 100

	// maxUpdateRate bounds configuration mistakes; hardware faster than
	// this is not driven through this loop.
	maxUpdateRate = 10000
)

// Config is the manager's top-level configuration.
type Config struct {
	// UpdateRate is the realtime loop rate in Hz.
	UpdateRate uint

	// DefaultStrictness applies to switch requests that leave strictness
	// unset.
	DefaultStrictness types.Strictness
}

// ValidateAndApplyDefaults checks the configuration for validity and
// populates any empty fields with system defaults. It returns a new,
// validated Config and does not mutate the receiver.
func (c *Config) ValidateAndApplyDefaults() (*Config, error) {
	out := *c
	if out.UpdateRate == 0 {
		out.UpdateRate = DefaultUpdateRate
	}
	if out.UpdateRate > maxUpdateRate {
		return nil, fmt.Errorf("update rate %d Hz exceeds the supported maximum of %d Hz", out.UpdateRate, maxUpdateRate)
	}
	if out.DefaultStrictness == 0 {
		out.DefaultStrictness = types.StrictnessBestEffort
	}
	return &out, nil
}
