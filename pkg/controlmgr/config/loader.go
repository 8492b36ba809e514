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

// Package config loads the manager configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kinematix/controlmgr/pkg/controlmgr/manager"
	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// File is the on-disk shape of the manager configuration.
//
//	update_rate: 250
//	default_strictness: STRICT
type File struct {
	UpdateRate        uint   `yaml:"update_rate"`
	DefaultStrictness string `yaml:"default_strictness"`
}

// Load reads and validates a configuration file. An empty path yields the
// defaults.
func Load(path string) (*manager.Config, error) {
	var f File
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	strictness, err := parseStrictness(f.DefaultStrictness)
	if err != nil {
		return nil, err
	}
	cfg := manager.Config{
		UpdateRate:        f.UpdateRate,
		DefaultStrictness: strictness,
	}
	return cfg.ValidateAndApplyDefaults()
}

func parseStrictness(s string) (types.Strictness, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return 0, nil
	case "STRICT":
		return types.StrictnessStrict, nil
	case "BEST_EFFORT":
		return types.StrictnessBestEffort, nil
	case "AUTO":
		return types.StrictnessAuto, nil
	case "FORCE_AUTO":
		return types.StrictnessForceAuto, nil
	default:
		return 0, fmt.Errorf("unknown strictness %q", s)
	}
}
