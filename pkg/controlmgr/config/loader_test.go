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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinematix/controlmgr/pkg/controlmgr/manager"
	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controlmgr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint(manager.DefaultUpdateRate), cfg.UpdateRate)
	assert.Equal(t, types.StrictnessBestEffort, cfg.DefaultStrictness)
}

func TestLoad_ParsesFile(t *testing.T) {
	path := writeConfig(t, "update_rate: 250\ndefault_strictness: STRICT\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint(250), cfg.UpdateRate)
	assert.Equal(t, types.StrictnessStrict, cfg.DefaultStrictness)
}

func TestLoad_StrictnessSpellings(t *testing.T) {
	tests := []struct {
		in   string
		want types.Strictness
	}{
		{in: "best_effort", want: types.StrictnessBestEffort},
		{in: "AUTO", want: types.StrictnessAuto},
		{in: "force_auto", want: types.StrictnessForceAuto},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			path := writeConfig(t, "default_strictness: "+tt.in+"\n")
			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.DefaultStrictness)
		})
	}
}

func TestLoad_Failures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "update_rate: [not a number\n"))
		assert.Error(t, err)
	})
	t.Run("unknown strictness", func(t *testing.T) {
		_, err := Load(writeConfig(t, "default_strictness: SOMETIMES\n"))
		assert.Error(t, err)
	})
	t.Run("excessive rate", func(t *testing.T) {
		_, err := Load(writeConfig(t, "update_rate: 99999\n"))
		assert.Error(t, err)
	})
}
