/*
Package config persists application settings and resume state as JSON under
${HOME}/.checkerbase/. Writes go through a tmp file and rename so a crash
mid-write never leaves a torn settings file.
*/
package config

/*
checkerbase — high-throughput credential checking engine in Go
Copyright (C) 2025  Pepijn van der Stap <checkerbase@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

// AppDirName is the per-user state directory under $HOME.
const AppDirName = ".checkerbase"

// SettingsFileName is the settings file inside AppDir.
const SettingsFileName = "settings.json"

// RegistryFileName is the server registry database inside AppDir.
const RegistryFileName = "server_registry.db"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AppSettings is the persisted configuration plus resume state.
type AppSettings struct {
	InputPath   string `json:"inputPath" validate:"required"`
	ProxyPath   string `json:"proxyPath,omitempty"`
	ProxyType   string `json:"proxyType,omitempty" validate:"omitempty,oneof=http https socks4 socks5"`
	OutputDir   string `json:"outputDir" validate:"required"`
	Parallelism int    `json:"parallelism" validate:"gte=1,lte=10000"`
	MaxRetries  int    `json:"maxRetries" validate:"gte=0,lte=100"`

	ResumeByteOffset *int64     `json:"resumeByteOffset,omitempty"`
	ResumeInputPath  string     `json:"resumeInputPath,omitempty"`
	ResumeTimestamp  *time.Time `json:"resumeTimestamp,omitempty"`
}

// Default returns settings for a fresh install.
func Default() *AppSettings {
	return &AppSettings{
		InputPath:   "input.txt",
		OutputDir:   "output",
		ProxyType:   "http",
		Parallelism: 100,
		MaxRetries:  2,
	}
}

var validate = validator.New()

// Validate returns a list of human-readable problems, empty when valid.
func (s *AppSettings) Validate() []string {
	var problems []string

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q constraint", fe.Field(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	return problems
}

// HasCheckpoint reports whether a resume checkpoint is recorded for the
// currently configured input: a positive offset saved against the same path.
func (s *AppSettings) HasCheckpoint() bool {
	return s.ResumeByteOffset != nil &&
		*s.ResumeByteOffset > 0 &&
		s.ResumeInputPath == s.InputPath
}

// SetCheckpoint records a resume offset for the current input path.
func (s *AppSettings) SetCheckpoint(offset int64) {
	now := time.Now().UTC()
	s.ResumeByteOffset = &offset
	s.ResumeInputPath = s.InputPath
	s.ResumeTimestamp = &now
}

// ClearCheckpoint removes any recorded resume state.
func (s *AppSettings) ClearCheckpoint() {
	s.ResumeByteOffset = nil
	s.ResumeInputPath = ""
	s.ResumeTimestamp = nil
}

// AppDir returns the state directory path, creating it if needed.
func AppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	dir := filepath.Join(home, AppDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %q: %w", dir, err)
	}

	return dir, nil
}

// DefaultSettingsPath returns the canonical settings file location.
func DefaultSettingsPath() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, SettingsFileName), nil
}

// DefaultRegistryPath returns the canonical registry database location.
func DefaultRegistryPath() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, RegistryFileName), nil
}

// Load reads settings from path. A missing file yields defaults.
func Load(path string) (*AppSettings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %q: %w", path, err)
	}

	s := &AppSettings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %q: %w", path, err)
	}

	return s, nil
}

// Save writes settings to path atomically: marshal, write tmp, rename.
func Save(path string, s *AppSettings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err == nil {
		return nil
	}

	defer os.Remove(tmp)

	if runtime.GOOS == "windows" {
		_ = os.Remove(path)
	}

	return os.Rename(tmp, path)
}
