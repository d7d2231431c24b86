package engine

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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/x-stp/checkerbase/internal/config"
)

// CheckpointManager saves and restores the resume byte offset through the
// settings file. Resume granularity is one byte offset, not a line boundary:
// the resume temp file starts exactly at the offset, so the reader never has
// to skip a partial line.
type CheckpointManager struct {
	settingsPath string
	settings     *config.AppSettings
}

// NewCheckpointManager wraps the given settings.
func NewCheckpointManager(settingsPath string, settings *config.AppSettings) *CheckpointManager {
	return &CheckpointManager{settingsPath: settingsPath, settings: settings}
}

// ResumePosition returns the saved byte offset, or nil when no valid
// checkpoint exists. A checkpoint is only honored when the input file still
// exists and is at least as long as the offset; a shorter file means it was
// truncated or replaced since the save.
func (m *CheckpointManager) ResumePosition() *int64 {
	if !m.settings.HasCheckpoint() {
		return nil
	}

	offset := *m.settings.ResumeByteOffset

	info, err := os.Stat(m.settings.InputPath)
	if err != nil || info.Size() < offset {
		return nil
	}

	return &offset
}

// SaveCheckpoint persists offset together with the input path and the
// current UTC timestamp.
func (m *CheckpointManager) SaveCheckpoint(offset int64) error {
	m.settings.SetCheckpoint(offset)

	return config.Save(m.settingsPath, m.settings)
}

// Clear removes any recorded checkpoint.
func (m *CheckpointManager) Clear() error {
	m.settings.ClearCheckpoint()

	return config.Save(m.settingsPath, m.settings)
}

// ExportRemaining copies bytes [fromByte, end) of inputPath to outputPath,
// byte for byte.
func ExportRemaining(inputPath string, fromByte int64, outputPath string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", inputPath, err)
	}
	defer in.Close()

	if _, err := in.Seek(fromByte, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek %q to %d: %w", inputPath, fromByte, err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", outputPath, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(outputPath)

		return fmt.Errorf("failed copying remainder to %q: %w", outputPath, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", outputPath, err)
	}

	return nil
}

// CreateResumeTemp exports the remaining bytes of inputPath into a randomly
// named OS temp file and returns its path. The caller owns deletion.
func CreateResumeTemp(inputPath string, fromByte int64) (string, error) {
	pattern := fmt.Sprintf("checkerbase-resume-%s-*.txt", tempNameFragment(inputPath))

	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create resume temp file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()

	if err := ExportRemaining(inputPath, fromByte, path); err != nil {
		os.Remove(path)

		return "", err
	}

	return path, nil
}

// tempNameFragment makes the input path safe to embed in a temp file
// pattern: os.CreateTemp rejects separators in the pattern, and the other
// characters here upset at least one supported filesystem. Length-limited so
// deep paths cannot produce oversized names.
func tempNameFragment(input string) string {
	fragment := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '.':
			return '_'
		}
		return r
	}, input)

	const maxLength = 64
	if len(fragment) > maxLength {
		// Keep the tail: the base name distinguishes inputs better than a
		// shared directory prefix.
		fragment = fragment[len(fragment)-maxLength:]
	}
	return fragment
}
