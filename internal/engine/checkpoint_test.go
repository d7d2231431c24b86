package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/x-stp/checkerbase/internal/config"
)

func newCheckpointFixture(t *testing.T, inputSize int) (*CheckpointManager, string) {
	t.Helper()

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(inputPath, make([]byte, inputSize), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	settings := config.Default()
	settings.InputPath = inputPath
	settingsPath := filepath.Join(dir, "settings.json")

	return NewCheckpointManager(settingsPath, settings), inputPath
}

func TestSaveAndResume(t *testing.T) {
	t.Parallel()

	m, _ := newCheckpointFixture(t, 2000)

	if err := m.SaveCheckpoint(1000); err != nil {
		t.Fatalf("save: %v", err)
	}

	pos := m.ResumePosition()
	if pos == nil || *pos != 1000 {
		t.Fatalf("resume position = %v, want 1000", pos)
	}
}

func TestResumeNilAfterTruncation(t *testing.T) {
	t.Parallel()

	m, inputPath := newCheckpointFixture(t, 2000)

	if err := m.SaveCheckpoint(1000); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := os.Truncate(inputPath, 800); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if pos := m.ResumePosition(); pos != nil {
		t.Fatalf("expected nil after truncation, got %d", *pos)
	}
}

func TestResumeNilWhenInputMissing(t *testing.T) {
	t.Parallel()

	m, inputPath := newCheckpointFixture(t, 100)

	if err := m.SaveCheckpoint(50); err != nil {
		t.Fatalf("save: %v", err)
	}
	os.Remove(inputPath)

	if pos := m.ResumePosition(); pos != nil {
		t.Fatalf("expected nil for missing input, got %d", *pos)
	}
}

func TestResumeNilForDifferentInput(t *testing.T) {
	t.Parallel()

	m, _ := newCheckpointFixture(t, 100)
	if err := m.SaveCheckpoint(50); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The checkpoint is tied to the path it was saved against.
	m.settings.InputPath = filepath.Join(t.TempDir(), "other.txt")
	if pos := m.ResumePosition(); pos != nil {
		t.Fatalf("expected nil for changed input path, got %d", *pos)
	}
}

func TestClearRemovesCheckpoint(t *testing.T) {
	t.Parallel()

	m, _ := newCheckpointFixture(t, 100)
	if err := m.SaveCheckpoint(50); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if pos := m.ResumePosition(); pos != nil {
		t.Fatalf("expected nil after clear")
	}
}

func TestExportRemaining(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.txt")
	content := []byte("0123456789abcdef")
	if err := os.WriteFile(inputPath, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	outPath := filepath.Join(dir, "rest.txt")
	if err := ExportRemaining(inputPath, 10, outPath); err != nil {
		t.Fatalf("export: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("exported %q, want %q", got, "abcdef")
	}
}

func TestTempNameFragment(t *testing.T) {
	t.Parallel()

	got := tempNameFragment(`/data/lists/combo.txt`)
	if strings.ContainsAny(got, `/\:*?"<>|.`) {
		t.Fatalf("fragment %q still contains unsafe characters", got)
	}

	long := strings.Repeat("a/", 100) + "input.txt"
	frag := tempNameFragment(long)
	if len(frag) > 64 {
		t.Fatalf("fragment too long: %d", len(frag))
	}
	if !strings.HasSuffix(frag, "input_txt") {
		t.Fatalf("truncation must keep the distinguishing tail, got %q", frag)
	}
}

func TestCreateResumeTemp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(inputPath, []byte("headtail"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tmp, err := CreateResumeTemp(inputPath, 4)
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	defer os.Remove(tmp)

	got, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatalf("read temp: %v", err)
	}
	if string(got) != "tail" {
		t.Fatalf("temp content %q, want %q", got, "tail")
	}
}
