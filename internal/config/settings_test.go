package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	s, err := Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Parallelism != 100 || s.MaxRetries != 2 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestSaveReloadIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")

	s := Default()
	s.InputPath = "/data/combo.txt"
	s.ProxyPath = "/data/proxies.txt"
	s.ProxyType = "socks5"
	s.SetCheckpoint(12345)

	if err := Save(path, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := Save(path, reloaded); err != nil {
		t.Fatalf("second save: %v", err)
	}

	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("save/reload not idempotent:\n%s\nvs\n%s", first, second)
	}
}

func TestJSONUsesCamelCaseAndStringEnums(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.json")
	s := Default()
	s.ProxyType = "socks5"
	if err := Save(path, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	for _, key := range []string{`"inputPath"`, `"outputDir"`, `"parallelism"`, `"maxRetries"`, `"proxyType": "socks5"`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("settings JSON missing %s:\n%s", key, data)
		}
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	s := Default()
	if problems := s.Validate(); len(problems) != 0 {
		t.Fatalf("defaults should validate, got %v", problems)
	}

	s.InputPath = ""
	s.Parallelism = 0
	s.ProxyType = "carrier-pigeon"
	problems := s.Validate()
	if len(problems) != 3 {
		t.Fatalf("expected 3 problems, got %v", problems)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	t.Parallel()

	s := Default()
	s.InputPath = "/data/in.txt"

	if s.HasCheckpoint() {
		t.Fatalf("fresh settings should have no checkpoint")
	}

	s.SetCheckpoint(42)
	if !s.HasCheckpoint() {
		t.Fatalf("expected checkpoint after set")
	}
	if s.ResumeTimestamp == nil || time.Since(*s.ResumeTimestamp) > time.Minute {
		t.Fatalf("timestamp not recorded: %v", s.ResumeTimestamp)
	}

	// A checkpoint is bound to the input path it was taken against.
	s.InputPath = "/data/other.txt"
	if s.HasCheckpoint() {
		t.Fatalf("checkpoint must not survive an input change")
	}

	s.InputPath = "/data/in.txt"
	s.ClearCheckpoint()
	if s.HasCheckpoint() {
		t.Fatalf("expected no checkpoint after clear")
	}
}
