package reader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func writeInput(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	return path
}

func collect(t *testing.T, r *LineReader) ([]string, error) {
	t.Helper()

	out := make(chan string, DefaultQueueCapacity)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(context.Background(), out)
	}()

	var lines []string
	for line := range out {
		lines = append(lines, line)
	}

	return lines, <-errCh
}

func TestBOMAndCRLFWithoutTrailingNewline(t *testing.T) {
	t.Parallel()

	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("a:1\r\nb:2\r\nc:3")...)
	path := writeInput(t, data)

	var bytesRead atomic.Int64
	r := New(path, WithBytesRead(func(d int64) { bytesRead.Add(d) }))

	lines, err := collect(t, r)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"a:1", "b:2", "c:3"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %v, want %v", len(lines), lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	if got := bytesRead.Load(); got != int64(len(data)) {
		t.Fatalf("committed bytes = %d, want %d", got, len(data))
	}
}

func TestEmptyFile(t *testing.T) {
	t.Parallel()

	path := writeInput(t, nil)
	lines, err := collect(t, New(path))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %v", lines)
	}
}

func TestSoleBOM(t *testing.T) {
	t.Parallel()

	path := writeInput(t, []byte{0xEF, 0xBB, 0xBF})

	var bytesRead atomic.Int64
	lines, err := collect(t, New(path, WithBytesRead(func(d int64) { bytesRead.Add(d) })))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %v", lines)
	}
	if bytesRead.Load() != 3 {
		t.Fatalf("expected all 3 BOM bytes committed, got %d", bytesRead.Load())
	}
}

func TestLastLineWithoutNewline(t *testing.T) {
	t.Parallel()

	path := writeInput(t, []byte("first\nsecond"))
	lines, err := collect(t, New(path))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lines) != 2 || lines[1] != "second" {
		t.Fatalf("expected trailing line emitted, got %v", lines)
	}
}

func TestRoundTripAcrossSegments(t *testing.T) {
	t.Parallel()

	// Segment size of 16 forces lines to span segment boundaries, both under
	// and over the small-line threshold.
	var sb strings.Builder
	for i := 0; i < 400; i++ {
		sb.WriteString(strings.Repeat("x", i%300))
		sb.WriteString("\n")
	}
	content := sb.String()
	path := writeInput(t, []byte(content))

	var bytesRead atomic.Int64
	r := New(path, WithSegmentSize(16), WithBytesRead(func(d int64) { bytesRead.Add(d) }))
	lines, err := collect(t, r)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rejoined := strings.Join(lines, "\n") + "\n"
	if rejoined != content {
		t.Fatalf("round trip mismatch: %d lines, %d vs %d bytes", len(lines), len(rejoined), len(content))
	}
	if bytesRead.Load() != int64(len(content)) {
		t.Fatalf("committed %d bytes, want %d", bytesRead.Load(), len(content))
	}
}

func TestCancelledReaderClosesChannel(t *testing.T) {
	t.Parallel()

	path := writeInput(t, []byte("a\nb\nc\n"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan string) // unbuffered: reader would block without cancellation
	err := New(path).Run(ctx, out)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}

	// Channel must be closed even on the error path.
	if _, ok := <-out; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestMissingFileFails(t *testing.T) {
	t.Parallel()

	out := make(chan string, 1)
	err := New(filepath.Join(t.TempDir(), "absent.txt")).Run(context.Background(), out)
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
