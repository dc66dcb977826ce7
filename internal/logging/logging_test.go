package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bsync.log")

	cfg := DefaultConfig()
	cfg.File = path
	out, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out.Logger("engine").Printf("pushed %d collections", 3)
	out.Logger("listener").Print("subscribed")
	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := out.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	text := string(data)
	for _, want := range []string{"[engine] ", "pushed 3 collections", "[listener] ", "subscribed"} {
		if !strings.Contains(text, want) {
			t.Errorf("log missing %q:\n%s", want, text)
		}
	}
}

func TestQuietByDefault(t *testing.T) {
	out, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer out.Close()

	if out.Writer() == os.Stderr {
		t.Error("non-verbose output should not go to stderr")
	}

	cfg := DefaultConfig()
	cfg.Verbose = true
	verbose, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if verbose.Writer() != os.Stderr {
		t.Error("verbose output should go to stderr")
	}
}
