package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mschirtzinger/lofi/internal/config"
)

func TestStderrOnly(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.LogConfig{}, "[test] ", &buf)
	defer l.Close()

	l.Printf("hello %d", 1)
	if !strings.Contains(buf.String(), "[test] ") || !strings.Contains(buf.String(), "hello 1") {
		t.Errorf("stderr = %q, want prefixed message", buf.String())
	}
	if err := l.Rotate(); err != nil {
		t.Errorf("Rotate() without file = %v, want nil", err)
	}
}

func TestFileAndStderr(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "lofi.log")
	l := New(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1}, "[gateway] ", &buf)

	l.Printf("started")
	l.Named("[engine] ").Printf("connected")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	for _, want := range []string{"[gateway] ", "started", "[engine] ", "connected"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %q:\n%s", want, data)
		}
		if !strings.Contains(buf.String(), want) {
			t.Errorf("stderr missing %q:\n%s", want, buf.String())
		}
	}
}
