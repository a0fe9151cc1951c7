package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"ERROR":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.With(String("comp", "test")).Info("hello", Int("n", 7))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"message":"hello"`, `"comp":"test"`, `"n":7`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s:\n%s", want, out)
		}
	}
}

func TestApplyChangesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.Debug("invisible")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("visible")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "invisible") {
		t.Fatalf("debug line logged at info level:\n%s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("debug line missing after Apply:\n%s", out)
	}
}

func TestNopLoggerIsSilent(t *testing.T) {
	// Must not panic and must not touch any sink.
	log := Nop()
	log.Info("dropped", String("k", "v"))
	log.With(Err(nil)).Error("also dropped")
}
