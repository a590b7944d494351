package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"DEBUG":   zerolog.DebugLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"WARN":    zerolog.WarnLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil {
			t.Fatalf("parseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := parseLevel("VERBOSE"); err == nil {
		t.Fatal("unknown level did not error")
	}
}

func TestSetupWritesToLogfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssm.log")
	log, err := Setup(path, "INFO", false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	log.Info().Str("id", "m-1").Msg("sent")
	log.Debug().Msg("suppressed at info level")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), `"sent"`) {
		t.Fatalf("logfile missing info line:\n%s", content)
	}
	if strings.Contains(string(content), "suppressed") {
		t.Fatalf("debug line written at info level:\n%s", content)
	}
}
