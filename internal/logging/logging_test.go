package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupRejectsInvalidInput(t *testing.T) {
	if err := Setup("loud", "json"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if err := Setup("info", "xml"); err == nil {
		t.Fatal("expected invalid format error")
	}
}

func TestSetupLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	if err := Setup("DEBUG", "json"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("level = %s", zerolog.GlobalLevel())
	}
	if err := Setup("", "auto"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("level = %s, want info for empty", zerolog.GlobalLevel())
	}
}

func TestWriterFormats(t *testing.T) {
	for _, format := range []string{"console", "json", "auto", ""} {
		if _, err := writer(os.Stdout, format); err != nil {
			t.Fatalf("writer(%q): %v", format, err)
		}
	}
}
