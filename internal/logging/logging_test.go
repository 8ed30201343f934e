package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/chatsync/internal/config"
)

func TestSetupJSONLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	logger := SetupWriter(config.LoggingConfig{Level: "warn", Format: "json"}, false, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"component":"test"`) {
		t.Fatalf("expected structured field, got: %s", out)
	}
}

func TestSetupUnknownLevelFallsBackToInfo(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	SetupWriter(config.LoggingConfig{Level: "loud", Format: "json"}, false, &buf)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("unexpected level: %s", zerolog.GlobalLevel())
	}

	SetupWriter(config.LoggingConfig{Level: "error", Format: "json"}, true, &buf)
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("verbose should force debug, got %s", zerolog.GlobalLevel())
	}
}
