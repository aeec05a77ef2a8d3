package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "input %q", tt.in)
	}
}

func TestComponentTagsOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	log := Component("router")
	log.Info().Msg("plan assembled")

	out := buf.String()
	assert.Contains(t, out, "router")
	assert.Contains(t, out, "plan assembled")
}

func TestConfigureAppliesLevelAndStyle(t *testing.T) {
	defer Configure(levelFromEnv(), false)

	var buf bytes.Buffer
	Configure(zerolog.WarnLevel, false)
	SetOutput(&buf)

	log := Component("gateway")
	log.Info().Msg("hidden by level")
	log.Warn().Msg("kept by level")

	out := strings.TrimSpace(buf.String())
	assert.NotContains(t, out, "hidden by level")
	assert.Contains(t, out, "kept by level")
	assert.True(t, json.Valid([]byte(out)), "plain style writes JSON lines")

	buf.Reset()
	Configure(zerolog.InfoLevel, true)
	SetOutput(&buf)
	log = Component("gateway")
	log.Info().Msg("console line")

	out = strings.TrimSpace(buf.String())
	assert.Contains(t, out, "console line")
	assert.False(t, json.Valid([]byte(out)), "pretty style writes console lines")
}
