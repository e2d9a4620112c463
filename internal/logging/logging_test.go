package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"chatty":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		SetLevel(in)
		assert.Equal(t, want, zerolog.GlobalLevel(), in)
	}
}

func TestSetup_JSONLines(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := setup(&buf, "kiosk", "info", false)
	l.Debug().Msg("hidden")
	l.Info().Str("account_id", "123456").Msg("registered")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kiosk", line["service"])
	assert.Equal(t, "123456", line["account_id"])
	assert.Equal(t, "registered", line["message"])
	assert.Contains(t, line, "time")
}
