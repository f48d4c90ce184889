package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultWebhookPath, cfg.Webhook.Path)
	assert.Equal(t, "chatid", cfg.Uazapi.PayloadShape)
	assert.Equal(t, 30, cfg.Funnel.MenuWindowMinutes)
	assert.Equal(t, 3, cfg.Funnel.NameAskLimit)
	assert.Equal(t, 0, cfg.Retention.Days)
	assert.Equal(t, "@daily", cfg.Retention.Schedule)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9000"

[webhook]
verify_token = "s3cret"

[uazapi]
payload_shape = "number"

[funnel]
name_ask_limit = 5

[retention]
days = 90
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Webhook.VerifyToken)
	assert.Equal(t, "number", cfg.Uazapi.PayloadShape)
	assert.Equal(t, 5, cfg.Funnel.NameAskLimit)
	assert.Equal(t, 90, cfg.Retention.Days)
	// untouched sections keep their defaults
	assert.Equal(t, DefaultPGHost, cfg.Postgres.Host)
	assert.Equal(t, 120, cfg.Funnel.ActionWindowSeconds)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad payload shape", "[uazapi]\npayload_shape = \"probe\"\n"},
		{"zero workers", "[pipeline]\nworkers = 0\n"},
		{"negative retention", "[retention]\ndays = -1\n"},
		{"bad base url", "[openai]\nbase_url = \"not a url\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}
