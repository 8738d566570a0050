package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", noEnvFile(t))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30*time.Second, cfg.HTTPTimeoutDuration())
	require.Equal(t, 10*time.Second, cfg.HandshakeTimeoutDuration())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, "shadichat.toml", `
api_url = "https://api.example.com/api/v1"
socket_url = "wss://api.example.com/ws"
locale = "hi"
handshake_timeout = "3s"
send_burst = 4
`)
	t.Setenv("SOCKET_URL", "wss://realtime.example.com/ws")
	t.Setenv("DEBUG", "true")

	cfg, err := Load(path, noEnvFile(t))
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/api/v1", cfg.APIURL)
	require.Equal(t, "wss://realtime.example.com/ws", cfg.SocketURL)
	require.Equal(t, "hi", cfg.Locale)
	require.Equal(t, 3*time.Second, cfg.HandshakeTimeoutDuration())
	require.Equal(t, 4, cfg.SendBurst)
	require.True(t, cfg.Debug)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvFileDoesNotOverride(t *testing.T) {
	envFile := writeFile(t, ".env", "API_URL=http://from-dotenv:8080/api/v1\nSHADICHAT_LOCALE=cg\n")
	t.Setenv("API_URL", "http://from-env:8080/api/v1")
	t.Setenv("SHADICHAT_LOCALE", "")
	os.Unsetenv("SHADICHAT_LOCALE")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	require.Equal(t, "http://from-env:8080/api/v1", cfg.APIURL)
	require.Equal(t, "cg", cfg.Locale)
}

func TestLoad_BadValues(t *testing.T) {
	t.Setenv("DEBUG", "sometimes")
	_, err := Load("", noEnvFile(t))
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "nope.toml"), noEnvFile(t))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"api scheme", func(c *Config) { c.APIURL = "ws://localhost/api" }},
		{"socket scheme", func(c *Config) { c.SocketURL = "http://localhost/ws" }},
		{"relative api", func(c *Config) { c.APIURL = "/api/v1" }},
		{"locale", func(c *Config) { c.Locale = "fr" }},
		{"duration", func(c *Config) { c.HTTPTimeout = "soon" }},
		{"burst", func(c *Config) { c.SendBurst = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
