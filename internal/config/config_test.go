package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/bridge/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, BrowserApp, cfg.Browser.Mode)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bridge.yaml", `
server:
  port: 8080
  tcpAddress: 127.0.0.1:9000
  token: s3cret
  callTimeout: 1m30s
  closeOnDisconnect: true
  disconnectGrace: 500ms
  tls:
    cert: certs/cert.pem
    key: certs/key.pem
browser:
  mode: kiosk
  flags: ["--disable-gpu"]
content:
  s3:
    bucket: assets
    prefix: app/
metrics:
  enabled: true
log:
  level: debug
  format: json
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.TCPAddress)
	assert.Equal(t, 90*time.Second, cfg.Server.CallTimeout.D())
	assert.Equal(t, 500*time.Millisecond, cfg.Server.DisconnectGrace.D())
	assert.True(t, cfg.Server.CloseOnDisconnect)
	assert.Equal(t, filepath.Join(dir, "certs/cert.pem"), cfg.Resolve(cfg.Server.TLS.Cert))
	assert.Equal(t, BrowserKiosk, cfg.Browser.Mode)
	assert.Equal(t, 1024, cfg.Browser.Width, "defaults fill unset fields")
	assert.Equal(t, []string{"--disable-gpu"}, cfg.Browser.Flags)
	assert.Equal(t, "assets", cfg.Content.S3.Bucket)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, dir, cfg.Dir())
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bridge.json", `{
  "server": {"port": 3000, "readTimeout": "45s"},
  "content": {"dir": "web"},
  "tracing": {"exporter": "stdout"}
}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout.D())
	assert.Equal(t, filepath.Join(dir, "web"), cfg.Resolve(cfg.Content.Dir))
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)
}

func TestLoadPrefersJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bridge.yaml", "server:\n  port: 1\n")
	writeFile(t, dir, "bridge.json", `{"server":{"port":2}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Server.Port)
	assert.True(t, Exists(dir))
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := Load(t.TempDir())
		assert.True(t, errors.Is(err, "E101"), "%v", err)
		assert.False(t, Exists(t.TempDir()))
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := LoadFile(writeFile(t, t.TempDir(), "bridge.toml", ""))
		assert.True(t, errors.Is(err, "E103"), "%v", err)
	})

	t.Run("json syntax error has location", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "bridge.json", "{\n  \"server\": {\n    \"port\": ,\n  }\n}")
		_, err := LoadFile(path)
		require.True(t, errors.Is(err, "E102"), "%v", err)
		be := err.(*errors.BridgeError)
		require.NotNil(t, be.Location)
		assert.Equal(t, 3, be.Location.Line)
	})

	t.Run("unknown json field", func(t *testing.T) {
		_, err := LoadFile(writeFile(t, t.TempDir(), "bridge.json", `{"sever":{}}`))
		assert.True(t, errors.Is(err, "E102"), "%v", err)
	})

	t.Run("yaml type error has location", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "bridge.yaml", "server:\n  port: lots\n")
		_, err := LoadFile(path)
		require.True(t, errors.Is(err, "E102"), "%v", err)
		be := err.(*errors.BridgeError)
		require.NotNil(t, be.Location)
		assert.Equal(t, 2, be.Location.Line)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := LoadFile(writeFile(t, t.TempDir(), "bridge.yaml", "server:\n  callTimeout: soon\n"))
		assert.True(t, errors.Is(err, "E105"), "%v", err)

		_, err = LoadFile(writeFile(t, t.TempDir(), "bridge.json", `{"server":{"callTimeout":"soon"}}`))
		assert.True(t, errors.Is(err, "E105"), "%v", err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "E104"},
		{"half tls", func(c *Config) { c.Server.TLS.Cert = "cert.pem" }, "E202"},
		{"negative payload", func(c *Config) { c.Server.MaxPayload = -1 }, "E102"},
		{"two content sources", func(c *Config) {
			c.Content.Dir = "web"
			c.Content.S3.Bucket = "b"
		}, "E106"},
		{"s3 prefix without bucket", func(c *Config) { c.Content.S3.Prefix = "p/" }, "E106"},
		{"browser mode", func(c *Config) { c.Browser.Mode = "fullscreen" }, "E108"},
		{"remote without url", func(c *Config) { c.Browser.Mode = BrowserRemote }, "E108"},
		{"tracing exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "E109"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "E107"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "E107"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, tt.code), "got %v, want %s", err, tt.code)
		})
	}

	cfg := New()
	cfg.Browser.Mode = BrowserRemote
	cfg.Browser.RemoteURL = "ws://127.0.0.1:9222/devtools/browser/x"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"bridge.json", "bridge.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := New()
			cfg.Server.Port = 9090
			cfg.Server.CallTimeout = Duration(2 * time.Second)
			cfg.Content.Dir = "web"

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveTo(path))
			assert.Equal(t, path, cfg.Path())

			loaded, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, 9090, loaded.Server.Port)
			assert.Equal(t, 2*time.Second, loaded.Server.CallTimeout.D())
			assert.Equal(t, "web", loaded.Content.Dir)

			loaded.Server.Port = 9091
			require.NoError(t, loaded.Save())
		})
	}

	assert.Error(t, New().Save(), "no path yet")
	assert.True(t, errors.Is(New().SaveTo(filepath.Join(t.TempDir(), "x.ini")), "E103"))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("nope")
	assert.Error(t, err)
}
