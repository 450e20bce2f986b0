package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/bridge/internal/config"
	bridgeerrors "github.com/vango-go/bridge/internal/errors"
	"github.com/vango-go/bridge/internal/launcher"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Go version:")
}

func TestExplainCmd(t *testing.T) {
	out, err := execute(t, "explain")
	require.NoError(t, err)
	for _, code := range bridgeerrors.GetAllCodes() {
		assert.Contains(t, out, code)
	}

	out, err = execute(t, "explain", "e104")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "E104 (config):"), out)

	_, err = execute(t, "explain", "E999")
	assert.Error(t, err)
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, runInit(dir, "yaml", false))

	cfg, err := config.LoadFile(filepath.Join(dir, "bridge.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ui", cfg.Content.Dir)
	assert.Equal(t, config.BrowserApp, cfg.Browser.Mode)

	assert.Error(t, runInit(dir, "yaml", false), "existing config")
	assert.NoError(t, runInit(dir, "json", true))
	assert.FileExists(t, filepath.Join(dir, "bridge.json"))

	err = runInit(t.TempDir(), "toml", false)
	assert.True(t, bridgeerrors.Is(err, "E103"))
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.json")
	writeFile(t, path, `{
  "server": {"port": 9000, "callTimeout": "5s"},
  "content": {"s3": {"bucket": "assets"}}
}`)

	cfg, err := loadConfig(serveOptions{configPath: path})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.CallTimeout.D())
	assert.Equal(t, "assets", cfg.Content.S3.Bucket)

	cfg, err = loadConfig(serveOptions{
		configPath: path,
		dir:        "ui",
		port:       9100,
		public:     true,
		browser:    "none",
		token:      "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "ui", cfg.Content.Dir)
	assert.Empty(t, cfg.Content.S3.Bucket, "--dir replaces the bucket")
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Server.Public)
	assert.Equal(t, "none", cfg.Browser.Mode)
	assert.Equal(t, "secret", cfg.Server.Token)

	_, err = loadConfig(serveOptions{configPath: path, browser: "firefox"})
	assert.True(t, bridgeerrors.Is(err, "E108"))

	_, err = loadConfig(serveOptions{configPath: path, watch: true})
	assert.True(t, bridgeerrors.Is(err, "E106"), "--watch without a local folder")

	_, err = loadConfig(serveOptions{configPath: filepath.Join(dir, "missing.json")})
	assert.True(t, bridgeerrors.Is(err, "E101"))
}

func TestAppConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ui", "index.html"), "<html></html>")
	path := filepath.Join(dir, "bridge.json")
	writeFile(t, path, `{
  "server": {"readTimeout": "20s", "maxPayload": 1024, "rateLimit": 10},
  "content": {"dir": "ui"},
  "metrics": {"enabled": true}
}`)
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	appCfg, err := appConfig(context.Background(), cfg, newLogger(cfg.Log, io.Discard))
	require.NoError(t, err)
	require.NotNil(t, appCfg.Root)
	_, err = appCfg.Root.Open("index.html")
	assert.NoError(t, err)
	require.NotNil(t, appCfg.Conn)
	assert.Equal(t, 20*time.Second, appCfg.Conn.ReadTimeout)
	assert.Less(t, appCfg.Conn.HeartbeatInterval, appCfg.Conn.ReadTimeout)
	assert.Equal(t, 1024, appCfg.Conn.MaxPayload)
	assert.Equal(t, 10.0, appCfg.Conn.RateLimit)
	assert.NotNil(t, appCfg.Metrics)
	assert.Equal(t, "/metrics", appCfg.MetricsPath)

	cfg.Content.Dir = "missing"
	_, err = appConfig(context.Background(), cfg, nil)
	assert.True(t, bridgeerrors.Is(err, "E203"))

	cfg.Content.Dir = ""
	cfg.Server.TLS = config.TLSConfig{Cert: "cert.pem", Key: "key.pem"}
	_, err = appConfig(context.Background(), cfg, nil)
	assert.True(t, bridgeerrors.Is(err, "E202"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
}

func TestServe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.json")
	writeFile(t, path, `{"browser": {"mode": "none"}, "log": {"level": "error"}}`)

	urls := make(chan string, 1)
	l := launcher.Func(func(ctx context.Context, url string) (launcher.Process, error) {
		urls <- url
		return launcher.NewIdleProcess(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, serveOptions{configPath: path}, io.Discard, l) }()

	var url string
	select {
	case url = <-urls:
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("window not shown")
	}

	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `bridge.call("version")`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
