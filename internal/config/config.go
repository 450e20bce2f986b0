package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/bridge/internal/errors"
)

// FileNames are the configuration files Load looks for, in order.
var FileNames = []string{"bridge.json", "bridge.yaml", "bridge.yml"}

const (
	// DefaultPort is the default HTTP port. Zero picks a free port.
	DefaultPort = 0

	// DefaultMetricsPath is where Prometheus metrics are served.
	DefaultMetricsPath = "/metrics"

	// DefaultServiceName names the tracer resource.
	DefaultServiceName = "bridge"
)

// Browser modes.
const (
	BrowserApp      = "app"
	BrowserKiosk    = "kiosk"
	BrowserHeadless = "headless"
	BrowserRemote   = "remote"
	BrowserNone     = "none"
)

// Config represents a complete configuration file.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Browser BrowserConfig `json:"browser" yaml:"browser"`
	Content ContentConfig `json:"content" yaml:"content"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Log     LogConfig     `json:"log" yaml:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig contains listener and connection settings.
type ServerConfig struct {
	// Address is host:port to bind. Overrides Port and Public.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// Port is the HTTP port. 0 picks a free port.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Public binds all interfaces and accepts remote peers.
	Public bool `json:"public,omitempty" yaml:"public,omitempty"`

	// TCPAddress enables the raw TCP transport.
	TCPAddress string `json:"tcpAddress,omitempty" yaml:"tcpAddress,omitempty"`

	// Token is the handshake token clients must present.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	CloseOnDisconnect bool     `json:"closeOnDisconnect,omitempty" yaml:"closeOnDisconnect,omitempty"`
	DisconnectGrace   Duration `json:"disconnectGrace,omitempty" yaml:"disconnectGrace,omitempty"`

	CallTimeout      Duration `json:"callTimeout,omitempty" yaml:"callTimeout,omitempty"`
	ReadTimeout      Duration `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	HandshakeTimeout Duration `json:"handshakeTimeout,omitempty" yaml:"handshakeTimeout,omitempty"`
	ShutdownTimeout  Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`

	// MaxPayload bounds a frame payload in bytes.
	MaxPayload int `json:"maxPayload,omitempty" yaml:"maxPayload,omitempty"`

	// RateLimit is inbound calls+events per second per connection.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	RateBurst int     `json:"rateBurst,omitempty" yaml:"rateBurst,omitempty"`

	TLS TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig names PEM files, relative to the config file.
type TLSConfig struct {
	Cert string `json:"cert,omitempty" yaml:"cert,omitempty"`
	Key  string `json:"key,omitempty" yaml:"key,omitempty"`
}

// BrowserConfig controls how a window is shown.
type BrowserConfig struct {
	// Mode is app, kiosk, headless, remote or none.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Path is the browser executable. Empty searches the usual locations.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// RemoteURL is the DevTools websocket URL for mode "remote".
	RemoteURL string `json:"remoteURL,omitempty" yaml:"remoteURL,omitempty"`

	Width  int `json:"width,omitempty" yaml:"width,omitempty"`
	Height int `json:"height,omitempty" yaml:"height,omitempty"`
	X      int `json:"x,omitempty" yaml:"x,omitempty"`
	Y      int `json:"y,omitempty" yaml:"y,omitempty"`

	UserDataDir string   `json:"userDataDir,omitempty" yaml:"userDataDir,omitempty"`
	Proxy       string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Flags       []string `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// ContentConfig selects the root folder.
type ContentConfig struct {
	// Dir is a local directory, relative to the config file.
	Dir string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	S3  S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// S3Config selects a bucket prefix as the root folder.
type S3Config struct {
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region string `json:"region,omitempty" yaml:"region,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	// Exporter is "stdout" or "none".
	Exporter    string `json:"exporter,omitempty" yaml:"exporter,omitempty"`
	ServiceName string `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Browser: BrowserConfig{
			Mode:   BrowserApp,
			Width:  1024,
			Height: 768,
		},
		Metrics: MetricsConfig{
			Path: DefaultMetricsPath,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: DefaultServiceName,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the first of FileNames found in dir.
func Load(dir string) (*Config, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, errors.New("E101").
		WithDetail("No bridge.json or bridge.yaml found in " + dir)
}

// LoadFile reads configuration from the specified file path. The format
// follows the extension.
func LoadFile(path string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, errors.New("E103").WithDetail(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E101").WithDetail(path).Wrap(err)
		}
		return nil, errors.New("E102").WithDetail(err.Error()).Wrap(err)
	}

	cfg := New()
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, parseError(path, data, err)
	}

	cfg.configPath = path
	cfg.applyDefaults()
	return cfg, nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

// parseError converts a decode failure into a coded error pointing at the
// offending line when the decoder reports one.
func parseError(path string, data []byte, err error) error {
	var de *DurationError
	code := "E102"
	if stderrors.As(err, &de) {
		code = "E105"
	}
	be := errors.New(code).WithDetail(err.Error()).Wrap(err)

	line := 0
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case stderrors.As(err, &syntaxErr):
		line = lineAt(data, syntaxErr.Offset)
	case stderrors.As(err, &typeErr):
		line = lineAt(data, typeErr.Offset)
	default:
		if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
			line, _ = strconv.Atoi(m[1])
		}
	}
	if line > 0 {
		be.WithLocation(path, line, 0)
	}
	return be
}

func lineAt(data []byte, offset int64) int {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return bytes.Count(data[:offset], []byte("\n")) + 1
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to path, as YAML or JSON by extension.
func (c *Config) SaveTo(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		return errors.New("E103").WithDetail(path)
	}
	if err != nil {
		return errors.New("E102").Wrap(err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.FromError(err, "E102")
	}
	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// Resolve returns p relative to the config file directory unless absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	d := New()
	if c.Browser.Mode == "" {
		c.Browser.Mode = d.Browser.Mode
	}
	if c.Browser.Width == 0 {
		c.Browser.Width = d.Browser.Width
	}
	if c.Browser.Height == 0 {
		c.Browser.Height = d.Browser.Height
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = d.Metrics.Path
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	s := c.Server
	if s.Port < 0 || s.Port > 65535 {
		return errors.New("E104").WithDetail(fmt.Sprintf("server.port %d is out of range", s.Port))
	}
	if (s.TLS.Cert == "") != (s.TLS.Key == "") {
		return errors.New("E202").WithDetail("only one of server.tls.cert and server.tls.key is set")
	}
	if s.MaxPayload < 0 || s.RateLimit < 0 || s.RateBurst < 0 {
		return errors.New("E102").WithDetail("server.maxPayload, server.rateLimit and server.rateBurst must not be negative")
	}

	if c.Content.Dir != "" && c.Content.S3.Bucket != "" {
		return errors.New("E106").WithDetail("both content.dir and content.s3.bucket are set")
	}
	if c.Content.S3.Bucket == "" && (c.Content.S3.Prefix != "" || c.Content.S3.Region != "") {
		return errors.New("E106").WithDetail("content.s3 needs a bucket")
	}

	switch c.Browser.Mode {
	case BrowserApp, BrowserKiosk, BrowserHeadless, BrowserNone:
	case BrowserRemote:
		if c.Browser.RemoteURL == "" {
			return errors.New("E108").WithDetail(`browser.mode "remote" needs browser.remoteURL`)
		}
	default:
		return errors.New("E108").WithDetail(fmt.Sprintf("unknown browser.mode %q", c.Browser.Mode))
	}
	if c.Browser.Width < 0 || c.Browser.Height < 0 {
		return errors.New("E108").WithDetail("browser.width and browser.height must not be negative")
	}

	switch c.Tracing.Exporter {
	case "stdout", "none":
	default:
		return errors.New("E109").WithDetail(fmt.Sprintf("unknown tracing.exporter %q", c.Tracing.Exporter))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return errors.New("E107").WithDetail(err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("E107").WithDetail(fmt.Sprintf("unknown log.format %q", c.Log.Format))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", s)
	}
	return l, nil
}

// Exists reports whether dir holds one of FileNames.
func Exists(dir string) bool {
	for _, name := range FileNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// DurationError reports an unparsable duration.
type DurationError struct {
	Value string
	Err   error
}

func (e *DurationError) Error() string {
	return fmt.Sprintf("invalid duration %q", e.Value)
}

func (e *DurationError) Unwrap() error {
	return e.Err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return &DurationError{Value: s, Err: err}
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
