package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Configuration Errors (E100-E199)
	// ============================================

	"E101": {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Suggestion: "Create bridge.json or bridge.yaml, or pass --config",
	},
	"E102": {
		Category:   CategoryConfig,
		Message:    "Invalid configuration file",
		Suggestion: "Check the file syntax near the reported line",
	},
	"E103": {
		Category:   CategoryConfig,
		Message:    "Unsupported configuration format",
		Suggestion: "Use a .json, .yaml or .yml file",
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "Invalid port",
		Suggestion: "Use a port between 0 and 65535; 0 picks a free port",
	},
	"E105": {
		Category:   CategoryConfig,
		Message:    "Invalid duration",
		Suggestion: `Durations use Go syntax, e.g. "30s", "1m30s" or "500ms"`,
	},
	"E106": {
		Category:   CategoryConfig,
		Message:    "Invalid content source",
		Suggestion: "Set either content.dir or content.s3.bucket, not both",
	},
	"E107": {
		Category:   CategoryConfig,
		Message:    "Invalid log settings",
		Suggestion: `log.level is one of debug, info, warn, error; log.format is "text" or "json"`,
	},
	"E108": {
		Category:   CategoryConfig,
		Message:    "Invalid browser settings",
		Suggestion: `browser.mode is one of "app", "kiosk", "headless", "remote" or "none"`,
	},
	"E109": {
		Category:   CategoryConfig,
		Message:    "Invalid tracing settings",
		Suggestion: `tracing.exporter is "stdout" or "none"`,
	},

	// ============================================
	// Server Errors (E200-E299)
	// ============================================

	"E201": {
		Category:   CategoryServer,
		Message:    "Cannot listen on address",
		Suggestion: "Pick another port or stop the process using it",
	},
	"E202": {
		Category:   CategoryServer,
		Message:    "Invalid TLS configuration",
		Suggestion: "Provide both server.tls.cert and server.tls.key as PEM files",
	},
	"E203": {
		Category:   CategoryServer,
		Message:    "Root folder not available",
		Suggestion: "Check that content.dir exists, or that the S3 bucket is reachable",
	},
	"E204": {
		Category:   CategoryServer,
		Message:    "Shutdown did not complete",
		Suggestion: "Raise server.shutdownTimeout or check for handlers that ignore their context",
	},

	// ============================================
	// Launcher Errors (E300-E399)
	// ============================================

	"E301": {
		Category:   CategoryLauncher,
		Message:    "Browser not found",
		Suggestion: "Install Chrome or Chromium, set browser.path, or use browser.mode \"none\"",
	},
	"E302": {
		Category:   CategoryLauncher,
		Message:    "Browser failed to start",
		Suggestion: "Run with --log-level debug to see the browser output",
	},
	"E303": {
		Category:   CategoryLauncher,
		Message:    "Remote browser unreachable",
		Suggestion: "Check browser.remoteURL points at a DevTools endpoint (ws://host:9222/...)",
	},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
