// Package config loads bridge.json / bridge.yaml, the file configuration read
// by the bridge command.
//
// # Configuration File Structure
//
//	server:
//	  port: 8080
//	  public: false
//	  tcpAddress: 127.0.0.1:9000
//	  token: s3cret
//	  callTimeout: 30s
//	  closeOnDisconnect: true
//	  disconnectGrace: 2s
//	  tls:
//	    cert: ./cert.pem
//	    key: ./key.pem
//	browser:
//	  mode: app            # app, kiosk, headless, remote, none
//	  width: 1024
//	  height: 768
//	content:
//	  dir: ./web           # or s3: {bucket, prefix, region}
//	metrics:
//	  enabled: true
//	  path: /metrics
//	tracing:
//	  exporter: stdout     # or none
//	log:
//	  level: info
//	  format: text
//
// The same keys are accepted in bridge.json. Durations are strings in Go
// duration syntax.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    errors.PrintError(err)
//	    os.Exit(1)
//	}
//	fmt.Println("Port:", cfg.Server.Port)
package config
