// Package config loads the uxserver configuration file.
//
// The configuration is stored in uxserver.yaml. Every field is optional;
// omitted fields keep the values returned by Default. Durations are written
// as Go duration strings.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  shutdown_timeout: 30s
//	  trusted_proxies: ["10.0.0.0/8"]
//	session:
//	  idle_timeout: 30m
//	  max_sessions: 10000
//	  max_sessions_per_ip: 50
//	  start_timeout: 30s
//	workers: 32
//	recording:
//	  dir: /var/lib/uxserver/recordings
//	  s3:
//	    bucket: session-recordings
//	    prefix: prod/
//	    region: eu-west-1
//	uploads:
//	  dir: /var/lib/uxserver/uploads
//	  max_size: 10485760
//	  expiry: 1h
//	metrics:
//	  enabled: true
//	tracing:
//	  enabled: false
//	log:
//	  format: json
//	  level: info
//
// # Usage
//
//	cfg, err := config.Load("uxserver.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	gate, err := server.NewGate(app, hub, cfg.GateConfig(logger))
package config
