// Package config handles configuration loading for huddle-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HUDDLE_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  shutdown_timeout: "15s"
//	integrations:
//	  timeout: "45s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # Websocket and API listener
//	  shutdown_timeout: "10s"
//
// Database:
//
//	database:
//	  path: "/var/lib/huddle/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${HUDDLE_JWT_SECRET}"
//
// Rooms:
//
//	rooms:
//	  dispatch: "task_queue"      # Shared room for pending work
//
// Data integrations:
//
//	integrations:
//	  enabled: false
//	  base_url: "https://data.example.com"
//	  token: "${HUDDLE_INTEGRATIONS_TOKEN}"
//	  timeout: "30s"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "huddle-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/huddle/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
