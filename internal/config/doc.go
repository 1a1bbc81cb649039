// Package config handles configuration loading for bullion-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, duration parsing, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BULLION_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/bullion/gateway.yaml
//  3. ~/.config/bullion/gateway.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${BULLION_JWT_SECRET}"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "./data/bullion.db"
//	  driver: "sqlite"          # or "sqlite3" for the cgo driver
//
//	auth:
//	  jwt_secret: "${BULLION_JWT_SECRET}"
//	  session_ttl: "168h"
//
//	realtime:
//	  auth_timeout: "10s"       # unauthenticated sockets are closed after this
//	  ping_interval: "25s"
//	  pong_wait: "60s"
//	  write_timeout: "10s"
//	  send_buffer: 64           # per-connection outbound queue
//	  inbound_rate: 20          # client events per second
//	  inbound_burst: 40
//
//	relay:
//	  enabled: false            # fan out across processes sharing one database
//	  addr: "localhost:6379"
//	  channel: "bullion:realtime"
//
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
