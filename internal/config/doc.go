// Package config handles configuration loading for vespid-gateway.
//
// Configuration is read from a YAML, TOML or JSONC file (chosen by extension)
// after loading an optional .env file from the same directory. Values may
// reference environment variables:
//
//	auth:
//	  jwt_secret: "${VESPID_JWT_SECRET}"
//
// VESPID_DB_DSN and VESPID_JWT_SECRET override the file when set. Duration
// values use time.ParseDuration syntax:
//
//	agents:
//	  execute_timeout: "5m"
//	  pairing_token_ttl: "10m"
//
// Watch re-reads the file when it changes so the running gateway can pick
// up a new logging level.
package config
