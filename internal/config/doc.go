// Package config loads link-relay configuration.
//
// # Sources
//
// Configuration is assembled in this order, later sources winning:
//
//  1. Built-in defaults (Default)
//  2. A YAML or TOML file, chosen by extension (Load)
//  3. Environment overrides
//
// FromEnv skips the file entirely, which is enough for a Telegram-only
// deployment driven by a .env file:
//
//	BOT_TOKEN=123:abc
//	APP_URL=https://relay.example.com
//	PORT=3000
//
// LoadDotEnv reads such a file into the process environment without replacing
// variables that are already set.
//
// # Environment Variables
//
// Inside the file, ${VAR_NAME} is replaced with the variable's value (or the
// empty string). After parsing, these variables override file values:
//
//   - BOT_TOKEN: frontends.telegram.token, and enables Telegram
//   - APP_URL: frontends.telegram.public_url
//   - PORT: server.http_addr becomes ":PORT"
//   - LINK_RELAY_DB_PATH: database.path
//   - LINK_RELAY_JWT_SECRET: auth.jwt_secret
//   - LINK_RELAY_LOG_LEVEL: logging.level
//   - LINK_RELAY_OTEL_ENDPOINT: tracing.endpoint
//
// # Durations
//
// Duration fields are strings parsed with time.ParseDuration ("30s", "1h").
// Each has a Raw string field for decoding and a parsed time.Duration field.
//
// # Defaults
//
//   - server.http_addr: ":3000"
//   - server.notify_path: "/send-notification"
//   - database.path: "link-relay.db"
//   - linking.start_command: "/start"
//   - frontends.telegram.webhook_path: "/bot<token>"
//   - frontends.telegram.webhook_refresh: 1h
//   - frontends.dedupe_ttl: 10m
package config
