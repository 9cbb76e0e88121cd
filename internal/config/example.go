// ABOUTME: Starter configuration written by "link-relay init"
// ABOUTME: Kept loadable so the init command never produces a broken file

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ExampleYAML is a commented starter configuration.
const ExampleYAML = `# link-relay configuration

server:
  http_addr: ":3000"
  notify_path: "/send-notification"

database:
  path: "${HOME}/.local/share/link-relay/link-relay.db"

auth:
  # Leave empty to accept unauthenticated notification requests.
  jwt_secret: "${LINK_RELAY_JWT_SECRET}"
  allowed_subjects: []

linking:
  start_command: "/start"
  messages:
    prompt: "Please enter the 6-digit code generated by the application."

frontends:
  dedupe_ttl: "10m"
  telegram:
    enabled: true
    token: "${BOT_TOKEN}"
    public_url: "${APP_URL}"
    webhook_refresh: "1h"
  matrix:
    enabled: false
    homeserver: "https://matrix.org"
    user_id: "@relay:matrix.org"
    access_token: "${MATRIX_ACCESS_TOKEN}"
    render_markdown: true

logging:
  level: "info"
  format: "text"

tracing:
  endpoint: ""
`

// WriteExample writes ExampleYAML to path, refusing to overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(ExampleYAML), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
