package config

import (
	"fmt"
	"os"
)

// Template is an example xframectl.toml with every key at its default.
func Template() string {
	return nodeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(nodeTemplate), 0o600)
}

const nodeTemplate = `# xframectl node
listen_addr = ":9400"
# tcp_addr = ":9401"
origin = "http://localhost:9400"
allowed_origins = ["*"]
# clients pass it as a bearer header or ?token= on remote_addr
# auth_token = ""
handshake_timeout = "5s"
syn_interval = "20ms"

# used by "xframectl call"
transport = "websocket"
remote_addr = "ws://localhost:9400/xframe"

metrics = true
log_level = "info"
# log_file = "xframectl.log"
`
