package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "kernel":
		return kernelTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const kernelTemplate = `name = "wmkernel"
addr = ":9400"
admin_addr = "127.0.0.1:9401"
cors_origins = ["http://localhost:3000"]
token = ""
store = "memory"
sqlite_path = "wmkernel.db"
agents = ["soar"]

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
read_timeout = "15s"
write_timeout = "15s"
idle_timeout = "0s"
security_mode = "development"
tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
`

const clientTemplate = `address = "127.0.0.1:9400"
agent = "soar"
token = ""
direct = false
blink_if_no_change = true
track_output = true
connect_timeout = "5s"
read_timeout = "15s"
max_connect_attempts = 3
`
