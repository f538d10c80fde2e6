package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "local":
		return localTemplate, nil
	case "tree":
		return treeTemplate, nil
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

const localTemplate = `backend = "local"
collective_timeout = "30s"

[local]
group = "fleet"
size = 1

[debugger]
enabled = false
read_fd = 3
write_fd = 4
`

const treeTemplate = `backend = "tree"
hostname = "node00"
collective_timeout = "30s"
metrics_listen = "127.0.0.1:9464"

[tree]
rank = -1
size = 4
fanout = 2
hosts = ["node00:7400", "node01:7400", "node02:7400", "node03:7400"]
frontend = "frontend:7300"
dial_timeout = "5s"
dial_attempts = 0

[debugger]
enabled = true
read_fd = 3
write_fd = 4
`
