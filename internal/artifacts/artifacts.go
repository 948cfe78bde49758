package artifacts

import _ "embed"

// DefaultConfig is the config file written by "agentfs init" and used when no
// config file exists.
//
//go:embed defaults/config.yaml
var DefaultConfig []byte
