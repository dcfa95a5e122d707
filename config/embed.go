package config

import _ "embed"

//go:embed layerstore.toml
var DefaultConfig []byte
