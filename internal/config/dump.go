package config

import (
	"fmt"

	toml "github.com/pelletier/go-toml"
	"github.com/magiconair/properties"
)

// DumpTOML renders the effective, fully-resolved Tree as TOML, as a
// diagnostic view of the configuration (spec §9 neighbourhood: ops
// tooling wants to see what the server actually resolved, not just what
// was written in the file, once defaults and env overrides are folded in).
func DumpTOML(tree *Tree) (string, error) {
	b, err := toml.Marshal(*tree)
	if err != nil {
		return "", fmt.Errorf("config: marshal TOML: %w", err)
	}
	return string(b), nil
}

// LoadPropertiesOverrides applies a flat ops-style .properties file on
// top of an already-decoded Tree's server block, for sites that keep a
// small set of environment-specific values (listen address, document
// root) outside the main YAML/TOML config.
func LoadPropertiesOverrides(path string, tree *Tree) error {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return fmt.Errorf("config: load properties overrides: %w", err)
	}

	if v, ok := p.Get("server.listen"); ok {
		tree.Server.Listen = v
	}
	if v, ok := p.Get("server.document_root"); ok {
		tree.Server.DocumentRoot = v
	}
	if v, ok := p.Get("server.server_name"); ok {
		tree.Server.ServerName = v
	}
	return nil
}
