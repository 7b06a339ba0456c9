// Package config defines the typed configuration value tree the core
// server consumes (spec §1: "the core consumes a pre-built configuration
// value tree" — parsing the config file is ambient glue, not core
// behaviour). Loader, in loader.go, builds one from viper the way the
// teacher's cmd/root.go initConfig builds its flat settings.
package config

import "time"

// Tree is the fully decoded, typed configuration the server wires its
// components from.
type Tree struct {
	Server    ServerConfig               `mapstructure:"server"`
	FastCGI   map[string]FastCGIHost     `mapstructure:"fastcgi"`
	Plugins   []string                   `mapstructure:"plugins"`
	PluginOpt map[string]map[string]any  `mapstructure:"plugin_options"`
	Condition []ConditionalBlockConfig   `mapstructure:"conditional"`
	LogLevel  string                     `mapstructure:"log_level"`
}

// ServerConfig holds the non-plugin, non-FastCGI process-wide settings.
type ServerConfig struct {
	Listen              string        `mapstructure:"listen"`
	ServerName           string        `mapstructure:"server_name"`
	DocumentRoot         string        `mapstructure:"document_root"`
	MaxFDs               int           `mapstructure:"max_fds"`
	MaxKeepAliveRequests int           `mapstructure:"max_keep_alive_requests"`
	MaxRequestSize       int64         `mapstructure:"max_request_size"`
	BodySpillThreshold   int64         `mapstructure:"body_spill_threshold"`
	KeepAliveIdleTimeout time.Duration `mapstructure:"keep_alive_idle_timeout"`
	ErrorHandlerURL      string        `mapstructure:"error_handler_url"`
}

// FastCGIHost mirrors internal/fastcgi.Host's static configuration,
// keyed by the file extension it serves (spec §4.3 "Extension
// configuration").
type FastCGIHost struct {
	BinPath            string            `mapstructure:"bin_path"`
	Sockets            []string          `mapstructure:"sockets"`
	Env                map[string]string `mapstructure:"env"`
	MinProcs           int               `mapstructure:"min_procs"`
	MaxProcs           int               `mapstructure:"max_procs"`
	MaxLoadPerProc     int               `mapstructure:"max_load_per_proc"`
	MaxRequestsPerProc int64             `mapstructure:"max_requests_per_proc"`
	IdleTimeout        time.Duration     `mapstructure:"idle_timeout"`
	AllowXSendfile     bool              `mapstructure:"allow_x_sendfile"`
}

// ConditionalBlockConfig is the decoded form of one `$HTTP[...] == "..."`
// block (spec §6), before it is compiled into a plugin.ConfigBlock.
type ConditionalBlockConfig struct {
	Host      string         `mapstructure:"host"`
	URLPrefix string         `mapstructure:"url_prefix"`
	URLSuffix string         `mapstructure:"url_suffix"`
	Options   map[string]any `mapstructure:"options"`
}

// Default returns a Tree with the documented default budgets pre-filled,
// the way internal/connstate's DefaultMaxRequestSize etc. constants do
// for a Connection built without a config file at all.
func Default() *Tree {
	return &Tree{
		Server: ServerConfig{
			Listen:               ":80",
			MaxFDs:               1024,
			MaxKeepAliveRequests: 16,
			MaxRequestSize:       8 << 20,
			BodySpillThreshold:   1 << 20,
			KeepAliveIdleTimeout: 5 * time.Second,
		},
		FastCGI:   make(map[string]FastCGIHost),
		PluginOpt: make(map[string]map[string]any),
		LogLevel:  "info",
	}
}
