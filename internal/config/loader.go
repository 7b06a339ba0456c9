package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Loader reads the config file + environment into a *Tree: an explicit
// --config path if given, else .lighttgod in $HOME or the working
// directory, overridden by LIGHTTGO_* environment variables.
type Loader struct {
	v *viper.Viper
}

// NewLoader constructs a Loader. cfgFile may be empty, in which case
// the default home-directory search path is used.
func NewLoader(cfgFile string) (*Loader, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.AddConfigPath(".")
		v.SetConfigName(".lighttgod")
	}

	v.SetEnvPrefix("LIGHTTGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}, nil
}

// Load reads the config file (if one is found; a missing file is not an
// error) and decodes it on top of Default() via mapstructure.
func (l *Loader) Load() (*Tree, error) {
	tree := Default()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     tree,
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(l.v.AllSettings()); err != nil {
		return nil, fmt.Errorf("config: decode settings: %w", err)
	}
	return tree, nil
}

// ConfigFileUsed reports which file, if any, Load read from.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// WatchAndReload arms fsnotify on the resolved config file and invokes
// onReload with a freshly decoded Tree every time it changes, the push-
// based analog of lighttpd's SIGHUP reload (spec §9 "adaptive spawning"
// neighbourhood note: hot-reload re-patches the FastCGI extension table
// without restarting the process).
func (l *Loader) WatchAndReload(onReload func(*Tree, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		tree, err := l.Load()
		onReload(tree, err)
	})
	l.v.WatchConfig()
}
