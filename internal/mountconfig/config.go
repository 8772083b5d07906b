// Package mountconfig loads optional JSONC configuration for the FUSE
// mount command, the way the rest of the corpus layers a global user
// config under a project config under explicit CLI flags.
package mountconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds the options a mount can be configured with beyond its
// required source-dir/mountpoint positional arguments.
type Config struct {
	ReadOnly   bool `json:"read_only,omitempty"`
	AllowOther bool `json:"allow_other,omitempty"`
}

// ConfigFileName is the default project config file name, read from the
// source directory being mounted.
const ConfigFileName = ".failsafefs.json"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
)

// LoadInput holds LoadConfig's inputs.
type LoadInput struct {
	SourceDir  string // directory being mounted; default project config lives here
	ConfigPath string // -c/--config flag value, takes precedence if non-empty
	Env        map[string]string
}

// LoadConfig layers, from lowest to highest: defaults, global user config
// ($XDG_CONFIG_HOME/failsafefs/config.json or
// ~/.config/failsafefs/config.json), then either the explicit config file
// or, when none is given, the project config file
// (<source-dir>/.failsafefs.json). Layers are merged by OR: a higher layer
// can switch an option on, but a false in a higher layer does not switch
// off an option a lower layer enabled.
func LoadConfig(input LoadInput) (Config, error) {
	cfg := Config{}

	globalCfg, err := loadOptional(globalConfigPath(input.Env))
	if err != nil {
		return Config{}, err
	}
	cfg = merge(cfg, globalCfg)

	if input.ConfigPath != "" {
		explicitCfg, err := loadRequired(input.ConfigPath)
		if err != nil {
			return Config{}, err
		}
		cfg = merge(cfg, explicitCfg)
		return cfg, nil
	}

	projectCfg, err := loadOptional(filepath.Join(input.SourceDir, ConfigFileName))
	if err != nil {
		return Config{}, err
	}
	cfg = merge(cfg, projectCfg)

	return cfg, nil
}

func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "failsafefs", "config.json")
	}
	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "failsafefs", "config.json")
	}
	return ""
}

func loadOptional(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}
	return parse(path, data)
}

func loadRequired(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}
	return parse(path, data)
}

func parse(path string, data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, path, err)
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w %s: invalid JSON: %w", ErrConfigInvalid, path, err)
	}
	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.ReadOnly {
		base.ReadOnly = true
	}
	if overlay.AllowOther {
		base.AllowOther = true
	}
	return base
}
