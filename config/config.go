// Package config loads the optional CLI configuration file. All values have
// working defaults; flags override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kinic-ai/kinic-cli/login"
	"github.com/kinic-ai/kinic-cli/store"
)

// Config is the file schema at ~/.config/kinic/config.yaml.
type Config struct {
	IdentityProviderURL string   `yaml:"identityProviderUrl"`
	DerivationOrigin    string   `yaml:"derivationOrigin"`
	IdentityPath        string   `yaml:"identityPath"`
	CallbackPort        int      `yaml:"callbackPort"`
	MaxTTL              Duration `yaml:"maxTtl"`
	CallbackTimeout     Duration `yaml:"callbackTimeout"`
}

// Duration decodes either a Go duration string ("72h") or an integer
// nanosecond count.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("expected a duration string or nanosecond count")
	}
	*d = Duration(ns)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() (Config, error) {
	identityPath, err := store.DefaultPath()
	if err != nil {
		return Config{}, err
	}
	return Config{
		IdentityProviderURL: login.DefaultProviderURL,
		DerivationOrigin:    login.DefaultDerivationOrigin,
		IdentityPath:        identityPath,
		MaxTTL:              Duration(login.DefaultMaxTTL),
		CallbackTimeout:     Duration(login.DefaultTimeout),
	}, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "kinic", "config.yaml"), nil
}

// Load reads path on top of the defaults. A missing file simply yields the
// defaults; a present-but-broken file is an error rather than a silent
// fallback.
func Load(path string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}
