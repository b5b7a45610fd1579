package object

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config carries the repository-wide storage settings. It is loaded once
// and passed to constructors; the core never reads the environment or the
// config file at call sites.
type Config struct {
	// Algorithm is the digest function used for every object, pack, and
	// index in the store.
	Algorithm HashAlgorithm `toml:"algorithm"`

	// MaxDeltaDepth bounds delta chain resolution. Reads past this depth
	// fail with ErrDeltaChainTooDeep.
	MaxDeltaDepth int `toml:"max_delta_depth"`
}

// defaultMaxDeltaDepth matches git's delta chain protection limit.
const defaultMaxDeltaDepth = 50

// DefaultConfig returns the settings used when no config file is present.
func DefaultConfig() Config {
	return Config{
		Algorithm:     AlgoSHA256,
		MaxDeltaDepth: defaultMaxDeltaDepth,
	}
}

func (c Config) validate() error {
	if !c.Algorithm.Valid() {
		return fmt.Errorf("config: unknown hash algorithm %q", c.Algorithm)
	}
	if c.MaxDeltaDepth <= 0 {
		return fmt.Errorf("config: max_delta_depth must be positive, got %d", c.MaxDeltaDepth)
	}
	return nil
}

// LoadConfig reads a TOML config file. A missing file yields defaults;
// absent keys fall back to their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if cfg.MaxDeltaDepth == 0 {
		cfg.MaxDeltaDepth = defaultMaxDeltaDepth
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteConfig atomically writes the config file.
func WriteConfig(path string, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-config-*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	tmpName := tmp.Name()
	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: rename: %w", err)
	}
	return nil
}
