package afc

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration for the cmd/afcd demo relay: where to
// listen, where to find the daemon-managed shared-memory key table, and how
// verbosely to log. Loaded the way mailproxy.toml is loaded in this pack's
// mail proxy: github.com/BurntSushi/toml decoding straight into a tagged
// struct, no intermediate map[string]interface{} pass.
type Config struct {
	Listen struct {
		Addr string `toml:"addr"`
	} `toml:"listen"`

	ShmKey struct {
		Path     string `toml:"path"`
		MaxChans int    `toml:"max_chans"`
	} `toml:"shm_key"`

	Logging struct {
		Level string `toml:"level"`
	} `toml:"logging"`
}

// DefaultConfig returns the values afcd uses when no config file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Listen.Addr = "127.0.0.1:7700"
	cfg.ShmKey.MaxChans = 1024
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig decodes a TOML file at path into a Config seeded with
// DefaultConfig's values, so a config file only needs to name what it
// overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("afc: config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("afc: config: unrecognized keys: %v", undecoded)
	}
	if cfg.Listen.Addr == "" {
		return nil, fmt.Errorf("afc: config: listen.addr must not be empty")
	}
	return cfg, nil
}
