package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/snapcache/snapcache/cache"
	"github.com/snapcache/snapcache/pkg/policy"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file surface. Explicitly set CLI flags
// override it.
type fileConfig struct {
	Provider       string          `yaml:"provider"`
	Path           string          `yaml:"path"`
	DefaultTTL     policy.Duration `yaml:"defaultTTL"`
	RespectHeaders bool            `yaml:"respectHeaders"`
	Methods        []string        `yaml:"methods"`
	Codes          []int           `yaml:"codes"`
	VaryHeaders    []string        `yaml:"varyHeaders"`
	Rules          []policy.Rule   `yaml:"rules"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Provider:   "sqlite",
		Path:       "snapcache.db",
		DefaultTTL: policy.Duration(time.Hour),
	}
}

// loadConfig reads the YAML config file at the given path on top of
// the defaults.
func loadConfig(filename string) (fileConfig, error) {
	cfg := defaultFileConfig()
	b, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", filename, err)
	}
	return cfg, nil
}

// applyFlags copies explicitly set CLI flags over the file config.
func applyFlags(cfg *fileConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "provider":
			cfg.Provider = providerFlag
		case "db":
			cfg.Path = dbPathFlag
		case "ttl":
			cfg.DefaultTTL = policy.Duration(ttlFlag)
		case "respect-headers":
			cfg.RespectHeaders = respectHeadersFlag
		}
	})
}

// provider opens the configured cache provider.
func (c fileConfig) provider() (cache.CacheProvider, error) {
	switch c.Provider {
	case "memory":
		return cache.NewMemCache(), nil
	case "", "sqlite":
		p, err := cache.NewSQLiteCache(c.Path)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "leveldb":
		p, err := cache.NewLevelDBCache(c.Path)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown cache provider %q", c.Provider)
}

func (c fileConfig) policy() policy.Policy {
	return policy.Policy{
		Rules:          c.Rules,
		DefaultTTL:     c.DefaultTTL,
		RespectHeaders: c.RespectHeaders,
		Methods:        c.Methods,
		Codes:          c.Codes,
	}
}
