package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// cliConfig holds optional CLI defaults. A missing config file is fine;
// every field can be supplied by flags or the environment instead.
type cliConfig struct {
	Endpoint  string `json:"endpoint"`
	Proxy     string `json:"proxy"`
	TimeoutMS int    `json:"timeout_ms"`
}

// loadConfig loads configuration from the specified path. An empty path or
// an absent file yields the zero config.
func loadConfig(path string) (cliConfig, error) {
	var cfg cliConfig
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cliConfig{}, fmt.Errorf("stat config: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), koanfjson.Parser()); err != nil {
		return cliConfig{}, fmt.Errorf("load config: %w", err)
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return cliConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Proxy = strings.TrimSpace(cfg.Proxy)
	if cfg.TimeoutMS < 0 {
		return cliConfig{}, fmt.Errorf("timeout_ms must be >= 0, got %d", cfg.TimeoutMS)
	}
	return cfg, nil
}
