package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// config collects the settings the CLI needs. A YAML file seeds it and
// flags override individual fields.
type config struct {
	Library    string   `yaml:"library"`
	GCLibrary  string   `yaml:"gc_library"`
	Module     string   `yaml:"module"`
	StoreURI   string   `yaml:"store"`
	SearchPath []string `yaml:"search_path"`
	LogLevel   string   `yaml:"log_level"`
}

// loadConfig reads a YAML config file. An empty path yields an empty
// config. Unknown keys are rejected so typos do not pass silently.
func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := parseConfig(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func parseConfig(data []byte, cfg *config) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// apply overlays non-empty flag values onto the config.
func (c *config) apply(lib, gcLib, module, storeURI, searchPath string) {
	if lib != "" {
		c.Library = lib
	}
	if gcLib != "" {
		c.GCLibrary = gcLib
	}
	if module != "" {
		c.Module = module
	}
	if storeURI != "" {
		c.StoreURI = storeURI
	}
	if searchPath != "" {
		c.SearchPath = strings.Split(searchPath, ",")
	}
}
