package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads a VM configuration from path, selecting the format by
// extension (.toml, .yaml, .yml). Image paths are resolved relative to the
// configuration file and read into memory.
func Load(path string) (*VM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg *VM
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		cfg, err = LoadTOML(data)
	case ".yaml", ".yml":
		cfg, err = LoadYAML(data)
	default:
		return nil, fmt.Errorf("config: unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.loadImages(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML parses a TOML VM configuration.
func LoadTOML(data []byte) (*VM, error) {
	var cfg VM
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse toml: %w", err)
	}
	return &cfg, nil
}

// LoadYAML parses a YAML VM configuration.
func LoadYAML(data []byte) (*VM, error) {
	var cfg VM
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return &cfg, nil
}

func (c *VM) loadImages(dir string) error {
	if err := c.Image.Kernel.load(dir); err != nil {
		return fmt.Errorf("config: kernel image: %w", err)
	}
	if c.Image.DTB != nil {
		if err := c.Image.DTB.load(dir); err != nil {
			return fmt.Errorf("config: dtb image: %w", err)
		}
	}
	return nil
}

func (f *ImageFile) load(dir string) error {
	if len(f.Data) > 0 || f.Path == "" {
		return nil
	}
	path := f.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.Data = data
	return nil
}
