package io

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/deployq/internal/model"
)

// ConfigYAMLRepository loads the server configuration from YAML files.
type ConfigYAMLRepository struct {
	fs fs.FS
}

// NewConfigYAMLRepository creates a new YAML config repository.
func NewConfigYAMLRepository(filesystem fs.FS) *ConfigYAMLRepository {
	return &ConfigYAMLRepository{fs: filesystem}
}

// GetServerConfig loads a server configuration from a YAML file and returns a validated domain model.
func (r *ConfigYAMLRepository) GetServerConfig(ctx context.Context, path string) (model.ServerConfig, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.ServerConfig{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.ServerConfig{}, ctx.Err()
	}

	var cfg ServerConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return model.ServerConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}

	m, err := cfg.toModel()
	if err != nil {
		return model.ServerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return m, nil
}

// ServerConfig represents the YAML structure for the server configuration.
type ServerConfig struct {
	Repository    string `yaml:"repository"`
	DeployCommand string `yaml:"deploy_command"`
	ListenAddress string `yaml:"listen_address"`
	IdleTimeout   string `yaml:"idle_timeout"`
	MaxUploadSize int64  `yaml:"max_upload_size"`
}

func (c ServerConfig) toModel() (model.ServerConfig, error) {
	cfg := model.ServerConfig{
		Repository:    c.Repository,
		DeployCommand: c.DeployCommand,
		ListenAddress: c.ListenAddress,
		MaxUploadSize: c.MaxUploadSize,
	}

	if c.IdleTimeout != "" {
		d, err := time.ParseDuration(c.IdleTimeout)
		if err != nil {
			return model.ServerConfig{}, fmt.Errorf("idle_timeout: %w", err)
		}
		if d <= 0 {
			return model.ServerConfig{}, fmt.Errorf("idle_timeout must be positive, got: %s", c.IdleTimeout)
		}
		cfg.IdleTimeout = d
	}

	if c.MaxUploadSize < 0 {
		return model.ServerConfig{}, fmt.Errorf("max_upload_size can't be negative, got: %d", c.MaxUploadSize)
	}

	return cfg, nil
}
