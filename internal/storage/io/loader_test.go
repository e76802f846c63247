package io

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/deployq/internal/model"
)

func TestConfigYAMLRepository_GetServerConfig(t *testing.T) {
	tests := map[string]struct {
		fs     fstest.MapFS
		path   string
		expCfg model.ServerConfig
		expErr bool
		errMsg string
	}{
		"A full config should load successfully": {
			fs: fstest.MapFS{
				"deployq.yaml": &fstest.MapFile{
					Data: []byte(`repository: git@github.com:acme/shop.git
deploy_command: make deploy ENV=staging
listen_address: 127.0.0.1:9000
idle_timeout: 45s
max_upload_size: 1048576
`),
				},
			},
			path: "deployq.yaml",
			expCfg: model.ServerConfig{
				Repository:    "git@github.com:acme/shop.git",
				DeployCommand: "make deploy ENV=staging",
				ListenAddress: "127.0.0.1:9000",
				IdleTimeout:   45 * time.Second,
				MaxUploadSize: 1048576,
			},
		},
		"A partial config should leave the rest unset": {
			fs: fstest.MapFS{
				"deployq.yaml": &fstest.MapFile{
					Data: []byte(`deploy_command: ./deploy.sh
`),
				},
			},
			path:   "deployq.yaml",
			expCfg: model.ServerConfig{DeployCommand: "./deploy.sh"},
		},
		"An empty config should load successfully": {
			fs: fstest.MapFS{
				"empty.yaml": &fstest.MapFile{Data: []byte("")},
			},
			path:   "empty.yaml",
			expCfg: model.ServerConfig{},
		},
		"A missing file should fail": {
			fs:     fstest.MapFS{},
			path:   "missing.yaml",
			expErr: true,
			errMsg: "reading config file",
		},
		"Invalid YAML should fail": {
			fs: fstest.MapFS{
				"bad.yaml": &fstest.MapFile{Data: []byte("repository: [\n")},
			},
			path:   "bad.yaml",
			expErr: true,
			errMsg: "parsing YAML",
		},
		"Unknown fields should fail": {
			fs: fstest.MapFS{
				"typo.yaml": &fstest.MapFile{Data: []byte("deploy_comand: make\n")},
			},
			path:   "typo.yaml",
			expErr: true,
			errMsg: "parsing YAML",
		},
		"An invalid idle timeout should fail": {
			fs: fstest.MapFS{
				"bad.yaml": &fstest.MapFile{Data: []byte("idle_timeout: soon\n")},
			},
			path:   "bad.yaml",
			expErr: true,
			errMsg: "idle_timeout",
		},
		"A negative idle timeout should fail": {
			fs: fstest.MapFS{
				"bad.yaml": &fstest.MapFile{Data: []byte("idle_timeout: -5s\n")},
			},
			path:   "bad.yaml",
			expErr: true,
			errMsg: "idle_timeout must be positive",
		},
		"A negative max upload size should fail": {
			fs: fstest.MapFS{
				"bad.yaml": &fstest.MapFile{Data: []byte("max_upload_size: -1\n")},
			},
			path:   "bad.yaml",
			expErr: true,
			errMsg: "max_upload_size",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			repo := NewConfigYAMLRepository(test.fs)
			cfg, err := repo.GetServerConfig(context.Background(), test.path)

			if test.expErr {
				require.Error(err)
				assert.Contains(err.Error(), test.errMsg)
			} else {
				require.NoError(err)
				assert.Equal(test.expCfg, cfg)
			}
		})
	}
}
