package model

import "time"

// ServerConfig is the file based configuration of the server. Zero values
// mean not set.
type ServerConfig struct {
	// Repository is the source repository cloned as the working copy.
	Repository string
	// DeployCommand is the shell command run to deploy a checked out branch.
	DeployCommand string
	ListenAddress string
	IdleTimeout   time.Duration
	// MaxUploadSize is the max size in bytes of an uploaded task file.
	MaxUploadSize int64
}
