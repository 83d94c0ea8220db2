// Package control runs post-provision automation on fleet hosts over SSH.
package control

import (
	"context"
	"os"
	"time"
)

// Controller defines the interface for remote system control
type Controller interface {
	// Close closes the connection
	Close() error

	// Run executes a command on the remote host. It fails on a non-zero exit.
	Run(ctx context.Context, command string) error

	// Upload copies a local file to the remote host using SFTP.
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error

	// HostName returns the inventory name of the host
	HostName() string
}

// Config defines configuration for creating controllers
type Config struct {
	// Address is host:port.
	Address        string
	User           string
	PrivateKeyPath string
	KnownHostsFile string
	// ConnectTimeout bounds the wait for the SSH port after boot.
	ConnectTimeout time.Duration
	DialTimeout    time.Duration
	HostName       string
}

// Dialer opens a Controller. NewController is the production implementation.
type Dialer func(ctx context.Context, config Config) (Controller, error)

// NewController creates a new controller based on the config
func NewController(ctx context.Context, config Config) (Controller, error) {
	return NewSSH(ctx, config)
}
