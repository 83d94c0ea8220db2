package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"pvefleet/internal/fleet"
	"pvefleet/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sshDialInterval = 5 * time.Second

// SSH represents an SSH connection and provides methods for remote operations
type SSH struct {
	client     *ssh.Client
	sftpClient *sftp.Client
	address    string
	user       string
	hostName   string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH waits for the SSH port, then connects with public key auth.
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	op := "connect " + config.HostName

	if err := waitForSSH(ctx, config.Address, config.ConnectTimeout); err != nil {
		return nil, err
	}

	signer, err := loadPrivateKeyFromFile(config.PrivateKeyPath)
	if err != nil {
		return nil, fleet.ConfigurationError(op, "failed to load private key", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fleet.ConfigurationError(op, "failed to load known hosts", err)
		}
	}

	clientConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.DialTimeout,
	}

	client, err := ssh.Dial("tcp", config.Address, clientConfig)
	if err != nil {
		return nil, fleet.PermanentError(op, "SSH handshake failed", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("address", config.Address),
		zap.String("host", config.HostName))

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		safeClose("SSH client", client.Close)
		return nil, fleet.PermanentError(op, "failed to start SFTP subsystem", err)
	}

	return &SSH{
		client:     client,
		sftpClient: sftpClient,
		address:    config.Address,
		user:       config.User,
		hostName:   config.HostName,
	}, nil
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// HostName returns the inventory name of the host
func (s *SSH) HostName() string {
	return s.hostName
}

// Run executes a command on the remote host
func (s *SSH) Run(ctx context.Context, command string) error {
	op := "run on " + s.hostName

	session, err := s.client.NewSession()
	if err != nil {
		return fleet.TransientError(op, "failed to create session", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.hostName))

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fleet.TimeoutError(op, "command did not finish in time")
		}
		return fleet.CancelledError(op)
	case err = <-done:
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.hostName),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return fleet.PermanentError(op, fmt.Sprintf("command exited with status %d", exitErr.ExitStatus()), err)
	}
	if err != nil {
		return fleet.TransientError(op, "command failed", err)
	}
	return nil
}

// Upload writes localPath to remotePath and sets its mode.
func (s *SSH) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	op := "upload to " + s.hostName
	if err := ctx.Err(); err != nil {
		return fleet.CancelledError(op)
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fleet.ConfigurationError(op, "failed to open "+localPath, err)
	}
	defer safeClose("local file", local.Close)

	remote, err := s.sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fleet.PermanentError(op, "failed to open remote file "+remotePath, err)
	}
	defer safeClose("remote file", remote.Close)

	n, err := io.Copy(remote, local)
	if err != nil {
		return fleet.TransientError(op, "failed to copy file content", err)
	}
	if err := s.sftpClient.Chmod(remotePath, mode); err != nil {
		return fleet.PermanentError(op, "failed to set mode on "+remotePath, err)
	}

	logging.Logger().Info("File uploaded using SFTP",
		zap.String("local_path", localPath),
		zap.String("remote_path", remotePath),
		zap.String("host", s.hostName),
		zap.Int64("size_bytes", n))
	return nil
}

// waitForSSH waits for the SSH port to accept connections.
func waitForSSH(ctx context.Context, address string, timeout time.Duration) error {
	op := "wait for ssh on " + address
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(sshDialInterval)
	defer ticker.Stop()

	var d net.Dialer
	for {
		dialCtx, dialCancel := context.WithTimeout(ctx, sshDialInterval)
		conn, err := d.DialContext(dialCtx, "tcp", address)
		dialCancel()
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("address", address),
					zap.Error(closeErr))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fleet.TimeoutError(op, fmt.Sprintf("SSH port not available after %v", timeout))
			}
			return fleet.CancelledError(op)
		case <-ticker.C:
		}
	}
}

// loadPrivateKeyFromFile loads SSH private key from file
func loadPrivateKeyFromFile(privateKeyPath string) (ssh.Signer, error) {
	if privateKeyPath == "" {
		return nil, errors.New("no private key configured")
	}
	keyBytes, err := os.ReadFile(expandHome(privateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}
