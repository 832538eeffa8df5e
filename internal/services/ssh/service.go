// Package ssh reads files from remote hosts, such as the pgbouncer
// configuration on the connection-router host.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultPort = 22

// Service defines the interface for SSH operations.
type Service interface {
	Cat(ctx context.Context, cfg models.SSHConfig, path string) (*models.SSHResult, error)
}

// Conn is an authenticated SSH connection able to run one command per call.
type Conn interface {
	Run(cmd string, stdout, stderr io.Writer) error
	Close() error
}

// Dialer opens SSH connections.
type Dialer interface {
	Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error)
}

// TCPDialer dials over TCP and performs the SSH handshake on the socket.
type TCPDialer struct{}

// Dial connects to addr. The handshake is bounded by ctx and config.Timeout.
func (TCPDialer) Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error) {
	d := net.Dialer{Timeout: config.Timeout}
	tcp, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// NewClientConn ignores ctx, so closing the socket is what aborts it.
	stop := context.AfterFunc(ctx, func() { _ = tcp.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(tcp, addr, config)
	if err != nil {
		_ = tcp.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return clientConn{ssh.NewClient(c, chans, reqs)}, nil
}

type clientConn struct {
	*ssh.Client
}

func (c clientConn) Run(cmd string, stdout, stderr io.Writer) error {
	session, err := c.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = session.Close() }()

	session.Stdout = stdout
	session.Stderr = stderr
	return session.Run(cmd)
}

// Impl implements the SSH Service interface.
type Impl struct {
	dialer Dialer
	logger zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return NewWithDialer(logger, TCPDialer{})
}

// NewWithDialer creates a new SSH service with a custom dialer (for testing).
func NewWithDialer(logger zerolog.Logger, dialer Dialer) *Impl {
	return &Impl{dialer: dialer, logger: logger}
}

// Cat returns the content of a remote file. Connection and command
// failures are reported in the result.
func (s *Impl) Cat(ctx context.Context, cfg models.SSHConfig, path string) (*models.SSHResult, error) {
	result := &models.SSHResult{}

	clientCfg, err := clientConfig(cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}

	addr := address(cfg)
	s.logger.Debug().Str("addr", addr).Str("user", cfg.Username).Str("path", path).Msg("reading remote file")

	conn, err := s.dialer.Dial(ctx, addr, clientCfg)
	if err != nil {
		if ctx.Err() != nil {
			result.Error = ctx.Err()
		} else {
			result.Error = fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		return result, nil
	}
	defer func() { _ = conn.Close() }()

	var stdout, stderr bytes.Buffer
	err = conn.Run("cat "+shellQuote(path), &stdout, &stderr)
	result.CommandRun = true
	result.Output = stdout.String()
	if err != nil {
		result.Error = fmt.Errorf("cat %s failed: %w", path, err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			result.Error = fmt.Errorf("cat %s failed: %s: %w", path, msg, err)
		}
		return result, nil
	}

	s.logger.Debug().Int("bytes", stdout.Len()).Msg("remote file read")
	return result, nil
}

func address(cfg models.SSHConfig) string {
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

func clientConfig(cfg models.SSHConfig) (*ssh.ClientConfig, error) {
	key := cfg.PrivateKey
	if len(key) == 0 {
		if cfg.KeyPath == "" {
			return nil, fmt.Errorf("no private key provided")
		}
		var err error
		if key, err = os.ReadFile(cfg.KeyPath); err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // only when no known_hosts file is configured
	if cfg.KnownHostsFile != "" {
		if hostKey, err = knownhosts.New(cfg.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
