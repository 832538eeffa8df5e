// Package wol wakes the staging database host and waits until PostgreSQL
// accepts TCP connections.
package wol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// discardPort is the UDP port magic packets are sent to.
const discardPort = "9"

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

// Client sends magic packets.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// Dialer opens TCP connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultClient sends magic packets with mdlayher/wol.
type DefaultClient struct{}

// Wake broadcasts a magic packet for mac on the discard port of broadcastIP.
func (c *DefaultClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("opening magic packet socket: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(net.JoinHostPort(ip.String(), discardPort), mac); err != nil {
		return fmt.Errorf("sending magic packet to %s: %w", mac, err)
	}
	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient Client
	dialer    Dialer
	logger    zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return NewWithClients(logger, &DefaultClient{}, &net.Dialer{Timeout: 5 * time.Second})
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, dialer Dialer) *Impl {
	return &Impl{
		wolClient: wolClient,
		dialer:    dialer,
		logger:    logger.With().Str("component", "wol").Logger(),
	}
}

// Wake sends the magic packet, then blocks until the database port answers
// or cfg.Timeout elapses. Failures are reported in the result.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	start := time.Now()
	result := &models.WOLResult{}
	finish := func(err error) (*models.WOLResult, error) {
		result.WaitDuration = time.Since(start)
		result.Error = err
		return result, nil
	}

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		return finish(fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err))
	}

	if err := s.wolClient.Wake(cfg.BroadcastIP, mac); err != nil {
		return finish(err)
	}
	result.PacketSent = true
	s.logger.Info().
		Str("mac", mac.String()).
		Str("broadcast", cfg.BroadcastIP).
		Msg("magic packet sent")

	if cfg.PollAddress == "" {
		result.TargetReady = true
		return finish(nil)
	}

	if err := s.awaitPostmaster(ctx, cfg); err != nil {
		return finish(err)
	}
	if err := settle(ctx, cfg.StabilizeWait); err != nil {
		return finish(err)
	}

	result.TargetReady = true
	s.logger.Info().
		Str("address", cfg.PollAddress).
		Dur("waited", time.Since(start)).
		Msg("database host is up")
	return finish(nil)
}

// awaitPostmaster dials cfg.PollAddress every cfg.PollInterval until a
// connection is accepted.
func (s *Impl) awaitPostmaster(ctx context.Context, cfg models.WOLConfig) error {
	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	s.logger.Info().
		Str("address", cfg.PollAddress).
		Dur("timeout", cfg.Timeout).
		Msg("waiting for database host")

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		conn, err := s.dialer.DialContext(waitCtx, "tcp", cfg.PollAddress)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("database port closed")

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("timeout waiting for target at %s after %s", cfg.PollAddress, cfg.Timeout)
		case <-ticker.C:
		}
	}
}

// settle gives a freshly booted host time to finish recovery before the
// restore connects.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

