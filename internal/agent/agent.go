// Package agent implements the private side of the tunnel: it dials
// the gateway, authenticates, registers its subdomain and proxies
// every tunneled stream to the configured backend.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/muhamadazmy/diglett/internal/auth"
	"github.com/muhamadazmy/diglett/internal/config"
	"github.com/muhamadazmy/diglett/internal/crypto"
	"github.com/muhamadazmy/diglett/internal/logging"
	"github.com/muhamadazmy/diglett/internal/metrics"
	"github.com/muhamadazmy/diglett/internal/mux"
	"github.com/muhamadazmy/diglett/internal/protocol"
)

// Reconnect backoff bounds.
const (
	reconnectMin = time.Second
	reconnectMax = time.Minute

	// A session that survived this long resets the backoff.
	stableSession = 30 * time.Second
)

// ErrRegistrationRejected is returned when the server refuses the
// configured subdomain name.
var ErrRegistrationRejected = errors.New("registration rejected")

// Config contains agent configuration.
type Config struct {
	// Gateway is the server's agent endpoint, host:port.
	Gateway string

	// Name is the subdomain to register.
	Name string

	// Backend is the private service streams are proxied to.
	Backend string

	// Token is the login token, possibly empty.
	Token string

	// DialTimeout bounds gateway and backend dials, and the handshake.
	DialTimeout time.Duration

	// Logger for logging.
	Logger *slog.Logger

	// Metrics sink. Nil disables accounting.
	Metrics *metrics.Metrics
}

// Agent maintains the tunnel to the gateway.
type Agent struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Gateway == "" {
		return nil, fmt.Errorf("gateway address is required")
	}
	if !config.ValidName(cfg.Name) {
		return nil, fmt.Errorf("invalid name %q", cfg.Name)
	}
	if cfg.Backend == "" {
		return nil, fmt.Errorf("backend address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = config.DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Run keeps the tunnel up until ctx is cancelled. Transport failures
// are retried with capped exponential backoff; an authentication or
// authorization rejection is terminal.
func (a *Agent) Run(ctx context.Context) error {
	delay := reconnectMin

	for {
		started := time.Now()
		err := a.runOnce(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, auth.ErrBadToken) || errors.Is(err, ErrRegistrationRejected) {
			return err
		}

		if time.Since(started) >= stableSession {
			delay = reconnectMin
		}

		a.logger.Warn("tunnel lost, reconnecting",
			logging.KeyError, err,
			"retry_in", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// runOnce establishes one tunnel session and drives it until the link
// dies or ctx is cancelled.
func (a *Agent) runOnce(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", a.cfg.Gateway, a.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(a.cfg.DialTimeout))
	sc, err := crypto.Handshake(crypto.Initiator, conn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	if err := a.controlPhase(sc); err != nil {
		return err
	}
	sc.SetDeadline(time.Time{})

	m := mux.New(sc, mux.Config{
		Opener:  &backendDialer{addr: a.cfg.Backend, timeout: a.cfg.DialTimeout, logger: a.logger},
		Logger:  a.logger,
		Metrics: a.cfg.Metrics,
	})

	a.logger.Info("tunnel established",
		logging.KeyName, a.cfg.Name,
		logging.KeyAddress, a.cfg.Gateway)

	err = m.Run(ctx)

	a.logger.Info("tunnel closed",
		"rx", humanize.IBytes(m.BytesIn()),
		"tx", humanize.IBytes(m.BytesOut()))

	return err
}

// controlPhase sends Login and Register and waits for their replies,
// then sends FinishRegister. The server never acknowledges
// FinishRegister, so nothing is awaited for it.
func (a *Agent) controlPhase(sc *crypto.SecureConn) error {
	fr := protocol.NewFrameReader(sc)
	fw := protocol.NewFrameWriter(sc)

	// LOGIN
	if err := fw.WriteFrame(protocol.KindLogin, 0, []byte(a.cfg.Token)); err != nil {
		return fmt.Errorf("write login: %w", err)
	}
	frame, err := fr.Read()
	if err != nil {
		return fmt.Errorf("read login reply: %w", err)
	}
	switch frame.Kind {
	case protocol.KindOk:
	case protocol.KindError:
		return fmt.Errorf("%w: %s", auth.ErrBadToken, frame.Payload)
	default:
		return fmt.Errorf("%w: %s as login reply", protocol.ErrPhaseViolation, frame.Kind)
	}

	// REGISTER
	if err := fw.WriteFrame(protocol.KindRegister, protocol.RegisterID(0), []byte(a.cfg.Name)); err != nil {
		return fmt.Errorf("write register: %w", err)
	}
	frame, err = fr.Read()
	if err != nil {
		return fmt.Errorf("read register reply: %w", err)
	}
	switch frame.Kind {
	case protocol.KindOk:
	case protocol.KindError:
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, frame.Payload)
	default:
		return fmt.Errorf("%w: %s as register reply", protocol.ErrPhaseViolation, frame.Kind)
	}

	// FINISH
	if err := fw.WriteFrame(protocol.KindFinishRegister, 0, nil); err != nil {
		return fmt.Errorf("write finish register: %w", err)
	}
	return nil
}
