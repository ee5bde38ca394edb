// Package server implements the diglett gateway: it accepts agent
// links, drives the control state machine through login and
// registration, and exposes every registration on a local TCP port.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/netutil"

	"github.com/muhamadazmy/diglett/internal/auth"
	"github.com/muhamadazmy/diglett/internal/config"
	"github.com/muhamadazmy/diglett/internal/crypto"
	"github.com/muhamadazmy/diglett/internal/logging"
	"github.com/muhamadazmy/diglett/internal/metrics"
	"github.com/muhamadazmy/diglett/internal/mux"
	"github.com/muhamadazmy/diglett/internal/protocol"
	"github.com/muhamadazmy/diglett/internal/recovery"
)

// Config contains server configuration.
type Config struct {
	// Listen is the address agents connect to.
	Listen string

	// PublicBind is the address public listeners bind to.
	PublicBind string

	// HandshakeTimeout bounds the plaintext key exchange.
	HandshakeTimeout time.Duration

	// ControlTimeout bounds the login/registration phase. The data
	// phase has no idle timeout; streams are long-lived.
	ControlTimeout time.Duration

	// MaxAgents caps concurrent agent links (0 = unlimited).
	MaxAgents int

	// AcceptRate caps public accepts per second per registration
	// (0 = unlimited).
	AcceptRate float64

	// Auth validates tokens and names. Defaults to auth.AllowAll.
	Auth auth.Authenticator

	// Configurator is invoked on register/unregister. Defaults to
	// LogConfigurator.
	Configurator Configurator

	// Logger for logging.
	Logger *slog.Logger

	// Metrics sink. Nil disables accounting.
	Metrics *metrics.Metrics
}

// Server is the publicly reachable side of the tunnel.
type Server struct {
	cfg    Config
	logger *slog.Logger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server. Zero-value config fields get defaults.
func New(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListen
	}
	if cfg.PublicBind == "" {
		cfg.PublicBind = config.DefaultPublicBind
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = config.DefaultControlTimeout
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Configurator == nil {
		cfg.Configurator = &LogConfigurator{Logger: cfg.Logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the agent endpoint and begins accepting links.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	if s.cfg.MaxAgents > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxAgents)
	}

	s.ln = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("server started",
		logging.KeyAddress, ln.Addr().String())

	return nil
}

// Stop shuts the server down: the agent endpoint closes, every live
// link tears down and every registration is released.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		s.cancel()
		if s.ln != nil {
			s.ln.Close()
		}
	})
	s.wg.Wait()
	s.logger.Info("server stopped")
}

// Addr returns the agent endpoint address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.acceptLoop")

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.logger.Debug("agent accept error", logging.KeyError, err)
			}
			return
		}

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AgentsTotal.Inc()
		}

		s.wg.Add(1)
		go s.handleAgent(conn)
	}
}

// registration is the single subdomain an agent link may claim.
type registration struct {
	id       uint16
	name     string
	listener *Listener
}

func (s *Server) handleAgent(conn net.Conn) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.handleAgent")
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("agent connected", logging.KeyRemoteAddr, remote)

	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	sc, err := crypto.Handshake(crypto.Responder, conn)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HandshakeErrors.WithLabelValues("handshake").Inc()
		}
		s.logger.Warn("agent handshake failed",
			logging.KeyRemoteAddr, remote,
			logging.KeyError, err)
		return
	}

	sc.SetDeadline(time.Now().Add(s.cfg.ControlTimeout))
	reg, err := s.controlPhase(sc)
	if err != nil {
		s.logger.Warn("agent control phase failed",
			logging.KeyRemoteAddr, remote,
			logging.KeyError, err)
		return
	}
	sc.SetDeadline(time.Time{})

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AgentsConnected.Inc()
		defer s.cfg.Metrics.AgentsConnected.Dec()
	}

	s.runSession(sc, reg, remote)
}

// controlPhase drives LOGIN and REGISTER_LOOP. It returns the (single)
// accepted registration, with its public listener bound but not yet
// serving, once the agent sends FinishRegister.
func (s *Server) controlPhase(sc *crypto.SecureConn) (*registration, error) {
	fr := protocol.NewFrameReader(sc)
	fw := protocol.NewFrameWriter(sc)

	// LOGIN
	frame, err := fr.Read()
	if err != nil {
		return nil, fmt.Errorf("read login: %w", err)
	}
	if frame.Kind != protocol.KindLogin {
		return nil, fmt.Errorf("%w: expected LOGIN, got %s", protocol.ErrPhaseViolation, frame.Kind)
	}

	identity, err := s.cfg.Auth.Authenticate(frame.Payload)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthFailures.Inc()
		}
		fw.WriteFrame(protocol.KindError, 0, []byte("unauthorized"))
		return nil, fmt.Errorf("login rejected: %w", err)
	}
	if err := fw.WriteFrame(protocol.KindOk, 0, nil); err != nil {
		return nil, fmt.Errorf("write login ok: %w", err)
	}

	// REGISTER_LOOP
	var reg *registration
	for {
		frame, err := fr.Read()
		if err != nil {
			s.release(reg)
			return nil, fmt.Errorf("read register: %w", err)
		}

		switch frame.Kind {
		case protocol.KindRegister:
			if reg != nil {
				// The wire permits more than one registration but this
				// gateway pins it to one.
				fw.WriteFrame(protocol.KindError, frame.ID, []byte("already registered"))
				s.release(reg)
				return nil, fmt.Errorf("second registration attempted")
			}

			r, err := s.register(protocol.Registration(frame.ID), string(frame.Payload), identity)
			if err != nil {
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.AuthFailures.Inc()
				}
				fw.WriteFrame(protocol.KindError, frame.ID, []byte(err.Error()))
				return nil, fmt.Errorf("registration rejected: %w", err)
			}
			reg = r

			if err := fw.WriteFrame(protocol.KindOk, protocol.RegisterID(reg.id), nil); err != nil {
				s.release(reg)
				return nil, fmt.Errorf("write register ok: %w", err)
			}

		case protocol.KindFinishRegister:
			// No acknowledgement on the wire; straight to data phase.
			return reg, nil

		case protocol.KindError:
			s.release(reg)
			return nil, fmt.Errorf("agent aborted: %s", frame.Payload)

		default:
			s.release(reg)
			return nil, fmt.Errorf("%w: %s during registration", protocol.ErrPhaseViolation, frame.Kind)
		}
	}
}

// register authorizes the name, binds a public port and wires external
// ingress.
func (s *Server) register(id uint16, name string, identity auth.Identity) (*registration, error) {
	if !config.ValidName(name) {
		return nil, fmt.Errorf("invalid name")
	}
	if err := s.cfg.Auth.Authorize(identity, name); err != nil {
		return nil, err
	}

	l := NewListener(id, name, s.cfg.PublicBind, s.cfg.AcceptRate, s.logger)
	port, err := l.Bind()
	if err != nil {
		s.logger.Error("public bind failed",
			logging.KeyName, name,
			logging.KeyError, err)
		return nil, fmt.Errorf("no port available")
	}

	if err := s.cfg.Configurator.OnRegister(name, port); err != nil {
		l.Stop()
		return nil, fmt.Errorf("name not accepted: %w", err)
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RegistrationsActive.Inc()
	}

	return &registration{id: id, name: name, listener: l}, nil
}

// release undoes a registration that never reached (or left) the data
// phase.
func (s *Server) release(reg *registration) {
	if reg == nil {
		return
	}
	reg.listener.Stop()
	s.cfg.Configurator.OnUnregister(reg.name, reg.listener.Port())
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RegistrationsActive.Dec()
	}
}

// runSession drives the data phase until the link dies or the server
// stops, then releases the registration and collapses its streams.
func (s *Server) runSession(sc *crypto.SecureConn, reg *registration, remote string) {
	m := mux.New(sc, mux.Config{
		Logger:  s.logger,
		Metrics: s.cfg.Metrics,
	})

	if reg != nil {
		reg.listener.Serve(m)
		s.logger.Info("tunnel established",
			logging.KeyName, reg.name,
			logging.KeyPort, reg.listener.Port(),
			logging.KeyRemoteAddr, remote)
	}

	err := m.Run(s.ctx)

	// Stop accepting first, then release the port and ingress wiring.
	// The multiplexer already collapsed the live streams.
	s.release(reg)

	attrs := []any{
		logging.KeyRemoteAddr, remote,
		"rx", humanize.IBytes(m.BytesIn()),
		"tx", humanize.IBytes(m.BytesOut()),
	}
	if err != nil && s.ctx.Err() == nil {
		attrs = append(attrs, logging.KeyError, err)
	}
	s.logger.Info("agent link closed", attrs...)
}
