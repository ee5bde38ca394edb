package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/muhamadazmy/diglett/internal/logging"
	"github.com/muhamadazmy/diglett/internal/mux"
	"github.com/muhamadazmy/diglett/internal/protocol"
	"github.com/muhamadazmy/diglett/internal/recovery"
)

// Listener accepts public TCP connections for one registration and
// binds each to a stream on the agent link. The stream id is the
// registration id in the high 16 bits and the client's ephemeral port
// in the low 16 bits, which keeps ids unique per live registration.
type Listener struct {
	registration uint16
	name         string
	bind         string
	limiter      *rate.Limiter
	logger       *slog.Logger

	ln net.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a listener for the given registration. acceptRate
// of 0 disables rate limiting.
func NewListener(registration uint16, name, bind string, acceptRate float64, logger *slog.Logger) *Listener {
	var limiter *rate.Limiter
	if acceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(acceptRate), int(acceptRate)+1)
	}

	return &Listener{
		registration: registration,
		name:         name,
		bind:         bind,
		limiter:      limiter,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Bind claims an OS-chosen port on the configured bind address and
// returns it. Accepting does not start until Serve.
func (l *Listener) Bind() (uint16, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(l.bind, "0"))
	if err != nil {
		return 0, fmt.Errorf("bind public listener: %w", err)
	}
	l.ln = ln
	return l.Port(), nil
}

// Port returns the bound port.
func (l *Listener) Port() uint16 {
	if l.ln == nil {
		return 0
	}
	return uint16(l.ln.Addr().(*net.TCPAddr).Port)
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve starts accepting public connections and attaching them as
// streams on m. It must only be called once the link entered the data
// phase: a Payload frame during the control phase is a protocol error.
func (l *Listener) Serve(m *mux.Mux) {
	l.wg.Add(1)
	go l.acceptLoop(m)

	l.logger.Info("public listener started",
		logging.KeyName, l.name,
		logging.KeyAddress, l.ln.Addr().String())
}

// Stop closes the listen socket. Streams already attached stay under
// the multiplexer's ownership.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.ln != nil {
			l.ln.Close()
		}
	})
	l.wg.Wait()
}

func (l *Listener) acceptLoop(m *mux.Mux) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "server.Listener.acceptLoop")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("public accept error",
					logging.KeyName, l.name,
					logging.KeyError, err)
				return
			}
		}

		if l.limiter != nil && !l.limiter.Allow() {
			l.logger.Debug("public accept rate exceeded",
				logging.KeyName, l.name)
			conn.Close()
			continue
		}

		slot := uint16(conn.RemoteAddr().(*net.TCPAddr).Port)
		id := protocol.StreamID(l.registration, slot)

		if _, err := m.Attach(id, conn); err != nil {
			// Slot collision or link teardown.
			l.logger.Debug("stream attach failed",
				logging.KeyStreamID, id,
				logging.KeyError, err)
			conn.Close()
			continue
		}

		l.logger.Debug("public connection accepted",
			logging.KeyName, l.name,
			logging.KeyStreamID, id,
			logging.KeyRemoteAddr, conn.RemoteAddr().String())
	}
}
