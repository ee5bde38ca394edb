// Package mux implements the multiplexed stream engine carried over a
// single diglett tunnel link. One Mux owns the encrypted connection
// after the control phase: a demux loop routes inbound frames to
// per-stream sinks and a single serialized writer drains outbound
// frames submitted by the stream tasks.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/muhamadazmy/diglett/internal/logging"
	"github.com/muhamadazmy/diglett/internal/metrics"
	"github.com/muhamadazmy/diglett/internal/protocol"
	"github.com/muhamadazmy/diglett/internal/recovery"
)

// defaultQueueSize is the capacity of the outbound frame queue.
// Producers block when it fills, pushing back on the stream readers.
const defaultQueueSize = 256

// ErrClosed is returned when submitting frames to a torn-down mux.
var ErrClosed = errors.New("mux closed")

// StreamOpener opens the local endpoint for a stream id the peer
// started talking on. The agent side dials its configured backend
// here; the server side passes nil and treats unknown ids as stale.
type StreamOpener interface {
	OpenStream(id uint32) (net.Conn, error)
}

// Config contains multiplexer configuration.
type Config struct {
	// Opener handles Payload frames for unknown stream ids. Nil means
	// reply with Close (server behavior).
	Opener StreamOpener

	// QueueSize bounds the outbound frame queue. Defaults to 256.
	QueueSize int

	// Logger for logging.
	Logger *slog.Logger

	// Metrics sink. Nil disables accounting.
	Metrics *metrics.Metrics
}

// Mux multiplexes an arbitrary number of byte streams over one
// encrypted connection.
type Mux struct {
	rw       io.ReadWriteCloser
	fr       *protocol.FrameReader
	fw       *protocol.FrameWriter
	registry *Registry
	opener   StreamOpener
	logger   *slog.Logger
	metrics  *metrics.Metrics

	outbound chan *protocol.Frame

	// All streams with running tasks, a superset of the registry:
	// a stream the peer closed stays here until its local socket
	// finishes draining.
	activeMu sync.Mutex
	active   map[uint32]*Stream

	done      chan struct{}
	closeOnce sync.Once
	writeErr  atomic.Value // error from the writer task

	wg sync.WaitGroup

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// New creates a multiplexer over an already-handshaked connection.
func New(rw io.ReadWriteCloser, cfg Config) *Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	return &Mux{
		rw:       rw,
		fr:       protocol.NewFrameReader(rw),
		fw:       protocol.NewFrameWriter(rw),
		registry: NewRegistry(),
		opener:   cfg.Opener,
		logger:   logger,
		metrics:  cfg.Metrics,
		outbound: make(chan *protocol.Frame, queue),
		active:   make(map[uint32]*Stream),
		done:     make(chan struct{}),
	}
}

// Registry exposes the live stream registry.
func (m *Mux) Registry() *Registry {
	return m.registry
}

// BytesIn returns the total inbound payload bytes.
func (m *Mux) BytesIn() uint64 {
	return m.bytesIn.Load()
}

// BytesOut returns the total outbound payload bytes.
func (m *Mux) BytesOut() uint64 {
	return m.bytesOut.Load()
}

// Attach binds conn to the given stream id and starts its relay tasks.
// Fails if the id is already live.
func (m *Mux) Attach(id uint32, conn net.Conn) (*Stream, error) {
	s := newStream(m, id, conn)
	if err := m.registry.Insert(id, s); err != nil {
		return nil, err
	}

	m.activeMu.Lock()
	m.active[id] = s
	m.activeMu.Unlock()

	select {
	case <-m.done:
		// Torn down between insert and start.
		m.registry.Remove(id)
		m.dropActive(id)
		conn.Close()
		return nil, ErrClosed
	default:
	}

	if m.metrics != nil {
		m.metrics.StreamsOpened.Inc()
		m.metrics.StreamsActive.Inc()
	}

	s.start()
	return s, nil
}

// Run drives the demux loop until the connection fails, the peer
// terminates, or ctx is cancelled. On return every stream has been
// torn down and the underlying connection closed.
func (m *Mux) Run(ctx context.Context) error {
	m.wg.Add(1)
	go m.writeLoop()

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.close()
		case <-watchDone:
		}
	}()

	err := m.demuxLoop()
	m.close()
	close(watchDone)
	m.wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if werr, ok := m.writeErr.Load().(error); ok && err == nil {
		return werr
	}
	return err
}

// Close tears the multiplexer down: all streams collapse and the
// underlying connection is closed.
func (m *Mux) Close() error {
	m.close()
	return nil
}

func (m *Mux) close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.rw.Close()

		m.registry.Drain()
		m.activeMu.Lock()
		streams := make([]*Stream, 0, len(m.active))
		for _, s := range m.active {
			streams = append(streams, s)
		}
		m.activeMu.Unlock()

		for _, s := range streams {
			s.terminate()
		}
	})
}

func (m *Mux) dropActive(id uint32) {
	m.activeMu.Lock()
	delete(m.active, id)
	m.activeMu.Unlock()
}

// SendPayload splits p into frames of at most MaxPayloadSize bytes and
// submits them in order. The data is copied; the caller may reuse p.
func (m *Mux) SendPayload(id uint32, p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > protocol.MaxPayloadSize {
			n = protocol.MaxPayloadSize
		}
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		if err := m.submit(&protocol.Frame{Kind: protocol.KindPayload, ID: id, Payload: chunk}); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// SendClose submits a Close frame for the given stream id.
func (m *Mux) SendClose(id uint32) error {
	return m.submit(&protocol.Frame{Kind: protocol.KindClose, ID: id})
}

func (m *Mux) submit(f *protocol.Frame) error {
	select {
	case m.outbound <- f:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// writeLoop is the single serialized frame writer. Every producer goes
// through the outbound queue, so no two frames ever interleave on the
// wire and Close(id) stays ordered after the Payloads that preceded it.
func (m *Mux) writeLoop() {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "mux.writeLoop")

	for {
		select {
		case f := <-m.outbound:
			if err := m.fw.Write(f); err != nil {
				m.writeErr.Store(err)
				m.close()
				return
			}
			if f.Kind == protocol.KindPayload {
				m.bytesOut.Add(uint64(len(f.Payload)))
			}
			if m.metrics != nil {
				m.metrics.FramesTransferred.WithLabelValues(metrics.DirectionOut).Inc()
				if f.Kind == protocol.KindPayload {
					m.metrics.BytesTransferred.WithLabelValues(metrics.DirectionOut).Add(float64(len(f.Payload)))
				}
			}
		case <-m.done:
			return
		}
	}
}

func (m *Mux) demuxLoop() error {
	for {
		frame, err := m.fr.Read()
		if err != nil {
			select {
			case <-m.done:
				return nil
			default:
				return err
			}
		}

		if m.metrics != nil {
			m.metrics.FramesTransferred.WithLabelValues(metrics.DirectionIn).Inc()
		}

		switch frame.Kind {
		case protocol.KindPayload:
			m.bytesIn.Add(uint64(len(frame.Payload)))
			if m.metrics != nil {
				m.metrics.BytesTransferred.WithLabelValues(metrics.DirectionIn).Add(float64(len(frame.Payload)))
			}
			m.handlePayload(frame)

		case protocol.KindClose:
			// Close for an already-closed stream is a no-op.
			if s := m.registry.Remove(frame.ID); s != nil {
				s.signalPeerClosed()
			}

		case protocol.KindTerminate:
			return protocol.ErrTerminated

		default:
			return fmt.Errorf("%w: %s during data phase", protocol.ErrPhaseViolation, frame.Kind)
		}
	}
}

func (m *Mux) handlePayload(f *protocol.Frame) {
	s := m.registry.Get(f.ID)
	if s == nil {
		if m.opener == nil {
			// Stale stream: drop the bytes and tell the peer.
			m.logger.Debug("payload for unknown stream",
				logging.KeyStreamID, f.ID)
			_ = m.SendClose(f.ID)
			return
		}

		conn, err := m.opener.OpenStream(f.ID)
		if err != nil {
			m.logger.Warn("backend dial failed",
				logging.KeyStreamID, f.ID,
				logging.KeyError, err)
			_ = m.SendClose(f.ID)
			return
		}

		var aerr error
		s, aerr = m.Attach(f.ID, conn)
		if aerr != nil {
			conn.Close()
			return
		}
	}

	s.deliver(f.Payload)
}

// finishStream runs once per stream, after both of its tasks exit.
func (m *Mux) finishStream(s *Stream) {
	m.registry.Remove(s.id)
	m.dropActive(s.id)
	s.conn.Close()

	if m.metrics != nil {
		m.metrics.StreamsActive.Dec()
		m.metrics.StreamsClosed.Inc()
	}

	m.logger.Debug("stream finished", logging.KeyStreamID, s.id)
}
