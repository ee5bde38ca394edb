package mux

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/muhamadazmy/diglett/internal/logging"
	"github.com/muhamadazmy/diglett/internal/protocol"
	"github.com/muhamadazmy/diglett/internal/recovery"
)

// streamBufferSize is the capacity of a stream's inbound queue in frames.
const streamBufferSize = 64

// Stream is one live tunneled byte pipe: a local socket (the accepted
// public connection on the server, the dialed backend on the agent)
// bound to a 32-bit stream id on the tunnel link.
//
// The stream owns its socket. Two tasks run per stream: one reads the
// socket and submits Payload frames to the mux writer, the other drains
// inbound frames from the demux loop into the socket. The multiplexer
// itself only holds the send-side handle (deliver/signalPeerClosed).
type Stream struct {
	id   uint32
	conn net.Conn
	mux  *Mux

	inbound    chan []byte
	peerClosed chan struct{} // Close received from the peer
	writeDone  chan struct{} // local write task exited

	peerOnce  sync.Once
	writeOnce sync.Once
	closeSent atomic.Bool
	finished  atomic.Int32
}

func newStream(m *Mux, id uint32, conn net.Conn) *Stream {
	return &Stream{
		id:         id,
		conn:       conn,
		mux:        m,
		inbound:    make(chan []byte, streamBufferSize),
		peerClosed: make(chan struct{}),
		writeDone:  make(chan struct{}),
	}
}

// ID returns the stream id.
func (s *Stream) ID() uint32 {
	return s.id
}

func (s *Stream) start() {
	s.mux.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// deliver hands inbound payload bytes to the stream's write task. It
// blocks when the stream buffer is full, which stalls the demux loop
// and lets TCP push back on the peer. Bytes arriving after the stream
// died locally are dropped.
func (s *Stream) deliver(p []byte) {
	if len(p) == 0 {
		return
	}
	select {
	case s.inbound <- p:
	case <-s.writeDone:
	case <-s.mux.done:
	}
}

// signalPeerClosed marks that the peer sent Close for this stream: no
// further inbound bytes will arrive.
func (s *Stream) signalPeerClosed() {
	s.peerOnce.Do(func() {
		close(s.peerClosed)
	})
}

// terminate force-closes the stream's socket. Used on mux teardown.
func (s *Stream) terminate() {
	s.signalPeerClosed()
	s.conn.Close()
}

// sendClose submits the stream's final Close frame, once. Best-effort:
// if the mux is already gone the frame is dropped.
func (s *Stream) sendClose() {
	if s.closeSent.CompareAndSwap(false, true) {
		_ = s.mux.submit(&protocol.Frame{Kind: protocol.KindClose, ID: s.id})
	}
}

// readLoop pumps the local socket into Payload frames. On EOF or
// socket error it emits the stream's Close frame: Close is ordered
// after every Payload this side produced because both traverse the
// same queue.
func (s *Stream) readLoop() {
	defer s.mux.wg.Done()
	defer recovery.RecoverWithLog(s.mux.logger, "mux.Stream.readLoop")
	defer s.finish()

	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if serr := s.mux.SendPayload(s.id, buf[:n]); serr != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}

	s.sendClose()
}

// writeLoop pumps inbound frames into the local socket. When the peer
// closes the stream it drains whatever the demux loop already queued,
// then propagates the half-close to the socket; the read side keeps
// running until the local endpoint is done talking.
func (s *Stream) writeLoop() {
	defer s.mux.wg.Done()
	defer recovery.RecoverWithLog(s.mux.logger, "mux.Stream.writeLoop")
	defer s.finish()
	defer s.writeOnce.Do(func() { close(s.writeDone) })

	for {
		select {
		case data := <-s.inbound:
			if _, err := s.conn.Write(data); err != nil {
				s.mux.logger.Debug("stream write failed",
					logging.KeyStreamID, s.id,
					logging.KeyError, err)
				return
			}
		case <-s.peerClosed:
			// The demux loop queued everything before Close was
			// processed; a non-blocking drain sees all of it.
			for {
				select {
				case data := <-s.inbound:
					if _, err := s.conn.Write(data); err != nil {
						return
					}
				default:
					s.closeWrite()
					return
				}
			}
		case <-s.mux.done:
			return
		}
	}
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

func (s *Stream) closeWrite() {
	if hc, ok := s.conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}

// finish runs when one of the two stream tasks exits; the second call
// releases the socket and the registry entry.
func (s *Stream) finish() {
	if s.finished.Add(1) != 2 {
		return
	}
	s.mux.finishStream(s)
}
