package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/muhamadazmy/diglett/internal/protocol"
)

// tcpPair returns two ends of a real TCP connection over loopback, so
// half-close behaves like production sockets.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	a := <-ch
	if a.err != nil {
		t.Fatalf("accept: %v", a.err)
	}

	t.Cleanup(func() {
		client.Close()
		a.conn.Close()
	})
	return client, a.conn
}

// echoBackend starts a TCP server that echoes every connection and
// half-closes when the client is done. Returns its dial address.
func echoBackend(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
				if tc, ok := c.(*net.TCPConn); ok {
					tc.CloseWrite()
					// Give the peer a moment to read the EOF.
					time.Sleep(50 * time.Millisecond)
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

// dialerFunc adapts a function to the StreamOpener interface.
type dialerFunc func(id uint32) (net.Conn, error)

func (f dialerFunc) OpenStream(id uint32) (net.Conn, error) {
	return f(id)
}

// runMux starts m.Run in the background and returns a channel with its result.
func runMux(ctx context.Context, m *Mux) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- m.Run(ctx)
	}()
	return ch
}

// TestMux_EchoEndToEnd wires a server-side mux and an agent-side mux
// over an in-memory link, with a real echo backend behind the agent.
func TestMux_EchoEndToEnd(t *testing.T) {
	linkServer, linkAgent := net.Pipe()

	backend := echoBackend(t)

	server := New(linkServer, Config{})
	agent := New(linkAgent, Config{
		Opener: dialerFunc(func(id uint32) (net.Conn, error) {
			return net.DialTimeout("tcp", backend, time.Second)
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serverDone := runMux(ctx, server)
	agentDone := runMux(ctx, agent)

	// A public client connects; the server binds it to a stream id.
	pubClient, pubServer := tcpPair(t)
	id := protocol.StreamID(0, 0x1234)
	if _, err := server.Attach(id, pubServer); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	msg := []byte("hello through the tunnel")
	if _, err := pubClient.Write(msg); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if err := pubClient.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("client close write: %v", err)
	}

	// The echo reply comes back through both muxes, then EOF.
	pubClient.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(pubClient)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echoed %q, want %q", got, msg)
	}

	// Both registries end up empty once the close handshake settles.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.Registry().Len() == 0 && agent.Registry().Len() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := server.Registry().Len(); n != 0 {
		t.Errorf("server registry has %d live streams, want 0", n)
	}
	if n := agent.Registry().Len(); n != 0 {
		t.Errorf("agent registry has %d live streams, want 0", n)
	}

	cancel()
	<-serverDone
	<-agentDone
}

// rawLink drives one end of a mux link with a bare frame codec.
type rawLink struct {
	conn net.Conn
	fr   *protocol.FrameReader
	fw   *protocol.FrameWriter
}

func newRawLink(conn net.Conn) *rawLink {
	return &rawLink{
		conn: conn,
		fr:   protocol.NewFrameReader(conn),
		fw:   protocol.NewFrameWriter(conn),
	}
}

func (l *rawLink) read(t *testing.T, timeout time.Duration) *protocol.Frame {
	t.Helper()
	l.conn.SetReadDeadline(time.Now().Add(timeout))
	f, err := l.fr.Read()
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	return f
}

func (l *rawLink) write(t *testing.T, f *protocol.Frame) {
	t.Helper()
	if err := l.fw.Write(f); err != nil {
		t.Fatalf("raw write: %v", err)
	}
}

// TestMux_UnknownStreamGetsClose verifies the server-side reaction to
// a Payload for a stream id it does not know: drop and reply Close.
func TestMux_UnknownStreamGetsClose(t *testing.T) {
	linkMux, linkRaw := net.Pipe()
	raw := newRawLink(linkRaw)

	m := New(linkMux, Config{}) // no opener: server behavior

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runMux(ctx, m)

	id := uint32(0x00009000)
	go raw.fw.Write(&protocol.Frame{Kind: protocol.KindPayload, ID: id, Payload: []byte("stale")})

	f := raw.read(t, 2*time.Second)
	if f.Kind != protocol.KindClose || f.ID != id {
		t.Errorf("got %s id=0x%08x, want CLOSE id=0x%08x", f.Kind, f.ID, id)
	}

	cancel()
	<-done
}

// TestMux_SendPayloadFragmentation checks the producer-side split of a
// 200 KB submission into maximum-size frames.
func TestMux_SendPayloadFragmentation(t *testing.T) {
	linkMux, linkRaw := net.Pipe()
	raw := newRawLink(linkRaw)

	m := New(linkMux, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runMux(ctx, m)

	payload := make([]byte, 200*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		if err := m.SendPayload(77, payload); err != nil {
			t.Errorf("SendPayload() error: %v", err)
		}
	}()

	wantSizes := []int{65535, 65535, 65535, 8195}
	var got []byte
	for i, want := range wantSizes {
		f := raw.read(t, 2*time.Second)
		if f.Kind != protocol.KindPayload || f.ID != 77 {
			t.Fatalf("frame %d: got %s id=%d", i, f.Kind, f.ID)
		}
		if len(f.Payload) != want {
			t.Errorf("frame %d: size = %d, want %d", i, len(f.Payload), want)
		}
		got = append(got, f.Payload...)
	}

	if !bytes.Equal(got, payload) {
		t.Error("reassembled payload does not match the original")
	}

	cancel()
	<-done
}

// TestMux_CloseUnknownIsNoop sends a Close for an id that was never
// live; the mux must stay healthy.
func TestMux_CloseUnknownIsNoop(t *testing.T) {
	linkMux, linkRaw := net.Pipe()
	raw := newRawLink(linkRaw)

	m := New(linkMux, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runMux(ctx, m)

	go raw.fw.Write(&protocol.Frame{Kind: protocol.KindClose, ID: 99})

	// The mux is still alive: an attached stream still relays.
	pubClient, pubServer := tcpPair(t)
	if _, err := m.Attach(55, pubServer); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	if _, err := pubClient.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	for {
		f := raw.read(t, 2*time.Second)
		if f.Kind == protocol.KindPayload && f.ID == 55 {
			if string(f.Payload) != "ping" {
				t.Errorf("payload = %q, want %q", f.Payload, "ping")
			}
			break
		}
	}

	cancel()
	<-done
}

// TestMux_ControlFrameInDataPhase verifies the phase ordering: a Login
// frame after the control phase kills the connection.
func TestMux_ControlFrameInDataPhase(t *testing.T) {
	linkMux, linkRaw := net.Pipe()
	raw := newRawLink(linkRaw)

	m := New(linkMux, Config{})
	done := runMux(context.Background(), m)

	go raw.fw.Write(&protocol.Frame{Kind: protocol.KindLogin, Payload: []byte("tok")})

	select {
	case err := <-done:
		if !errors.Is(err, protocol.ErrPhaseViolation) {
			t.Errorf("Run() error = %v, want ErrPhaseViolation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mux did not terminate on phase violation")
	}
}

// TestMux_TerminateIsFatal verifies the reserved Terminate kind tears
// the connection down.
func TestMux_TerminateIsFatal(t *testing.T) {
	linkMux, linkRaw := net.Pipe()
	raw := newRawLink(linkRaw)

	m := New(linkMux, Config{})
	done := runMux(context.Background(), m)

	go raw.fw.Write(&protocol.Frame{Kind: protocol.KindTerminate})

	select {
	case err := <-done:
		if !errors.Is(err, protocol.ErrTerminated) {
			t.Errorf("Run() error = %v, want ErrTerminated", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mux did not terminate")
	}
}

// TestMux_TeardownCollapsesStreams verifies that killing the link
// closes every public socket attached to the mux.
func TestMux_TeardownCollapsesStreams(t *testing.T) {
	linkMux, linkRaw := net.Pipe()

	m := New(linkMux, Config{})
	done := runMux(context.Background(), m)

	pubClient, pubServer := tcpPair(t)
	if _, err := m.Attach(1, pubServer); err != nil {
		t.Fatal(err)
	}

	// The agent side dies.
	linkRaw.Close()

	pubClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := pubClient.Read(buf); err == nil {
		t.Error("public socket still open after link teardown")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after link teardown")
	}
}

// TestMux_PerStreamOrdering interleaves two streams and checks bytes
// stay ordered within each stream.
func TestMux_PerStreamOrdering(t *testing.T) {
	linkMux, linkRaw := net.Pipe()
	raw := newRawLink(linkRaw)

	m := New(linkMux, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runMux(ctx, m)

	clientA, serverA := tcpPair(t)
	clientB, serverB := tcpPair(t)
	if _, err := m.Attach(1, serverA); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Attach(2, serverB); err != nil {
		t.Fatal(err)
	}

	// Interleave inbound payload frames for the two streams.
	go func() {
		for i := 0; i < 10; i++ {
			raw.fw.Write(&protocol.Frame{Kind: protocol.KindPayload, ID: 1, Payload: []byte{byte(i)}})
			raw.fw.Write(&protocol.Frame{Kind: protocol.KindPayload, ID: 2, Payload: []byte{byte(100 + i)}})
		}
	}()

	readN := func(c net.Conn, n int) []byte {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, n)
		if _, err := io.ReadFull(c, buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		return buf
	}

	gotA := readN(clientA, 10)
	gotB := readN(clientB, 10)

	for i := 0; i < 10; i++ {
		if gotA[i] != byte(i) {
			t.Errorf("stream 1 byte %d = %d, want %d", i, gotA[i], i)
		}
		if gotB[i] != byte(100+i) {
			t.Errorf("stream 2 byte %d = %d, want %d", i, gotB[i], 100+i)
		}
	}

	cancel()
	<-done
}
