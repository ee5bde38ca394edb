package server

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/muhamadazmy/diglett/internal/auth"
	"github.com/muhamadazmy/diglett/internal/crypto"
	"github.com/muhamadazmy/diglett/internal/protocol"
)

// startServer starts a server on loopback with the given config
// overrides and returns it.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	cfg.Listen = "127.0.0.1:0"
	s := New(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// dialControl connects to the server, completes the handshake and
// returns a frame codec over the encrypted link.
func dialControl(t *testing.T, s *Server) (*crypto.SecureConn, *protocol.FrameReader, *protocol.FrameWriter) {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	sc, err := crypto.Handshake(crypto.Initiator, conn)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}

	return sc, protocol.NewFrameReader(sc), protocol.NewFrameWriter(sc)
}

func TestServer_StartStop(t *testing.T) {
	s := startServer(t, Config{})
	if s.Addr() == nil {
		t.Fatal("Addr() = nil after Start")
	}
	s.Stop()
}

func TestServer_LoginAccepted(t *testing.T) {
	s := startServer(t, Config{})
	_, fr, fw := dialControl(t, s)

	if err := fw.WriteFrame(protocol.KindLogin, 0, nil); err != nil {
		t.Fatal(err)
	}

	reply, err := fr.Read()
	if err != nil {
		t.Fatalf("read login reply: %v", err)
	}
	if reply.Kind != protocol.KindOk || reply.ID != 0 {
		t.Errorf("login reply = %s id=%d, want OK id=0", reply.Kind, reply.ID)
	}
}

func TestServer_LoginRejected(t *testing.T) {
	s := startServer(t, Config{
		Auth: auth.NewTokenAuthenticator([]string{"right"}),
	})
	sc, fr, fw := dialControl(t, s)

	if err := fw.WriteFrame(protocol.KindLogin, 0, []byte("wrong")); err != nil {
		t.Fatal(err)
	}

	reply, err := fr.Read()
	if err != nil {
		t.Fatalf("read login reply: %v", err)
	}
	if reply.Kind != protocol.KindError {
		t.Fatalf("login reply = %s, want ERROR", reply.Kind)
	}
	if string(reply.Payload) != "unauthorized" {
		t.Errorf("error text = %q, want %q", reply.Payload, "unauthorized")
	}

	// The server closes the link after the rejection.
	if _, err := fr.Read(); err == nil {
		t.Error("link still open after login rejection")
	}
	_ = sc
}

func TestServer_RegisterFlow(t *testing.T) {
	registered := make(chan uint16, 1)
	s := startServer(t, Config{
		Configurator: &captureConfigurator{registered: registered},
	})
	_, fr, fw := dialControl(t, s)

	fw.WriteFrame(protocol.KindLogin, 0, nil)
	if reply, err := fr.Read(); err != nil || reply.Kind != protocol.KindOk {
		t.Fatalf("login reply = %v, %v", reply, err)
	}

	fw.WriteFrame(protocol.KindRegister, protocol.RegisterID(0), []byte("example"))
	reply, err := fr.Read()
	if err != nil {
		t.Fatalf("read register reply: %v", err)
	}
	if reply.Kind != protocol.KindOk || reply.ID != protocol.RegisterID(0) {
		t.Errorf("register reply = %s id=0x%08x, want OK id=0", reply.Kind, reply.ID)
	}

	select {
	case port := <-registered:
		if port == 0 {
			t.Error("registered port = 0")
		}
		// The port is really bound.
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), time.Second)
		if err != nil {
			t.Errorf("dial registered port: %v", err)
		} else {
			conn.Close()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("configurator not invoked")
	}
}

func TestServer_RegisterInvalidName(t *testing.T) {
	s := startServer(t, Config{})
	_, fr, fw := dialControl(t, s)

	fw.WriteFrame(protocol.KindLogin, 0, nil)
	if reply, err := fr.Read(); err != nil || reply.Kind != protocol.KindOk {
		t.Fatalf("login reply = %v, %v", reply, err)
	}

	fw.WriteFrame(protocol.KindRegister, protocol.RegisterID(0), []byte("Bad_Name!"))
	reply, err := fr.Read()
	if err != nil {
		t.Fatalf("read register reply: %v", err)
	}
	if reply.Kind != protocol.KindError {
		t.Errorf("register reply = %s, want ERROR", reply.Kind)
	}
}

func TestServer_SecondRegisterRejected(t *testing.T) {
	s := startServer(t, Config{})
	_, fr, fw := dialControl(t, s)

	fw.WriteFrame(protocol.KindLogin, 0, nil)
	if reply, err := fr.Read(); err != nil || reply.Kind != protocol.KindOk {
		t.Fatalf("login reply = %v, %v", reply, err)
	}

	fw.WriteFrame(protocol.KindRegister, protocol.RegisterID(0), []byte("first"))
	if reply, err := fr.Read(); err != nil || reply.Kind != protocol.KindOk {
		t.Fatalf("first register reply = %v, %v", reply, err)
	}

	fw.WriteFrame(protocol.KindRegister, protocol.RegisterID(1), []byte("second"))
	reply, err := fr.Read()
	if err != nil {
		t.Fatalf("read second register reply: %v", err)
	}
	if reply.Kind != protocol.KindError {
		t.Errorf("second register reply = %s, want ERROR", reply.Kind)
	}
	if !strings.Contains(string(reply.Payload), "already registered") {
		t.Errorf("error text = %q", reply.Payload)
	}
}

func TestServer_PayloadBeforeFinishIsFatal(t *testing.T) {
	s := startServer(t, Config{})
	_, fr, fw := dialControl(t, s)

	fw.WriteFrame(protocol.KindLogin, 0, nil)
	if reply, err := fr.Read(); err != nil || reply.Kind != protocol.KindOk {
		t.Fatalf("login reply = %v, %v", reply, err)
	}

	// Payload during the registration phase is a phase violation.
	fw.WriteFrame(protocol.KindPayload, 1, []byte("early"))

	if _, err := fr.Read(); err == nil {
		t.Error("link still open after phase violation")
	}
}

func TestServer_BadMagicClosesSocket(t *testing.T) {
	s := startServer(t, Config{HandshakeTimeout: time.Second})

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	garbage := make([]byte, protocol.HandshakeSize)
	if _, err := conn.Write(garbage); err != nil {
		t.Fatal(err)
	}

	// The responder reads first, so it never writes a handshake frame
	// back: the socket just closes.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err == nil {
		t.Error("server kept the socket open after bad magic")
	} else if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "reset") {
		t.Logf("socket closed with: %v", err)
	}
}

// captureConfigurator records OnRegister calls.
type captureConfigurator struct {
	registered   chan uint16
	unregistered chan uint16
}

func (c *captureConfigurator) OnRegister(name string, port uint16) error {
	if c.registered != nil {
		c.registered <- port
	}
	return nil
}

func (c *captureConfigurator) OnUnregister(name string, port uint16) {
	if c.unregistered != nil {
		c.unregistered <- port
	}
}
