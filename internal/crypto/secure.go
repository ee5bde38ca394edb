package crypto

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/chacha20"

	"github.com/muhamadazmy/diglett/internal/protocol"
)

// Role determines the handshake ordering on a connection.
type Role int

const (
	// Initiator writes its handshake frame first (the agent).
	Initiator Role = iota

	// Responder reads the peer's handshake frame first (the server).
	Responder
)

// String returns the role name.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// SecureConn is a net.Conn encrypted with two independent ChaCha20
// keystreams, one per direction, both seeded from the ECDH session key
// with a zero nonce. Each keystream advances exactly by the bytes
// consumed in its direction, so partial reads and writes never
// re-consume keystream.
//
// The read half and the write half must each be owned by a single
// goroutine; the cipher states are not locked.
type SecureConn struct {
	conn net.Conn
	enc  *chacha20.Cipher // owned by the writing goroutine
	dec  *chacha20.Cipher // owned by the reading goroutine

	peerKey [protocol.PublicKeySize]byte

	wbuf []byte // scratch buffer for encrypted writes
}

// Handshake runs the plaintext key exchange on conn and returns the
// encrypted connection. The initiator writes its handshake frame first
// and then reads the responder's; the responder does the opposite.
// Deadlines are the caller's business: set one on conn before calling.
func Handshake(role Role, conn net.Conn) (*SecureConn, error) {
	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	local := &protocol.Handshake{Key: kp.Public()}

	var remote *protocol.Handshake
	if role == Initiator {
		if err := protocol.WriteHandshake(conn, local); err != nil {
			return nil, fmt.Errorf("write handshake: %w", err)
		}
		if remote, err = protocol.ReadHandshake(conn); err != nil {
			return nil, fmt.Errorf("read handshake: %w", err)
		}
	} else {
		if remote, err = protocol.ReadHandshake(conn); err != nil {
			return nil, fmt.Errorf("read handshake: %w", err)
		}
		if err := protocol.WriteHandshake(conn, local); err != nil {
			return nil, fmt.Errorf("write handshake: %w", err)
		}
	}

	key, err := kp.SharedSecret(remote.Key)
	if err != nil {
		return nil, err
	}

	return newSecureConn(conn, key, remote.Key)
}

func newSecureConn(conn net.Conn, key [KeySize]byte, peer [protocol.PublicKeySize]byte) (*SecureConn, error) {
	nonce := make([]byte, chacha20.NonceSize)

	enc, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	dec, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return &SecureConn{
		conn:    conn,
		enc:     enc,
		dec:     dec,
		peerKey: peer,
	}, nil
}

// PeerKey returns the peer's compressed public key from the handshake.
func (s *SecureConn) PeerKey() [protocol.PublicKeySize]byte {
	return s.peerKey
}

// Read reads from the underlying connection and decrypts in place.
func (s *SecureConn) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if n > 0 {
		s.dec.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

// Write encrypts p into a scratch buffer and writes it out. The
// caller's buffer is left untouched. The keystream is consumed exactly
// once per byte even if the underlying write is short.
func (s *SecureConn) Write(p []byte) (int, error) {
	if cap(s.wbuf) < len(p) {
		s.wbuf = make([]byte, len(p))
	}
	buf := s.wbuf[:len(p)]
	s.enc.XORKeyStream(buf, p)

	written := 0
	for written < len(buf) {
		n, err := s.conn.Write(buf[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close closes the underlying connection.
func (s *SecureConn) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the local network address.
func (s *SecureConn) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (s *SecureConn) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// SetDeadline sets read and write deadlines on the underlying connection.
func (s *SecureConn) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (s *SecureConn) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
func (s *SecureConn) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}
