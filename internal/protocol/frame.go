package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame represents a post-handshake wire frame.
// Header format (7 bytes):
//
//	Kind [1 byte] - Frame kind
//	ID   [4 bytes] - Stream or request identifier (big-endian)
//	Size [2 bytes] - Payload length (big-endian)
type Frame struct {
	Kind    Kind
	ID      uint32
	Payload []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrOversizePayload
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[1:5], f.ID)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (kind Kind, id uint32, size uint16, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: header too short", io.ErrUnexpectedEOF)
	}

	kind = Kind(buf[0])
	if kind > KindLogin {
		return 0, 0, 0, fmt.Errorf("%w: 0x%02x", ErrBadKind, buf[0])
	}

	id = binary.BigEndian.Uint32(buf[1:5])
	size = binary.BigEndian.Uint16(buf[5:7])

	return kind, id, size, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Kind=%s, ID=0x%08x, PayloadLen=%d}",
		f.Kind, f.ID, len(f.Payload))
}

// Handshake is the plaintext frame exchanged before encryption starts.
// It carries only the sender's compressed secp256k1 public key.
type Handshake struct {
	Key [PublicKeySize]byte
}

// Encode serializes the handshake frame to bytes.
func (h *Handshake) Encode() []byte {
	buf := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	copy(buf[5:], h.Key[:])
	return buf
}

// DecodeHandshake deserializes and validates a handshake frame.
func DecodeHandshake(buf []byte) (*Handshake, error) {
	if len(buf) < HandshakeSize {
		return nil, fmt.Errorf("%w: handshake too short", io.ErrUnexpectedEOF)
	}

	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	if buf[4] != Version {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadVersion, buf[4])
	}

	h := &Handshake{}
	copy(h.Key[:], buf[5:HandshakeSize])
	return h, nil
}

// ReadHandshake reads and decodes a handshake frame from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var buf [HandshakeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	return DecodeHandshake(buf[:])
}

// WriteHandshake encodes and writes a handshake frame to w.
func WriteHandshake(w io.Writer, h *Handshake) error {
	_, err := w.Write(h.Encode())
	return err
}

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame. The payload is read to exactly the
// declared size; a short read surfaces as io.ErrUnexpectedEOF.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	kind, id, size, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return &Frame{
		Kind:    kind,
		ID:      id,
		Payload: payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(kind Kind, id uint32, payload []byte) error {
	return fw.Write(&Frame{
		Kind:    kind,
		ID:      id,
		Payload: payload,
	})
}
