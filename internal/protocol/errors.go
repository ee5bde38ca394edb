package protocol

import "errors"

// Protocol errors. All of them are fatal to the connection that
// produced them.
var (
	// ErrBadMagic is returned when a handshake frame does not start
	// with the expected magic bytes.
	ErrBadMagic = errors.New("handshake: bad magic")

	// ErrBadVersion is returned for an unsupported protocol version.
	ErrBadVersion = errors.New("handshake: unsupported version")

	// ErrBadKind is returned for a frame with an unknown kind.
	ErrBadKind = errors.New("frame: unknown kind")

	// ErrOversizePayload is returned when a payload exceeds MaxPayloadSize.
	ErrOversizePayload = errors.New("frame: payload exceeds maximum size")

	// ErrPhaseViolation is returned when a frame arrives in a phase
	// where its kind is not legal.
	ErrPhaseViolation = errors.New("frame not allowed in current phase")

	// ErrTerminated is returned when the peer sends a Terminate frame.
	ErrTerminated = errors.New("terminated by peer")
)
