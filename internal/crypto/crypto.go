// Package crypto implements the session encryption for the diglett
// tunnel link. It uses an ephemeral secp256k1 ECDH exchange to derive a
// shared key and ChaCha20 as a raw keystream cipher over the connection.
//
// The channel is confidential against passive observers only: the
// handshake carries no identity binding and the stream is not
// authenticated. That is a documented property of the wire format, not
// an accident, and changing it requires a protocol version bump.
package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/muhamadazmy/diglett/internal/protocol"
)

// KeySize is the size of the derived session key in bytes.
const KeySize = 32

// Keypair is an ephemeral secp256k1 keypair. A fresh one is generated
// for every connection.
type Keypair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeypair generates a new ephemeral keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// Public returns the compressed public key.
func (k *Keypair) Public() [protocol.PublicKeySize]byte {
	var pub [protocol.PublicKeySize]byte
	copy(pub[:], k.priv.PubKey().SerializeCompressed())
	return pub
}

// SharedSecret derives the session key from the local private key and
// the peer's compressed public key: SHA-256 over the x-coordinate of
// the ECDH point.
func (k *Keypair) SharedSecret(peer [protocol.PublicKeySize]byte) ([KeySize]byte, error) {
	pub, err := secp256k1.ParsePubKey(peer[:])
	if err != nil {
		return [KeySize]byte{}, fmt.Errorf("parse peer public key: %w", err)
	}
	return sha256.Sum256(secp256k1.GenerateSharedSecret(k.priv, pub)), nil
}

// Zero wipes the private key material.
func (k *Keypair) Zero() {
	if k.priv != nil {
		k.priv.Zero()
	}
}
