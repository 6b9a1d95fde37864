// Package keyseal implements the key-derivation shim: it produces the
// 32-byte OEFS master key deterministically from platform sealing material,
// without specifying (or depending on) the actual platform sealing API,
// which is treated as an external collaborator.
package keyseal

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

// Identity captures the two components sealed material is keyed on:
// process identity and signer identity.
type Identity struct {
	Process []byte
	Signer  []byte
}

// Sealer derives a 32-byte key for a given key-id. Two Sealers constructed
// from the same Identity must derive the same key for the same key-id
// (determinism across runs on one platform identity); two Sealers built
// from different Identities must not.
type Sealer interface {
	Seal(keyID string) ([32]byte, error)
}

// Deterministic derives keys via HKDF-SHA256, keyed by the platform
// identity, salted by the signer identity, with the key-id as HKDF "info".
// This is a concrete stand-in for a platform sealer: no real sealing
// hardware is modeled, only the determinism/uniqueness contract.
type Deterministic struct {
	id Identity
}

// New constructs a Deterministic sealer for the given platform identity.
func New(id Identity) (*Deterministic, error) {
	if len(id.Process) == 0 || len(id.Signer) == 0 {
		return nil, xerrors.New("keyseal: process and signer identity are required")
	}
	return &Deterministic{id: id}, nil
}

// Seal derives the 32-byte key bound to keyID.
func (d *Deterministic) Seal(keyID string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, d.id.Process, d.id.Signer, []byte(keyID))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, xerrors.Errorf("keyseal: derive: %w", err)
	}
	return out, nil
}
