// Copyright 2026 The relaymesh Authors
// This file is part of relaymesh.
//
// relaymesh is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// relaymesh is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with relaymesh. If not, see <http://www.gnu.org/licenses/>.

package secure

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// PublicKey and SecretKey are box-style (Curve25519) keys. Public keys
// double as a peer's stable addressable identifier on the wire
// (spec.md 3); secrets never leave the owning process.
type PublicKey [32]byte
type SecretKey [32]byte

const boxNonceSize = 24

// Identity is what spec.md 1 calls an external collaborator: the
// surrounding application supplies a long-term keypair and the two
// callbacks the core actually needs, "encrypt/decrypt with peer public
// key". The core never sees more of an identity than this.
type Identity interface {
	PublicKey() PublicKey
	EncryptFor(peer PublicKey, plaintext []byte) ([]byte, error)
	DecryptFrom(peer PublicKey, ciphertext []byte) ([]byte, error)
}

// BoxIdentity is the reference Identity implementation: a long-term
// Curve25519-XSalsa20-Poly1305 ("box") keypair, matching spec.md 6's
// ephemeral_curve = "box" for both the long-term and ephemeral keys.
type BoxIdentity struct {
	public PublicKey
	secret SecretKey
}

// NewBoxIdentity generates a fresh long-term identity keypair.
func NewBoxIdentity() (*BoxIdentity, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("secure: generate identity keypair: %w", err)
	}
	return &BoxIdentity{public: PublicKey(*pub), secret: SecretKey(*sec)}, nil
}

// NewBoxIdentityFromSecret reconstructs an identity from a previously
// persisted secret key (key management itself is out of scope; spec.md
// 1 treats identity lifetime as externally managed).
func NewBoxIdentityFromSecret(secret SecretKey) (*BoxIdentity, error) {
	pubBytes, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("secure: derive public key: %w", err)
	}
	var pub PublicKey
	copy(pub[:], pubBytes)
	return &BoxIdentity{public: pub, secret: secret}, nil
}

func (id *BoxIdentity) PublicKey() PublicKey { return id.public }

// EncryptFor seals plaintext for peer using this identity's long-term
// secret key, with a fresh random nonce prepended to the ciphertext
// (the standard nacl "box" wire convention).
func (id *BoxIdentity) EncryptFor(peer PublicKey, plaintext []byte) ([]byte, error) {
	var nonce [boxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("secure: generate nonce: %w", err)
	}
	peerArr := [32]byte(peer)
	secretArr := [32]byte(id.secret)
	sealed := box.Seal(nonce[:], plaintext, &nonce, &peerArr, &secretArr)
	return sealed, nil
}

// DecryptFrom opens a ciphertext produced by EncryptFor.
func (id *BoxIdentity) DecryptFrom(peer PublicKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < boxNonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [boxNonceSize]byte
	copy(nonce[:], ciphertext[:boxNonceSize])
	peerArr := [32]byte(peer)
	secretArr := [32]byte(id.secret)
	plain, ok := box.Open(nil, ciphertext[boxNonceSize:], &nonce, &peerArr, &secretArr)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// Zero overwrites a secret key in place. Go's garbage collector may
// still retain copies made before this call; this is best-effort, as
// spec.md 5 requires ("zeroized where the platform permits").
func Zero(sk *SecretKey) {
	for i := range sk {
		sk[i] = 0
	}
}
