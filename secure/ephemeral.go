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

	"golang.org/x/crypto/nacl/box"
)

// generateEphemeralKeypair creates a fresh keypair for a single
// Encrypted Channel. It is destroyed (via Zero) once the shared key is
// derived, giving every connection forward secrecy independent of the
// long-term identity keys.
func generateEphemeralKeypair() (PublicKey, SecretKey, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, SecretKey{}, fmt.Errorf("secure: generate ephemeral keypair: %w", err)
	}
	return PublicKey(*pub), SecretKey(*sec), nil
}

// deriveSharedKey computes the 32-byte symmetric key both sides use for
// the lifetime of one Encrypted Channel: DH(peer_epk, esk) run through
// nacl box's HSalsa20 key derivation, the same primitive secretbox
// itself is built on.
func deriveSharedKey(peerPublic PublicKey, mySecret SecretKey) [32]byte {
	var shared [32]byte
	peerArr := [32]byte(peerPublic)
	secretArr := [32]byte(mySecret)
	box.Precompute(&shared, &peerArr, &secretArr)
	return shared
}
