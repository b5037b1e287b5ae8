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

// Package secure implements the Encrypted Channel (EC) and the CS-C/CS-S
// ephemeral key exchange it is established with (spec.md 4.2, 4.8): box-
// style ephemeral keypairs for forward secrecy, a 32-byte shared key
// derived once per channel, and parity nonce counters that let both
// sides agree on the next nonce without any in-band sequence number.
package secure

import "errors"

var (
	// ErrDecryptFailed is raised when AEAD_Decrypt fails on an
	// established Encrypted Channel; the connection is closed.
	ErrDecryptFailed = errors.New("secure: decryption failed")

	// ErrNonceExhausted is raised before a send would push the local
	// counter past the safe-integer nonce range.
	ErrNonceExhausted = errors.New("secure: nonce counter exhausted")

	// ErrHandshakeFailed covers any structural failure during CS-C/CS-S
	// (malformed ephemeral payload, wrong sizes).
	ErrHandshakeFailed = errors.New("secure: key exchange failed")
)
