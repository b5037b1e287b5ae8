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

package broker

import (
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"time"
)

// challengeSize matches spec.md 3's "random byte string >= 32 bytes";
// 64 mirrors the register-path example in spec.md 4.4.
const challengeSize = 64

type challengeRecord struct {
	value     []byte
	expiresAt time.Time
}

// challengeStore holds one outstanding challenge per public key,
// indexed so a second register before the first completes simply
// replaces the pending challenge rather than leaking the old one.
type challengeStore struct {
	mu    sync.Mutex
	byKey map[PublicKey]challengeRecord
	ttl   time.Duration
}

func newChallengeStore(ttl time.Duration) *challengeStore {
	return &challengeStore{byKey: make(map[PublicKey]challengeRecord), ttl: ttl}
}

// issue generates a fresh challenge for pub and stores it with a TTL.
func (s *challengeStore) issue(pub PublicKey) ([]byte, error) {
	c := make([]byte, challengeSize)
	if _, err := rand.Read(c); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.byKey[pub] = challengeRecord{value: c, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return c, nil
}

// verify consumes the pending challenge for pub (evicting it either
// way) and reports whether candidate is the bit-inverted challenge, in
// constant time (spec.md 9: "the challenge equality check ... must use
// constant-time byte comparisons"). The inversion is spec.md 4.5's
// challenge transform: a peer that merely echoes the ciphertext back
// fails this check even though it decrypts cleanly.
func (s *challengeStore) verify(pub PublicKey, candidate []byte) bool {
	s.mu.Lock()
	rec, ok := s.byKey[pub]
	delete(s.byKey, pub)
	s.mu.Unlock()

	if !ok || time.Now().After(rec.expiresAt) {
		return false
	}
	if len(candidate) != len(rec.value) {
		return false
	}
	return subtle.ConstantTimeCompare(candidate, invertBits(rec.value)) == 1
}

// invertBits flips every bit of b, returning a new slice.
func invertBits(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = ^v
	}
	return out
}
