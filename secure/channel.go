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
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/metrics"
	"github.com/relaymesh/relaymesh/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Parity decides which half of the nonce space a side of an Encrypted
// Channel owns. The initiator of CS-C/CS-S always takes ParityOdd, the
// acceptor ParityEven (spec.md 4.2), so the two counters can never
// collide without either side transmitting a sequence number.
type Parity int

const (
	ParityOdd Parity = iota
	ParityEven
)

// NonceLimit is the first counter value an Encrypted Channel refuses to
// encrypt a frame under. It sits two below 2^53, the boundary
// spec.md 8 exercises directly: a counter parked at NonceLimit refuses
// the next send rather than risk wrapping within the float64-safe
// integer range that higher layers may use to persist it.
const NonceLimit = (uint64(1) << 53) - 2

const nonceSize = 24

// Channel is the Encrypted Channel (EC) of spec.md 4.2: a transport
// Channel plus a shared key and two independent, parity-separated nonce
// counters, one per direction. No sequence number travels on the wire;
// both ends derive the same nonce for the same logical frame purely
// from the order frames are sent and received.
type Channel struct {
	fdc    *transport.Channel
	logger log.Logger

	sharedKey [32]byte

	mu            sync.Mutex
	localCounter  uint64
	remoteCounter uint64

	// Metrics is nil-safe and unset by default; SetMetrics opts a
	// channel into Prometheus instrumentation without changing any
	// encrypt/decrypt behavior.
	Metrics *metrics.Channel
}

// SetMetrics attaches a metrics.Channel. Passing nil disables
// instrumentation again.
func (c *Channel) SetMetrics(m *metrics.Channel) {
	c.Metrics = m
}

// NewEncryptedChannel wraps an already-open transport.Channel with a
// shared key established by ClientSetup/ServerSetup and starts the
// nonce counters at the values spec.md 8 scenario 6 requires: the odd
// side's first nonce is 1, the even side's first nonce is 0.
func NewEncryptedChannel(fdc *transport.Channel, sharedKey [32]byte, localParity Parity, logger log.Logger) *Channel {
	c := &Channel{fdc: fdc, sharedKey: sharedKey, logger: logger}
	if localParity == ParityOdd {
		c.localCounter = 1
		c.remoteCounter = 0
	} else {
		c.localCounter = 0
		c.remoteCounter = 1
	}
	return c
}

func counterToNonce(counter uint64) [nonceSize]byte {
	var nonce [nonceSize]byte
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], counter)
	return nonce
}

// Send encrypts plaintext under the current local nonce and advances
// the local counter by two, preserving parity for every subsequent
// frame (spec.md 4.2, 8).
func (c *Channel) Send(ctx context.Context, plaintext []byte) error {
	c.mu.Lock()
	if c.localCounter >= NonceLimit {
		c.mu.Unlock()
		if c.Metrics != nil {
			c.Metrics.NonceExhausted.Inc()
		}
		return ErrNonceExhausted
	}
	nonce := counterToNonce(c.localCounter)
	c.localCounter += 2
	c.mu.Unlock()

	sealed := secretbox.Seal(nil, plaintext, &nonce, &c.sharedKey)
	if err := c.fdc.Send(ctx, transport.Frame{Type: transport.BinaryFrame, Data: sealed}); err != nil {
		return err
	}
	if c.Metrics != nil {
		c.Metrics.FramesEncrypted.Inc()
	}
	return nil
}

// SendText is a convenience wrapper for UTF-8 payloads.
func (c *Channel) SendText(ctx context.Context, text string) error {
	return c.Send(ctx, []byte(text))
}

// Recv reads the next frame off the underlying transport Channel and
// decrypts it under the expected remote nonce. A decrypt failure is
// treated as fatal to the channel: spec.md 4.2 requires it close the
// connection rather than resync, since the counters can never agree
// again once one frame has gone missing or been tampered with.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	f, err := c.fdc.Recv(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	nonce := counterToNonce(c.remoteCounter)
	c.mu.Unlock()

	plain, ok := secretbox.Open(nil, f.Data, &nonce, &c.sharedKey)
	if !ok {
		c.fdc.Terminate("decrypt failed")
		if c.Metrics != nil {
			c.Metrics.DecryptFailures.Inc()
		}
		return nil, ErrDecryptFailed
	}

	c.mu.Lock()
	c.remoteCounter += 2
	c.mu.Unlock()
	if c.Metrics != nil {
		c.Metrics.FramesDecrypted.Inc()
	}
	return plain, nil
}

// RecvText decrypts the next frame and returns it as a string.
func (c *Channel) RecvText(ctx context.Context) (string, error) {
	b, err := c.Recv(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RecvJSONWithType decrypts the next frame, decodes it as JSON, and
// requires obj["type"] == expectedType, mirroring the structural
// validation transport.Channel.RecvJSONWithField performs on the
// unencrypted broker protocol.
func (c *Channel) RecvJSONWithType(ctx context.Context, expectedType string) (map[string]any, error) {
	b, err := c.Recv(ctx)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("secure: malformed json frame: %w", err)
	}
	if got, _ := obj["type"].(string); got != expectedType {
		return nil, fmt.Errorf("secure: frame type %q, want %q", got, expectedType)
	}
	return obj, nil
}

// Close tears down the underlying transport Channel.
func (c *Channel) Close(reason string) error {
	return c.fdc.Close(reason)
}
