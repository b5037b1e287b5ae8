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

// Package listener implements the peer-side counterpart of the relay
// broker (spec.md 4.5): it maintains up to N parked registrations,
// reauthenticates on failure with backoff, and hands each spliced FDC
// plus the forwarded communication_request to the caller.
package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/metrics"
	"github.com/relaymesh/relaymesh/secure"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

// State is the listener's lifecycle state (spec.md 3).
type State int

const (
	NotListening State = iota
	Connecting
	Listening
)

func (s State) String() string {
	switch s {
	case NotListening:
		return "not_listening"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	default:
		return "unknown"
	}
}

// Config carries the listener's tunables (spec.md 6).
type Config struct {
	BrokerURL            string
	SpareConnectionLimit int
	ReconnectBackoffMs   int
	FDCConfig            transport.Config
}

// DefaultConfig matches spec.md 5's stated defaults.
func DefaultConfig() Config {
	return Config{
		SpareConnectionLimit: 1,
		ReconnectBackoffMs:   5000,
		FDCConfig:            transport.DefaultConfig(),
	}
}

// Ready is delivered to the caller once a parked spare has been
// handed over and the forwarded communication_request has been read
// off it (spec.md 4.5 phase 2).
type Ready struct {
	FDC     *transport.Channel
	Request wire.Message
}

// Listener maintains SpareConnectionLimit parked registrations under a
// single identity.
type Listener struct {
	identity  secure.Identity
	brokerPub secure.PublicKey
	cfg       Config
	logger    log.Logger

	Metrics *metrics.Listener

	mu         sync.Mutex
	state      State
	spareCount int
	running    bool
	cancel     context.CancelFunc
	group      *errgroup.Group

	limiter *rate.Limiter
	ready   chan Ready
}

// New constructs a Listener. target spares are only created once
// Start is called.
func New(identity secure.Identity, brokerPub secure.PublicKey, cfg Config, logger log.Logger) *Listener {
	if cfg.FDCConfig.MaxFrameQueue <= 0 {
		cfg.FDCConfig = transport.DefaultConfig()
	}
	backoffMs := cfg.ReconnectBackoffMs
	if backoffMs <= 0 {
		backoffMs = 5000
	}
	return &Listener{
		identity:  identity,
		brokerPub: brokerPub,
		cfg:       cfg,
		logger:    logger,
		state:     NotListening,
		limiter:   rate.NewLimiter(rate.Every(time.Duration(backoffMs)*time.Millisecond), 1),
		ready:     make(chan Ready, 8),
	}
}

// Ready returns the channel on which (FDC, forwarded request) pairs
// are delivered once a parked spare is spliced to a caller.
func (l *Listener) Ready() <-chan Ready { return l.ready }

// State reports the listener's current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SpareCount reports how many spares are currently parked.
func (l *Listener) SpareCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spareCount
}

// Start launches SpareConnectionLimit independent spare-maintenance
// workers. A limit of zero leaves the listener in NotListening forever
// (spec.md 8's boundary property).
func (l *Listener) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	l.group = g
	n := l.cfg.SpareConnectionLimit
	if n > 0 {
		l.state = Connecting
	}
	l.mu.Unlock()

	for i := 0; i < n; i++ {
		slot := i
		g.Go(func() error {
			l.runSlot(gctx, slot)
			return nil
		})
	}
}

// Wait blocks until every spare-maintenance worker has returned, which
// only happens once Stop has been called. It is safe to call
// concurrently with Stop.
func (l *Listener) Wait() {
	l.mu.Lock()
	g := l.group
	l.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

// Stop halts every spare worker. Spares already handed over to the
// caller as Ready are owned by the application and are not closed
// here (spec.md 6 exit semantics).
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.state = NotListening
	l.mu.Unlock()
	cancel()
}


// runSlot keeps one spare registered for the lifetime of ctx,
// reconnecting after backoff whenever the spare is lost to anything
// other than a successful handover.
func (l *Listener) runSlot(ctx context.Context, slot int) {
	slotLogger := l.logger.New("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}

		req, err := l.register(ctx, slotLogger)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slotLogger.Debug("spare registration failed", "err", err)
			if l.Metrics != nil {
				l.Metrics.Reconnects.Inc()
			}
			l.sleepBackoff(ctx)
			continue
		}

		// req.FDC was handed over and req.Request has already been
		// read off it; deliver to the caller and start a replacement.
		select {
		case l.ready <- *req:
		case <-ctx.Done():
			req.FDC.Terminate("listener stopped")
			return
		}
	}
}

// sleepBackoff waits for the reconnect-backoff token bucket to admit
// another attempt. The limiter is shared across every slot and holds a
// single token refilled once per backoff interval, so all slots
// together make at most one reconnect attempt per interval. A failure
// that finds the token available retries at once; failures that
// overlap are admitted one interval apart, not together.
func (l *Listener) sleepBackoff(ctx context.Context) {
	_ = l.limiter.Wait(ctx)
}

// register runs spec.md 4.5's phase 1 and phase 2 for a single spare
// slot: authenticate, park, answer pings until either a
// connection_handover arrives (success, returns the Ready payload) or
// the connection is lost (failure, caller retries after backoff).
func (l *Listener) register(ctx context.Context, slotLogger log.Logger) (*Ready, error) {
	fdc, err := transport.Dial(ctx, l.cfg.BrokerURL, l.cfg.FDCConfig, slotLogger)
	if err != nil {
		return nil, fmt.Errorf("listener: dial broker: %w", err)
	}
	if err := fdc.WaitOpen(ctx); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			fdc.Terminate("registration failed")
			l.decrementSpare()
		}
	}()

	myPub := l.identity.PublicKey()
	if err := sendMessage(ctx, fdc, wire.NewRegister(myPub[:])); err != nil {
		return nil, err
	}

	authReq, err := recvMessage(ctx, fdc)
	if err != nil {
		return nil, err
	}
	if authReq.Command != wire.CmdAuthenticationRequest {
		return nil, fmt.Errorf("listener: expected authentication_request, got %q", authReq.Command)
	}

	response, err := l.challengeTransform(authReq.Challenge)
	if err != nil {
		return nil, err
	}
	if err := sendMessage(ctx, fdc, wire.NewAuthenticationResponse(response)); err != nil {
		return nil, err
	}

	success, err := recvMessage(ctx, fdc)
	if err != nil {
		return nil, err
	}
	if success.Command != wire.CmdAuthenticationSuccess {
		return nil, fmt.Errorf("listener: expected authentication_success, got %q", success.Command)
	}
	pongTimeout := time.Duration(success.PongTimeoutMs) * time.Millisecond

	l.incrementSpare()
	ok = true // the spare is now parked; the deferred cleanup above is skipped and the loop below does its own cleanup

	for {
		recvCtx, cancel := context.WithTimeout(ctx, pongTimeout)
		msg, err := recvMessage(recvCtx, fdc)
		cancel()
		if err != nil {
			fdc.Terminate("parked spare lost")
			l.decrementSpare()
			return nil, err
		}

		switch msg.Command {
		case wire.CmdCommPing:
			if err := sendMessage(ctx, fdc, wire.NewCommPong()); err != nil {
				l.decrementSpare()
				return nil, err
			}
		case wire.CmdConnectionHandover:
			l.decrementSpare()
			request, err := recvMessage(ctx, fdc)
			if err != nil {
				fdc.Terminate("handover not followed by communication_request")
				return nil, err
			}
			if request.Command != wire.CmdCommunicationRequest {
				fdc.Terminate("protocol error after handover")
				return nil, fmt.Errorf("listener: expected communication_request after handover, got %q", request.Command)
			}
			return &Ready{FDC: fdc, Request: request}, nil
		default:
			fdc.Terminate("protocol error while parked")
			l.decrementSpare()
			return nil, fmt.Errorf("listener: unexpected command while parked: %q", msg.Command)
		}
	}
}

// challengeTransform implements spec.md 4.5 phase 1 step 3: decrypt
// the challenge with the broker's public key and this identity's
// secret, bit-invert the plaintext, and re-encrypt it. The invert is
// what distinguishes a genuine participant from a simple echo.
func (l *Listener) challengeTransform(challenge []byte) ([]byte, error) {
	plain, err := l.identity.DecryptFrom(l.brokerPub, challenge)
	if err != nil {
		return nil, fmt.Errorf("listener: decrypt challenge: %w", err)
	}
	inverted := make([]byte, len(plain))
	for i, b := range plain {
		inverted[i] = ^b
	}
	sealed, err := l.identity.EncryptFor(l.brokerPub, inverted)
	if err != nil {
		return nil, fmt.Errorf("listener: reencrypt challenge: %w", err)
	}
	return sealed, nil
}

func (l *Listener) incrementSpare() {
	l.mu.Lock()
	l.spareCount++
	if l.running {
		l.state = Listening
	}
	count := l.spareCount
	l.mu.Unlock()
	if l.Metrics != nil {
		l.Metrics.SpareCount.Set(float64(count))
	}
}

func (l *Listener) decrementSpare() {
	l.mu.Lock()
	if l.spareCount > 0 {
		l.spareCount--
	}
	if l.running && l.spareCount == 0 {
		l.state = Connecting
	}
	count := l.spareCount
	l.mu.Unlock()
	if l.Metrics != nil {
		l.Metrics.SpareCount.Set(float64(count))
	}
}
