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

// Package broker implements the Relay Broker Server (spec.md 4.4): it
// authenticates listeners by public-key challenge, parks their
// connections in per-public-key spare pools kept warm by ping/pong,
// and splices an incoming requester to a parked spare on
// communication_request.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/metrics"
	"github.com/relaymesh/relaymesh/secure"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

// Config carries the broker's tunables; see spec.md 6's core
// configuration options and 5's suspension-point defaults.
type Config struct {
	PingIntervalMs int
	// PongTimeoutMs overrides the heuristic pong_timeout derivation of
	// spec.md 8 (3*ping_interval). Zero means "use the heuristic";
	// spec.md 9's open question (a) resolves in favor of making this
	// overridable rather than hardcoding the multiplier.
	PongTimeoutMs int
	ChallengeTTL  time.Duration
}

// DefaultConfig matches spec.md 5's stated defaults.
func DefaultConfig() Config {
	return Config{
		PingIntervalMs: 5000,
		ChallengeTTL:   30 * time.Second,
	}
}

// pongTimeoutMs returns the configured override or the 3x heuristic.
func (c Config) pongTimeoutMs() int {
	if c.PongTimeoutMs > 0 {
		return c.PongTimeoutMs
	}
	return 3 * c.PingIntervalMs
}

// Server is the Relay Broker Server. It owns no network listener
// itself; HandleConnection is invoked once per accepted FDC, whether
// that FDC arrived over a raw net.Listener or an http.Server upgrade.
type Server struct {
	identity secure.Identity
	cfg      Config
	logger   log.Logger
	pool     *pool
	chal     *challengeStore

	// Metrics is nil-safe; see metrics.Broker.
	Metrics *metrics.Broker
}

// NewServer constructs a broker bound to a long-term identity (used to
// authenticate the challenge/response exchange, spec.md 4.4).
func NewServer(identity secure.Identity, cfg Config, logger log.Logger) *Server {
	return &Server{
		identity: identity,
		cfg:      cfg,
		logger:   logger,
		pool:     newPool(),
		chal:     newChallengeStore(cfg.ChallengeTTL),
	}
}

// PoolDepth reports how many spares are currently parked for pub,
// primarily useful for tests and admin tooling.
func (s *Server) PoolDepth(pub PublicKey) int {
	return s.pool.depth(pub)
}

// HandleConnection dispatches a freshly accepted FDC based on its
// first message, per spec.md 4.4: register starts the authentication
// path, communication_request starts the splice path, anything else
// is a protocol error.
func (s *Server) HandleConnection(ctx context.Context, fdc *transport.Channel) {
	msg, err := recvMessage(ctx, fdc)
	if err != nil {
		fdc.Terminate(fmt.Sprintf("protocol error: %v", err))
		return
	}

	switch msg.Command {
	case wire.CmdRegister:
		s.handleRegister(ctx, fdc, msg)
	case wire.CmdCommunicationRequest:
		s.handleSplice(ctx, fdc, msg)
	default:
		fdc.Terminate(fmt.Sprintf("protocol error: unexpected first command %q", msg.Command))
	}
}

func (s *Server) handleRegister(ctx context.Context, fdc *transport.Channel, msg wire.Message) {
	pub, err := toPublicKey(msg.PublicKey)
	if err != nil {
		fdc.Terminate(fmt.Sprintf("protocol error: %v", err))
		return
	}

	challenge, err := s.chal.issue(pub)
	if err != nil {
		fdc.Terminate("internal error: generate challenge")
		return
	}

	encChallenge, err := s.identity.EncryptFor(pub, challenge)
	if err != nil {
		fdc.Terminate("internal error: seal challenge")
		return
	}
	brokerPub := s.identity.PublicKey()
	if err := sendMessage(ctx, fdc, wire.NewAuthenticationRequest(brokerPub[:], encChallenge)); err != nil {
		return
	}

	respMsg, err := recvMessage(ctx, fdc)
	if err != nil {
		fdc.Terminate(fmt.Sprintf("protocol error: %v", err))
		return
	}
	if respMsg.Command != wire.CmdAuthenticationResponse {
		fdc.Terminate(fmt.Sprintf("protocol error: expected authentication_response, got %q", respMsg.Command))
		return
	}

	plain, err := s.identity.DecryptFrom(pub, respMsg.Response)
	if err != nil || !s.chal.verify(pub, plain) {
		if s.Metrics != nil {
			s.Metrics.AuthFailures.Inc()
		}
		fdc.Terminate("AuthFailed: challenge mismatch")
		return
	}

	if err := sendMessage(ctx, fdc, wire.NewAuthenticationSuccess(s.cfg.PingIntervalMs, s.cfg.pongTimeoutMs())); err != nil {
		return
	}
	if s.Metrics != nil {
		s.Metrics.Registered.Inc()
	}

	spareCtx, cancel := context.WithCancel(context.Background())
	entry := &spare{fdc: fdc, cancel: cancel}
	s.pool.push(pub, entry)
	if s.Metrics != nil {
		s.Metrics.PoolDepth.WithLabelValues(fmt.Sprintf("%x", pub[:])).Set(float64(s.pool.depth(pub)))
	}

	go s.runPingPong(spareCtx, pub, entry)
}

// runPingPong keeps one parked spare warm and evicts it if it stops
// answering within pong_timeout (spec.md 4.5, 8; defaults to
// 3*ping_interval per spec.md 9's open question (a), overridable via
// Config.PongTimeoutMs). It returns as soon as the connection is
// popped for splice, since handleSplice cancels spareCtx right after
// the pop, before taking ownership of the reader.
func (s *Server) runPingPong(ctx context.Context, pub PublicKey, entry *spare) {
	interval := time.Duration(s.cfg.PingIntervalMs) * time.Millisecond
	pongTimeout := time.Duration(s.cfg.pongTimeoutMs()) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := sendMessage(ctx, entry.fdc, wire.NewCommPing()); err != nil {
				s.evict(pub, entry, err)
				return
			}
			pongCtx, cancelPong := context.WithTimeout(ctx, pongTimeout)
			msg, err := recvMessage(pongCtx, entry.fdc)
			cancelPong()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.evict(pub, entry, err)
				return
			}
			if msg.Command != wire.CmdCommPong {
				s.evict(pub, entry, fmt.Errorf("expected comm_pong, got %q", msg.Command))
				return
			}
		}
	}
}

func (s *Server) evict(pub PublicKey, entry *spare, cause error) {
	entry.cancel()
	s.pool.remove(pub, entry)
	if s.Metrics != nil {
		s.Metrics.Evicted.Inc()
		s.Metrics.PoolDepth.WithLabelValues(fmt.Sprintf("%x", pub[:])).Set(float64(s.pool.depth(pub)))
	}
	entry.fdc.Terminate(fmt.Sprintf("ping timeout: %v", cause))
}

// handleSplice implements spec.md 4.4's splice path: a fresh FDC whose
// first message is communication_request for a known, parked target.
func (s *Server) handleSplice(ctx context.Context, requester *transport.Channel, msg wire.Message) {
	tgt, err := toPublicKey(msg.TargetPublicKey)
	if err != nil {
		requester.Terminate(fmt.Sprintf("protocol error: %v", err))
		return
	}

	entry, ok := s.pool.pop(tgt)
	if !ok {
		requester.Terminate("NoListener")
		return
	}
	entry.cancel()
	if s.Metrics != nil {
		s.Metrics.PoolDepth.WithLabelValues(fmt.Sprintf("%x", tgt[:])).Set(float64(s.pool.depth(tgt)))
	}

	if err := sendMessage(ctx, entry.fdc, wire.NewConnectionHandover()); err != nil {
		requester.Terminate("NoListener")
		return
	}
	if err := sendMessage(ctx, entry.fdc, msg); err != nil {
		requester.Terminate("NoListener")
		return
	}

	if s.Metrics != nil {
		s.Metrics.SpliceTotal.Inc()
	}
	splice(requester, entry.fdc, s.logger)
}
