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

// Package outgoing implements the Outgoing Connection Establisher
// (spec.md 4.6): it retries an outbound dial plus CS-C handshake
// against a target public key until it succeeds or is stopped.
package outgoing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/secure"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

// ErrTimeout is returned by ConnectOnceWithDeadline when no successful
// Encrypted Channel is produced within the deadline.
var ErrTimeout = errors.New("outgoing: timed out before a connection succeeded")

// Config carries the establisher's tunables (spec.md 6).
type Config struct {
	URL          string
	MyPublicKey  secure.PublicKey
	TargetPublic secure.PublicKey
	RetryMs      int
	FDCConfig    transport.Config
}

// DefaultConfig matches spec.md 5's stated defaults.
func DefaultConfig() Config {
	return Config{RetryMs: 5000, FDCConfig: transport.DefaultConfig()}
}

// Establisher drives the retry loop described in spec.md 4.6.
type Establisher struct {
	identity secure.Identity
	cfg      Config
	logger   log.Logger
	limiter  *rate.Limiter
}

// New constructs an Establisher for a single target.
func New(identity secure.Identity, cfg Config, logger log.Logger) *Establisher {
	if cfg.FDCConfig.MaxFrameQueue <= 0 {
		cfg.FDCConfig = transport.DefaultConfig()
	}
	retryMs := cfg.RetryMs
	if retryMs <= 0 {
		retryMs = 5000
	}
	limiter := rate.NewLimiter(rate.Every(time.Duration(retryMs)*time.Millisecond), 1)
	return &Establisher{identity: identity, cfg: cfg, logger: logger, limiter: limiter}
}

// Connect retries indefinitely until ctx is cancelled or a handshake
// succeeds.
func (e *Establisher) Connect(ctx context.Context) (*secure.Channel, error) {
	for {
		ec, err := e.connectOnce(ctx)
		if err == nil {
			return ec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Debug("outgoing connection attempt failed", "err", err)
		if err := e.limiter.Wait(ctx); err != nil {
			// Wait also fails early when the next attempt would fall
			// past ctx's deadline; no attempt fits, so wait it out.
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
}

// ConnectOnceWithDeadline gives up with ErrTimeout if no successful EC
// is produced within successTimeout, per spec.md 4.6.
func (e *Establisher) ConnectOnceWithDeadline(ctx context.Context, successTimeout time.Duration) (*secure.Channel, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, successTimeout)
	defer cancel()

	ec, err := e.Connect(deadlineCtx)
	if err != nil {
		if deadlineCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return ec, nil
}

// connectOnce runs one dial-and-handshake attempt per spec.md 4.6
// steps 1-5, closing the FDC on any failure before CS-C completes.
func (e *Establisher) connectOnce(ctx context.Context) (*secure.Channel, error) {
	fdc, err := transport.Dial(ctx, e.cfg.URL, e.cfg.FDCConfig, e.logger)
	if err != nil {
		return nil, fmt.Errorf("outgoing: dial: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			fdc.Terminate("outgoing connection attempt failed")
		}
	}()

	if err := fdc.WaitOpen(ctx); err != nil {
		return nil, err
	}

	myPub := e.cfg.MyPublicKey
	tgtPub := e.cfg.TargetPublic
	req := wire.NewCommunicationRequest(myPub[:], tgtPub[:])
	data, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := fdc.Send(ctx, transport.Frame{Type: transport.TextFrame, Data: data}); err != nil {
		return nil, err
	}

	ready, err := fdc.RecvJSONWithField(ctx, "command", string(wire.CmdCommunicationReady))
	if err != nil {
		return nil, fmt.Errorf("outgoing: awaiting communication_ready: %w", err)
	}
	_ = ready

	ec, err := secure.ClientSetup(ctx, fdc, e.identity, e.cfg.TargetPublic, e.logger)
	if err != nil {
		return nil, fmt.Errorf("outgoing: key exchange: %w", err)
	}
	ok = true
	return ec, nil
}
