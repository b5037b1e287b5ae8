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

// Package incoming implements the Incoming Connection Manager
// (spec.md 4.7): a single accept-side interface over both
// broker-assisted (Listener) and direct listen-socket sources. Every
// connection is promoted to an Encrypted Channel via CS-S; only those
// whose target is on the allowlist of local public keys are delivered,
// the rest are closed once the key exchange completes.
package incoming

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relaymesh/listener"
	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/secure"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Accepted is delivered to the application for every FDC that
// completes the accept protocol, whether it arrived via the broker or
// a direct socket (spec.md 6's "Listener accept callback").
type Accepted struct {
	Channel   *secure.Channel
	LocalKey  secure.PublicKey
	RemoteKey secure.PublicKey
}

// Manager aggregates accept sources under one identity and allowlist.
type Manager struct {
	identity  secure.Identity
	allowlist []secure.PublicKey
	logger    log.Logger

	group    errgroup.Group
	accepted chan Accepted
}

// New constructs a Manager. allowlist names the local public keys this
// Manager is willing to promote to an Encrypted Channel; a connection
// addressed to any other target still completes the key exchange (for
// timing safety, spec.md 4.7 step 4) but is then closed.
func New(identity secure.Identity, allowlist []secure.PublicKey, logger log.Logger) *Manager {
	return &Manager{identity: identity, allowlist: allowlist, logger: logger, accepted: make(chan Accepted, 8)}
}

// Accepted returns the channel on which every successfully
// key-exchanged, allowlisted connection is delivered. A rejected
// target is closed after its key exchange completes, at the point
// where delivery would otherwise have happened, so this channel only
// ever carries allowed connections.
func (m *Manager) Accepted() <-chan Accepted {
	return m.accepted
}

// ServeListener pumps every Ready delivered by a broker-assisted
// Listener through the shared accept pipeline.
func (m *Manager) ServeListener(ctx context.Context, l *listener.Listener) {
	for {
		select {
		case ready, ok := <-l.Ready():
			if !ok {
				return
			}
			r := ready
			m.group.Go(func() error {
				m.acceptAfterRequest(ctx, r.FDC, r.Request)
				return nil
			})
		case <-ctx.Done():
			return
		}
	}
}

// ServeDirect accepts raw WebSocket upgrades on addr, for peers that
// reach this process without going through a broker.
func (m *Manager) ServeDirect(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fdc, err := transport.Upgrade(w, r, transport.DefaultConfig(), m.logger)
		if err != nil {
			return
		}
		req, err := fdc.RecvJSONWithField(ctx, "command", string(wire.CmdCommunicationRequest))
		if err != nil {
			fdc.Terminate(fmt.Sprintf("protocol error: %v", err))
			return
		}
		msg, err := toMessage(req)
		if err != nil {
			fdc.Terminate(fmt.Sprintf("protocol error: %v", err))
			return
		}
		m.group.Go(func() error {
			m.acceptAfterRequest(ctx, fdc, msg)
			return nil
		})
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("incoming: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return srv.Serve(ln)
}

// Wait blocks until every accept goroutine started via ServeListener or
// ServeDirect has returned. Callers use this during shutdown, after
// cancelling the context passed to those methods.
func (m *Manager) Wait() {
	_ = m.group.Wait()
}

// acceptAfterRequest implements spec.md 4.7 steps 2-5, for an FDC whose
// communication_request has already been consumed (step 1).
func (m *Manager) acceptAfterRequest(ctx context.Context, fdc *transport.Channel, request wire.Message) {
	if err := sendMessage(ctx, fdc, wire.NewCommunicationReady()); err != nil {
		return
	}

	var target, source secure.PublicKey
	copy(target[:], request.TargetPublicKey)
	copy(source[:], request.SourcePublicKey)

	allowed := m.allowlisted(target)

	ec, err := secure.ServerSetup(ctx, fdc, m.identity, source, m.logger)
	if err != nil {
		fdc.Terminate(fmt.Sprintf("key exchange failed: %v", err))
		return
	}

	if !allowed {
		ec.Close("target public key not served on this endpoint")
		return
	}

	select {
	case m.accepted <- Accepted{Channel: ec, LocalKey: target, RemoteKey: source}:
	case <-ctx.Done():
		ec.Close("shutdown")
	}
}

// allowlisted performs spec.md 4.7 step 3 / 9's constant-time
// allowlist check: every entry is compared, never short-circuiting, so
// the check's timing is independent of where in the list (or whether)
// a match occurs.
func (m *Manager) allowlisted(target secure.PublicKey) bool {
	var found byte
	for _, candidate := range m.allowlist {
		eq := subtle.ConstantTimeCompare(candidate[:], target[:])
		found |= byte(eq)
	}
	return found == 1
}

func toMessage(obj map[string]any) (wire.Message, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Decode(data)
}

func sendMessage(ctx context.Context, fdc *transport.Channel, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return fdc.Send(ctx, transport.Frame{Type: transport.TextFrame, Data: data})
}
