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
	"fmt"

	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

const (
	csTypeClient = "cs_c"
	csTypeServer = "cs_s"
)

// ephemeralEnvelope is the single message type CS-C and CS-S exchange:
// an ephemeral public key sealed under the sender's long-term identity
// key, addressed to the peer's long-term public key. Everything after
// this exchange travels on the resulting Channel, never as plain JSON.
type ephemeralEnvelope struct {
	Type    string        `json:"type"`
	Payload wire.HexBytes `json:"payload"`
}

// ClientSetup runs CS-C (spec.md 4.8): the connection initiator sends
// its sealed ephemeral public key first, then waits for the acceptor's.
// The initiator always takes the odd nonce parity.
func ClientSetup(ctx context.Context, fdc *transport.Channel, local Identity, remote PublicKey, logger log.Logger) (*Channel, error) {
	epk, esk, err := generateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	defer Zero(&esk)

	sealed, err := local.EncryptFor(remote, epk[:])
	if err != nil {
		return nil, fmt.Errorf("secure: seal client ephemeral key: %w", err)
	}
	if err := sendEnvelope(ctx, fdc, csTypeClient, sealed); err != nil {
		return nil, err
	}

	peerEpk, err := recvEphemeral(ctx, fdc, local, remote, csTypeServer)
	if err != nil {
		return nil, err
	}

	shared := deriveSharedKey(peerEpk, esk)
	return NewEncryptedChannel(fdc, shared, ParityOdd, logger), nil
}

// ServerSetup runs CS-S (spec.md 4.8): the acceptor waits for the
// initiator's sealed ephemeral public key before sending its own. The
// acceptor always takes the even nonce parity.
func ServerSetup(ctx context.Context, fdc *transport.Channel, local Identity, remote PublicKey, logger log.Logger) (*Channel, error) {
	peerEpk, err := recvEphemeral(ctx, fdc, local, remote, csTypeClient)
	if err != nil {
		return nil, err
	}

	epk, esk, err := generateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	defer Zero(&esk)

	sealed, err := local.EncryptFor(remote, epk[:])
	if err != nil {
		return nil, fmt.Errorf("secure: seal server ephemeral key: %w", err)
	}
	if err := sendEnvelope(ctx, fdc, csTypeServer, sealed); err != nil {
		return nil, err
	}

	shared := deriveSharedKey(peerEpk, esk)
	return NewEncryptedChannel(fdc, shared, ParityEven, logger), nil
}

func sendEnvelope(ctx context.Context, fdc *transport.Channel, typ string, sealed []byte) error {
	body, err := json.Marshal(ephemeralEnvelope{Type: typ, Payload: sealed})
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", ErrHandshakeFailed, err)
	}
	return fdc.Send(ctx, transport.Frame{Type: transport.TextFrame, Data: body})
}

func recvEphemeral(ctx context.Context, fdc *transport.Channel, local Identity, remote PublicKey, wantType string) (PublicKey, error) {
	f, err := fdc.Recv(ctx)
	if err != nil {
		return PublicKey{}, err
	}

	var env ephemeralEnvelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return PublicKey{}, fmt.Errorf("%w: decode envelope: %v", ErrHandshakeFailed, err)
	}
	if env.Type != wantType {
		return PublicKey{}, fmt.Errorf("%w: got envelope type %q, want %q", ErrHandshakeFailed, env.Type, wantType)
	}

	plain, err := local.DecryptFrom(remote, env.Payload)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: open ephemeral key: %v", ErrHandshakeFailed, err)
	}
	if len(plain) != 32 {
		return PublicKey{}, fmt.Errorf("%w: ephemeral key has %d bytes, want 32", ErrHandshakeFailed, len(plain))
	}

	var pub PublicKey
	copy(pub[:], plain)
	return pub, nil
}
