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
	"context"
	"fmt"

	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

func sendMessage(ctx context.Context, fdc *transport.Channel, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return fdc.Send(ctx, transport.Frame{Type: transport.TextFrame, Data: data})
}

func recvMessage(ctx context.Context, fdc *transport.Channel) (wire.Message, error) {
	f, err := fdc.Recv(ctx)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Decode(f.Data)
}

// toPublicKey validates that a wire-decoded key has the exact length a
// box-style public key requires before it is used to index the pool or
// the challenge store.
func toPublicKey(b []byte) (PublicKey, error) {
	var pub PublicKey
	if len(b) != len(pub) {
		return pub, fmt.Errorf("broker: public key has %d bytes, want %d", len(b), len(pub))
	}
	copy(pub[:], b)
	return pub, nil
}
