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

package listener

import (
	"context"

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
