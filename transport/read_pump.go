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

package transport

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/queue"
)

// readPump is the sole reader of the underlying socket; it either
// queues frames for a pull-mode consumer or, once Subscribe has fired,
// calls the push handler directly. Running it exclusively here is what
// keeps "ordered, reliable" true regardless of which mode the caller is
// in.
func (c *Channel) readPump() {
	for {
		wsType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var ft FrameType
		switch wsType {
		case websocket.TextMessage:
			ft = TextFrame
		case websocket.BinaryMessage:
			ft = BinaryFrame
		default:
			// Control frames are handled by gorilla's ping/close
			// handlers and never reach here.
			continue
		}
		frame := Frame{Type: ft, Data: data}

		c.pushMu.Lock()
		pushing, handler := c.pushMode, c.pushHandler
		c.pushMu.Unlock()

		if pushing {
			handler(frame)
			continue
		}

		if err := c.frames.Push(frame); err != nil {
			if errors.Is(err, queue.ErrOverflow) {
				c.finalize("queue-overflow", ErrQueueOverflow.Error())
			}
			return
		}
	}
}

func (c *Channel) handleReadError(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.finalize("remote-close", err.Error())
		return
	}
	c.finalize("transport-error", err.Error())
}
