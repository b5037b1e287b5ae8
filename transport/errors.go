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

// Package transport implements the Framed Duplex Channel (FDC): a
// bidirectional, ordered, reliable frame transport over a WebSocket,
// with a bounded receive queue, a single-reader invariant, and
// accumulating close-reason diagnostics (spec.md 4.1).
package transport

import "errors"

var (
	// ErrReaderBusy is returned by Recv* when a call is already
	// outstanding on the same Channel.
	ErrReaderBusy = errors.New("transport: a recv call is already pending")

	// ErrQueueOverflow is the close reason used when the bounded frame
	// queue fills with no consumer draining it.
	ErrQueueOverflow = errors.New("transport: frame queue overflow")

	// ErrDisabled is returned to any recv* call still pending when the
	// channel is switched to push mode via Subscribe.
	ErrDisabled = errors.New("transport: recv disabled, channel is in push mode")

	// ErrMalformedJSON is returned by RecvJSON when a frame's payload is
	// not valid JSON.
	ErrMalformedJSON = errors.New("transport: frame payload is not valid JSON")

	// ErrWrongType is returned by RecvJSONWithField when the named field
	// is present but does not equal the expected value.
	ErrWrongType = errors.New("transport: field did not match expected value")

	// ErrAlreadySubscribed is returned by Subscribe if push mode has
	// already been enabled.
	ErrAlreadySubscribed = errors.New("transport: already in push mode")
)
