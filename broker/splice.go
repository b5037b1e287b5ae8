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
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/transport"
)

// splice pairs a and b into an opaque byte pipe (spec.md 4.4, 2.,
// "splice"): every frame received on one side is forwarded verbatim
// on the other, including close frames, until either side ends. The
// broker never inspects nor modifies ciphertexts crossing the pipe.
//
// The two forwarding directions run under an errgroup purely for
// lifecycle bookkeeping (structured goroutines, not cancellation
// propagation — one direction ending is expected and normal, so
// neither leg is allowed to cancel the other's context).
func splice(a, b *transport.Channel, logger log.Logger) {
	traceID := uuid.NewString()
	splogger := logger.New("trace", traceID)

	var once sync.Once
	stop := func(reason string) {
		once.Do(func() {
			splogger.Debug("splice ended", "reason", reason)
			a.Close(fmt.Sprintf("Closed by relay: %s", reason))
			b.Close(fmt.Sprintf("Closed by relay: %s", reason))
		})
	}

	var g errgroup.Group
	forward := func(src, dst *transport.Channel) func() error {
		return func() error {
			for {
				frame, err := src.Recv(context.Background())
				if err != nil {
					stop(err.Error())
					return nil
				}
				if err := dst.Send(context.Background(), frame); err != nil {
					stop(err.Error())
					return nil
				}
			}
		}
	}

	splogger.Debug("splice started")
	g.Go(forward(a, b))
	g.Go(forward(b, a))
	go g.Wait()
}
