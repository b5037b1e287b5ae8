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
	"sync"

	"github.com/relaymesh/relaymesh/secure"
	"github.com/relaymesh/relaymesh/transport"
)

// PublicKey indexes every broker-side structure by the listener
// identity it belongs to.
type PublicKey = secure.PublicKey

// spare is one parked, authenticated listener connection. cancel stops
// its ping/pong loop; it must be called exactly once, before the
// connection is either handed over in a splice or removed on close.
type spare struct {
	fdc    *transport.Channel
	cancel context.CancelFunc
}

// pool holds the per-public-key LIFO lists of parked spares (spec.md
// 3, 4.4). A spare is in exactly one list, or popped out for an
// in-flight splice, never both — Pop and Remove both take the entry
// out under the same lock that Push uses to add it.
type pool struct {
	mu     sync.Mutex
	spares map[PublicKey][]*spare
}

func newPool() *pool {
	return &pool{spares: make(map[PublicKey][]*spare)}
}

// push parks a newly authenticated spare at the top of its public
// key's list.
func (p *pool) push(pub PublicKey, s *spare) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spares[pub] = append(p.spares[pub], s)
}

// pop detaches the most recently parked spare for pub, LIFO, for
// splicing. Returns false if none are parked.
func (p *pool) pop(pub PublicKey) (*spare, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.spares[pub]
	if len(list) == 0 {
		return nil, false
	}
	last := list[len(list)-1]
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(p.spares, pub)
	} else {
		p.spares[pub] = list
	}
	return last, true
}

// remove takes a specific spare out of the list, used when its
// connection closes or is evicted while still parked.
func (p *pool) remove(pub PublicKey, s *spare) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.spares[pub]
	for i, e := range list {
		if e == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.spares, pub)
	} else {
		p.spares[pub] = list
	}
}

// depth reports how many spares are currently parked for pub.
func (p *pool) depth(pub PublicKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spares[pub])
}
