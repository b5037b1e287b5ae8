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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/transport"
)

func dialPair(t *testing.T) (client, server *transport.Channel) {
	t.Helper()
	serverChans := make(chan *transport.Channel, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := transport.Upgrade(w, r, transport.DefaultConfig(), log.Discard())
		require.NoError(t, err)
		serverChans <- ch
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := transport.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), transport.DefaultConfig(), log.Discard())
	require.NoError(t, err)

	select {
	case s := <-serverChans:
		return c, s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server-side channel")
		return nil, nil
	}
}

func TestHandshakeProducesIdenticalSharedKey(t *testing.T) {
	clientFDC, serverFDC := dialPair(t)

	clientID, err := NewBoxIdentity()
	require.NoError(t, err)
	serverID, err := NewBoxIdentity()
	require.NoError(t, err)

	clientResult := make(chan *Channel, 1)
	clientErr := make(chan error, 1)
	go func() {
		ec, err := ClientSetup(context.Background(), clientFDC, clientID, serverID.PublicKey(), log.Discard())
		clientResult <- ec
		clientErr <- err
	}()

	serverEC, err := ServerSetup(context.Background(), serverFDC, serverID, clientID.PublicKey(), log.Discard())
	require.NoError(t, err)
	require.NoError(t, <-clientErr)
	clientEC := <-clientResult

	require.Equal(t, clientEC.sharedKey, serverEC.sharedKey)
}

func TestHandshakeNonceParityFollowsRole(t *testing.T) {
	clientFDC, serverFDC := dialPair(t)

	clientID, err := NewBoxIdentity()
	require.NoError(t, err)
	serverID, err := NewBoxIdentity()
	require.NoError(t, err)

	clientResult := make(chan *Channel, 1)
	go func() {
		ec, _ := ClientSetup(context.Background(), clientFDC, clientID, serverID.PublicKey(), log.Discard())
		clientResult <- ec
	}()

	serverEC, err := ServerSetup(context.Background(), serverFDC, serverID, clientID.PublicKey(), log.Discard())
	require.NoError(t, err)
	clientEC := <-clientResult
	require.NotNil(t, clientEC)

	// Initiator: first local nonce 1, then 3, then 5; next would be 7.
	require.Equal(t, uint64(1), clientEC.localCounter)
	require.NoError(t, clientEC.Send(context.Background(), []byte("a")))
	require.Equal(t, uint64(3), clientEC.localCounter)
	require.NoError(t, clientEC.Send(context.Background(), []byte("b")))
	require.Equal(t, uint64(5), clientEC.localCounter)
	require.NoError(t, clientEC.Send(context.Background(), []byte("c")))
	require.Equal(t, uint64(7), clientEC.localCounter)

	// Acceptor: first local nonce 0, then 2; next would be 4.
	require.Equal(t, uint64(0), serverEC.localCounter)
	_, err = serverEC.Recv(context.Background())
	require.NoError(t, err)
	_, err = serverEC.Recv(context.Background())
	require.NoError(t, err)
	_, err = serverEC.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), serverEC.remoteCounter)
	require.NoError(t, serverEC.Send(context.Background(), []byte("d")))
	require.Equal(t, uint64(2), serverEC.localCounter)
}

func TestHandshakeRejectsWrongEnvelopeType(t *testing.T) {
	clientFDC, serverFDC := dialPair(t)

	clientID, err := NewBoxIdentity()
	require.NoError(t, err)
	serverID, err := NewBoxIdentity()
	require.NoError(t, err)

	// ServerSetup expects a csTypeClient envelope first; send it a
	// csTypeServer envelope instead.
	sealed, err := clientID.EncryptFor(serverID.PublicKey(), make([]byte, 32))
	require.NoError(t, err)
	require.NoError(t, sendEnvelope(context.Background(), clientFDC, csTypeServer, sealed))

	_, err = ServerSetup(context.Background(), serverFDC, serverID, clientID.PublicKey(), log.Discard())
	require.ErrorIs(t, err, ErrHandshakeFailed)
}
