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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/log"
)

func establishedPair(t *testing.T) (client, server *Channel) {
	t.Helper()
	clientFDC, serverFDC := dialPair(t)

	clientID, err := NewBoxIdentity()
	require.NoError(t, err)
	serverID, err := NewBoxIdentity()
	require.NoError(t, err)

	clientResult := make(chan *Channel, 1)
	clientErrCh := make(chan error, 1)
	go func() {
		ec, err := ClientSetup(context.Background(), clientFDC, clientID, serverID.PublicKey(), log.Discard())
		clientResult <- ec
		clientErrCh <- err
	}()

	serverEC, err := ServerSetup(context.Background(), serverFDC, serverID, clientID.PublicKey(), log.Discard())
	require.NoError(t, err)
	require.NoError(t, <-clientErrCh)
	return <-clientResult, serverEC
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	client, server := establishedPair(t)

	require.NoError(t, client.SendText(context.Background(), "hello over EC"))
	got, err := server.RecvText(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello over EC", got)

	require.NoError(t, server.SendText(context.Background(), "reply over EC"))
	got, err = client.RecvText(context.Background())
	require.NoError(t, err)
	require.Equal(t, "reply over EC", got)
}

func TestDecryptFailureClosesConnection(t *testing.T) {
	client, server := establishedPair(t)

	// Corrupt the remote counter so the next frame cannot possibly
	// decrypt under the nonce the server derives.
	server.mu.Lock()
	server.remoteCounter += 100
	server.mu.Unlock()

	require.NoError(t, client.SendText(context.Background(), "will not decrypt"))
	_, err := server.Recv(context.Background())
	require.ErrorIs(t, err, ErrDecryptFailed)

	require.Eventually(t, func() bool {
		return server.fdc.CloseReason() != ""
	}, time.Second, 10*time.Millisecond)
}

func TestSendRefusesAtNonceLimit(t *testing.T) {
	client, _ := establishedPair(t)

	client.localCounter = NonceLimit
	err := client.Send(context.Background(), []byte("one too many"))
	require.ErrorIs(t, err, ErrNonceExhausted)
}

func TestSendSucceedsJustBelowNonceLimit(t *testing.T) {
	client, server := establishedPair(t)

	client.localCounter = NonceLimit - 2
	server.remoteCounter = NonceLimit - 2
	require.NoError(t, client.Send(context.Background(), []byte("last valid frame")))
	_, err := server.Recv(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, client.Send(context.Background(), []byte("over the line")), ErrNonceExhausted)
}

func TestCloseTearsDownUnderlyingTransport(t *testing.T) {
	client, _ := establishedPair(t)
	require.NoError(t, client.Close("done"))

	_, recvErr := client.Recv(context.Background())
	require.Error(t, recvErr)
}
