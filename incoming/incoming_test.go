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

package incoming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/secure"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

func directAccepted(t *testing.T, m *Manager) string {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fdc, err := transport.Upgrade(w, r, transport.DefaultConfig(), log.Discard())
		require.NoError(t, err)
		req, err := fdc.RecvJSONWithField(context.Background(), "command", string(wire.CmdCommunicationRequest))
		require.NoError(t, err)
		msg, err := toMessage(req)
		require.NoError(t, err)
		go m.acceptAfterRequest(context.Background(), fdc, msg)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func requestFrom(t *testing.T, url string, requesterID secure.Identity, target secure.PublicKey) *transport.Channel {
	t.Helper()
	fdc, err := transport.Dial(context.Background(), url, transport.DefaultConfig(), log.Discard())
	require.NoError(t, err)
	src := requesterID.PublicKey()
	require.NoError(t, sendMessage(context.Background(), fdc, wire.NewCommunicationRequest(src[:], target[:])))
	return fdc
}

func TestAllowlistedTargetIsDelivered(t *testing.T) {
	localID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	requesterID, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	m := New(localID, []secure.PublicKey{localID.PublicKey()}, log.Discard())
	url := directAccepted(t, m)

	requesterFDC := requestFrom(t, url, requesterID, localID.PublicKey())
	ready, err := requesterFDC.RecvJSONWithField(context.Background(), "command", string(wire.CmdCommunicationReady))
	require.NoError(t, err)
	_ = ready

	ec, err := secure.ClientSetup(context.Background(), requesterFDC, requesterID, localID.PublicKey(), log.Discard())
	require.NoError(t, err)

	select {
	case acc := <-m.Accepted():
		require.Equal(t, localID.PublicKey(), acc.LocalKey)
		require.Equal(t, requesterID.PublicKey(), acc.RemoteKey)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}

	require.NoError(t, ec.SendText(context.Background(), "ping"))
}

func TestUnknownTargetCompletesHandshakeThenCloses(t *testing.T) {
	localID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	requesterID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	otherAllowed, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	m := New(localID, []secure.PublicKey{otherAllowed.PublicKey()}, log.Discard())
	url := directAccepted(t, m)

	requesterFDC := requestFrom(t, url, requesterID, localID.PublicKey())
	_, err = requesterFDC.RecvJSONWithField(context.Background(), "command", string(wire.CmdCommunicationReady))
	require.NoError(t, err)

	ec, err := secure.ClientSetup(context.Background(), requesterFDC, requesterID, localID.PublicKey(), log.Discard())
	require.NoError(t, err)

	select {
	case <-m.Accepted():
		t.Fatal("a disallowed target should never reach Accepted")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = ec.Recv(context.Background())
	require.Error(t, err)
}
