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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/broker"
	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/secure"
	"github.com/relaymesh/relaymesh/transport"
	"github.com/relaymesh/relaymesh/wire"
)

func startTestBroker(t *testing.T, s *broker.Server) string {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := transport.Upgrade(w, r, transport.DefaultConfig(), log.Discard())
		if err != nil {
			return
		}
		go s.HandleConnection(context.Background(), ch)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestListenerReachesListeningState(t *testing.T) {
	brokerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	listenerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	bcfg := broker.DefaultConfig()
	bcfg.PingIntervalMs = 5000
	s := broker.NewServer(brokerID, bcfg, log.Discard())
	url := startTestBroker(t, s)

	cfg := DefaultConfig()
	cfg.BrokerURL = url
	l := New(listenerID, brokerID.PublicKey(), cfg, log.Discard())
	l.Start()
	t.Cleanup(l.Stop)

	require.Eventually(t, func() bool {
		return l.State() == Listening
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, l.SpareCount())
}

func TestListenerZeroSparesStaysNotListening(t *testing.T) {
	brokerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	listenerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.BrokerURL = "ws://unused.invalid"
	cfg.SpareConnectionLimit = 0
	l := New(listenerID, brokerID.PublicKey(), cfg, log.Discard())
	l.Start()
	t.Cleanup(l.Stop)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, NotListening, l.State())
}

func TestListenerDeliversReadyOnHandover(t *testing.T) {
	brokerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	listenerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	requesterID, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	bcfg := broker.DefaultConfig()
	bcfg.PingIntervalMs = 5000
	s := broker.NewServer(brokerID, bcfg, log.Discard())
	url := startTestBroker(t, s)

	cfg := DefaultConfig()
	cfg.BrokerURL = url
	l := New(listenerID, brokerID.PublicKey(), cfg, log.Discard())
	l.Start()
	t.Cleanup(l.Stop)

	require.Eventually(t, func() bool {
		return l.State() == Listening
	}, time.Second, 10*time.Millisecond)

	requesterFDC, err := transport.Dial(context.Background(), url, transport.DefaultConfig(), log.Discard())
	require.NoError(t, err)
	src := requesterID.PublicKey()
	tgt := listenerID.PublicKey()
	require.NoError(t, sendMessage(context.Background(), requesterFDC, wire.NewCommunicationRequest(src[:], tgt[:])))

	select {
	case ready := <-l.Ready():
		require.Equal(t, wire.CmdCommunicationRequest, ready.Request.Command)
		require.Equal(t, []byte(tgt[:]), []byte(ready.Request.TargetPublicKey))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Ready delivery")
	}

	// A replacement spare should be registered shortly after.
	require.Eventually(t, func() bool {
		return l.SpareCount() == 1
	}, time.Second, 10*time.Millisecond)
}
