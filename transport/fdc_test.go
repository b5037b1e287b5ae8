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
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/log"
)

func echoServer(t *testing.T, cfg Config) (*httptest.Server, func() *Channel) {
	t.Helper()
	serverChans := make(chan *Channel, 8)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := Upgrade(w, r, cfg, log.Discard())
		require.NoError(t, err)
		serverChans <- ch
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	next := func() *Channel {
		select {
		case c := <-serverChans:
			return c
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for server-side channel")
			return nil
		}
	}
	return srv, next
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSendRecvRoundTrip(t *testing.T) {
	srv, nextServerChan := echoServer(t, DefaultConfig())

	client, err := Dial(context.Background(), wsURL(srv.URL), DefaultConfig(), log.Discard())
	require.NoError(t, err)
	server := nextServerChan()

	require.NoError(t, client.SendText(context.Background(), "hello"))
	got, err := server.RecvText(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	require.NoError(t, server.SendText(context.Background(), "world"))
	got, err = client.RecvText(context.Background())
	require.NoError(t, err)
	require.Equal(t, "world", got)
}

func TestReaderBusyOnConcurrentRecv(t *testing.T) {
	srv, nextServerChan := echoServer(t, DefaultConfig())
	client, err := Dial(context.Background(), wsURL(srv.URL), DefaultConfig(), log.Discard())
	require.NoError(t, err)
	_ = nextServerChan()

	errs := make(chan error, 2)
	go func() {
		_, err := client.Recv(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	_, err = client.Recv(context.Background())
	require.ErrorIs(t, err, ErrReaderBusy)

	client.Terminate("test done")
	<-errs
}

func TestCloseReasonTruncatedOnWireButFullInternally(t *testing.T) {
	srv, nextServerChan := echoServer(t, DefaultConfig())
	client, err := Dial(context.Background(), wsURL(srv.URL), DefaultConfig(), log.Discard())
	require.NoError(t, err)
	_ = nextServerChan()

	long := strings.Repeat("x", 500)
	require.NoError(t, client.Close(long))

	time.Sleep(20 * time.Millisecond)
	require.Contains(t, client.CloseReason(), "local-close")
	require.True(t, len(client.CloseReason()) >= CloseReasonMaxBytes)
}

func TestCloseIsNoOpWhenAlreadyClosed(t *testing.T) {
	srv, nextServerChan := echoServer(t, DefaultConfig())
	client, err := Dial(context.Background(), wsURL(srv.URL), DefaultConfig(), log.Discard())
	require.NoError(t, err)
	_ = nextServerChan()

	require.NoError(t, client.Close("first"))
	require.NoError(t, client.Close("second"))

	_, err = client.Recv(context.Background())
	require.Error(t, err)
}

func TestSubscribeDrainsQueueThenPushes(t *testing.T) {
	srv, nextServerChan := echoServer(t, DefaultConfig())
	client, err := Dial(context.Background(), wsURL(srv.URL), DefaultConfig(), log.Discard())
	require.NoError(t, err)
	server := nextServerChan()

	require.NoError(t, server.SendText(context.Background(), "queued-before-subscribe"))
	time.Sleep(20 * time.Millisecond)

	received := make(chan string, 4)
	require.NoError(t, client.Subscribe(func(f Frame) { received <- string(f.Data) }))

	require.NoError(t, server.SendText(context.Background(), "pushed-after-subscribe"))

	first := <-received
	second := <-received
	require.Equal(t, "queued-before-subscribe", first)
	require.Equal(t, "pushed-after-subscribe", second)
}

func TestSubscribeRejectsPendingRecvWithDisabled(t *testing.T) {
	srv, nextServerChan := echoServer(t, DefaultConfig())
	client, err := Dial(context.Background(), wsURL(srv.URL), DefaultConfig(), log.Discard())
	require.NoError(t, err)
	_ = nextServerChan()

	errs := make(chan error, 1)
	go func() {
		_, err := client.Recv(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, client.Subscribe(func(Frame) {}))
	err = <-errs
	require.ErrorIs(t, err, ErrDisabled)
}

func TestQueueOverflowClosesConnection(t *testing.T) {
	cfg := Config{MaxFrameQueue: 2}
	srv, nextServerChan := echoServer(t, cfg)
	client, err := Dial(context.Background(), wsURL(srv.URL), cfg, log.Discard())
	require.NoError(t, err)
	server := nextServerChan()

	// Flood the client's inbound queue without ever calling Recv.
	for i := 0; i < 10; i++ {
		_ = server.SendText(context.Background(), "flood")
	}

	require.Eventually(t, func() bool {
		return client.terminal() != nil
	}, time.Second, 10*time.Millisecond)
}

func TestWaitOpenSucceedsImmediately(t *testing.T) {
	srv, nextServerChan := echoServer(t, DefaultConfig())
	client, err := Dial(context.Background(), wsURL(srv.URL), DefaultConfig(), log.Discard())
	require.NoError(t, err)
	_ = nextServerChan()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.WaitOpen(ctx))
}
