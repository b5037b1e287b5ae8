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

func startBroker(t *testing.T, s *Server) string {
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

func dial(t *testing.T, url string) *transport.Channel {
	t.Helper()
	ch, err := transport.Dial(context.Background(), url, transport.DefaultConfig(), log.Discard())
	require.NoError(t, err)
	return ch
}

func registerListener(t *testing.T, url string, listenerID secure.Identity, brokerPub secure.PublicKey, cfg Config) *transport.Channel {
	t.Helper()
	ctx := context.Background()
	fdc := dial(t, url)

	pub := listenerID.PublicKey()
	require.NoError(t, sendMessage(ctx, fdc, wire.NewRegister(pub[:])))

	authReq, err := recvMessage(ctx, fdc)
	require.NoError(t, err)
	require.Equal(t, wire.CmdAuthenticationRequest, authReq.Command)

	challenge, err := listenerID.DecryptFrom(brokerPub, authReq.Challenge)
	require.NoError(t, err)
	inverted := make([]byte, len(challenge))
	for i, b := range challenge {
		inverted[i] = ^b
	}
	resealed, err := listenerID.EncryptFor(brokerPub, inverted)
	require.NoError(t, err)
	require.NoError(t, sendMessage(ctx, fdc, wire.NewAuthenticationResponse(resealed)))

	success, err := recvMessage(ctx, fdc)
	require.NoError(t, err)
	require.Equal(t, wire.CmdAuthenticationSuccess, success.Command)
	return fdc
}

func TestRegisterAuthenticationSucceedsAndParksSpare(t *testing.T) {
	brokerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	listenerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PingIntervalMs = 200
	s := NewServer(brokerID, cfg, log.Discard())
	url := startBroker(t, s)

	registerListener(t, url, listenerID, brokerID.PublicKey(), cfg)

	require.Eventually(t, func() bool {
		return s.PoolDepth(listenerID.PublicKey()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRegisterAuthenticationFailsOnEchoedChallenge(t *testing.T) {
	brokerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	listenerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	cfg := DefaultConfig()
	s := NewServer(brokerID, cfg, log.Discard())
	url := startBroker(t, s)

	ctx := context.Background()
	fdc := dial(t, url)
	pub := listenerID.PublicKey()
	require.NoError(t, sendMessage(ctx, fdc, wire.NewRegister(pub[:])))

	authReq, err := recvMessage(ctx, fdc)
	require.NoError(t, err)

	// Echo the ciphertext back unchanged instead of decrypt+invert+reencrypt.
	require.NoError(t, sendMessage(ctx, fdc, wire.NewAuthenticationResponse(authReq.Challenge)))

	_, err = fdc.Recv(ctx)
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(fdc.CloseReason(), "AuthFailed")
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, s.PoolDepth(listenerID.PublicKey()))
}

func TestPingTimeoutEvictsUnresponsiveSpare(t *testing.T) {
	brokerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	listenerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PingIntervalMs = 50
	s := NewServer(brokerID, cfg, log.Discard())
	url := startBroker(t, s)

	fdc := registerListener(t, url, listenerID, brokerID.PublicKey(), cfg)
	require.Eventually(t, func() bool {
		return s.PoolDepth(listenerID.PublicKey()) == 1
	}, time.Second, 10*time.Millisecond)

	// Never answer the ping; the broker should evict after pong_timeout.
	require.Eventually(t, func() bool {
		return s.PoolDepth(listenerID.PublicKey()) == 0
	}, time.Second, 10*time.Millisecond)

	_, err = fdc.Recv(context.Background())
	require.Error(t, err)
}

func TestUnknownTargetClosesRequesterWithoutHang(t *testing.T) {
	brokerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	cfg := DefaultConfig()
	s := NewServer(brokerID, cfg, log.Discard())
	url := startBroker(t, s)

	requesterID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	unknownTarget, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	ctx := context.Background()
	fdc := dial(t, url)
	src := requesterID.PublicKey()
	tgt := unknownTarget.PublicKey()
	require.NoError(t, sendMessage(ctx, fdc, wire.NewCommunicationRequest(src[:], tgt[:])))

	_, err = fdc.Recv(ctx)
	require.Error(t, err)
	require.Equal(t, 0, s.PoolDepth(tgt))
}

func TestSpliceForwardsFramesBothWays(t *testing.T) {
	brokerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	listenerID, err := secure.NewBoxIdentity()
	require.NoError(t, err)
	requesterID, err := secure.NewBoxIdentity()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PingIntervalMs = 5000
	s := NewServer(brokerID, cfg, log.Discard())
	url := startBroker(t, s)

	listenerFDC := registerListener(t, url, listenerID, brokerID.PublicKey(), cfg)
	require.Eventually(t, func() bool {
		return s.PoolDepth(listenerID.PublicKey()) == 1
	}, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	requesterFDC := dial(t, url)
	src := requesterID.PublicKey()
	tgt := listenerID.PublicKey()
	require.NoError(t, sendMessage(ctx, requesterFDC, wire.NewCommunicationRequest(src[:], tgt[:])))

	handover, err := recvMessage(ctx, listenerFDC)
	require.NoError(t, err)
	require.Equal(t, wire.CmdConnectionHandover, handover.Command)

	forwarded, err := recvMessage(ctx, listenerFDC)
	require.NoError(t, err)
	require.Equal(t, wire.CmdCommunicationRequest, forwarded.Command)
	require.Equal(t, []byte(tgt[:]), []byte(forwarded.TargetPublicKey))

	require.NoError(t, sendMessage(ctx, listenerFDC, wire.NewCommunicationReady()))
	ready, err := recvMessage(ctx, requesterFDC)
	require.NoError(t, err)
	require.Equal(t, wire.CmdCommunicationReady, ready.Command)

	require.NoError(t, requesterFDC.SendText(ctx, "hello"))
	got, err := listenerFDC.RecvText(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	require.NoError(t, listenerFDC.SendText(ctx, "world"))
	got, err = requesterFDC.RecvText(ctx)
	require.NoError(t, err)
	require.Equal(t, "world", got)
}
