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

// Command relaypeer is a runnable demonstration peer: it wires a
// Listener, an Incoming Connection Manager, and an Outgoing Connection
// Establisher together against an injected identity, fulfilling
// spec.md 1's "external collaborators" contract end to end.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/relaymesh/relaymesh/incoming"
	"github.com/relaymesh/relaymesh/listener"
	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/outgoing"
	"github.com/relaymesh/relaymesh/secure"
)

func main() {
	app := &cli.App{
		Name:  "relaypeer",
		Usage: "run a demonstration relaymesh peer",
		Commands: []*cli.Command{
			serveCommand(),
			dialCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("relaypeer exiting", "err", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "register with a broker and accept incoming connections",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "broker-url", Required: true, Usage: "broker WebSocket URL, e.g. ws://localhost:8765/ws"},
			&cli.StringFlag{Name: "broker-public-key", Required: true, Usage: "hex-encoded broker public key"},
			&cli.StringFlag{Name: "identity-secret", EnvVars: []string{"RELAYMESH_IDENTITY_SECRET"}, Usage: "hex-encoded 32-byte secret key; generated if omitted"},
			&cli.IntFlag{Name: "spare-connection-limit", Value: 1},
		},
		Action: func(c *cli.Context) error {
			logger := log.Root()

			identity, err := loadOrGenerateIdentity(c.String("identity-secret"), logger)
			if err != nil {
				return err
			}
			brokerPub, err := parsePublicKey(c.String("broker-public-key"))
			if err != nil {
				return err
			}

			pub := identity.PublicKey()
			logger.Info("peer identity", "public_key", hex.EncodeToString(pub[:]))

			lcfg := listener.DefaultConfig()
			lcfg.BrokerURL = c.String("broker-url")
			lcfg.SpareConnectionLimit = c.Int("spare-connection-limit")
			l := listener.New(identity, brokerPub, lcfg, logger.New("component", "listener"))
			l.Start()
			defer l.Stop()

			mgr := incoming.New(identity, []secure.PublicKey{pub}, logger.New("component", "incoming"))

			ctx, cancel := context.WithCancel(context.Background())
			go mgr.ServeListener(ctx, l)

			go echoAccepted(ctx, mgr, logger)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			logger.Info("shutting down")
			cancel()
			mgr.Wait()
			return nil
		},
	}
}

func dialCommand() *cli.Command {
	return &cli.Command{
		Name:  "dial",
		Usage: "dial a broker to reach a listening peer and say hello",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "broker-url", Required: true, Usage: "broker WebSocket URL, e.g. ws://localhost:8765/ws"},
			&cli.StringFlag{Name: "target-public-key", Required: true, Usage: "hex-encoded public key of the peer to reach"},
			&cli.StringFlag{Name: "identity-secret", EnvVars: []string{"RELAYMESH_IDENTITY_SECRET"}, Usage: "hex-encoded 32-byte secret key; generated if omitted"},
			&cli.IntFlag{Name: "retry-ms", Value: 5000},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second},
		},
		Action: func(c *cli.Context) error {
			logger := log.Root()

			identity, err := loadOrGenerateIdentity(c.String("identity-secret"), logger)
			if err != nil {
				return err
			}
			target, err := parsePublicKey(c.String("target-public-key"))
			if err != nil {
				return err
			}

			ocfg := outgoing.DefaultConfig()
			ocfg.URL = c.String("broker-url")
			ocfg.MyPublicKey = identity.PublicKey()
			ocfg.TargetPublic = target
			ocfg.RetryMs = c.Int("retry-ms")
			e := outgoing.New(identity, ocfg, logger.New("component", "outgoing"))

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			ec, err := e.Connect(ctx)
			if err != nil {
				return fmt.Errorf("relaypeer: dial failed: %w", err)
			}
			defer ec.Close("demo exchange complete")

			if err := ec.SendText(ctx, "hello"); err != nil {
				return fmt.Errorf("relaypeer: send failed: %w", err)
			}
			reply, err := ec.RecvText(ctx)
			if err != nil {
				return fmt.Errorf("relaypeer: recv failed: %w", err)
			}
			logger.Info("received reply", "text", reply)
			return nil
		},
	}
}

// echoAccepted answers every accepted connection's first text frame
// with "world", mirroring spec.md 8 scenario 1's happy-path exchange.
func echoAccepted(ctx context.Context, mgr *incoming.Manager, logger log.Logger) {
	for {
		select {
		case acc, ok := <-mgr.Accepted():
			if !ok {
				return
			}
			go func() {
				text, err := acc.Channel.RecvText(ctx)
				if err != nil {
					logger.Debug("accepted channel closed before a frame arrived", "err", err)
					return
				}
				logger.Info("received greeting", "text", text)
				if err := acc.Channel.SendText(ctx, "world"); err != nil {
					logger.Debug("failed to reply", "err", err)
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

func loadOrGenerateIdentity(hexSecret string, logger log.Logger) (*secure.BoxIdentity, error) {
	if hexSecret == "" {
		identity, err := secure.NewBoxIdentity()
		if err != nil {
			return nil, fmt.Errorf("relaypeer: generate identity: %w", err)
		}
		logger.Warn("no identity-secret supplied, generated an ephemeral one for this run")
		return identity, nil
	}
	raw, err := hex.DecodeString(hexSecret)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("relaypeer: identity-secret must be 32 hex-encoded bytes")
	}
	var secret secure.SecretKey
	copy(secret[:], raw)
	return secure.NewBoxIdentityFromSecret(secret)
}

func parsePublicKey(s string) (secure.PublicKey, error) {
	var pub secure.PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return pub, fmt.Errorf("relaypeer: public key must be 32 hex-encoded bytes")
	}
	copy(pub[:], raw)
	return pub, nil
}
