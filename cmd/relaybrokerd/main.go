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

// Command relaybrokerd runs a standalone Relay Broker Server: the
// WebSocket rendezvous endpoint of spec.md 4.4, plus a CORS-protected
// admin surface exposing /healthz and /metrics. The admin surface is
// not part of the wire protocol and is never reachable by peers going
// through the broker path.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/relaymesh/relaymesh/broker"
	"github.com/relaymesh/relaymesh/config"
	"github.com/relaymesh/relaymesh/log"
	"github.com/relaymesh/relaymesh/metrics"
	"github.com/relaymesh/relaymesh/secure"
	"github.com/relaymesh/relaymesh/transport"
)

func main() {
	app := &cli.App{
		Name:  "relaybrokerd",
		Usage: "run a relaymesh relay broker server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":8765", Usage: "address the broker WebSocket endpoint listens on"},
			&cli.StringFlag{Name: "config", Usage: "path to a YAML or TOML configuration file"},
			&cli.StringFlag{Name: "identity-secret", EnvVars: []string{"RELAYMESH_IDENTITY_SECRET"}, Usage: "hex-encoded 32-byte long-term secret key; a fresh one is generated if omitted"},
			&cli.StringFlag{Name: "admin-addr", Value: "127.0.0.1:6060", Usage: "listen address for /healthz and /metrics"},
			&cli.IntFlag{Name: "ping-interval-ms", Value: 5000, Usage: "broker ping interval for parked spares, in ms"},
			&cli.IntFlag{Name: "pong-timeout-ms", Value: 0, Usage: "override for pong timeout, in ms (0 = 3x ping interval)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("relaybrokerd exiting", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := log.Root()

	// urfave/cli owns argv and the command surface; bridge the flags it
	// parsed into a pflag.FlagSet so viper applies them at the
	// highest-precedence tier alongside the file and environment ones.
	fs := pflag.NewFlagSet("relaybrokerd", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	for _, name := range []string{"ping-interval-ms", "pong-timeout-ms"} {
		if c.IsSet(name) {
			_ = fs.Set(name, strconv.Itoa(c.Int(name)))
		}
	}
	if c.IsSet("admin-addr") {
		_ = fs.Set("admin-addr", c.String("admin-addr"))
	}

	cfg, err := config.Load(c.String("config"), fs)
	if err != nil {
		return fmt.Errorf("relaybrokerd: %w", err)
	}

	identity, err := loadOrGenerateIdentity(c.String("identity-secret"), logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	brokerMetrics := metrics.NewBroker(reg)

	bcfg := broker.DefaultConfig()
	bcfg.PingIntervalMs = cfg.PingIntervalMs
	bcfg.PongTimeoutMs = cfg.PongTimeoutMs
	server := broker.NewServer(identity, bcfg, logger.New("component", "broker"))
	server.Metrics = brokerMetrics

	pub := identity.PublicKey()
	logger.Info("broker identity", "public_key", hex.EncodeToString(pub[:]))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsAddr := c.String("listen")
	wsSrv := newBrokerHTTPServer(ctx, wsAddr, server, logger)
	go func() {
		logger.Info("broker listening", "addr", wsAddr)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("broker server stopped", "err", err)
		}
	}()

	adminAddr := cfg.AdminAddr
	adminSrv := newAdminServer(adminAddr, reg)
	go func() {
		logger.Info("admin surface listening", "addr", adminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = wsSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	return nil
}

func newBrokerHTTPServer(ctx context.Context, addr string, server *broker.Server, logger log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		fdc, err := transport.Upgrade(w, r, transport.DefaultConfig(), logger)
		if err != nil {
			return
		}
		// r.Context() is cancelled as soon as this handler returns, so
		// the connection runs under the server-wide context instead.
		go server.HandleConnection(ctx, fdc)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func newAdminServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)

	return &http.Server{Addr: addr, Handler: handler}
}

func loadOrGenerateIdentity(hexSecret string, logger log.Logger) (*secure.BoxIdentity, error) {
	if hexSecret == "" {
		identity, err := secure.NewBoxIdentity()
		if err != nil {
			return nil, fmt.Errorf("relaybrokerd: generate identity: %w", err)
		}
		logger.Warn("no identity-secret supplied, generated an ephemeral one for this run")
		return identity, nil
	}

	raw, err := hex.DecodeString(hexSecret)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("relaybrokerd: identity-secret must be 32 hex-encoded bytes")
	}
	var secret secure.SecretKey
	copy(secret[:], raw)
	identity, err := secure.NewBoxIdentityFromSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("relaybrokerd: load identity: %w", err)
	}
	return identity, nil
}
