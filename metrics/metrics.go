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

// Package metrics exposes Prometheus instrumentation for the broker,
// listener, and encrypted channel. Nothing in the core depends on this
// package; every call site takes a *Broker, *Listener, or *Channel
// metrics struct that is nil-safe, so a caller that never wires metrics
// pays no cost and sees no behavior change (spec.md notes the core
// works with metrics disabled).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Broker holds the relay broker's Prometheus collectors.
type Broker struct {
	PoolDepth    *prometheus.GaugeVec
	SpliceTotal  prometheus.Counter
	AuthFailures prometheus.Counter
	Registered   prometheus.Counter
	Evicted      prometheus.Counter
}

// NewBroker registers and returns a fresh set of broker collectors. Pass
// the result to broker.Server's Metrics field, or leave it nil to run
// without instrumentation.
func NewBroker(reg prometheus.Registerer) *Broker {
	b := &Broker{
		PoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaymesh",
			Subsystem: "broker",
			Name:      "pool_depth",
			Help:      "Number of parked spare connections per public key.",
		}, []string{"public_key"}),
		SpliceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "broker", Name: "splice_total",
			Help: "Total number of successful splices.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "broker", Name: "auth_failures_total",
			Help: "Total number of failed listener authentication attempts.",
		}),
		Registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "broker", Name: "registered_total",
			Help: "Total number of listeners that completed authentication.",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "broker", Name: "evicted_total",
			Help: "Total number of spares evicted for failing to pong in time.",
		}),
	}
	reg.MustRegister(b.PoolDepth, b.SpliceTotal, b.AuthFailures, b.Registered, b.Evicted)
	return b
}

// Listener holds the peer-side listener's Prometheus collectors.
type Listener struct {
	SpareCount prometheus.Gauge
	Reconnects prometheus.Counter
}

// NewListener registers and returns a fresh set of listener collectors.
func NewListener(reg prometheus.Registerer) *Listener {
	l := &Listener{
		SpareCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaymesh", Subsystem: "listener", Name: "spare_count",
			Help: "Current number of parked spare connections.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "listener", Name: "reconnects_total",
			Help: "Total number of spare-connection replacement attempts.",
		}),
	}
	reg.MustRegister(l.SpareCount, l.Reconnects)
	return l
}

// Channel holds the Encrypted Channel's Prometheus collectors.
type Channel struct {
	FramesEncrypted prometheus.Counter
	FramesDecrypted prometheus.Counter
	DecryptFailures prometheus.Counter
	NonceExhausted  prometheus.Counter
}

// NewChannel registers and returns a fresh set of EC collectors.
func NewChannel(reg prometheus.Registerer) *Channel {
	c := &Channel{
		FramesEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "ec", Name: "frames_encrypted_total",
			Help: "Total number of frames encrypted and sent.",
		}),
		FramesDecrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "ec", Name: "frames_decrypted_total",
			Help: "Total number of frames received and decrypted.",
		}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "ec", Name: "decrypt_failures_total",
			Help: "Total number of AEAD decrypt failures, each fatal to its channel.",
		}),
		NonceExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh", Subsystem: "ec", Name: "nonce_exhausted_total",
			Help: "Total number of sends refused due to nonce counter exhaustion.",
		}),
	}
	reg.MustRegister(c.FramesEncrypted, c.FramesDecrypted, c.DecryptFailures, c.NonceExhausted)
	return c
}
