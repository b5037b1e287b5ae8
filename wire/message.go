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

// Package wire implements the tagged JSON message set exchanged between
// brokers and peers (spec.md 4.3): encoding, decoding, and strict
// validation of the required fields per command.
package wire

import "fmt"

// Command is the wire discriminator carried by every message.
type Command string

const (
	CmdRegister                Command = "register"
	CmdAuthenticationRequest   Command = "authentication_request"
	CmdAuthenticationResponse  Command = "authentication_response"
	CmdAuthenticationSuccess   Command = "authentication_success"
	CmdConnectionHandover      Command = "connection_handover"
	CmdCommPing                Command = "comm_ping"
	CmdCommPong                Command = "comm_pong"
	CmdCommunicationRequest    Command = "communication_request"
	CmdCommunicationReady      Command = "communication_ready"
)

// Message is the wire envelope for every broker/peer command. Fields
// are optional per-command; Validate enforces which ones are required.
// Unused fields are omitted from the JSON output so a register message
// never carries a stray "challenge":"" key.
type Message struct {
	Command Command `json:"command"`

	PublicKey       HexBytes `json:"public_key,omitempty"`
	Challenge       HexBytes `json:"challenge,omitempty"`
	Response        HexBytes `json:"response,omitempty"`
	PingIntervalMs  int      `json:"ping_interval,omitempty"`
	PongTimeoutMs   int      `json:"pong_timeout,omitempty"`
	SourcePublicKey HexBytes `json:"source_public_key,omitempty"`
	TargetPublicKey HexBytes `json:"target_public_key,omitempty"`
}

// ErrMalformedMessage reports a structural problem with a decoded
// message: invalid JSON, a missing or unknown command, or missing or
// mistyped fields for its command. Fields a command does not use are
// not rejected.
type ErrMalformedMessage struct {
	Command Command
	Reason  string
}

func (e *ErrMalformedMessage) Error() string {
	return fmt.Sprintf("wire: malformed %q message: %s", e.Command, e.Reason)
}

// Validate enforces the required-field table from spec.md 4.3. It is
// intentionally strict: a protocol error here is always fatal to the
// connection (spec.md 7).
func (m *Message) Validate() error {
	fail := func(reason string) error {
		return &ErrMalformedMessage{Command: m.Command, Reason: reason}
	}

	switch m.Command {
	case CmdRegister:
		if len(m.PublicKey) == 0 {
			return fail("missing public_key")
		}
	case CmdAuthenticationRequest:
		if len(m.PublicKey) == 0 {
			return fail("missing public_key")
		}
		if len(m.Challenge) == 0 {
			return fail("missing challenge")
		}
	case CmdAuthenticationResponse:
		if len(m.Response) == 0 {
			return fail("missing response")
		}
	case CmdAuthenticationSuccess:
		if m.PingIntervalMs <= 0 {
			return fail("missing or non-positive ping_interval")
		}
		if m.PongTimeoutMs <= 0 {
			return fail("missing or non-positive pong_timeout")
		}
	case CmdConnectionHandover:
		// no payload
	case CmdCommPing:
		// no payload
	case CmdCommPong:
		// no payload
	case CmdCommunicationRequest:
		if len(m.SourcePublicKey) == 0 {
			return fail("missing source_public_key")
		}
		if len(m.TargetPublicKey) == 0 {
			return fail("missing target_public_key")
		}
	case CmdCommunicationReady:
		// no payload
	default:
		return fail("unknown command")
	}
	return nil
}

// Constructors keep call sites from hand-assembling envelopes with the
// wrong fields populated.

func NewRegister(publicKey []byte) Message {
	return Message{Command: CmdRegister, PublicKey: publicKey}
}

func NewAuthenticationRequest(brokerPublicKey, challenge []byte) Message {
	return Message{Command: CmdAuthenticationRequest, PublicKey: brokerPublicKey, Challenge: challenge}
}

func NewAuthenticationResponse(response []byte) Message {
	return Message{Command: CmdAuthenticationResponse, Response: response}
}

func NewAuthenticationSuccess(pingIntervalMs, pongTimeoutMs int) Message {
	return Message{Command: CmdAuthenticationSuccess, PingIntervalMs: pingIntervalMs, PongTimeoutMs: pongTimeoutMs}
}

func NewConnectionHandover() Message {
	return Message{Command: CmdConnectionHandover}
}

func NewCommPing() Message {
	return Message{Command: CmdCommPing}
}

func NewCommPong() Message {
	return Message{Command: CmdCommPong}
}

func NewCommunicationRequest(source, target []byte) Message {
	return Message{Command: CmdCommunicationRequest, SourcePublicKey: source, TargetPublicKey: target}
}

func NewCommunicationReady() Message {
	return Message{Command: CmdCommunicationReady}
}
