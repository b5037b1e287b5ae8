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
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/queue"
	"github.com/relaymesh/relaymesh/log"
)

// CloseReasonMaxBytes is the wire limit for a close frame's reason
// string (spec.md 6).
const CloseReasonMaxBytes = 123

const writeWait = 10 * time.Second

// FrameType distinguishes the two kinds of WebSocket application frame.
type FrameType int

const (
	TextFrame FrameType = iota
	BinaryFrame
)

func (t FrameType) String() string {
	if t == TextFrame {
		return "text"
	}
	return "binary"
}

// Frame is a single message read from or written to a Channel.
type Frame struct {
	Type FrameType
	Data []byte
}

// Config bounds a Channel's resource usage.
type Config struct {
	MaxFrameQueue int // spec.md 6 max_frame_queue
}

// DefaultConfig matches spec.md 6's documented defaults.
func DefaultConfig() Config {
	return Config{MaxFrameQueue: 64}
}

// Channel is the Framed Duplex Channel: a bidirectional, ordered,
// reliable frame transport layered over a single *websocket.Conn.
type Channel struct {
	id     ConnID
	trace  string
	conn   *websocket.Conn
	logger log.Logger

	openProm *queue.MultiPromise[struct{}]
	frames   *queue.BlockingQueue[Frame]

	writeMu sync.Mutex

	recvMu   sync.Mutex
	recvBusy bool

	closeMu     sync.Mutex
	reasons     []string
	terminalErr error

	pushMu      sync.Mutex
	pushMode    bool
	pushHandler func(Frame)

	closeOnce sync.Once
}

// newChannel wraps an already-established *websocket.Conn. The
// WebSocket handshake itself is synchronous (Dial/Upgrade complete
// before this is called), so the open promise resolves immediately;
// it still exists as a suspension point so callers that model every
// connection step as "await_open" behave identically to ones driven by
// a slower transport.
func newChannel(conn *websocket.Conn, cfg Config, logger log.Logger) *Channel {
	if cfg.MaxFrameQueue <= 0 {
		cfg = DefaultConfig()
	}
	id := nextConnID()
	trace := uuid.NewString()
	c := &Channel{
		id:       id,
		trace:    trace,
		conn:     conn,
		logger:   logger.New("conn", id, "trace", trace),
		openProm: queue.NewMultiPromise[struct{}](),
		frames:   queue.NewBlockingQueue[Frame](cfg.MaxFrameQueue),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		c.addReason("remote-close", fmt.Sprintf("code=%d text=%q", code, text))
		msg := websocket.FormatCloseMessage(code, "")
		_ = c.writeControlRaw(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return nil
	})

	c.openProm.Resolve(struct{}{})
	go c.readPump()
	return c
}

// Dial opens a client-side Channel to url.
func Dial(ctx context.Context, url string, cfg Config, logger log.Logger) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newChannel(conn, cfg, logger), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade promotes an inbound HTTP request to a server-side Channel.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config, logger log.Logger) (*Channel, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return newChannel(conn, cfg, logger), nil
}

// ID returns the Channel's connection id.
func (c *Channel) ID() ConnID { return c.id }

// TraceID returns the opaque diagnostic id assigned to this Channel at
// construction. Unlike ID, it carries no ordering information and is
// meant purely for correlating log lines and splice traces, not for
// identity or accounting.
func (c *Channel) TraceID() string { return c.trace }

// WaitOpen blocks until the Channel is usable or ctx is cancelled. For a
// WebSocket transport the handshake is already complete by the time a
// Channel exists, so this mainly surfaces a close that raced
// construction.
func (c *Channel) WaitOpen(ctx context.Context) error {
	if err := c.terminal(); err != nil {
		return err
	}
	_, err := c.openProm.Wait(ctx)
	return err
}

// Send writes a single frame. It fails with the accumulated close
// reason once the Channel has reached a terminal state.
func (c *Channel) Send(ctx context.Context, frame Frame) error {
	if err := c.terminal(); err != nil {
		return err
	}

	wsType := websocket.BinaryMessage
	if frame.Type == TextFrame {
		wsType = websocket.TextMessage
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(wsType, frame.Data); err != nil {
		c.finalize("write-error", err.Error())
		return c.terminal()
	}
	return nil
}

// SendText is a convenience wrapper for UTF-8 text frames.
func (c *Channel) SendText(ctx context.Context, s string) error {
	return c.Send(ctx, Frame{Type: TextFrame, Data: []byte(s)})
}

// Recv blocks for the next frame, honoring ctx's deadline/cancellation
// as the explicit timeout spec.md 4.1 requires of every blocking API.
// Only one Recv/RecvJSON* call may be outstanding at a time; a second
// concurrent call fails immediately with ErrReaderBusy. Once the
// Channel is terminal, Recv fails with the accumulated close reason
// even if frames are still queued.
func (c *Channel) Recv(ctx context.Context) (Frame, error) {
	c.recvMu.Lock()
	if c.recvBusy {
		c.recvMu.Unlock()
		return Frame{}, ErrReaderBusy
	}
	c.recvBusy = true
	c.recvMu.Unlock()

	if err := c.terminal(); err != nil {
		c.recvMu.Lock()
		c.recvBusy = false
		c.recvMu.Unlock()
		return Frame{}, err
	}

	defer func() {
		c.recvMu.Lock()
		c.recvBusy = false
		c.recvMu.Unlock()
	}()

	return c.frames.Pop(ctx)
}

// Close performs a graceful shutdown: the reason (truncated to
// CloseReasonMaxBytes) is sent to the peer in a close frame, and the
// Channel is then finalized locally without waiting for the peer's FIN.
func (c *Channel) Close(reason string) error {
	truncated := truncateCloseReason(reason)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncated)
	_ = c.writeControlRaw(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.finalize("local-close", reason)
	return nil
}

// Terminate releases all waiters immediately, without attempting a
// clean close handshake.
func (c *Channel) Terminate(reason string) {
	c.finalize("local-terminate", reason)
}

// Subscribe switches the Channel into push mode: handler is called for
// every subsequent frame, and any Recv* call already in flight observes
// ErrDisabled. The current queue contents are delivered to handler
// first, in order, so no frame is ever lost on the switch.
func (c *Channel) Subscribe(handler func(Frame)) error {
	c.pushMu.Lock()
	if c.pushMode {
		c.pushMu.Unlock()
		return ErrAlreadySubscribed
	}
	c.pushMode = true
	c.pushHandler = handler
	c.pushMu.Unlock()

	for _, f := range c.frames.Drain() {
		handler(f)
	}
	// Disable the pull path for good; any Recv still blocked wakes with
	// ErrDisabled rather than the accumulated close reason.
	c.frames.Close(ErrDisabled)
	return nil
}

func (c *Channel) terminal() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.terminalErr
}

// CloseReason returns the full, untruncated, accumulated diagnostic
// string for this Channel, even after the close frame sent to the peer
// was truncated to CloseReasonMaxBytes.
func (c *Channel) CloseReason() string {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return strings.Join(c.reasons, "; ")
}

func (c *Channel) addReason(source, reason string) {
	c.closeMu.Lock()
	c.reasons = append(c.reasons, fmt.Sprintf("[%s] %s", source, reason))
	c.closeMu.Unlock()
}

// finalize contributes reason to the accumulated diagnostics and, the
// first time it is called for this Channel, freezes the terminal error
// every suspended and future call observes, then releases the socket.
func (c *Channel) finalize(source, reason string) {
	c.addReason(source, reason)

	c.closeMu.Lock()
	first := c.terminalErr == nil
	if first {
		c.terminalErr = fmt.Errorf("transport: closed: %s", strings.Join(c.reasons, "; "))
	}
	terminalErr := c.terminalErr
	c.closeMu.Unlock()

	if !first {
		return
	}

	c.closeOnce.Do(func() {
		c.frames.Close(terminalErr)
		if !c.openProm.Settled() {
			c.openProm.Reject(terminalErr)
		}
		_ = c.conn.Close()
		c.logger.Debug("channel closed", "reason", terminalErr)
	})
}

func (c *Channel) writeControlRaw(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, deadline)
}

func truncateCloseReason(reason string) string {
	if utf8.RuneCountInString(reason) == 0 {
		return reason
	}
	b := []byte(reason)
	if len(b) <= CloseReasonMaxBytes {
		return reason
	}
	b = b[:CloseReasonMaxBytes]
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}
