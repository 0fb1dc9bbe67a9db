package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dial failure classification.
var (
	// ErrConnectTimeout means the peer did not complete the handshake
	// within the deadline.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrConnectRefused covers every other dial failure.
	ErrConnectRefused = errors.New("connect refused")
)

// MessageHandler receives each decoded frame from the read loop.
type MessageHandler func(Message)

// DisconnectHandler is invoked once when the connection dies for any reason
// other than a local Close.
type DisconnectHandler func(error)

// Transport is a single duplex WebSocket connection carrying one JSON
// message per frame. It does not interpret payloads and does not retry;
// reconnection is the client layer's job.
type Transport struct {
	log          *slog.Logger
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
	writeTimeout time.Duration

	writeMu sync.Mutex // serializes frames; gorilla allows one concurrent writer
	conn    *websocket.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New constructs an unopened transport. Handlers may be nil.
func New(log *slog.Logger, onMessage MessageHandler, onDisconnect DisconnectHandler) *Transport {
	return &Transport{
		log:          log,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		writeTimeout: 10 * time.Second,
		done:         make(chan struct{}),
	}
}

// Open dials the driver endpoint. The deadline bounds the WebSocket
// handshake; a context cancellation or handshake overrun maps to
// ErrConnectTimeout, anything else to ErrConnectRefused.
func (t *Transport) Open(ctx context.Context, url string, deadline time.Duration) error {
	t.mu.Lock()
	if t.conn != nil || t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport already opened")
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: deadline}
	dialCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: dialing %s: %v", ErrConnectTimeout, url, err)
		}
		return fmt.Errorf("%w: dialing %s: %v", ErrConnectRefused, url, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport closed during open")
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

// Send writes one message as a single text frame. Writes are serialized.
func (t *Transport) Send(msg Message) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return fmt.Errorf("transport not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once; a local
// Close does not fire the disconnect handler.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	close(t.done)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "engine closing"))
	t.writeMu.Unlock()
	return conn.Close()
}

// Done is closed when the transport is no longer usable.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.abort(err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed JSON aborts the connection per protocol.
			t.abort(fmt.Errorf("malformed frame: %w", err))
			return
		}
		if err := msg.Validate(); err != nil {
			t.abort(fmt.Errorf("invalid frame: %w", err))
			return
		}

		if t.onMessage != nil {
			t.onMessage(msg)
		}
	}
}

// abort closes the connection after a read failure and notifies the owner,
// unless the failure was caused by a local Close.
func (t *Transport) abort(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	close(t.done)
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if t.log != nil {
		t.log.Debug("transport disconnected", "error", cause)
	}
	if t.onDisconnect != nil {
		t.onDisconnect(cause)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
