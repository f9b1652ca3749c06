package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 5 * time.Second
	writeDeadline    = 10 * time.Second
	closeDeadline    = time.Second
)

// Transport is one open, message-framed connection to the backend.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens a Transport. onMessage is called for each inbound frame in
// delivery order from a single goroutine; onClose is called once when the
// connection ends, with a nil error when Close ended it.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, onMessage func([]byte), onClose func(error)) (Transport, error)
}

// WebSocketDialer dials the backend's WebSocket endpoint.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string, onMessage func([]byte), onClose func(error)) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = handshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	t := &wsTransport{conn: conn}
	go t.readPump(onMessage, onClose)
	return t, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// readPump reads frames until the connection ends.
func (t *wsTransport) readPump(onMessage func([]byte), onClose func(error)) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				onClose(nil)
			} else {
				onClose(err)
			}
			return
		}
		onMessage(data)
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection. It does not wait
// for the read pump, so it is safe to call from onMessage.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline))
		err = t.conn.Close()
	})
	return err
}
