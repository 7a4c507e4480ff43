// Package relay maintains the daemon's single persistent stream to the
// relay: WebSocket transport carrying JSON frames, with a lenient
// identity-announcement handshake.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Frame types used on the relay stream.
const (
	TypeConnect   = "connect"
	TypeConnected = "connected"
	TypeMessage   = "message"
)

// ErrHandshakeFailed indicates the stream closed before the handshake
// completed.
var ErrHandshakeFailed = errors.New("relay: handshake failed")

// Frame is one JSON frame on the relay stream. Unused fields stay empty;
// the relay discriminates on Type, except error frames which carry only
// Error.
type Frame struct {
	Type      string `json:"type,omitempty"`
	DID       string `json:"did,omitempty"`
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// IsError reports whether the frame is a relay error marker.
func (f Frame) IsError() bool {
	return f.Error != ""
}

// Conn is one live relay stream. A single reader goroutine owns the socket
// read side and feeds Receive; writes are serialized by a mutex.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	inbound chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Dial opens the stream, announces the local identity, and waits for the
// relay's confirmation. Any unexpected first frame is logged but tolerated.
func Dial(ctx context.Context, streamURL, did string, logger zerolog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %q: %w", streamURL, err)
	}

	if err := ws.WriteJSON(Frame{Type: TypeConnect, DID: did}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("relay: send connect frame: %w", err)
	}

	var confirmation Frame
	if err := ws.ReadJSON(&confirmation); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if confirmation.Type != TypeConnected {
		// Lenient handshake: log and carry on.
		logger.Warn().
			Str("type", confirmation.Type).
			Str("error", confirmation.Error).
			Msg("unexpected frame while waiting for connection confirmation")
	}

	conn := &Conn{
		ws:      ws,
		inbound: make(chan Frame, 64),
		closed:  make(chan struct{}),
	}
	go conn.readLoop()

	return conn, nil
}

// SendMessage writes an outbound message frame. The content must already be
// envelope-encoded.
func (c *Conn) SendMessage(to, content string) error {
	return c.send(Frame{Type: TypeMessage, To: to, Content: content})
}

func (c *Conn) send(frame Frame) error {
	select {
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteJSON(frame); err != nil {
		c.closeWithError(fmt.Errorf("relay: write frame: %w", err))
		return err
	}
	return nil
}

// Receive waits for the next inbound frame.
func (c *Conn) Receive(ctx context.Context) (Frame, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return Frame{}, err
		}
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Done is closed once the stream has terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal stream error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Close terminates the stream.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, io.EOF) {
				c.closeWithError(nil)
				return
			}
			select {
			case <-c.closed:
				// Read failed because Close tore down the socket.
			default:
				c.closeWithError(fmt.Errorf("relay: read frame: %w", err))
			}
			return
		}

		select {
		case c.inbound <- frame:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.ws.Close()
		close(c.closed)
	})
}
