package channel

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	Path = "/ws"

	writeTimeout    = 10 * time.Second
	incomingBacklog = 64
)

var ErrClosed = errors.New("event channel closed")

// Transport is the bidirectional event channel between a viewer and the
// upstream.
type Transport interface {
	Send(ctx context.Context, event string, data interface{}) error
	// Incoming is closed once the channel disconnects.
	Incoming() <-chan Message
	IsConnected() bool
	Close() error
}

// Conn is a Transport over a WebSocket. It is used on both ends: Dial on the
// viewer, NewConn around an upgraded connection on the server.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	incoming  chan Message
	done      chan struct{}
	connected atomic.Bool
	closeOnce sync.Once
}

// Dial connects to the event channel of the upstream at baseURL
// (http or https; the scheme is mapped to ws/wss).
func Dial(ctx context.Context, baseURL string, header http.Header) (*Conn, error) {
	wsURL, err := WebSocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", wsURL, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", wsURL)
	}
	logrus.WithField("url", wsURL).Info("Event channel connected")
	return NewConn(ws), nil
}

// NewConn takes ownership of ws and starts reading from it.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		incoming: make(chan Message, incomingBacklog),
		done:     make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c
}

// WebSocketURL derives the event channel URL from an http(s) base URL.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid url %q", baseURL)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	u.RawQuery = ""
	return u.String(), nil
}

func (c *Conn) readLoop() {
	defer close(c.incoming)
	defer c.connected.Store(false)

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).Warn("Event channel read error")
			}
			return
		}
		if msg.Event == "" {
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) Incoming() <-chan Message {
	return c.incoming
}

func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// Send encodes data as the payload of event and writes it. Writes are
// serialized; gorilla connections support one concurrent writer.
func (c *Conn) Send(ctx context.Context, event string, data interface{}) error {
	if !c.IsConnected() {
		return ErrClosed
	}
	msg, err := NewMessage(event, data)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(msg); err != nil {
		return errors.Wrapf(err, "send %s", event)
	}
	return nil
}

// Close sends a close frame and releases the connection. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
