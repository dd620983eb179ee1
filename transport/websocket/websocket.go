// Package websocket provides the WAMP-over-WebSocket transport, with
// subprotocol negotiation between wamp.2.json and wamp.2.cbor.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvoio/corvo/serializer"
	"github.com/corvoio/corvo/transport"
	"github.com/corvoio/corvo/wamp"
)

const (
	subprotocolPrefix = "wamp.2."

	writeTimeout = 10 * time.Second

	// recvBuffer absorbs short bursts without stalling the read pump.
	recvBuffer = 16
)

// ServeFunc runs the session lifecycle for one accepted transport.
type ServeFunc func(ctx context.Context, tr transport.Transport)

// Handler upgrades HTTP requests to WAMP WebSocket transports and hands
// them to a session handler.
type Handler struct {
	serve ServeFunc
	log   *slog.Logger

	// messageSizeLimit bounds frames in both directions; zero disables
	// the limit.
	messageSizeLimit int64

	upgrader websocket.Upgrader
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMessageSizeLimit bounds the serialized size of messages in both
// directions. Inbound violations close the connection; outbound ones
// surface as transport.ErrMessageTooBig.
func WithMessageSizeLimit(n int64) HandlerOption {
	return func(h *Handler) { h.messageSizeLimit = n }
}

// WithCheckOrigin overrides the browser origin check. The default allows
// all origins, as WAMP has its own authentication layer.
func WithCheckOrigin(check func(*http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

// NewHandler returns an http.Handler serving WAMP WebSocket connections.
func NewHandler(serve ServeFunc, opts ...HandlerOption) *Handler {
	h := &Handler{
		serve: serve,
		log:   slog.Default(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{
				subprotocolPrefix + "json",
				subprotocolPrefix + "cbor",
			},
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}

	name := strings.TrimPrefix(conn.Subprotocol(), subprotocolPrefix)
	ser, err := serializer.ByName(name)
	if err != nil {
		h.log.Debug("no agreed subprotocol",
			slog.String("subprotocol", conn.Subprotocol()))
		conn.Close()
		return
	}

	tr := newConn(conn, ser, name == "json", h.messageSizeLimit, h.log)
	go tr.readPump()
	h.serve(r.Context(), tr)
}

// Conn is one WebSocket-backed WAMP transport.
type Conn struct {
	ws   *websocket.Conn
	ser  serializer.Serializer
	text bool
	log  *slog.Logger

	sizeLimit int64

	in chan wamp.Message

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Transport = (*Conn)(nil)

func newConn(ws *websocket.Conn, ser serializer.Serializer, text bool, sizeLimit int64, log *slog.Logger) *Conn {
	if sizeLimit > 0 {
		ws.SetReadLimit(sizeLimit)
	}
	return &Conn{
		ws:        ws,
		ser:       ser,
		text:      text,
		log:       log,
		sizeLimit: sizeLimit,
		in:        make(chan wamp.Message, recvBuffer),
		closed:    make(chan struct{}),
	}
}

// Send serializes and writes one message.
func (c *Conn) Send(msg wamp.Message) error {
	data, err := c.ser.Serialize(msg)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", msg.MessageType(), err)
	}
	if c.sizeLimit > 0 && int64(len(data)) > c.sizeLimit {
		return transport.ErrMessageTooBig
	}

	frameType := websocket.BinaryMessage
	if c.text {
		frameType = websocket.TextMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(frameType, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Recv returns the inbound message channel. It is closed when the
// connection ends.
func (c *Conn) Recv() <-chan wamp.Message { return c.in }

// Close tears the connection down. Safe to call concurrently with Send.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.ws.Close()
	})
	return nil
}

// readPump decodes inbound frames onto the Recv channel until the
// connection fails or closes.
func (c *Conn) readPump() {
	defer close(c.in)
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", slog.Any("error", err))
			}
			return
		}
		msg, err := c.ser.Deserialize(data)
		if err != nil {
			// A peer sending garbage is done talking to us.
			c.log.Debug("dropping undecodable frame", slog.Any("error", err))
			return
		}
		select {
		case c.in <- msg:
		case <-c.closed:
			return
		}
	}
}
