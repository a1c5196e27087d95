package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
)

const (
	sendChSize     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// AnyOrigin as targetOrigin delivers regardless of the receiver's origin.
	AnyOrigin = "*"
)

var (
	ErrNoWindow = errors.New("messaging: no such window")
	ErrClosed   = errors.New("messaging: window closed")
)

// Frame kinds on the websocket.
const (
	FrameHello   = "hello"   // server → browser: assigned window id
	FramePost    = "post"    // browser → server: postMessage to another window
	FrameMessage = "message" // server → browser: a relayed event
	FrameScene   = "scene"   // server → browser: rendered map scene
	FrameLayer   = "layer"   // browser → server: layer control change
	FrameClick   = "click"   // browser → server: marker clicked
)

type Frame struct {
	Kind         string          `json:"kind"`
	WindowID     WindowID        `json:"windowId,omitempty"`
	To           WindowID        `json:"to,omitempty"`
	TargetOrigin string          `json:"targetOrigin,omitempty"`
	Source       WindowID        `json:"source,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Event        string          `json:"event,omitempty"`
	Name         string          `json:"name,omitempty"`
	Index        *int            `json:"index,omitempty"`
}

// Peer is the server-side half of a window. Deliver receives every event
// posted to the window; Control receives the browser's non-post frames.
// Both run on the sender's read goroutine and must not block for long.
type Peer interface {
	Deliver(e Event)
	Control(f Frame)
	Close()
}

// starter is implemented by peers that need to act once the window is
// registered, for example to post to another window.
type starter interface {
	Start(ctx context.Context)
}

// PeerFactory attaches a peer to a new window. Returning nil leaves the
// window as a plain relay endpoint.
type PeerFactory func(ctx context.Context, w *Window) Peer

type Hub struct {
	mu       sync.RWMutex
	windows  map[WindowID]*Window
	allowed  []string
	upgrader ws.Upgrader
	attach   PeerFactory
	log      *slog.Logger
}

type HubOption func(*Hub)

// WithAllowedOrigins restricts the upgrade to the listed origins. Without it
// any origin may connect.
func WithAllowedOrigins(origins ...string) HubOption {
	return func(h *Hub) { h.allowed = slices.Clone(origins) }
}

func WithPeerFactory(f PeerFactory) HubOption {
	return func(h *Hub) { h.attach = f }
}

func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		windows: map[WindowID]*Window{},
		log:     logger.Discard(),
	}
	for _, o := range opts {
		o(h)
	}
	h.upgrader = ws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowed) == 0 {
		return true
	}
	return slices.Contains(h.allowed, r.Header.Get("Origin"))
}

// ServeHTTP upgrades the request and serves the window until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		h.log.DebugContext(r.Context(), "websocket upgrade rejected", "err", err)
		return
	}

	win := &Window{
		id:     NewWindowID(),
		origin: r.Header.Get("Origin"),
		query:  r.URL.Query(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendChSize),
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(logger.WithWindowID(context.WithoutCancel(r.Context()), string(win.id)))
	defer cancel()
	win.log = h.log.With("window_id", string(win.id))

	go win.writeLoop()
	_ = win.Send(Frame{Kind: FrameHello, WindowID: win.id})

	// the peer is attached before the window becomes reachable so no event
	// can bypass it
	var peer Peer
	if h.attach != nil {
		peer = h.attach(ctx, win)
		win.setPeer(peer)
	}
	h.register(win)
	defer h.unregister(win)

	if s, ok := peer.(starter); ok {
		s.Start(ctx)
	}

	win.readLoop(ctx)
}

func (h *Hub) register(w *Window) {
	h.mu.Lock()
	h.windows[w.id] = w
	h.mu.Unlock()
	observability.WindowConnected()
}

func (h *Hub) unregister(w *Window) {
	h.mu.Lock()
	delete(h.windows, w.id)
	h.mu.Unlock()
	observability.WindowDisconnected()
	if p := w.getPeer(); p != nil {
		p.Close()
	}
	w.close()
}

func (h *Hub) window(id WindowID) (*Window, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.windows[id]
	return w, ok
}

// Len reports the number of connected windows.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.windows)
}

// Post delivers data from one window to another. Like postMessage it is
// dropped, without error, when the receiver's origin does not match
// targetOrigin. The event carries the sender's id and handshake origin.
func (h *Hub) Post(from, to WindowID, data json.RawMessage, targetOrigin string) error {
	sender, ok := h.window(from)
	if !ok {
		return fmt.Errorf("%w: sender %s", ErrNoWindow, from)
	}
	target, ok := h.window(to)
	if !ok {
		observability.IncMessageDropped("no_target")
		return fmt.Errorf("%w: %s", ErrNoWindow, to)
	}
	if targetOrigin != AnyOrigin && targetOrigin != target.origin {
		observability.IncMessageDropped("target_origin")
		return nil
	}

	ev := Event{Source: sender.id, Origin: sender.origin, Data: data}
	typ, _ := PeekType(data)
	observability.IncMessageRelayed(typ)

	if p := target.getPeer(); p != nil {
		p.Deliver(ev)
		return nil
	}
	return target.Send(Frame{Kind: FrameMessage, Source: ev.Source, Origin: ev.Origin, Data: ev.Data})
}

// Window is one connected browser window.
type Window struct {
	id     WindowID
	origin string
	query  url.Values
	hub    *Hub
	conn   *ws.Conn
	send   chan []byte
	done   chan struct{}
	log    *slog.Logger

	mu     sync.Mutex
	peer   Peer
	closed bool
}

func (w *Window) ID() WindowID { return w.id }

// Origin is the Origin header presented at the handshake.
func (w *Window) Origin() string { return w.origin }

// Query returns the handshake query parameters.
func (w *Window) Query() url.Values { return w.query }

// Post sends data from this window to another one.
func (w *Window) Post(to WindowID, data json.RawMessage, targetOrigin string) error {
	return w.hub.Post(w.id, to, data, targetOrigin)
}

// Send queues a frame for the browser. A full queue drops the frame.
func (w *Window) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.send <- b:
		return nil
	default:
		observability.IncMessageDropped("send_queue_full")
		w.log.Warn("websocket send queue full, dropping frame", "kind", f.Kind)
		return nil
	}
}

func (w *Window) setPeer(p Peer) {
	w.mu.Lock()
	w.peer = p
	w.mu.Unlock()
}

func (w *Window) getPeer() Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peer
}

func (w *Window) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()
	_ = w.conn.Close()
}

// writeLoop is the only goroutine writing to the connection.
func (w *Window) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			_ = w.conn.WriteControl(ws.CloseMessage,
				ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-w.send:
			if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := w.conn.WriteMessage(ws.TextMessage, data); err != nil {
				w.log.Debug("websocket write error", "err", err)
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (w *Window) readLoop(ctx context.Context) {
	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				w.log.DebugContext(ctx, "websocket closed", "err", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			observability.IncMessageDropped("bad_frame")
			continue
		}
		switch f.Kind {
		case FramePost:
			if err := w.Post(f.To, f.Data, f.TargetOrigin); err != nil {
				w.log.DebugContext(ctx, "post not delivered", "to", string(f.To), "err", err)
			}
		default:
			if p := w.getPeer(); p != nil {
				p.Control(f)
			}
		}
	}
}
