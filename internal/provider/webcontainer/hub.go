package webcontainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aspectrr/fluid.sh/preview/internal/id"
)

var (
	// ErrNoPeer is returned when no browser tab is connected.
	ErrNoPeer = errors.New("no webcontainer peer connected")
	// ErrPeerGone fails requests pending on a peer that disconnected.
	ErrPeerGone = errors.New("webcontainer peer disconnected")
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// message is the envelope for both directions. Requests carry Op; responses
// carry OK and Error.
type message struct {
	ID    string `json:"id"`
	Op    string `json:"op,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	Port     int          `json:"port,omitempty"`
	Line     string       `json:"line,omitempty"`
	Cwd      string       `json:"cwd,omitempty"`
	Detached bool         `json:"detached,omitempty"`
	Path     string       `json:"path,omitempty"`
	Files    []wireFile   `json:"files,omitempty"`
	Content  []byte       `json:"content,omitempty"`
	URL      string       `json:"url,omitempty"`
	Result   *execPayload `json:"result,omitempty"`
}

type wireFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type execPayload struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// peer is one connected browser tab.
type peer struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan message
	closed  bool
	done    chan struct{}
}

func (p *peer) send(m message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(m)
}

func (p *peer) fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	close(p.done)
}

// Hub accepts browser peers over websocket and correlates request/response
// pairs by ID. The most recent peer wins.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	current *peer
	arrived chan struct{}
}

// NewHub creates a Hub. checkOrigin may be nil for same-origin only.
func NewHub(checkOrigin func(r *http.Request) bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:  logger.With("component", "webcontainer-hub"),
		arrived: make(chan struct{}),
	}
}

// ServeHTTP upgrades the connection and serves the peer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	peerID, err := id.Generate("wc-")
	if err != nil {
		h.logger.Error("peer id", "error", err)
		_ = conn.Close()
		return
	}
	p := &peer{
		id:      peerID,
		conn:    conn,
		pending: make(map[string]chan message),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.current
	h.current = p
	close(h.arrived)
	h.arrived = make(chan struct{})
	h.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}

	h.logger.Info("webcontainer peer connected", "peer_id", p.id, "remote", r.RemoteAddr)
	go h.pingLoop(p)
	h.readLoop(p)

	h.mu.Lock()
	if h.current == p {
		h.current = nil
	}
	h.mu.Unlock()
	h.logger.Info("webcontainer peer disconnected", "peer_id", p.id)
}

func (h *Hub) readLoop(p *peer) {
	defer func() {
		p.fail()
		_ = p.conn.Close()
	}()
	for {
		var m message
		if err := p.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("webcontainer read failed", "peer_id", p.id, "error", err)
			}
			return
		}
		p.mu.Lock()
		ch, ok := p.pending[m.ID]
		delete(p.pending, m.ID)
		p.mu.Unlock()
		if !ok {
			h.logger.Debug("dropping uncorrelated message", "id", m.ID)
			continue
		}
		ch <- m
	}
}

func (h *Hub) pingLoop(p *peer) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Connected reports whether a peer is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current != nil
}

// waitPeer blocks until a peer is attached or ctx ends.
func (h *Hub) waitPeer(ctx context.Context) (*peer, error) {
	for {
		h.mu.Lock()
		p, arrived := h.current, h.arrived
		h.mu.Unlock()
		if p != nil {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNoPeer, ctx.Err())
		case <-arrived:
		}
	}
}

func (h *Hub) peer() (*peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil, ErrNoPeer
	}
	return h.current, nil
}

// request sends m to p and waits for the correlated response.
func (h *Hub) request(ctx context.Context, p *peer, m message) (message, error) {
	m.ID = uuid.NewString()
	ch := make(chan message, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return message{}, ErrPeerGone
	}
	p.pending[m.ID] = ch
	p.mu.Unlock()

	if err := p.send(m); err != nil {
		p.mu.Lock()
		delete(p.pending, m.ID)
		p.mu.Unlock()
		return message{}, fmt.Errorf("send %s: %w", m.Op, err)
	}

	select {
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, m.ID)
		p.mu.Unlock()
		return message{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return message{}, ErrPeerGone
		}
		return resp, nil
	}
}
