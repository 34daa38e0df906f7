// Package ws streams session events to WebSocket clients.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/auditrt/internal/service"
)

const defaultWriteTimeout = 5 * time.Second

// Source is the read side of the event pipeline.
type Source interface {
	Subscribe(ctx context.Context, sessionID string, after int64) (*service.Subscription, error)
	Heartbeat(sessionID string)
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws        *websocket.Conn
	cancel    context.CancelFunc
	sessionID string
}

// Hub tracks the WebSocket connections following session streams.
type Hub struct {
	src          Source
	log          *slog.Logger
	origins      []string
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a hub reading from src. An empty origins list skips the
// origin check; CORS is then left to the HTTP middleware.
func NewHub(src Source, origins []string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		src:          src,
		log:          log,
		origins:      origins,
		writeTimeout: defaultWriteTimeout,
		conns:        make(map[*conn]struct{}),
	}
}

// HandleSession upgrades GET /ws/sessions/{sessionID}?after=N and streams
// every event of the session with a sequence above N, replayed events first.
func (h *Hub) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = n
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.origins,
		InsecureSkipVerify: len(h.origins) == 0,
	})
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, sessionID: sessionID}
	defer h.remove(c)

	sub, err := h.src.Subscribe(ctx, sessionID, after)
	if err != nil {
		h.log.Warn("websocket subscribe failed", "session_id", sessionID, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("websocket connected", "remote", r.RemoteAddr, "session_id", sessionID, "after", after)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	for ev := range sub.C {
		wctx, wcancel := context.WithTimeout(ctx, h.writeTimeout)
		err := wsjson.Write(wctx, ws, ev)
		wcancel()
		if err != nil {
			h.log.Debug("websocket write failed", "session_id", sessionID, "error", err)
			_ = ws.CloseNow()
			return
		}
	}

	switch err := sub.Err(); {
	case errors.Is(err, service.ErrSubscriberOverflow):
		_ = ws.Close(websocket.StatusTryAgainLater, "subscriber too slow")
	case err != nil:
		_ = ws.Close(websocket.StatusInternalError, err.Error())
	default:
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
}

// Run sends a heartbeat to every followed session each interval until ctx is
// done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range h.Sessions() {
				h.src.Heartbeat(id)
			}
		}
	}
}

// Sessions lists the sessions with at least one connection.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []string
	for c := range h.conns {
		if !slices.Contains(ids, c.sessionID) {
			ids = append(ids, c.sessionID)
		}
	}
	slices.Sort(ids)
	return ids
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	c.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.log.Info("websocket disconnected", "session_id", c.sessionID)
	}
}
