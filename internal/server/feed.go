package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/gorilla/websocket"
)

const (
	defaultFeedBuffer = 256
	feedWriteTimeout  = 10 * time.Second
	feedPingInterval  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// subscriber is one connected feed client. ch is closed when it is dropped.
type subscriber struct {
	ch chan models.ServerState
}

// feedHub broadcasts accepted changes to connected clients. A subscriber that falls
// behind by more than its buffer is disconnected; it catches up on reconnect by
// passing the last server timestamp it saw as since.
type feedHub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int
}

func newFeedHub() *feedHub {
	return &feedHub{subs: make(map[*subscriber]struct{}), buffer: defaultFeedBuffer}
}

func (h *feedHub) subscribe() *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &subscriber{ch: make(chan models.ServerState, h.buffer)}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *feedHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (h *feedHub) publish(st models.ServerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- st:
		default:
			slog.Warn("feedHub.publish: subscriber too slow, dropping")
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

func (h *feedHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (h *feedHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// parseSince reads the optional since query parameter, a server timestamp in unix
// nanoseconds. ok is false when the parameter is absent.
func parseSince(r *http.Request) (since time.Time, ok bool, err error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, false, strconv.ErrSyntax
	}
	if n == 0 {
		return time.Time{}, true, nil
	}
	return time.Unix(0, n).UTC(), true, nil
}

// feedHandler streams accepted changes. With since set, every record changed at or
// after since is sent first. The subscription is taken before the catch-up query, so
// a change may arrive twice but never not at all.
func (s *Server) feedHandler(w http.ResponseWriter, r *http.Request) {
	since, catchUp, err := parseSince(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "since must be a non-negative unix nanosecond timestamp")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.feedHandler: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.feed.subscribe()
	defer s.feed.unsubscribe(sub)
	device := deviceFrom(r.Context())
	slog.Info("Server.feedHandler: subscriber connected", "deviceID", device, "catchUp", catchUp)

	if catchUp {
		changes, err := s.repo.ChangedSince(r.Context(), since)
		if err != nil {
			slog.Error("Server.feedHandler: catch-up query failed", "deviceID", device, "error", err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "catch-up failed"), time.Now().Add(time.Second))
			return
		}
		for _, st := range changes {
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(st); err != nil {
				slog.Warn("Server.feedHandler: catch-up write failed", "deviceID", device, "error", err)
				return
			}
		}
		slog.Debug("Server.feedHandler: caught up", "deviceID", device, "frames", len(changes))
	}

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			slog.Info("Server.feedHandler: subscriber disconnected", "deviceID", device)
			return
		case st, ok := <-sub.ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(st); err != nil {
				slog.Warn("Server.feedHandler: write failed", "deviceID", device, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		}
	}
}
