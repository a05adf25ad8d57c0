package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/tradeflow/core/events"
	"github.com/cordum/tradeflow/core/infra/logging"
)

const (
	streamKeepAlive    = 15 * time.Second
	streamWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

// frameWriter delivers events over SSE or a websocket.
type frameWriter interface {
	send(ev events.Event) error
	ping() error
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Status, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) ping() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type wsWriter struct {
	conn *websocket.Conn
}

func (s *wsWriter) send(ev events.Event) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(ev)
}

func (s *wsWriter) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout))
}

// openStream picks the transport for r. The returned context ends when the
// client goes away.
func openStream(w http.ResponseWriter, r *http.Request) (context.Context, frameWriter, func(), error) {
	if !websocket.IsWebSocketUpgrade(r) {
		fw, err := newSSEWriter(w)
		if err != nil {
			return nil, nil, nil, err
		}
		return r.Context(), fw, func() {}, nil
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	closeFn := func() {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	return ctx, &wsWriter{conn: conn}, closeFn, nil
}

// streamAfter reads the resume cursor from ?after or Last-Event-ID.
func streamAfter(r *http.Request) (int64, error) {
	if raw := strings.TrimSpace(r.Header.Get("Last-Event-ID")); raw != "" && r.URL.Query().Get("after") == "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: Last-Event-ID must be a non-negative integer", errBadRequest)
		}
		return n, nil
	}
	return queryInt(r, "after", 0)
}

// handleRunStream replays the run timeline after the cursor, then follows
// live events until the next done record.
func (s *server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	after, err := streamAfter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.svc.Run(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	// subscribe before replay so nothing published in between is lost
	sub := s.hub.SubscribeRun(runID)
	defer sub.Close()

	backlog, err := s.svc.Timeline(r.Context(), runID, after)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, fw, closeFn, err := openStream(w, r)
	if err != nil {
		logging.Warn("api-gateway", "stream open failed", "run_id", runID, "error", err)
		return
	}
	defer closeFn()

	last := after
	for _, ev := range backlog {
		if ev.Sequence <= last {
			continue
		}
		if err := fw.send(ev); err != nil {
			return
		}
		last = ev.Sequence
		if ev.Terminal() {
			return
		}
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fw.ping(); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				// dropped as a slow consumer; the client resumes from its last id
				return
			}
			if ev.Sequence <= last {
				continue
			}
			if err := fw.send(ev); err != nil {
				return
			}
			last = ev.Sequence
			if ev.Terminal() {
				return
			}
		}
	}
}

// handleThreadStream follows live events of every run in a thread until the
// client disconnects.
func (s *server) handleThreadStream(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	sub := s.hub.SubscribeThread(threadID)
	defer sub.Close()

	ctx, fw, closeFn, err := openStream(w, r)
	if err != nil {
		logging.Warn("api-gateway", "stream open failed", "thread_id", threadID, "error", err)
		return
	}
	defer closeFn()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fw.ping(); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := fw.send(ev); err != nil {
				return
			}
		}
	}
}
