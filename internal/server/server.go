package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/fixbridge/internal/broadcast"
	"github.com/shaunagostinho/fixbridge/internal/config"
	"github.com/shaunagostinho/fixbridge/internal/state"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
	maxConfigBody     = 64 << 10
)

// Server exposes the shared snapshot, the config surface and the update
// stream over HTTP. It only reads state; the acquisition loop writes it.
type Server struct {
	cfg   *config.Store
	st    *state.Store
	bc    *broadcast.Broadcaster
	webFS fs.FS

	upgrader websocket.Upgrader
}

// New creates a new Server. webFS may be nil.
func New(cfg *config.Store, st *state.Store, bc *broadcast.Broadcaster, webFS fs.FS) *Server {
	return &Server{
		cfg:   cfg,
		st:    st,
		bc:    bc,
		webFS: webFS,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handlePostConfig).Methods(http.MethodPost)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	if s.webFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Run serves until ctx is cancelled, then closes every connection at once.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Load().ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.st.Read())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Load())
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var patch map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &patch); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "body must be a JSON object"})
			return
		}
	}

	changed, err := s.cfg.Update(patch)
	switch {
	case errors.Is(err, config.ErrInvalidUpdate):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	case err != nil:
		log.Printf("[config] save failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok": false, "error": fmt.Sprintf("Failed to write config: %v", err), "changed": changed,
		})
		return
	}
	if len(changed) > 0 {
		log.Printf("[config] updated %v", keys(changed))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changed": changed})
}

// handleStream serves the update feed as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.bc.Subscribe()
	defer sub.Close()
	log.Printf("[stream] client %s connected (%d total)", sub.ID, s.bc.Len())

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepAliveInterval)
		ev, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			data, merr := json.Marshal(ev)
			if merr != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", broadcast.EventName, data); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		default:
			if !errors.Is(err, context.Canceled) {
				log.Printf("[stream] client %s ended: %v", sub.ID, err)
			}
			return
		}
		flusher.Flush()
	}
}

// handleWS serves the same feed over a websocket, one JSON message per event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	sub := s.bc.Subscribe()
	log.Printf("[ws] client %s connected (%d total)", sub.ID, s.bc.Len())

	ctx, cancel := context.WithCancel(r.Context())

	// Reader goroutine (detects close / keep-alive)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer
	defer func() {
		cancel()
		sub.Close()
		conn.Close()
		log.Printf("[ws] client %s disconnected", sub.ID)
	}()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrSlowConsumer) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "backlog exceeded"),
					time.Now().Add(time.Second))
			}
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
