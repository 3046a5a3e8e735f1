package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/codebox/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WatchMessage is one frame of a run status stream. Type is "run" for a
// snapshot and "error" when the stream cannot continue.
type WatchMessage struct {
	Type    string       `json:"type"`
	Run     *storage.Run `json:"run,omitempty"`
	Content string       `json:"content,omitempty"`
}

// handleRunWebSocket streams run snapshots until the run is done.
func (s *Server) handleRunWebSocket(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before re-reading so no transition falls in between.
	updates, unsubscribe := s.runs.Subscribe(run.ID)
	defer unsubscribe()

	current, err := s.store.GetRun(r.Context(), run.ID)
	if err != nil {
		s.wsWriteJSON(conn, WatchMessage{Type: "error", Content: err.Error()})
		return
	}
	s.wsWriteJSON(conn, WatchMessage{Type: "run", Run: current})
	if current.Done() {
		s.closeNormal(conn)
		return
	}

	// Detect client disconnects; the client never sends frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				final, err := s.store.GetRun(r.Context(), run.ID)
				if err != nil {
					s.wsWriteJSON(conn, WatchMessage{Type: "error", Content: err.Error()})
					return
				}
				if !final.Done() {
					s.wsWriteJSON(conn, WatchMessage{Type: "error", Content: "run is not executing on this server"})
					return
				}
				s.wsWriteJSON(conn, WatchMessage{Type: "run", Run: final})
				s.closeNormal(conn)
				return
			}
			s.wsWriteJSON(conn, WatchMessage{Type: "run", Run: &snap})
			if snap.Done() {
				s.closeNormal(conn)
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	conn.WriteMessage(websocket.CloseMessage, msg)
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("websocket marshal failed", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write failed", zap.Error(err))
	}
}
