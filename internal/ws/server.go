package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/repo2gpt/server/internal/job"
	"github.com/repo2gpt/server/internal/stream"
)

const writeTimeout = 5 * time.Second

// Server streams job events over websocket connections with the same
// replay-then-tail semantics as the SSE endpoint.
type Server struct {
	streamer *stream.Streamer
	logger   *slog.Logger

	connsMu sync.RWMutex
	conns   map[string]*websocket.Conn
}

func NewServer(streamer *stream.Streamer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		streamer: streamer,
		logger:   logger,
		conns:    make(map[string]*websocket.Conn),
	}
}

// Connections returns the number of open observer connections.
func (s *Server) Connections() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

type sink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (k *sink) write(v any) error {
	ctx, cancel := context.WithTimeout(k.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, k.conn, v)
}

func (k *sink) Send(e job.Event) error {
	return k.write(EventMessage{Type: "event", Event: e})
}

func (k *sink) KeepAlive() error {
	return k.write(HeartbeatMessage{Type: "heartbeat", Timestamp: time.Now().UTC()})
}

func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	sess, err := s.streamer.Open(jobID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, job.ErrNotFound) {
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Job not found"})
		return
	}
	defer sess.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	connID := uuid.NewString()
	s.connsMu.Lock()
	s.conns[connID] = conn
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, connID)
		s.connsMu.Unlock()
	}()

	log := s.logger.With("job_id", jobID, "connection_id", connID)

	// Observers only listen; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	out := &sink{ctx: ctx, conn: conn}

	if err := out.write(AckMessage{Type: "ack", ConnectionID: connID, JobID: jobID}); err != nil {
		log.Debug("failed to send ack", "error", err)
		return
	}

	if err := sess.Run(ctx, out); err != nil {
		log.Debug("websocket stream ended", "error", err)
		out.write(ErrorMessage{Type: "error", JobID: jobID, Error: err.Error()})
		return
	}
	if ctx.Err() != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "stream complete")
}
