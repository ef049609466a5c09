package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/repo2gpt/server/internal/job"
)

// sseSink frames events for a text/event-stream response.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSink) Send(e job.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", e.ID, err)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Event, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) KeepAlive() error {
	if _, err := io.WriteString(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// StreamEvents replays the job history and then tails live events as
// server-sent events until the job reaches a terminal status.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.streamer.Open(id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sess.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("streaming not supported", "job_id", id, "error", err)
		return
	}

	if err := sess.Run(r.Context(), &sseSink{w: w, rc: rc}); err != nil {
		h.logger.Debug("event stream ended", "job_id", id, "error", err)
	}
}
