package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/repo2gpt/server/internal/broker"
	"github.com/repo2gpt/server/internal/config"
	"github.com/repo2gpt/server/internal/job"
	"github.com/repo2gpt/server/internal/orchestrator"
	"github.com/repo2gpt/server/internal/snapshot"
	"github.com/repo2gpt/server/internal/storage"
	"github.com/repo2gpt/server/internal/stream"
)

const (
	version     = "1.0.0"
	maxBodySize = 256 << 20
)

var startTime = time.Now()

type Handlers struct {
	cfg      *config.Config
	store    *job.Store
	orch     *orchestrator.Orchestrator
	files    *storage.Store
	streamer *stream.Streamer
	broker   *broker.Broker
	logger   *slog.Logger
	conns    func() int
}

func NewHandlers(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		cfg:      d.Config,
		store:    d.Store,
		orch:     d.Orchestrator,
		files:    d.Files,
		streamer: d.Streamer,
		broker:   d.Broker,
		logger:   logger,
		conns:    func() int { return 0 },
	}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        version,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"store_backend":  h.cfg.StoreBackend,
		"auth_required":  h.cfg.APIKey != "",
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	pending, running, completed, failed := h.store.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs": map[string]int{
			"pending":         pending,
			"running":         running,
			"completed_total": completed,
			"failed_total":    failed,
		},
		"scheduler": h.orch.Stats(),
		"streams": map[string]int{
			"websocket":    h.conns(),
			"subscribers":  h.broker.Subscribers(),
			"watched_jobs": h.broker.Jobs(),
		},
	})
}

// JobResponse is the acknowledgement returned on job creation.
type JobResponse struct {
	ID        string     `json:"id"`
	Status    job.Status `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	req, err := snapshot.ParseRequest(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	canonical, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not encode request")
		return
	}

	j, err := h.store.Create(canonical)
	if err != nil {
		h.logger.Error("failed to create job", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not create job")
		return
	}
	if _, err := h.orch.Emit(j.ID, job.EventStatus, "Job created", map[string]any{
		"status": string(j.Status),
	}); err != nil {
		h.logger.Error("failed to record job creation", "job_id", j.ID, "error", err)
	}
	h.orch.Submit(j.ID)
	h.logger.Info("job accepted", "job_id", j.ID, "source", req.Source.Type)

	writeJSON(w, http.StatusAccepted, JobResponse{
		ID:        j.ID,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type JobSummary struct {
	ID        string     `json:"id"`
	Status    job.Status `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Events    int        `json:"event_count"`
	Error     *string    `json:"error"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := r.URL.Query().Get("status")

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total := h.store.List(limit, offset, status)
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{
			ID:        j.ID,
			Status:    j.Status,
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
			Events:    len(j.Events),
			Error:     j.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   out,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type ArtifactChunk struct {
	Index      int    `json:"index"`
	TokenCount int    `json:"token_count"`
	FileCount  int    `json:"file_count"`
	Content    string `json:"content"`
}

type ArtifactsResponse struct {
	RepoMap        string                 `json:"repomap"`
	Chunks         []ArtifactChunk        `json:"chunks"`
	Warnings       []string               `json:"warnings"`
	TokenEstimator snapshot.EstimatorInfo `json:"token_estimator"`
	TokenTotals    snapshot.TokenTotals   `json:"token_totals"`
}

// GetArtifacts returns the repo map and chunk contents of a completed job.
// A completed job whose files are gone is a server fault.
func (h *Handlers) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := h.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if j.Status != job.StatusCompleted {
		writeError(w, http.StatusConflict, "Job not completed yet")
		return
	}

	var res snapshot.Result
	if len(j.Result) == 0 || json.Unmarshal(j.Result, &res) != nil || res.RepoMapPath == "" {
		writeError(w, http.StatusInternalServerError, "Job result missing")
		return
	}

	repoMap, err := h.files.Get(id, res.RepoMapPath)
	if err != nil {
		h.logger.Error("repo map unavailable", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Repo map missing")
		return
	}

	chunks := make([]ArtifactChunk, 0, len(res.Chunks))
	for _, c := range res.Chunks {
		content, err := h.files.Get(id, c.Path)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				h.logger.Warn("skipping unreadable chunk", "job_id", id, "path", c.Path, "error", err)
			}
			continue
		}
		chunks = append(chunks, ArtifactChunk{
			Index:      c.Index,
			TokenCount: c.TokenCount,
			FileCount:  c.FileCount,
			Content:    string(content),
		})
	}

	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, ArtifactsResponse{
		RepoMap:        string(repoMap),
		Chunks:         chunks,
		Warnings:       warnings,
		TokenEstimator: res.TokenEstimator,
		TokenTotals:    res.TokenTotals,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
