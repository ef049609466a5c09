package storage

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Handlers serves the raw artifact files of a job. Only files under
// artifacts/ are reachable, and only for jobs known reports.
type Handlers struct {
	store *Store
	known func(jobID string) bool
}

func NewHandlers(store *Store, known func(jobID string) bool) *Handlers {
	return &Handlers{store: store, known: known}
}

func (h *Handlers) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "id")
	if !h.known(jobID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Job not found"})
		return "", false
	}
	return jobID, true
}

func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	name := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if name == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "File not found"})
		return
	}

	content, err := h.store.Get(jobID, path.Join(ArtifactsDir, name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "File not found"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	switch {
	case strings.HasSuffix(name, ".md"):
		contentType = "text/markdown; charset=utf-8"
	case strings.HasSuffix(name, ".txt"):
		contentType = "text/plain; charset=utf-8"
	case contentType == "":
		contentType = http.DetectContentType(content)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

type ListResponse struct {
	Files []string `json:"files"`
	Count int      `json:"count"`
}

func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	prefix := ArtifactsDir + "/" + strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")

	files, err := h.store.List(jobID, prefix)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	for i, f := range files {
		files[i] = strings.TrimPrefix(f, ArtifactsDir+"/")
	}

	writeJSON(w, http.StatusOK, ListResponse{
		Files: files,
		Count: len(files),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
