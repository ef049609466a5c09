package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/repo2gpt/server/internal/orchestrator"
	"github.com/repo2gpt/server/internal/storage"
)

type EmitFunc = orchestrator.EmitFunc

const (
	repoMapPath = storage.ArtifactsDir + "/repomap.txt"
	chunksDir   = storage.ArtifactsDir + "/chunks"
)

// ChunkInfo describes one chunk file in the job result.
type ChunkInfo struct {
	Index      int    `json:"index"`
	TokenCount int    `json:"token_count"`
	FileCount  int    `json:"file_count"`
	Path       string `json:"path"`
}

type EstimatorInfo struct {
	Enabled  bool   `json:"enabled"`
	Strategy string `json:"strategy"`
}

type TokenTotals struct {
	ChunkTokens   int `json:"chunk_tokens"`
	RepoMapTokens int `json:"repo_map_tokens"`
	ChunkCount    int `json:"chunk_count"`
}

// Result is stored as the job result. Paths are relative to the job
// directory.
type Result struct {
	RepoMapPath    string        `json:"repomap_path"`
	Chunks         []ChunkInfo   `json:"chunks"`
	Warnings       []string      `json:"warnings"`
	TokenEstimator EstimatorInfo `json:"token_estimator"`
	TokenTotals    TokenTotals   `json:"token_totals"`
}

// Snapshotter is the job collaborator that turns a request into repo map
// and chunk artifacts.
type Snapshotter struct {
	files        *storage.Store
	acquirer     *Acquirer
	newEstimator func(enabled bool) *TokenEstimator
	logger       *slog.Logger
}

func NewSnapshotter(files *storage.Store, acquirer *Acquirer, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		files:        files,
		acquirer:     acquirer,
		newEstimator: NewTokenEstimator,
		logger:       logger,
	}
}

// WithEstimator replaces how token estimators are built for each run.
func (s *Snapshotter) WithEstimator(fn func(enabled bool) *TokenEstimator) *Snapshotter {
	s.newEstimator = fn
	return s
}

// ApproximateEstimators counts with the characters/4 rule whenever counting
// is enabled, without loading tiktoken data.
func ApproximateEstimators(enabled bool) *TokenEstimator {
	if !enabled {
		return NewTokenEstimator(false)
	}
	return NewApproximateEstimator()
}

func (s *Snapshotter) Run(ctx context.Context, task orchestrator.Task) (any, error) {
	req, err := ParseRequest(task.Request)
	if err != nil {
		return nil, err
	}

	task.Emit("progress", "Starting job", nil)
	root, err := s.acquirer.Prepare(ctx, req.Source, task.Workspace, task.Emit)
	if err != nil {
		return nil, err
	}

	result, err := s.snapshot(ctx, task, root, req)
	if err != nil {
		return nil, err
	}
	task.Emit("progress", "Snapshot generation complete", nil)
	return result, nil
}

func (s *Snapshotter) snapshot(ctx context.Context, task orchestrator.Task, root string, req *Request) (*Result, error) {
	if err := s.files.RemoveAll(task.JobID, storage.ArtifactsDir); err != nil {
		return nil, newError(KindSnapshot, "reset artifacts: %w", err)
	}

	estimator := s.newEstimator(req.TokenCountsEnabled())
	repoMapAbs, err := s.files.Path(task.JobID, repoMapPath)
	if err != nil {
		return nil, newError(KindSnapshot, "resolve repo map path: %w", err)
	}
	chunksAbs, err := s.files.Path(task.JobID, chunksDir)
	if err != nil {
		return nil, newError(KindSnapshot, "resolve chunks path: %w", err)
	}

	task.Emit("progress", "Generating repository snapshot", nil)

	result := &Result{
		RepoMapPath: repoMapPath,
		Chunks:      []ChunkInfo{},
		TokenEstimator: EstimatorInfo{
			Enabled:  estimator.Enabled(),
			Strategy: estimator.Strategy(),
		},
	}

	snap, err := Collect(ctx, root, CollectOptions{
		Filter:          NewFilter(root, req.Options),
		Estimator:       estimator,
		Skip:            SkipPaths(root, repoMapAbs, chunksAbs),
		ChunkTokenLimit: req.ChunkLimit(),
		OnRepoMap: func(text string) error {
			if err := s.files.Put(task.JobID, repoMapPath, []byte(text)); err != nil {
				return newError(KindSnapshot, "write repo map: %w", err)
			}
			task.Emit("repomap", "Repo map generated", map[string]any{"path": repoMapAbs})
			return nil
		},
		OnChunk: func(c Chunk) error {
			rel := path.Join(chunksDir, fmt.Sprintf("chunk_%04d.md", c.Index))
			if err := s.files.Put(task.JobID, rel, []byte(c.Content)); err != nil {
				return newError(KindSnapshot, "write chunk %d: %w", c.Index, err)
			}
			result.Chunks = append(result.Chunks, ChunkInfo{
				Index:      c.Index,
				TokenCount: c.TokenCount,
				FileCount:  c.FileCount,
				Path:       rel,
			})
			task.Emit("chunk", "Chunk generated", map[string]any{
				"chunk_index": c.Index,
				"token_count": c.TokenCount,
				"file_count":  c.FileCount,
				"path":        filepath.Join(task.JobDir, filepath.FromSlash(rel)),
			})
			return nil
		},
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) || ctx.Err() != nil {
			return nil, err
		}
		return nil, newError(KindSnapshot, "%w", err)
	}

	total := 0
	for _, c := range result.Chunks {
		total += c.TokenCount
	}
	repoMapTokens := estimator.Count(snap.RepoMap)
	result.Warnings = append([]string{}, snap.Warnings...)
	result.TokenTotals = TokenTotals{
		ChunkTokens:   total,
		RepoMapTokens: repoMapTokens,
		ChunkCount:    len(result.Chunks),
	}
	task.Emit("tokens", "Token statistics updated", map[string]any{
		"chunk_count":         len(result.Chunks),
		"total_tokens":        total,
		"repo_map_tokens":     repoMapTokens,
		"estimation_strategy": estimator.Strategy(),
	})
	s.logger.Debug("snapshot written", "job_id", task.JobID, "chunks", len(result.Chunks), "tokens", total)
	return result, nil
}
