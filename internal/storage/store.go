package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("file not found")

const (
	ArtifactsDir = "artifacts"
	WorkspaceDir = "workspace"
)

// Store keeps per-job files under <baseDir>/<job id>/. It shares the root
// with the job status documents.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// JobDir is the directory owning every file of a job.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.baseDir, jobID)
}

// Workspace is the scratch directory a job acquires its source into.
func (s *Store) Workspace(jobID string) string {
	return filepath.Join(s.JobDir(jobID), WorkspaceDir)
}

func (s *Store) filePath(jobID, path string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id: %q", jobID)
	}
	if strings.Contains(path, "..") || filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid path: %s", path)
	}

	dir := s.JobDir(jobID)
	fullPath := filepath.Join(dir, filepath.FromSlash(path))
	if fullPath != dir && !strings.HasPrefix(fullPath, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}
	return fullPath, nil
}

// Path resolves a slash-separated path relative to the job directory.
func (s *Store) Path(jobID, path string) (string, error) {
	return s.filePath(jobID, path)
}

func (s *Store) Put(jobID, path string, content []byte) error {
	fullPath, err := s.filePath(jobID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return os.WriteFile(fullPath, content, 0644)
}

func (s *Store) Get(jobID, path string) ([]byte, error) {
	fullPath, err := s.filePath(jobID, path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

// RemoveAll deletes path and everything below it. Missing paths are not an
// error.
func (s *Store) RemoveAll(jobID, path string) error {
	fullPath, err := s.filePath(jobID, path)
	if err != nil {
		return err
	}
	if fullPath == s.JobDir(jobID) {
		return fmt.Errorf("refusing to remove job directory of %s", jobID)
	}
	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// List returns slash-separated paths of regular files below the job
// directory that start with prefix, sorted.
func (s *Store) List(jobID, prefix string) ([]string, error) {
	dir, err := s.filePath(jobID, "")
	if err != nil {
		return nil, err
	}

	files := []string{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
