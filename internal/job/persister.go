package job

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Persister is the durable side of the Store. Save is called with the
// store lock held and must leave the full record on disk before returning.
type Persister interface {
	Init(j *Job) error
	Save(j *Job) error
	LoadAll() ([]*Job, error)
}

const (
	statusFile  = "status.json"
	requestFile = "request.json"
)

// FilePersister keeps one directory per job under root, holding
// status.json (the full record) and request.json (the verbatim request).
type FilePersister struct {
	root string
}

func NewFilePersister(root string) (*FilePersister, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FilePersister{root: root}, nil
}

func (p *FilePersister) Root() string {
	return p.root
}

func (p *FilePersister) JobDir(id string) string {
	return filepath.Join(p.root, id)
}

func (p *FilePersister) Init(j *Job) error {
	dir := p.JobDir(j.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, requestFile), indentJSON(j.Request)); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return p.Save(j)
}

func (p *FilePersister) Save(j *Job) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(p.JobDir(j.ID), statusFile), data); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// LoadAll reads every parseable status file. Directories with missing or
// malformed status data are skipped.
func (p *FilePersister) LoadAll() ([]*Job, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}

	var jobs []*Job
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.root, e.Name(), statusFile))
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("skipping unreadable job status", "dir", e.Name(), "error", err)
			}
			continue
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			slog.Warn("skipping malformed job status", "dir", e.Name(), "error", err)
			continue
		}
		if err := j.validate(); err != nil {
			slog.Warn("skipping invalid job status", "dir", e.Name(), "error", err)
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// writeFileAtomic writes to a sibling temp file and renames it over path,
// so a crash mid-write leaves the previous version intact.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func indentJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return out
}
