package job

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/repo2gpt/server/internal/db"
)

const SystemNamespace = "repo2gpt"

// BadgerPersister stores job records in badger under jobs/<id>.
type BadgerPersister struct {
	dbStore *db.Store
}

func NewBadgerPersister(dbStore *db.Store) *BadgerPersister {
	return &BadgerPersister{dbStore: dbStore}
}

func jobKey(id string) string {
	return "jobs/" + id
}

func requestKey(id string) string {
	return "requests/" + id
}

// Init writes the request and the first record in one transaction.
func (p *BadgerPersister) Init(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := p.dbStore.SetBatch(SystemNamespace, map[string][]byte{
		requestKey(j.ID): j.Request,
		jobKey(j.ID):     data,
	}); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (p *BadgerPersister) Save(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := p.dbStore.Set(SystemNamespace, jobKey(j.ID), data); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (p *BadgerPersister) LoadAll() ([]*Job, error) {
	var jobs []*Job
	err := p.dbStore.Scan(SystemNamespace, "jobs/", func(key string, data []byte) error {
		jobID := strings.TrimPrefix(key, "jobs/")
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			slog.Warn("skipping malformed job record", "job_id", jobID, "error", err)
			return nil
		}
		if err := j.validate(); err != nil {
			slog.Warn("skipping invalid job record", "job_id", jobID, "error", err)
			return nil
		}
		jobs = append(jobs, &j)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}
