package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the authoritative set of job records. Every operation holds the
// same process-wide lock, and every mutation is written through to the
// persister before it becomes visible.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	order     []string
	persister Persister
	now       func() time.Time
}

// NewStore loads every recoverable record from p and returns the store.
func NewStore(p Persister) (*Store, error) {
	s := &Store{
		jobs:      make(map[string]*Job),
		persister: p,
		now:       func() time.Time { return time.Now().UTC() },
	}

	loaded, err := p.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	sort.SliceStable(loaded, func(a, b int) bool {
		return loaded[a].CreatedAt.Before(loaded[b].CreatedAt)
	})
	for _, j := range loaded {
		if _, dup := s.jobs[j.ID]; dup {
			continue
		}
		if j.Events == nil {
			j.Events = []Event{}
		}
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)
	}
	return s, nil
}

// Create allocates a new pending job for request and persists it.
func (s *Store) Create(request json.RawMessage) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	for {
		var err error
		if id, err = newID(); err != nil {
			return nil, err
		}
		if _, taken := s.jobs[id]; !taken {
			break
		}
	}

	if len(request) == 0 {
		request = json.RawMessage("{}")
	}
	now := s.now()
	j := &Job{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Request:   append(json.RawMessage(nil), request...),
		Events:    []Event{},
	}
	if err := s.persister.Init(j); err != nil {
		return nil, fmt.Errorf("persist job %s: %w", id, err)
	}
	s.jobs[id] = j
	s.order = append(s.order, id)
	return j.Clone(), nil
}

// Get returns a copy of the cached record. Storage is not consulted.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// UpdateStatus moves a job to status. result must be set exactly when
// status is completed and errMsg exactly when it is failed.
func (s *Store) UpdateStatus(id string, status Status, result json.RawMessage, errMsg string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !CanTransition(cur.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
	}
	switch {
	case status == StatusCompleted && len(result) == 0:
		return nil, errors.New("completed job requires a result")
	case status == StatusFailed && errMsg == "":
		return nil, errors.New("failed job requires an error")
	}

	next := cur.Clone()
	next.Status = status
	next.UpdatedAt = s.now()
	next.Result = nil
	next.Error = nil
	if status == StatusCompleted {
		next.Result = append(json.RawMessage(nil), result...)
	}
	if status == StatusFailed {
		next.Error = &errMsg
	}
	if err := s.persister.Save(next); err != nil {
		return nil, fmt.Errorf("persist job %s: %w", id, err)
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

// AppendEvent records the next event of a job. Ids start at 1 and are
// assigned under the store lock.
func (s *Store) AppendEvent(id, category, message string, data map[string]any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{
		ID:        len(cur.Events) + 1,
		Timestamp: s.now(),
		Event:     category,
		Data:      data,
	}
	if message != "" {
		ev.Message = &message
	}

	next := cur.Clone()
	next.Events = append(next.Events, ev)
	next.UpdatedAt = ev.Timestamp
	if err := s.persister.Save(next); err != nil {
		return Event{}, fmt.Errorf("persist job %s: %w", id, err)
	}
	s.jobs[id] = next
	return ev, nil
}

// List returns jobs newest first, filtered by status when non-empty.
func (s *Store) List(limit, offset int, status string) ([]*Job, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []*Job
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if status == "" || string(j.Status) == status {
			filtered = append(filtered, j)
		}
	}

	total := len(filtered)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return []*Job{}, total
	}
	end := total
	if limit < total-offset {
		end = offset + limit
	}

	out := make([]*Job, 0, end-offset)
	for _, j := range filtered[offset:end] {
		out = append(out, j.Clone())
	}
	return out, total
}

// Unfinished returns the ids of non-terminal jobs in creation order.
func (s *Store) Unfinished() (pending, running []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		switch s.jobs[id].Status {
		case StatusPending:
			pending = append(pending, id)
		case StatusRunning:
			running = append(running, id)
		}
	}
	return
}

func (s *Store) Stats() (pending, running, completed, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		switch j.Status {
		case StatusPending:
			pending++
		case StatusRunning:
			running++
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
	}
	return
}
