package job

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status]Status{
	StatusPending: StatusRunning,
}

// CanTransition reports whether from -> to is an edge of
// pending -> running -> {completed | failed}.
func CanTransition(from, to Status) bool {
	if from == StatusRunning {
		return to.Terminal()
	}
	next, ok := transitions[from]
	return ok && next == to
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Event is one progress notification in a job's history.
type Event struct {
	ID        int            `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Message   *string        `json:"message"`
	Data      map[string]any `json:"data"`
}

// Terminal reports whether the event announces a terminal status.
func (e Event) Terminal() bool {
	if e.Event != EventStatus {
		return false
	}
	s, _ := e.Data["status"].(string)
	return Status(s).Terminal()
}

const (
	EventStatus   = "status"
	EventProgress = "progress"
)

type Job struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Request   json.RawMessage `json:"request"`
	Events    []Event         `json:"events"`
	Result    json.RawMessage `json:"result"`
	Error     *string         `json:"error"`
}

// Clone returns a deep copy safe to hand out of the store lock.
func (j *Job) Clone() *Job {
	c := *j
	c.Request = append(json.RawMessage(nil), j.Request...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.Events = make([]Event, len(j.Events))
	copy(c.Events, j.Events)
	return &c
}

func (j *Job) validate() error {
	if j.ID == "" {
		return errors.New("missing id")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	for i, e := range j.Events {
		if e.ID != i+1 {
			return fmt.Errorf("event %d has id %d", i, e.ID)
		}
	}
	return nil
}

func newID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
