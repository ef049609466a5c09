package ws

import (
	"time"

	"github.com/repo2gpt/server/internal/job"
)

// Server → observer

type AckMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	JobID        string `json:"job_id"`
}

type EventMessage struct {
	Type  string    `json:"type"`
	Event job.Event `json:"event"`
}

type HeartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Error string `json:"error"`
}
