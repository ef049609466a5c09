package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// EmitFunc reports an intermediate event of a running job. It is safe to
// call from any goroutine.
type EmitFunc func(category, message string, data map[string]any)

// Task is what a Collaborator receives for one job run.
type Task struct {
	JobID     string
	JobDir    string
	Workspace string
	Request   json.RawMessage
	Emit      EmitFunc
}

// Collaborator performs the actual work of a job. The returned value is
// stored as the job result and must marshal to JSON.
type Collaborator interface {
	Run(ctx context.Context, task Task) (any, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, task Task) (any, error)

func (f CollaboratorFunc) Run(ctx context.Context, task Task) (any, error) {
	return f(ctx, task)
}

// PanicError is returned when a collaborator panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v", e.Value)
}

func (e *PanicError) Class() string {
	return "PanicError"
}

// Describe renders err as "<Kind>: <message>". The kind comes from a
// Class() method anywhere in the chain; context errors get their own kinds
// and anything else is "Error".
func Describe(err error) string {
	var classed interface{ Class() string }
	kind := "Error"
	switch {
	case errors.As(err, &classed):
		kind = classed.Class()
	case errors.Is(err, context.DeadlineExceeded):
		kind = "TimeoutError"
	case errors.Is(err, context.Canceled):
		kind = "CancelledError"
	}
	return kind + ": " + err.Error()
}
