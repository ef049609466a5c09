package orchestrator

import "sync"

type emission struct {
	category string
	message  string
	data     map[string]any
}

// emitter bridges collaborator goroutines to the single consumer that
// records events. Emits after close are dropped.
type emitter struct {
	mu     sync.RWMutex
	closed bool
	ch     chan emission
	done   chan struct{}
}

func newEmitter(buffer int, consume func(emission)) *emitter {
	e := &emitter{
		ch:   make(chan emission, buffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		for em := range e.ch {
			consume(em)
		}
	}()
	return e
}

func (e *emitter) emit(category, message string, data map[string]any) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.ch <- emission{category: category, message: message, data: data}
}

// close stops intake and waits until every accepted emission is consumed.
func (e *emitter) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	e.mu.Unlock()
	<-e.done
}
