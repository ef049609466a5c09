package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/repo2gpt/server/internal/broker"
	"github.com/repo2gpt/server/internal/job"
)

const DefaultKeepAlive = 5 * time.Second

// Sink is a transport that delivers events to one observer.
type Sink interface {
	Send(e job.Event) error
	KeepAlive() error
}

type Streamer struct {
	store     *job.Store
	broker    *broker.Broker
	keepAlive time.Duration
}

func New(store *job.Store, b *broker.Broker, keepAlive time.Duration) *Streamer {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Streamer{store: store, broker: b, keepAlive: keepAlive}
}

// Session is one observer's view of a job: a live subscription plus the
// history that was recorded when it was taken.
type Session struct {
	JobID     string
	sub       *broker.Subscription
	broker    *broker.Broker
	history   []job.Event
	keepAlive time.Duration
	closed    bool
}

// Open subscribes to jobID and then snapshots its history. Subscribing first
// means anything appended after the snapshot is already queued.
func (s *Streamer) Open(jobID string) (*Session, error) {
	if _, ok := s.store.Get(jobID); !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}

	sub := s.broker.Subscribe(jobID)
	j, ok := s.store.Get(jobID)
	if !ok {
		s.broker.Unsubscribe(sub)
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}

	return &Session{
		JobID:     jobID,
		sub:       sub,
		broker:    s.broker,
		history:   j.Events,
		keepAlive: s.keepAlive,
	}, nil
}

// Close releases the subscription. It is safe to call more than once.
func (ss *Session) Close() {
	if ss.closed {
		return
	}
	ss.closed = true
	ss.broker.Unsubscribe(ss.sub)
}

// Run replays history then tails live events until a terminal status event
// is delivered, ctx is done, or the sink fails. Events at or below the
// highest id already delivered are dropped. The subscription is always
// released on return.
func (ss *Session) Run(ctx context.Context, sink Sink) error {
	defer ss.Close()

	var last int
	deliver := func(e job.Event) (done bool, err error) {
		if e.ID <= last {
			return false, nil
		}
		if err := sink.Send(e); err != nil {
			return true, err
		}
		last = e.ID
		return e.Terminal(), nil
	}

	for _, e := range ss.history {
		if done, err := deliver(e); done || err != nil {
			return err
		}
	}

	timer := time.NewTimer(ss.keepAlive)
	defer timer.Stop()

	for {
		for {
			e, ok := ss.sub.Next()
			if !ok {
				break
			}
			if done, err := deliver(e); done || err != nil {
				return err
			}
		}

		timer.Reset(ss.keepAlive)
		select {
		case <-ctx.Done():
			return nil
		case <-ss.sub.Ready():
		case <-timer.C:
			if err := sink.KeepAlive(); err != nil {
				return err
			}
		}
	}
}
