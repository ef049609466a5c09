package broker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/repo2gpt/server/internal/job"
)

// Subscription is an unbounded FIFO of live events for one job. Publishing
// never blocks on it; a consumer waits on Ready and drains with Next.
type Subscription struct {
	ID    string
	JobID string

	mu     sync.Mutex
	queue  []job.Event
	notify chan struct{}
}

func newSubscription(jobID string) *Subscription {
	return &Subscription{
		ID:     uuid.NewString(),
		JobID:  jobID,
		notify: make(chan struct{}, 1),
	}
}

func (s *Subscription) push(e job.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next pops the oldest queued event.
func (s *Subscription) Next() (job.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return job.Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = job.Event{}
	s.queue = s.queue[1:]
	return e, true
}

// Ready receives a value after at least one push since the last receive.
func (s *Subscription) Ready() <-chan struct{} {
	return s.notify
}

func (s *Subscription) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Broker fans live events out to the current subscribers of a job. It keeps
// no history: an event published with no subscribers is dropped.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string][]*Subscription
}

func New() *Broker {
	return &Broker{subscribers: make(map[string][]*Subscription)}
}

func (b *Broker) Subscribe(jobID string) *Subscription {
	sub := newSubscription(jobID)
	b.mu.Lock()
	b.subscribers[jobID] = append(b.subscribers[jobID], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub. The job entry is dropped with its last subscriber.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.JobID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, sub.JobID)
		return
	}
	b.subscribers[sub.JobID] = subs
}

func (b *Broker) Publish(jobID string, e job.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[jobID] {
		sub.push(e)
	}
}

// Subscribers returns the number of live subscriptions across all jobs.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Jobs returns how many jobs currently have subscribers.
func (b *Broker) Jobs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
