package backup

import (
	"sync"
	"time"

	"mssql-recovery/internal/engine"
)

// Event is a notification from an operation or a recovery job.
// OperationID is empty for job-level messages.
type Event struct {
	Kind        engine.EventKind
	OperationID string
	Database    string
	Artifact    ArtifactType
	Direction   Direction
	Percent     int
	Message     string
	Time        time.Time
}

const subscriberBuffer = 16

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
	kinds  map[engine.EventKind]bool
}

func (s *subscriber) wants(kind engine.EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// deliver blocks until the subscriber receives e or unsubscribes
func (s *subscriber) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	case <-s.done:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// broadcaster fans events out to subscribers. Nothing is replayed to late
// subscribers. Once closed, every subscriber channel is closed and further
// publishes are dropped.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	next   int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*subscriber)}
}

// subscribe returns a channel of events of the given kinds (all when empty)
// and a function that stops delivery and closes the channel.
func (b *broadcaster) subscribe(kinds ...engine.EventKind) (<-chan Event, func()) {
	s := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[engine.EventKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return s.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Kind) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(e)
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
