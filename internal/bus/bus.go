package bus

import (
	"sync"

	"github.com/synapsehealth/dicom-gateway/internal/models"
)

// Bus fans retrieval progress snapshots out to per-study subscribers.
// Publishing never blocks: each subscriber holds at most one pending
// snapshot, and a newer snapshot replaces an unconsumed older one. A
// terminal snapshot is always delivered, after which the topic closes.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs map[*Subscription]struct{}
}

// Subscription receives progress snapshots for one study. C is closed after
// a terminal snapshot is delivered or the subscription is cancelled.
type Subscription struct {
	C <-chan models.RetrieveProgress

	bus      *Bus
	studyUID string
	ch       chan models.RetrieveProgress
	closed   bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Subscribe registers a listener for one study's progress.
func (b *Bus) Subscribe(studyUID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[studyUID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[studyUID] = t
	}
	ch := make(chan models.RetrieveProgress, 1)
	sub := &Subscription{C: ch, bus: b, studyUID: studyUID, ch: ch}
	t.subs[sub] = struct{}{}
	return sub
}

// Close cancels the subscription. Safe to call more than once and after the
// topic has already closed.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.dropLocked(s)
}

func (b *Bus) dropLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	if t, ok := b.topics[s.studyUID]; ok {
		delete(t.subs, s)
		if len(t.subs) == 0 {
			delete(b.topics, s.studyUID)
		}
	}
	close(s.ch)
}

// Publish delivers a snapshot to every subscriber of the study. Slow
// subscribers have their stale pending snapshot replaced rather than
// blocking the publisher. A terminal snapshot closes the topic.
func (b *Bus) Publish(progress models.RetrieveProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[progress.StudyInstanceUID]
	if !ok {
		return
	}
	terminal := progress.Status.IsTerminal()
	for sub := range t.subs {
		select {
		case sub.ch <- progress:
		default:
			// Replace the unconsumed snapshot with the newer one.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- progress
		}
		if terminal {
			sub.closed = true
			close(sub.ch)
		}
	}
	if terminal {
		delete(b.topics, progress.StudyInstanceUID)
	}
}
