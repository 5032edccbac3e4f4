package notifier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"calendar-live/domain"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy string

const (
	// OverflowResync drops the backlog and leaves a single refresh record.
	OverflowResync OverflowPolicy = "resync"
	// OverflowDisconnect evicts the subscriber.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy parses a configured policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case OverflowResync, OverflowDisconnect:
		return p, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// ErrSlowSubscriber is reported by Subscriber.Err after eviction.
var ErrSlowSubscriber = errors.New("subscriber evicted: buffer full")

// Subscriber is one live-update consumer. Records arrive in publish order.
type Subscriber struct {
	ID string

	records chan domain.ChangeRecord
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscriber(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscriber{
		ID:      uuid.NewString(),
		records: make(chan domain.ChangeRecord, buffer),
		done:    make(chan struct{}),
	}
}

// Records yields the subscriber's change records.
func (s *Subscriber) Records() <-chan domain.ChangeRecord { return s.records }

// Done is closed when the notifier evicts the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err returns the eviction reason, if any.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type outcome int

const (
	delivered outcome = iota
	skipped
	resynced
	evicted
)

// deliver never blocks.
func (s *Subscriber) deliver(rec domain.ChangeRecord, policy OverflowPolicy) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return skipped
	}
	select {
	case s.records <- rec:
		return delivered
	default:
	}

	if policy == OverflowDisconnect {
		s.closed = true
		s.err = ErrSlowSubscriber
		close(s.done)
		return evicted
	}
	for drained := false; !drained; {
		select {
		case <-s.records:
		default:
			drained = true
		}
	}
	s.records <- domain.RefreshRecord()
	return resynced
}

func (s *Subscriber) detach() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
