package eventbus

import (
	"sync"
	"time"

	"github.com/eval-hub/bench-runner/internal/metrics"
	"github.com/eval-hub/bench-runner/pkg/api"
)

type subscriber struct {
	ch   chan api.RunEvent
	quit chan struct{}

	// guarded by the hub lock
	ready      bool
	closed     bool
	finalizing bool
	pending    []api.RunEvent
	lastSent   time.Time

	// replay watermarks: lines per stream and the status rank already replayed
	lines      map[api.Stream]int64
	statusRank int

	errMu    sync.Mutex
	err      error
	stopOnce sync.Once
}

func newSubscriber(bufferSize int) *subscriber {
	return &subscriber{
		ch:   make(chan api.RunEvent, bufferSize),
		quit: make(chan struct{}),
	}
}

func (s *subscriber) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *subscriber) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// accept filters out live events already covered by the replay.
func (s *subscriber) accept(event api.RunEvent) bool {
	switch event.Kind {
	case api.EventLogLine:
		return event.Seq != nil && *event.Seq >= s.lines[event.Stream]
	case api.EventStatus:
		rank := statusRank(event.Status)
		if rank <= s.statusRank {
			return false
		}
		s.statusRank = rank
		return true
	default:
		return true
	}
}

func statusRank(status api.RunStatus) int {
	switch status {
	case api.RunStatusQueued:
		return 0
	case api.RunStatusRunning:
		return 1
	default:
		return 2
	}
}

// Subscription is one observer of a run. Replay reconstructs everything that
// happened before the subscription; Events carries what happens after, with
// no duplicates and no gaps. Events is closed after the terminal event, when
// the subscription is lost or when it is closed.
type Subscription struct {
	RunID  string
	Replay []api.RunEvent
	Events <-chan api.RunEvent

	bus  *Bus
	hub  *hub
	sub  *subscriber
	once sync.Once
}

// Err reports why Events was closed early. It is nil after a normal finish.
func (s *Subscription) Err() error {
	return s.sub.getErr()
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.hub, s.sub)
		metrics.EventSubscribers.Dec()
	})
}

// Subscribe registers an observer and returns the replay of the run so far.
// The observer is registered before the replay is read, and live events that
// arrive meanwhile are held back and filtered against the replay.
func (b *Bus) Subscribe(runID string) (*Subscription, error) {
	s := newSubscriber(b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	h := b.hubs[runID]
	if h == nil {
		h = &hub{runID: runID, subs: map[*subscriber]struct{}{}}
		b.hubs[runID] = h
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	b.mu.Unlock()
	metrics.EventSubscribers.Inc()

	subscription := &Subscription{RunID: runID, Events: s.ch, bus: b, hub: h, sub: s}

	snapshot, err := b.source.Snapshot(runID)
	if err != nil {
		subscription.Close()
		return nil, err
	}
	subscription.Replay = BuildReplay(snapshot)

	h.mu.Lock()
	if snapshot.Record.Status.IsTerminal() {
		// nothing can follow the terminal event
		delete(h.subs, s)
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.pending = nil
		h.mu.Unlock()
		b.removeHub(runID, h, true)
		return subscription, nil
	}

	s.lines = map[api.Stream]int64{
		api.StreamStdout: int64(len(snapshot.Stdout)),
		api.StreamStderr: int64(len(snapshot.Stderr)),
	}
	s.statusRank = statusRank(snapshot.Record.Status)
	s.ready = true
	s.lastSent = time.Now()
	pending := s.pending
	s.pending = nil
	for _, event := range pending {
		if s.closed {
			break
		}
		if s.accept(event) {
			b.deliver(h, s, event)
		}
	}
	h.mu.Unlock()

	return subscription, nil
}
