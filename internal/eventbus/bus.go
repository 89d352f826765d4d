// Package eventbus fans out the live events of each run to its observers.
//
// Every run with at least one observer has a hub. Publishing never blocks:
// heartbeats and progress are dropped for slow observers, while an observer
// that cannot keep up with log lines or status changes loses its
// subscription and must subscribe again. The terminal event is the last event
// of a run, after which the hub is torn down.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eval-hub/bench-runner/internal/config"
	"github.com/eval-hub/bench-runner/internal/metrics"
	"github.com/eval-hub/bench-runner/pkg/api"
)

var (
	// ErrSubscriptionLost means events were lost and the observer must resubscribe.
	ErrSubscriptionLost = errors.New("subscription lost: the observer fell behind")
	ErrBusClosed        = errors.New("event bus closed")
)

const (
	defaultBufferSize        = 256
	defaultHeartbeatInterval = 15 * time.Second
	defaultTerminalTimeout   = 5 * time.Second
)

// Bus owns the hub registry. Lock order is Bus.mu before hub.mu.
type Bus struct {
	source ReplaySource
	logger *slog.Logger

	bufferSize        int
	heartbeatInterval time.Duration
	terminalTimeout   time.Duration

	mu     sync.Mutex
	hubs   map[string]*hub
	closed bool

	// terminal deliveries still waiting on a slow observer
	senders sync.WaitGroup
}

type hub struct {
	runID    string
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	finished bool
}

func New(source ReplaySource, conf *config.EventsConfig, logger *slog.Logger) *Bus {
	b := &Bus{
		source:            source,
		logger:            logger,
		bufferSize:        defaultBufferSize,
		heartbeatInterval: defaultHeartbeatInterval,
		terminalTimeout:   defaultTerminalTimeout,
		hubs:              map[string]*hub{},
	}
	if conf != nil {
		if conf.BufferSize > 0 {
			b.bufferSize = conf.BufferSize
		}
		if conf.HeartbeatInterval > 0 {
			b.heartbeatInterval = conf.HeartbeatInterval
		}
		if conf.TerminalTimeout > 0 {
			b.terminalTimeout = conf.TerminalTimeout
		}
	}
	return b
}

// Publish hands an event to every observer of the run. Runs without
// observers have no hub and the event is simply not delivered; the persisted
// state is what later observers replay.
func (b *Bus) Publish(runID string, event api.RunEvent) {
	b.mu.Lock()
	h := b.hubs[runID]
	b.mu.Unlock()
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	for s := range h.subs {
		if !s.ready {
			if len(s.pending) >= b.maxPending() {
				b.lose(h, s)
				continue
			}
			s.pending = append(s.pending, event)
			continue
		}
		b.deliver(h, s, event)
	}
	terminal := event.Kind.IsTerminal()
	if terminal {
		h.finished = true
		// observers still building their replay keep the terminal event in
		// pending and finish on their own
		for s := range h.subs {
			if s.ready {
				delete(h.subs, s)
			}
		}
	}
	h.mu.Unlock()

	if terminal {
		b.removeHub(runID, h, false)
	}
}

func (b *Bus) maxPending() int {
	return b.bufferSize * 4
}

// deliver sends one event to a ready observer. Called with h.mu held.
func (b *Bus) deliver(h *hub, s *subscriber, event api.RunEvent) {
	if s.closed {
		return
	}
	switch {
	case event.Kind.IsTerminal():
		select {
		case s.ch <- event:
			s.closed = true
			close(s.ch)
		default:
			s.closed = true
			s.finalizing = true
			b.senders.Add(1)
			go b.sendTerminal(s, event)
		}
	case event.Kind == api.EventHeartbeat || event.Kind == api.EventProgress:
		select {
		case s.ch <- event:
			s.lastSent = time.Now()
		default:
			metrics.EventsDropped.WithLabelValues(string(event.Kind)).Inc()
		}
	default:
		select {
		case s.ch <- event:
			s.lastSent = time.Now()
		default:
			b.lose(h, s)
		}
	}
}

// lose closes an observer that missed an event it was not allowed to miss.
// Called with h.mu held.
func (b *Bus) lose(h *hub, s *subscriber) {
	delete(h.subs, s)
	s.setErr(ErrSubscriptionLost)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	metrics.SubscriptionsLost.Inc()
	b.logger.Warn("Event subscription lost", "run_id", h.runID)
}

// sendTerminal waits up to the terminal timeout for a slow observer to make
// room for the terminal event.
func (b *Bus) sendTerminal(s *subscriber, event api.RunEvent) {
	defer b.senders.Done()
	timer := time.NewTimer(b.terminalTimeout)
	defer timer.Stop()
	select {
	case s.ch <- event:
	case <-timer.C:
		s.setErr(ErrSubscriptionLost)
		metrics.SubscriptionsLost.Inc()
	case <-s.quit:
	}
	close(s.ch)
}

// removeHub drops the hub from the registry. With onlyIfEmpty the hub is kept
// while it still has observers.
func (b *Bus) removeHub(runID string, h *hub, onlyIfEmpty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hubs[runID] != h {
		return
	}
	if onlyIfEmpty {
		h.mu.Lock()
		empty := len(h.subs) == 0
		h.mu.Unlock()
		if !empty {
			return
		}
	}
	delete(b.hubs, runID)
}

func (b *Bus) unsubscribe(h *hub, s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	if s.finalizing {
		s.stop()
	} else if !s.closed {
		s.closed = true
		close(s.ch)
	}
	h.mu.Unlock()
	b.removeHub(h.runID, h, true)
}

// Heartbeat sends a heartbeat to every observer that has received nothing
// for a full interval.
func (b *Bus) Heartbeat() {
	b.mu.Lock()
	hubs := make([]*hub, 0, len(b.hubs))
	for _, h := range b.hubs {
		hubs = append(hubs, h)
	}
	b.mu.Unlock()

	now := time.Now()
	for _, h := range hubs {
		h.mu.Lock()
		if !h.finished {
			for s := range h.subs {
				if s.ready && now.Sub(s.lastSent) >= b.heartbeatInterval {
					b.deliver(h, s, api.NewHeartbeatEvent(h.runID))
				}
			}
		}
		h.mu.Unlock()
	}
}

// Run sends heartbeats until the context is done.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Heartbeat()
		}
	}
}

// Close ends every subscription and waits for pending terminal deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	hubs := b.hubs
	b.hubs = map[string]*hub{}
	b.mu.Unlock()

	for _, h := range hubs {
		h.mu.Lock()
		h.finished = true
		for s := range h.subs {
			if s.finalizing {
				s.stop()
			} else if !s.closed {
				s.closed = true
				close(s.ch)
			}
			delete(h.subs, s)
		}
		h.mu.Unlock()
	}
	b.senders.Wait()
}

// Observers returns the number of observers of a run.
func (b *Bus) Observers(runID string) int {
	b.mu.Lock()
	h := b.hubs[runID]
	b.mu.Unlock()
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
