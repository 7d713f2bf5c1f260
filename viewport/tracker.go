// Package viewport turns raw pan/zoom events from a map surface into a
// debounced stream of settled (bbox, zoom) observations.
package viewport

import (
	"sync"
	"time"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
)

// DefaultSettleDelay is how long the viewport must stay quiet before an
// observation counts as settled.
const DefaultSettleDelay = 200 * time.Millisecond

// Observation is one settled viewport: bounding box plus integer zoom.
type Observation struct {
	BBox geo.BBox
	Zoom int
}

// Tracker debounces raw viewport events and hands settled observations to a
// single handler, in order, on one dispatch goroutine. The tracker does not
// deduplicate; consumers must tolerate repeated emissions of an unchanged
// viewport. Intermediate observations superseded before the settle delay
// elapses are dropped, latest wins.
type Tracker struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	latest  Observation
	pending chan Observation
	done    chan struct{}
	closed  bool
}

// NewTracker creates a Tracker delivering to handler. A non-positive delay
// falls back to DefaultSettleDelay.
func NewTracker(handler func(Observation), delay time.Duration) *Tracker {
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	t := &Tracker{
		delay:   delay,
		pending: make(chan Observation, 1),
		done:    make(chan struct{}),
	}
	go func() {
		for {
			select {
			case o := <-t.pending:
				handler(o)
			case <-t.done:
				return
			}
		}
	}()
	return t
}

// Start emits the initial viewport immediately, so a query can fire before
// any user interaction.
func (t *Tracker) Start(o Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.deliver(o)
}

// Observe records a raw pan/zoom event and (re)arms the settle timer. Only
// the latest observation before the viewport goes quiet is emitted.
func (t *Tracker) Observe(o Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.latest = o
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.delay, t.settle)
}

func (t *Tracker) settle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.deliver(t.latest)
}

// deliver never blocks: if the mailbox is full the stale entry is replaced.
func (t *Tracker) deliver(o Observation) {
	for {
		select {
		case t.pending <- o:
			return
		default:
			select {
			case <-t.pending:
			default:
			}
		}
	}
}

// Close stops the dispatch goroutine; further events are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
}
