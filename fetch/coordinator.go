package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/woziwww-lang/kaimono-fullstack/clock"
	"github.com/woziwww-lang/kaimono-fullstack/metrics"
	"github.com/woziwww-lang/kaimono-fullstack/querystate"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

// Searcher issues one store search. *Client implements it.
type Searcher interface {
	SearchStores(ctx context.Context, q Query) ([]stores.Store, error)
}

// DefaultTransitionDelay is how long the transition flag stays raised after
// results are applied. Purely cosmetic; consumers ignoring it still observe
// consistent state.
const DefaultTransitionDelay = 150 * time.Millisecond

// State is the coordinator's externally visible state. An empty search is a
// distinct state from a search with zero results; both carry no error.
// Revision increments every time the result set is replaced, so consumers
// can rebuild derived structures exactly once per replacement.
type State struct {
	Stores        []stores.Store
	Loading       bool
	Transitioning bool
	ErrorMessage  string
	Revision      uint64
}

// Coordinator owns the current result set and the loading, transition and
// error flags. Every Refresh supersedes all in-flight requests: a response
// whose sequence is no longer current is discarded, never applied.
type Coordinator struct {
	searcher        Searcher
	clk             clock.Clock
	logger          *slog.Logger
	met             *metrics.Metrics
	transitionDelay time.Duration

	mu    sync.Mutex
	seq   uint64
	state State

	notify   chan State
	done     chan struct{}
	wg       sync.WaitGroup
	listener func(State)
}

// CoordinatorOption is a function that configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTransitionDelay overrides DefaultTransitionDelay.
func WithTransitionDelay(delay time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.transitionDelay = delay
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		c.clk = clk
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics records search counts, errors, stale drops and latency.
func WithMetrics(met *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.met = met
	}
}

// WithChangeListener registers a callback invoked after state changes. Only
// the latest state is guaranteed to be delivered; intermediate states may be
// skipped when the listener is slow.
func WithChangeListener(listener func(State)) CoordinatorOption {
	return func(c *Coordinator) {
		c.listener = listener
	}
}

// NewCoordinator creates a coordinator around the given searcher.
func NewCoordinator(searcher Searcher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		searcher:        searcher,
		clk:             clock.RealClock{},
		logger:          slog.Default(),
		transitionDelay: DefaultTransitionDelay,
		notify:          make(chan State, 1),
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.dispatch()

	return c
}

// Refresh reconciles the result set with the given query state. No bbox or
// an empty search clears everything without issuing a request; either way
// all in-flight requests are superseded.
func (c *Coordinator) Refresh(snap querystate.Snapshot) {
	c.mu.Lock()

	c.seq++
	seq := c.seq

	if snap.BBox == nil || snap.Search == "" {
		c.state = State{Revision: c.state.Revision + 1}
		c.publishLocked()
		c.mu.Unlock()
		return
	}

	sort := snap.SortMode
	if sort == querystate.SortDistance && snap.UserLocation == nil {
		sort = querystate.SortPrice
	}

	c.state.Loading = true
	c.state.Transitioning = true
	c.state.ErrorMessage = ""
	c.publishLocked()
	c.mu.Unlock()

	query := Query{
		BBox:         *snap.BBox,
		Search:       snap.Search,
		UserLocation: snap.UserLocation,
		Sort:         sort,
	}

	if c.met != nil {
		c.met.SearchRequestsTotal.Inc()
	}

	go c.run(seq, query)
}

func (c *Coordinator) run(seq uint64, query Query) {
	traceID := uuid.NewString()
	start := c.clk.Now()

	result, err := c.searcher.SearchStores(context.Background(), query)

	if c.met != nil {
		c.met.SearchDuration.Observe(c.clk.Now().Sub(start).Seconds())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.seq {
		if c.met != nil {
			c.met.StaleResponsesTotal.Inc()
		}
		c.logger.Debug("discarding stale store search response",
			"trace_id", traceID, "seq", seq, "current_seq", c.seq)
		return
	}

	if err != nil {
		if c.met != nil {
			c.met.SearchErrorsTotal.Inc()
		}
		c.logger.Warn("store search failed", "trace_id", traceID, "error", err)
		c.state = State{ErrorMessage: err.Error(), Revision: c.state.Revision + 1}
		c.publishLocked()
		return
	}

	c.logger.Debug("store search applied",
		"trace_id", traceID, "seq", seq, "count", len(result))
	c.state.Stores = result
	c.state.Loading = false
	c.state.ErrorMessage = ""
	c.state.Revision++
	c.publishLocked()

	time.AfterFunc(c.transitionDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if seq == c.seq && c.state.Transitioning {
			c.state.Transitioning = false
			c.publishLocked()
		}
	})
}

// State returns a copy of the current coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() State {
	snap := c.state
	if c.state.Stores != nil {
		snap.Stores = make([]stores.Store, len(c.state.Stores))
		copy(snap.Stores, c.state.Stores)
	}
	return snap
}

// publishLocked queues the current state for the listener, dropping any
// undelivered older state. Callers hold c.mu.
func (c *Coordinator) publishLocked() {
	if c.listener == nil {
		return
	}
	snap := c.snapshotLocked()
	for {
		select {
		case c.notify <- snap:
			return
		default:
			select {
			case <-c.notify:
			default:
			}
		}
	}
}

func (c *Coordinator) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case snap := <-c.notify:
			c.listener(snap)
		case <-c.done:
			return
		}
	}
}

// Close stops listener delivery. In-flight requests may still complete but
// no further callbacks are made.
func (c *Coordinator) Close() {
	close(c.done)
	c.wg.Wait()
}
