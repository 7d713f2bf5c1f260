package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/metrics"
	"github.com/woziwww-lang/kaimono-fullstack/querystate"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

func snapWith(search string) querystate.Snapshot {
	bbox := geo.BBox{139.0, 35.0, 139.1, 35.1}
	return querystate.Snapshot{
		Search:   search,
		BBox:     &bbox,
		Zoom:     13,
		SortMode: querystate.SortPrice,
	}
}

func namedStores(names ...string) []stores.Store {
	out := make([]stores.Store, len(names))
	for i, name := range names {
		out[i] = stores.Store{ID: int64(i + 1), Name: name, Latitude: 35.05, Longitude: 139.05}
	}
	return out
}

// stubSearcher answers every search through handler and records queries.
type stubSearcher struct {
	mu      sync.Mutex
	queries []Query
	handler func(q Query) ([]stores.Store, error)
}

func (s *stubSearcher) SearchStores(_ context.Context, q Query) ([]stores.Store, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return nil, nil
	}
	return handler(q)
}

func (s *stubSearcher) calls() []Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Query, len(s.queries))
	copy(out, s.queries)
	return out
}

// gatedSearcher blocks each search until the gate keyed by its search text
// is fed, so tests control response completion order.
type gatedSearcher struct {
	gates map[string]chan []stores.Store
}

func (s *gatedSearcher) SearchStores(_ context.Context, q Query) ([]stores.Store, error) {
	return <-s.gates[q.Search], nil
}

func TestRefreshWithoutBBoxClearsWithoutRequest(t *testing.T) {
	searcher := &stubSearcher{}
	coord := NewCoordinator(searcher, WithTransitionDelay(time.Millisecond))
	defer coord.Close()

	coord.Refresh(querystate.Snapshot{Search: "牛乳", SortMode: querystate.SortPrice})

	state := coord.State()
	assert.Empty(t, state.Stores)
	assert.False(t, state.Loading)
	assert.False(t, state.Transitioning)
	assert.Empty(t, state.ErrorMessage)
	assert.Empty(t, searcher.calls())
}

func TestRefreshWithEmptySearchClearsWithoutRequest(t *testing.T) {
	searcher := &stubSearcher{
		handler: func(Query) ([]stores.Store, error) { return namedStores("A"), nil },
	}
	coord := NewCoordinator(searcher, WithTransitionDelay(time.Millisecond))
	defer coord.Close()

	coord.Refresh(snapWith("牛乳"))
	require.Eventually(t, func() bool {
		return len(coord.State().Stores) == 1
	}, time.Second, time.Millisecond)

	coord.Refresh(snapWith(""))

	state := coord.State()
	assert.Empty(t, state.Stores)
	assert.False(t, state.Loading)
	assert.Len(t, searcher.calls(), 1)
}

func TestRefreshAppliesResults(t *testing.T) {
	searcher := &stubSearcher{
		handler: func(Query) ([]stores.Store, error) { return namedStores("A", "B"), nil },
	}
	coord := NewCoordinator(searcher, WithTransitionDelay(time.Millisecond))
	defer coord.Close()

	coord.Refresh(snapWith("牛乳"))

	require.Eventually(t, func() bool {
		state := coord.State()
		return len(state.Stores) == 2 && !state.Loading && !state.Transitioning
	}, time.Second, time.Millisecond)
	assert.Empty(t, coord.State().ErrorMessage)
}

func TestStaleResponseNeverApplied(t *testing.T) {
	searcher := &gatedSearcher{
		gates: map[string]chan []stores.Store{
			"豆腐": make(chan []stores.Store, 1),
			"牛乳": make(chan []stores.Store, 1),
		},
	}
	met := metrics.New()
	coord := NewCoordinator(searcher, WithTransitionDelay(time.Millisecond), WithMetrics(met))
	defer coord.Close()

	coord.Refresh(snapWith("豆腐"))
	coord.Refresh(snapWith("牛乳"))

	// The newer request resolves first, then the superseded one.
	searcher.gates["牛乳"] <- namedStores("牛乳の店")
	require.Eventually(t, func() bool {
		state := coord.State()
		return len(state.Stores) == 1 && state.Stores[0].Name == "牛乳の店"
	}, time.Second, time.Millisecond)

	searcher.gates["豆腐"] <- namedStores("豆腐の店")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(met.StaleResponsesTotal) == 1
	}, time.Second, time.Millisecond)

	state := coord.State()
	require.Len(t, state.Stores, 1)
	assert.Equal(t, "牛乳の店", state.Stores[0].Name)
}

func TestFailureClearsResultsAndSetsError(t *testing.T) {
	fail := false
	searcher := &stubSearcher{
		handler: func(Query) ([]stores.Store, error) {
			if fail {
				return nil, errors.New("upstream unavailable")
			}
			return namedStores("A"), nil
		},
	}
	coord := NewCoordinator(searcher, WithTransitionDelay(time.Millisecond))
	defer coord.Close()

	coord.Refresh(snapWith("牛乳"))
	require.Eventually(t, func() bool {
		return len(coord.State().Stores) == 1
	}, time.Second, time.Millisecond)

	fail = true
	coord.Refresh(snapWith("牛乳"))

	require.Eventually(t, func() bool {
		return coord.State().ErrorMessage != ""
	}, time.Second, time.Millisecond)

	state := coord.State()
	assert.Empty(t, state.Stores)
	assert.False(t, state.Loading)
	assert.False(t, state.Transitioning)
	assert.Contains(t, state.ErrorMessage, "upstream unavailable")
}

func TestDistanceSortRequiresUserLocation(t *testing.T) {
	searcher := &stubSearcher{}
	coord := NewCoordinator(searcher, WithTransitionDelay(time.Millisecond))
	defer coord.Close()

	snap := snapWith("牛乳")
	snap.SortMode = querystate.SortDistance
	coord.Refresh(snap)

	require.Eventually(t, func() bool {
		return len(searcher.calls()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, querystate.SortPrice, searcher.calls()[0].Sort)

	snap.UserLocation = &geo.Point{Lat: 35.6812, Lon: 139.7671}
	coord.Refresh(snap)

	require.Eventually(t, func() bool {
		return len(searcher.calls()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, querystate.SortDistance, searcher.calls()[1].Sort)
}

func TestLoadingAndTransitionRaisedDuringFetch(t *testing.T) {
	searcher := &gatedSearcher{
		gates: map[string]chan []stores.Store{"牛乳": make(chan []stores.Store, 1)},
	}
	coord := NewCoordinator(searcher, WithTransitionDelay(time.Millisecond))
	defer coord.Close()

	coord.Refresh(snapWith("牛乳"))

	state := coord.State()
	assert.True(t, state.Loading)
	assert.True(t, state.Transitioning)

	searcher.gates["牛乳"] <- namedStores("A")
	require.Eventually(t, func() bool {
		state := coord.State()
		return !state.Loading && !state.Transitioning
	}, time.Second, time.Millisecond)
}

func TestChangeListenerSeesLatestState(t *testing.T) {
	searcher := &stubSearcher{
		handler: func(Query) ([]stores.Store, error) { return namedStores("A"), nil },
	}

	var mu sync.Mutex
	var latest State
	coord := NewCoordinator(searcher,
		WithTransitionDelay(time.Millisecond),
		WithChangeListener(func(s State) {
			mu.Lock()
			latest = s
			mu.Unlock()
		}))
	defer coord.Close()

	coord.Refresh(snapWith("牛乳"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest.Stores) == 1 && !latest.Loading && !latest.Transitioning
	}, time.Second, time.Millisecond)
}
