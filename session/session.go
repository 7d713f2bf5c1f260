// Package session wires one map browsing session together: viewport tracker,
// query state, fetch coordinator, cluster index and view derivation. All
// mutation funnels through one mutex, preserving the event-at-a-time model
// the components assume.
package session

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/woziwww-lang/kaimono-fullstack/clock"
	"github.com/woziwww-lang/kaimono-fullstack/cluster"
	"github.com/woziwww-lang/kaimono-fullstack/fetch"
	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/metrics"
	"github.com/woziwww-lang/kaimono-fullstack/querystate"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
	"github.com/woziwww-lang/kaimono-fullstack/view"
	"github.com/woziwww-lang/kaimono-fullstack/viewport"
)

// DefaultNoticeTTL is how long a geolocation failure notice stays visible.
const DefaultNoticeTTL = 5 * time.Second

// Options configures a Session. Zero values select defaults.
type Options struct {
	// InitialQuery is the persisted query string to restore from.
	InitialQuery string

	// Persist receives the encoded query string whenever it changes.
	Persist func(string)

	SettleDelay     time.Duration
	TransitionDelay time.Duration
	NoticeTTL       time.Duration

	ClusterOptions cluster.Options

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Flags is the session's consumer-facing status.
type Flags struct {
	Loading       bool   `json:"loading"`
	Transitioning bool   `json:"transitioning"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Notice        string `json:"notice,omitempty"`
}

// Session owns the full pipeline for one map browsing session.
type Session struct {
	state   *querystate.State
	tracker *viewport.Tracker
	coord   *fetch.Coordinator
	index   *cluster.Index
	clk     clock.Clock
	logger  *slog.Logger
	met     *metrics.Metrics

	mu           sync.Mutex
	started      bool
	hasViewport  bool
	lastViewport viewport.Observation
	lastFetchKey string
	lastRevision uint64
	byID         map[int64]stores.Store
	result       []stores.Store
	fetchState   fetch.State
	notice       string
	noticeAt     time.Time
	noticeTTL    time.Duration
}

// New builds a session around the given store searcher.
func New(searcher fetch.Searcher, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = viewport.DefaultSettleDelay
	}
	if opts.TransitionDelay == 0 {
		opts.TransitionDelay = fetch.DefaultTransitionDelay
	}
	if opts.NoticeTTL == 0 {
		opts.NoticeTTL = DefaultNoticeTTL
	}

	s := &Session{
		clk:       opts.Clock,
		logger:    opts.Logger,
		met:       opts.Metrics,
		index:     cluster.New(opts.ClusterOptions),
		byID:      map[int64]stores.Store{},
		noticeTTL: opts.NoticeTTL,
	}

	s.state = querystate.New(opts.InitialQuery, opts.Persist)
	s.tracker = viewport.NewTracker(s.onSettle, opts.SettleDelay)

	coordOpts := []fetch.CoordinatorOption{
		fetch.WithClock(opts.Clock),
		fetch.WithLogger(opts.Logger),
		fetch.WithTransitionDelay(opts.TransitionDelay),
		fetch.WithChangeListener(s.onFetchState),
	}
	if opts.Metrics != nil {
		coordOpts = append(coordOpts, fetch.WithMetrics(opts.Metrics))
	}
	s.coord = fetch.NewCoordinator(searcher, coordOpts...)

	return s
}

// SetViewport feeds one raw pan/zoom event. The first call emits
// immediately; later calls settle through the debounce window.
func (s *Session) SetViewport(bbox geo.BBox, zoom int) {
	obs := viewport.Observation{BBox: bbox, Zoom: zoom}

	s.mu.Lock()
	first := !s.started
	s.started = true
	s.mu.Unlock()

	if first {
		s.tracker.Start(obs)
		return
	}
	s.tracker.Observe(obs)
}

// onSettle runs on the tracker's dispatch goroutine.
func (s *Session) onSettle(o viewport.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastViewport = o
	s.hasViewport = true
	bbox := o.BBox
	s.state.Update(querystate.Patch{BBox: &bbox, Zoom: &o.Zoom})
	s.refreshLocked()
}

// SetSearch replaces the search text. Empty text clears the active search.
func (s *Session) SetSearch(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Update(querystate.Patch{Search: &text})
	s.refreshLocked()
}

// ClearSearch is explicit user action; it removes q from the persisted
// representation and empties the visible result set.
func (s *Session) ClearSearch() {
	s.SetSearch("")
}

// SetSort switches the requested list ordering.
func (s *Session) SetSort(mode querystate.SortMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Update(querystate.Patch{SortMode: &mode})
	s.refreshLocked()
}

// SetUserLocation applies a geolocation fix.
func (s *Session) SetUserLocation(loc geo.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Update(querystate.Patch{UserLocation: &loc})
	s.refreshLocked()
}

// GeolocationFailed raises a transient notice. A previously acquired fix
// stays in effect.
func (s *Session) GeolocationFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notice = "現在地を取得できませんでした"
	s.noticeAt = s.clk.Now()
	s.logger.Debug("geolocation failed, keeping prior fix")
}

// refreshLocked issues a fetch when the effective request would differ from
// the last one issued. Callers hold s.mu.
func (s *Session) refreshLocked() {
	snap := s.state.Snapshot()
	key := fetchKey(snap)
	if key == s.lastFetchKey {
		return
	}
	s.lastFetchKey = key
	s.coord.Refresh(snap)
}

// fetchKey captures every input that changes the upstream request or the
// gate decision.
func fetchKey(snap querystate.Snapshot) string {
	var b strings.Builder
	b.WriteString(snap.Search)
	b.WriteByte('|')
	if snap.BBox != nil {
		b.WriteString(snap.BBox.Format())
	}
	b.WriteByte('|')
	if snap.UserLocation != nil {
		b.WriteString(strconv.FormatFloat(snap.UserLocation.Lat, 'f', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(snap.UserLocation.Lon, 'f', -1, 64))
	}
	b.WriteByte('|')
	sort := snap.SortMode
	if sort == querystate.SortDistance && snap.UserLocation == nil {
		sort = querystate.SortPrice
	}
	b.WriteString(string(sort))
	return b.String()
}

// onFetchState runs on the coordinator's dispatch goroutine. Each new
// result revision replaces the cluster index point set wholesale.
func (s *Session) onFetchState(fs fetch.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchState = fs
	if fs.Revision == s.lastRevision {
		return
	}
	s.lastRevision = fs.Revision
	s.result = fs.Stores
	s.rebuildIndexLocked()
}

func (s *Session) rebuildIndexLocked() {
	s.byID = make(map[int64]stores.Store, len(s.result))
	points := make([]cluster.Point, len(s.result))
	for i, store := range s.result {
		s.byID[store.ID] = store
		points[i] = cluster.Point{
			ID:      store.ID,
			Lon:     store.Longitude,
			Lat:     store.Latitude,
			Payload: store,
		}
	}
	s.index.Load(points)

	if s.met != nil {
		s.met.IndexRebuildsTotal.Inc()
		s.met.IndexPoints.Set(float64(len(points)))
	}
}

// List returns the ranked, distance-annotated store list.
func (s *Session) List() []view.ListItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view.DeriveList(s.result, s.state.Snapshot().UserLocation)
}

// Markers returns the markers for the last settled viewport, clustered at
// its zoom.
func (s *Session) Markers() []view.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasViewport {
		return nil
	}
	nodes := s.index.Query(s.lastViewport.BBox, s.lastViewport.Zoom)
	return view.Markers(nodes, s.byID)
}

// ExpansionZoom returns the zoom at which the given cluster splits.
func (s *Session) ExpansionZoom(clusterID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.ExpansionZoom(clusterID)
}

// Flags reports loading, transition, error and notice state. Expired
// notices read as empty.
func (s *Session) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags := Flags{
		Loading:       s.fetchState.Loading,
		Transitioning: s.fetchState.Transitioning,
		ErrorMessage:  s.fetchState.ErrorMessage,
	}
	if s.notice != "" && s.clk.Now().Sub(s.noticeAt) < s.noticeTTL {
		flags.Notice = s.notice
	}
	return flags
}

// Snapshot exposes the current query state.
func (s *Session) Snapshot() querystate.Snapshot {
	return s.state.Snapshot()
}

// Center returns the resolved map center.
func (s *Session) Center() geo.Point {
	return s.state.Center()
}

// PersistedQuery returns the last persisted query string.
func (s *Session) PersistedQuery() string {
	return s.state.PersistedQuery()
}

// SaveIndex writes the cluster index point set to path.
func (s *Session) SaveIndex(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.SaveSnapshot(path)
}

// RestoreIndex warms the cluster index from a snapshot written by a prior
// run, so markers render before the first fetch completes. The visible list
// still comes from fetches only.
func (s *Session) RestoreIndex(path string) error {
	opts, snapPoints, err := cluster.LoadSnapshot(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = cluster.New(opts)
	s.byID = make(map[int64]stores.Store, len(snapPoints))
	points := make([]cluster.Point, len(snapPoints))
	for i, sp := range snapPoints {
		p := cluster.Point{ID: sp.ID, Lon: sp.Lon, Lat: sp.Lat}
		var store stores.Store
		if json.Unmarshal(sp.Payload, &store) == nil && store.ID != 0 {
			s.byID[store.ID] = store
			p.Payload = store
		}
		points[i] = p
	}
	s.index.Load(points)

	if s.met != nil {
		s.met.IndexRebuildsTotal.Inc()
		s.met.IndexPoints.Set(float64(len(points)))
	}
	return nil
}

// Close stops the tracker and coordinator. In-flight fetches may still
// finish but produce no further callbacks.
func (s *Session) Close() {
	s.tracker.Close()
	s.coord.Close()
}
