// Package querystate holds the single source of truth for query-relevant
// fields (search text, bbox, zoom, user location, sort mode) and keeps it in
// sync with a persisted URL-encoded representation.
package querystate

import (
	"net/url"
	"strconv"
	"sync"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
)

// SortMode selects the requested list ordering.
type SortMode string

const (
	SortPrice    SortMode = "price"
	SortDistance SortMode = "distance"
)

// Persisted keys. Zoom and sort mode are in-memory only.
const (
	keySearch  = "q"
	keyBBox    = "bbox"
	keyUserLat = "user_lat"
	keyUserLon = "user_lon"
)

// DefaultCenter is the fallback map center (Tokyo Station).
var DefaultCenter = geo.Point{Lat: 35.6812, Lon: 139.7671}

// DefaultZoom is the initial zoom before the map surface reports one.
const DefaultZoom = 13

// Snapshot is an immutable copy of the state between updates.
type Snapshot struct {
	Search       string
	BBox         *geo.BBox
	Zoom         int
	UserLocation *geo.Point
	SortMode     SortMode
}

// Patch is a partial update. Nil fields are left untouched; Search set to
// the empty string removes the q key from the persisted representation.
type Patch struct {
	Search       *string
	BBox         *geo.BBox
	Zoom         *int
	UserLocation *geo.Point
	SortMode     *SortMode
}

// State is the query-state synchronizer. Writes are coalesced against the
// last persisted string, so churn that settles back to the previous net
// state never spams the persisted history.
type State struct {
	mu            sync.Mutex
	search        string
	bbox          *geo.BBox
	zoom          int
	userLoc       *geo.Point
	sortMode      SortMode
	center        geo.Point
	persist       func(string)
	lastPersisted string
	epsilon       float64
}

// New parses the persisted representation and resolves the initial center:
// sticky user location if present, else the persisted bbox midpoint (applied
// exactly once), else DefaultCenter. persist is invoked with the new encoded
// string whenever an update changes it; it may be nil.
func New(raw string, persist func(string)) *State {
	s := &State{
		zoom:     DefaultZoom,
		sortMode: SortPrice,
		center:   DefaultCenter,
		persist:  persist,
		epsilon:  geo.DefaultEpsilon,
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		values = url.Values{}
	}

	s.search = values.Get(keySearch)
	if bbox, ok := geo.ParseBBox(values.Get(keyBBox)); ok {
		s.bbox = &bbox
		s.center = bbox.Center()
	}
	if loc, ok := parseUserLocation(values); ok {
		s.userLoc = &loc
		s.center = loc
	}

	s.lastPersisted = s.encode()
	return s
}

func parseUserLocation(values url.Values) (geo.Point, bool) {
	latStr := values.Get(keyUserLat)
	lonStr := values.Get(keyUserLon)
	if latStr == "" || lonStr == "" {
		return geo.Point{}, false
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return geo.Point{}, false
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lon: lon}, true
}

// Update merges non-nil patch fields and persists the encoded form when the
// net effect differs from the last persisted string. An empty patch never
// writes.
func (s *State) Update(patch Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.Search != nil {
		s.search = *patch.Search
	}
	if patch.BBox != nil {
		s.applyBBox(*patch.BBox)
	}
	if patch.Zoom != nil {
		s.zoom = *patch.Zoom
	}
	if patch.SortMode != nil {
		s.sortMode = *patch.SortMode
	}
	if patch.UserLocation != nil {
		s.applyUserLocation(*patch.UserLocation)
	}

	encoded := s.encode()
	if encoded != s.lastPersisted {
		s.lastPersisted = encoded
		if s.persist != nil {
			s.persist(encoded)
		}
	}
}

// applyBBox keeps the stored box when the new one matches it within epsilon
// on every edge. Settled gestures that land back on the same viewport neither
// rewrite the persisted form nor read as a change downstream.
func (s *State) applyBBox(bbox geo.BBox) {
	if s.bbox != nil && s.bbox.Equals(bbox, s.epsilon) {
		return
	}
	copied := bbox
	s.bbox = &copied
}

// applyUserLocation keeps the stored fix when the new one differs by less
// than epsilon, so noisy GPS re-reads cause no persistence churn. A genuine
// new fix also recenters the map.
func (s *State) applyUserLocation(loc geo.Point) {
	if s.userLoc != nil && geo.CenterEquals(*s.userLoc, loc, s.epsilon) {
		return
	}
	copied := loc
	s.userLoc = &copied
	s.center = copied
}

// Snapshot returns an immutable copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Search:   s.search,
		Zoom:     s.zoom,
		SortMode: s.sortMode,
	}
	if s.bbox != nil {
		bbox := *s.bbox
		snap.BBox = &bbox
	}
	if s.userLoc != nil {
		loc := *s.userLoc
		snap.UserLocation = &loc
	}
	return snap
}

// Center returns the resolved map center.
func (s *State) Center() geo.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.center
}

// PersistedQuery returns the last persisted URL-encoded representation.
func (s *State) PersistedQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPersisted
}

// encode renders the persisted representation. Absent fields are absent
// keys, never empty values. Callers hold s.mu.
func (s *State) encode() string {
	values := url.Values{}
	if s.search != "" {
		values.Set(keySearch, s.search)
	}
	if s.bbox != nil {
		values.Set(keyBBox, s.bbox.Format())
	}
	if s.userLoc != nil {
		values.Set(keyUserLat, strconv.FormatFloat(s.userLoc.Lat, 'f', -1, 64))
		values.Set(keyUserLon, strconv.FormatFloat(s.userLoc.Lon, 'f', -1, 64))
	}
	return values.Encode()
}
