// Package storeapi is an in-memory reference implementation of the store
// search API the session consumes. It backs the demo binary and integration
// tests; production deployments point the session at a real backend instead.
package storeapi

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/rtree"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Server serves GET /api/stores over a fixed catalog.
type Server struct {
	apiKey string
	logger *slog.Logger

	mu      sync.RWMutex
	catalog []stores.Store
	tree    *rtree.RTree
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires the X-API-Key header on every request.
func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer indexes the catalog and returns a ready server.
func NewServer(catalog []stores.Store, opts ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ReplaceCatalog(catalog)
	return s
}

// ReplaceCatalog swaps the served catalog wholesale and reindexes it.
func (s *Server) ReplaceCatalog(catalog []stores.Store) {
	tree := &rtree.RTree{}
	copied := make([]stores.Store, len(catalog))
	copy(copied, catalog)
	for i, store := range copied {
		p := [2]float64{store.Longitude, store.Latitude}
		tree.Insert(p, p, i)
	}

	s.mu.Lock()
	s.catalog = copied
	s.tree = tree
	s.mu.Unlock()
}

// Register mounts the API routes.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/api/stores", s.listStores)
}

func errorEnvelope(code, message string) stores.Envelope {
	return stores.Envelope{Error: &stores.APIError{Code: code, Message: message}}
}

func (s *Server) listStores(c *gin.Context) {
	if s.apiKey != "" && c.GetHeader("X-API-Key") != s.apiKey {
		c.JSON(http.StatusUnauthorized, errorEnvelope("UNAUTHORIZED", "invalid API key"))
		return
	}

	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorEnvelope("INVALID_PARAMS", "invalid limit"))
			return
		}
		limit = parsed
		if limit > maxLimit {
			limit = maxLimit
		}
	}

	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, errorEnvelope("INVALID_PARAMS", "invalid offset"))
			return
		}
		offset = parsed
	}

	var bounds *geo.BBox
	if raw := c.Query("bbox"); raw != "" {
		parsed, ok := geo.ParseBBox(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, errorEnvelope("INVALID_PARAMS", "invalid bbox"))
			return
		}
		bounds = &parsed
	}

	var userLoc *geo.Point
	latRaw, lonRaw := c.Query("user_lat"), c.Query("user_lon")
	if latRaw != "" && lonRaw != "" {
		lat, latErr := strconv.ParseFloat(latRaw, 64)
		lon, lonErr := strconv.ParseFloat(lonRaw, 64)
		if latErr != nil || lonErr != nil {
			c.JSON(http.StatusBadRequest, errorEnvelope("INVALID_PARAMS", "invalid user location"))
			return
		}
		userLoc = &geo.Point{Lat: lat, Lon: lon}
	}

	query := c.Query("q")
	sortField := c.DefaultQuery("sort", "name")
	order := c.DefaultQuery("order", "asc")
	if order != "asc" && order != "desc" {
		c.JSON(http.StatusBadRequest, errorEnvelope("INVALID_PARAMS", "invalid order"))
		return
	}
	// Distance ordering is meaningless without a reference point.
	if sortField == "distance" && userLoc == nil {
		sortField = "name"
	}

	matched := s.search(bounds, query, userLoc)
	sortStores(matched, sortField, order)
	s.logger.Debug("store search", "q", query, "sort", sortField, "order", order, "matches", len(matched))

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := matched[offset:end]

	c.JSON(http.StatusOK, stores.Envelope{
		Data: page,
		Meta: &stores.Meta{Count: total, Limit: limit, Offset: offset},
	})
}

// search filters the catalog by bbox and name substring, annotating each hit
// with the distance (meters) from userLoc when one is given.
func (s *Server) search(bounds *geo.BBox, query string, userLoc *geo.Point) []stores.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var indices []int
	if bounds != nil {
		min := [2]float64{bounds.West(), bounds.South()}
		max := [2]float64{bounds.East(), bounds.North()}
		s.tree.Search(min, max, func(_, _ [2]float64, data interface{}) bool {
			indices = append(indices, data.(int))
			return true
		})
	} else {
		indices = make([]int, len(s.catalog))
		for i := range s.catalog {
			indices[i] = i
		}
	}

	var matched []stores.Store
	for _, i := range indices {
		store := s.catalog[i]
		if query != "" && !strings.Contains(store.Name, query) && !strings.Contains(store.Address, query) {
			continue
		}
		if userLoc != nil {
			meters := geo.DistanceKm(userLoc.Lat, userLoc.Lon, store.Latitude, store.Longitude) * 1000
			store.Distance = &meters
		}
		matched = append(matched, store)
	}
	return matched
}

func sortStores(matched []stores.Store, field, order string) {
	asc := order == "asc"
	less := func(i, j int) bool { return matched[i].Name < matched[j].Name }

	switch field {
	case "price":
		// Stores with no price sort last regardless of order.
		less = func(i, j int) bool {
			pi, pj := matched[i].MinPrice, matched[j].MinPrice
			if pi == nil || pj == nil {
				return pj == nil && pi != nil
			}
			if *pi != *pj {
				if asc {
					return *pi < *pj
				}
				return *pi > *pj
			}
			return matched[i].Name < matched[j].Name
		}
	case "distance":
		less = func(i, j int) bool {
			di, dj := matched[i].Distance, matched[j].Distance
			if di == nil || dj == nil {
				return dj == nil && di != nil
			}
			if *di != *dj {
				if asc {
					return *di < *dj
				}
				return *di > *dj
			}
			return matched[i].Name < matched[j].Name
		}
	default:
		if !asc {
			less = func(i, j int) bool { return matched[i].Name > matched[j].Name }
		}
	}

	sort.SliceStable(matched, less)
}
