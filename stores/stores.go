// Package stores defines the store record exchanged with the store search
// API, the response envelope it travels in, and a deterministic catalog
// generator for demos and tests.
package stores

import (
	"fmt"
	"math/rand"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
)

// Store is one store record from the inbound data feed. Distance (meters)
// and MinPrice are optional and server-supplied.
type Store struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	Phone     string   `json:"phone,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Distance  *float64 `json:"distance,omitempty"`
	MinPrice  *float64 `json:"min_price,omitempty"`
}

// APIError is the error shape inside the response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Meta carries pagination info alongside results.
type Meta struct {
	Count  int `json:"count,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Envelope is the store API response wrapper: data, meta, or error.
type Envelope struct {
	Data  []Store   `json:"data,omitempty"`
	Meta  *Meta     `json:"meta,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// GenerateCatalog produces n stores uniformly spread over bounds. The same
// seed always yields the same catalog.
func GenerateCatalog(n int, bounds geo.BBox, seed int64) []Store {
	rng := rand.New(rand.NewSource(seed))
	catalog := make([]Store, n)

	for i := 0; i < n; i++ {
		lon := bounds.West() + rng.Float64()*(bounds.East()-bounds.West())
		lat := bounds.South() + rng.Float64()*(bounds.North()-bounds.South())

		s := Store{
			ID:        int64(i + 1),
			Name:      fmt.Sprintf("スーパーマーケット %03d", i+1),
			Address:   fmt.Sprintf("サンプル町%d丁目%d-%d", rng.Intn(9)+1, rng.Intn(20)+1, rng.Intn(20)+1),
			Latitude:  lat,
			Longitude: lon,
		}
		if rng.Intn(4) > 0 {
			price := float64(rng.Intn(400) + 98)
			s.MinPrice = &price
		}
		if rng.Intn(3) > 0 {
			s.Phone = fmt.Sprintf("03-%04d-%04d", rng.Intn(10000), rng.Intn(10000))
		}
		catalog[i] = s
	}

	return catalog
}
