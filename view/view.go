// Package view derives render-ready values from fetch results and cluster
// nodes: a distance-annotated store list and a flat marker set.
package view

import (
	"fmt"

	"github.com/woziwww-lang/kaimono-fullstack/cluster"
	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

// ListItem is one ranked list entry. DistanceKm is nil when neither the
// server nor a user location can supply a distance.
type ListItem struct {
	Store      stores.Store `json:"store"`
	DistanceKm *float64     `json:"distance_km"`
}

// DeriveList annotates each store with a distance in kilometers: the
// server-supplied distance (meters) when present, else great-circle distance
// from userLocation, else nil. Input order is preserved; ordering is the
// search backend's responsibility.
func DeriveList(result []stores.Store, userLocation *geo.Point) []ListItem {
	items := make([]ListItem, len(result))
	for i, store := range result {
		item := ListItem{Store: store}
		switch {
		case store.Distance != nil:
			km := *store.Distance / 1000
			item.DistanceKm = &km
		case userLocation != nil:
			km := geo.DistanceKm(userLocation.Lat, userLocation.Lon, store.Latitude, store.Longitude)
			item.DistanceKm = &km
		}
		items[i] = item
	}
	return items
}

// MarkerKind distinguishes cluster bubbles from individual store pins.
type MarkerKind string

const (
	MarkerCluster MarkerKind = "cluster"
	MarkerStore   MarkerKind = "store"
)

// Marker is one renderable map marker.
type Marker struct {
	Kind       MarkerKind    `json:"kind"`
	ID         int64         `json:"id"`
	Latitude   float64       `json:"latitude"`
	Longitude  float64       `json:"longitude"`
	Count      int           `json:"count,omitempty"`
	Store      *stores.Store `json:"store,omitempty"`
	PriceLabel string        `json:"price_label,omitempty"`
}

// Markers flattens cluster query results into markers. Leaves resolve their
// store through byID; a leaf whose store is missing still renders a bare pin
// at the point's coordinates.
func Markers(nodes []cluster.Node, byID map[int64]stores.Store) []Marker {
	markers := make([]Marker, 0, len(nodes))
	for _, node := range nodes {
		switch n := node.(type) {
		case cluster.Cluster:
			markers = append(markers, Marker{
				Kind:      MarkerCluster,
				ID:        n.ID,
				Latitude:  n.Lat,
				Longitude: n.Lon,
				Count:     n.Count,
			})
		case cluster.Leaf:
			marker := Marker{
				Kind:      MarkerStore,
				ID:        n.Point.ID,
				Latitude:  n.Point.Lat,
				Longitude: n.Point.Lon,
			}
			if store, ok := byID[n.Point.ID]; ok {
				copied := store
				marker.Store = &copied
				marker.Latitude = store.Latitude
				marker.Longitude = store.Longitude
				if store.MinPrice != nil {
					marker.PriceLabel = FormatPrice(store.MinPrice)
				}
			}
			markers = append(markers, marker)
		}
	}
	return markers
}

// FormatPrice renders a yen label, or a dash placeholder when absent.
func FormatPrice(value *float64) string {
	if value == nil {
		return "—"
	}
	return fmt.Sprintf("¥%.0f", *value)
}

// FormatDistance renders kilometers to one decimal, or a dash placeholder.
func FormatDistance(km *float64) string {
	if km == nil {
		return "—"
	}
	return fmt.Sprintf("%.1f km", *km)
}
