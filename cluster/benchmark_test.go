package cluster

import (
	"testing"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

var tokyoArea = geo.BBox{139.5, 35.4, 140.0, 35.9}

func benchPoints(n int) []Point {
	catalog := stores.GenerateCatalog(n, tokyoArea, 42)
	points := make([]Point, len(catalog))
	for i, s := range catalog {
		points[i] = Point{ID: s.ID, Lon: s.Longitude, Lat: s.Latitude, Payload: s}
	}
	return points
}

func BenchmarkLoad(b *testing.B) {
	points := benchPoints(2000)
	idx := New(DefaultOptions())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Load(points)
	}
}

func BenchmarkQuery(b *testing.B) {
	idx := New(DefaultOptions())
	idx.Load(benchPoints(2000))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Query(tokyoArea, 12)
	}
}
