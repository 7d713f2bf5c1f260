// Package cluster maintains a zoom-aware spatial index over point features.
// The full point set is loaded wholesale and clustered bottom-up into one
// level per zoom; queries read a prebuilt level, they never recluster.
package cluster

import (
	"math"
	"sort"

	"github.com/tidwall/rtree"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
)

// Options configures an Index.
type Options struct {
	MinZoom int     // lowest zoom a clustered level is built for
	MaxZoom int     // zoom at and above which no merging occurs
	Radius  float64 // merge radius in screen pixels
	Extent  int     // tile extent the radius is measured against
}

// DefaultOptions mirror the map surface: 60px merge radius, splitting
// complete at zoom 18.
func DefaultOptions() Options {
	return Options{MinZoom: 0, MaxZoom: 18, Radius: 60, Extent: 512}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxZoom <= 0 {
		o.MaxZoom = d.MaxZoom
	}
	if o.MinZoom < 0 || o.MinZoom > o.MaxZoom {
		o.MinZoom = d.MinZoom
	}
	if o.Radius <= 0 {
		o.Radius = d.Radius
	}
	if o.Extent <= 0 {
		o.Extent = d.Extent
	}
	return o
}

// Point is one indexed point feature. Payload is opaque to the index and
// travels back out unchanged on leaf nodes.
type Point struct {
	ID      int64
	Lon     float64
	Lat     float64
	Payload any
}

// Node is a tagged variant: every query result is either a Leaf wrapping
// exactly one Point, or a Cluster aggregating two or more of them.
type Node interface {
	isNode()
}

// Leaf wraps a single unclustered point feature.
type Leaf struct {
	Point Point
}

// Cluster aggregates >=2 features within the merge radius at some zoom.
// ID is synthetic, stable for a given load, and accepted by ExpansionZoom.
type Cluster struct {
	ID    int64
	Lon   float64
	Lat   float64
	Count int
}

func (Leaf) isNode()    {}
func (Cluster) isNode() {}

// levelPoint is an entry in one zoom level: either a carried-through leaf
// (origIdx >= 0) or a cluster.
type levelPoint struct {
	x, y      float64 // normalized web-mercator
	id        int64
	numPoints int
	isCluster bool
	origIdx   int // index into Index.points for leaves, -1 for clusters
}

// Index is the zoom-hierarchical cluster index. A zero Index answers empty
// until Load is called; Load replaces the whole indexed set.
type Index struct {
	opts     Options
	points   []Point
	levels   [][]levelPoint
	trees    []*rtree.RTree
	clusters map[int64]int // cluster id to the zoom it was created at
}

// New creates an Index with defaults applied to opts.
func New(opts Options) *Index {
	return &Index{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (idx *Index) Options() Options {
	return idx.opts
}

// Len returns the number of loaded point features.
func (idx *Index) Len() int {
	return len(idx.points)
}

// Load replaces the entire indexed set and rebuilds every zoom level.
func (idx *Index) Load(points []Point) {
	idx.points = make([]Point, len(points))
	copy(idx.points, points)

	maxZoom := idx.opts.MaxZoom
	idx.levels = make([][]levelPoint, maxZoom+1)
	idx.trees = make([]*rtree.RTree, maxZoom+1)
	idx.clusters = make(map[int64]int)

	leaves := make([]levelPoint, len(points))
	for i, p := range idx.points {
		x, y := project(p.Lon, p.Lat)
		leaves[i] = levelPoint{x: x, y: y, id: p.ID, numPoints: 1, origIdx: i}
	}
	idx.levels[maxZoom] = leaves
	idx.trees[maxZoom] = buildTree(leaves)

	for z := maxZoom - 1; z >= idx.opts.MinZoom; z-- {
		idx.levels[z] = idx.clusterLevel(z)
		idx.trees[z] = buildTree(idx.levels[z])
	}
}

// clusterLevel merges the level above into clusters for zoom z. Any group
// of points within the merge radius of an anchor point collapses into one
// cluster; lone points carry through unchanged.
func (idx *Index) clusterLevel(z int) []levelPoint {
	prev := idx.levels[z+1]
	prevTree := idx.trees[z+1]
	r := idx.radiusAt(z)

	assigned := make([]bool, len(prev))
	next := make([]levelPoint, 0, len(prev))

	for i, p := range prev {
		if assigned[i] {
			continue
		}
		assigned[i] = true

		var neighbors []int
		prevTree.Search(
			[2]float64{p.x - r, p.y - r},
			[2]float64{p.x + r, p.y + r},
			func(_, _ [2]float64, data interface{}) bool {
				j := data.(int)
				if assigned[j] {
					return true
				}
				dx := prev[j].x - p.x
				dy := prev[j].y - p.y
				if dx*dx+dy*dy <= r*r {
					neighbors = append(neighbors, j)
				}
				return true
			},
		)

		if len(neighbors) == 0 {
			next = append(next, p)
			continue
		}

		// Fixed member order keeps centroid summation deterministic.
		sort.Ints(neighbors)
		members := append([]int{i}, neighbors...)

		var sumX, sumY float64
		total := 0
		for _, m := range members {
			assigned[m] = true
			w := float64(prev[m].numPoints)
			sumX += prev[m].x * w
			sumY += prev[m].y * w
			total += prev[m].numPoints
		}

		cid := syntheticID(i, z)
		next = append(next, levelPoint{
			x:         sumX / float64(total),
			y:         sumY / float64(total),
			id:        cid,
			numPoints: total,
			isCluster: true,
			origIdx:   -1,
		})
		idx.clusters[cid] = z
	}

	return next
}

// Query returns the cluster/leaf partition visible inside bbox at zoom.
// Results are sorted west-to-east for a stable order; an unloaded index
// returns nil.
func (idx *Index) Query(bbox geo.BBox, zoom int) []Node {
	if idx.levels == nil {
		return nil
	}
	z := zoom
	if z < idx.opts.MinZoom {
		z = idx.opts.MinZoom
	}
	if z > idx.opts.MaxZoom {
		z = idx.opts.MaxZoom
	}

	// Mercator y grows southward, so the box top is the north edge.
	minX, minY := project(bbox.West(), bbox.North())
	maxX, maxY := project(bbox.East(), bbox.South())

	level := idx.levels[z]
	var nodes []Node
	idx.trees[z].Search(
		[2]float64{minX, minY},
		[2]float64{maxX, maxY},
		func(_, _ [2]float64, data interface{}) bool {
			p := level[data.(int)]
			if p.isCluster {
				lon, lat := unproject(p.x, p.y)
				nodes = append(nodes, Cluster{ID: p.id, Lon: lon, Lat: lat, Count: p.numPoints})
			} else {
				nodes = append(nodes, Leaf{Point: idx.points[p.origIdx]})
			}
			return true
		},
	)

	sort.Slice(nodes, func(i, j int) bool {
		loni, lati := nodeLonLat(nodes[i])
		lonj, latj := nodeLonLat(nodes[j])
		if loni != lonj {
			return loni < lonj
		}
		return lati < latj
	})
	return nodes
}

// ExpansionZoom returns the minimum zoom at which the given cluster's
// members are rendered as separate nodes. Unknown ids answer MaxZoom.
// Clusters are registered at the highest zoom where their members merged,
// and every cluster holds at least two children, so one level below the
// registration the group comes apart.
func (idx *Index) ExpansionZoom(clusterID int64) int {
	z, ok := idx.clusters[clusterID]
	if !ok {
		return idx.opts.MaxZoom
	}
	return z + 1
}

func nodeLonLat(n Node) (float64, float64) {
	switch v := n.(type) {
	case Leaf:
		return v.Point.Lon, v.Point.Lat
	case Cluster:
		return v.Lon, v.Lat
	}
	return 0, 0
}

// radiusAt converts the pixel merge radius to normalized mercator units at
// zoom z.
func (idx *Index) radiusAt(z int) float64 {
	return idx.opts.Radius / (float64(idx.opts.Extent) * math.Pow(2, float64(z)))
}

// syntheticID encodes a cluster's origin (anchor index in the level above,
// creation zoom) into a stable id.
func syntheticID(anchorIdx, zoom int) int64 {
	return int64(anchorIdx)<<5 | int64(zoom+1)
}

func buildTree(level []levelPoint) *rtree.RTree {
	tr := &rtree.RTree{}
	for i, p := range level {
		tr.Insert([2]float64{p.x, p.y}, [2]float64{p.x, p.y}, i)
	}
	return tr
}

// project converts lon/lat degrees to normalized web-mercator [0,1].
func project(lon, lat float64) (x, y float64) {
	sin := math.Sin(lat * math.Pi / 180)
	x = lon/360 + 0.5
	y = 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		y = 0
	}
	if y > 1 {
		y = 1
	}
	return x, y
}

// unproject converts normalized web-mercator back to lon/lat degrees.
func unproject(x, y float64) (lon, lat float64) {
	lon = (x - 0.5) * 360
	lat = math.Atan(math.Sinh(math.Pi*(1-2*y))) * 180 / math.Pi
	return lon, lat
}
