package align

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// CutItem is one shape to sequence, reduced to its device-space centroid
type CutItem struct {
	Region    uint32
	Component int
	Centroid  Point
}

// CutOrderPolicy chooses the cutting sequence. Order returns a permutation
// of items; equal choices resolve by increasing region ID, then component.
type CutOrderPolicy interface {
	Name() string
	Order(items []CutItem, home Point) []int
}

// PolicyByName resolves "region", "nearest" or "exact"; unknown names use
// nearest-neighbour ordering
func PolicyByName(name string) CutOrderPolicy {
	switch name {
	case "region":
		return RegionOrder{}
	case "exact":
		return ExactOrder{MaxShapes: 12}
	default:
		return NearestNeighborOrder{}
	}
}

// TravelDistance returns the path length from home through items in order
func TravelDistance(items []CutItem, order []int, home Point) float64 {
	var d float64
	cur := home
	for _, i := range order {
		d += Distance(cur, items[i].Centroid)
		cur = items[i].Centroid
	}
	return d
}

func itemLess(items []CutItem, a, b int) bool {
	if items[a].Region != items[b].Region {
		return items[a].Region < items[b].Region
	}
	return items[a].Component < items[b].Component
}

// RegionOrder cuts in increasing region ID
type RegionOrder struct{}

// Name implements CutOrderPolicy
func (RegionOrder) Name() string { return "region" }

// Order implements CutOrderPolicy
func (RegionOrder) Order(items []CutItem, _ Point) []int {
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return itemLess(items, idx[i], idx[j]) })
	return idx
}

// NearestNeighborOrder greedily cuts the closest remaining shape next,
// starting from the stage home position
type NearestNeighborOrder struct{}

// Name implements CutOrderPolicy
func (NearestNeighborOrder) Name() string { return "nearest" }

// Order implements CutOrderPolicy
func (NearestNeighborOrder) Order(items []CutItem, home Point) []int {
	n := len(items)
	if n == 0 {
		return nil
	}
	pts := make(cutPoints, n)
	for i, it := range items {
		pts[i] = cutPoint{X: it.Centroid.X, Y: it.Centroid.Y, idx: i}
	}
	tree := kdtree.New(pts, false)

	visited := make([]bool, n)
	order := make([]int, 0, n)
	cur := cutPoint{X: home.X, Y: home.Y, idx: -1}
	for len(order) < n {
		next := nearestUnvisited(tree, cur, items, visited)
		visited[next] = true
		order = append(order, next)
		cur = cutPoint{X: items[next].Centroid.X, Y: items[next].Centroid.Y, idx: next}
	}
	return order
}

// nearestUnvisited widens a k-nearest query until the closest unvisited item
// is found and no equally distant item can be hiding outside the result set
func nearestUnvisited(tree *kdtree.Tree, q cutPoint, items []CutItem, visited []bool) int {
	for k := 4; ; k *= 2 {
		keeper := kdtree.NewNKeeper(k)
		tree.NearestSet(keeper, q)

		best, bestD := -1, math.Inf(1)
		seen, maxD := 0, 0.0
		for _, item := range keeper.Heap {
			if item.Comparable == nil {
				continue
			}
			seen++
			maxD = math.Max(maxD, item.Dist)
			p := item.Comparable.(cutPoint)
			if visited[p.idx] {
				continue
			}
			if best < 0 || item.Dist < bestD || (item.Dist == bestD && itemLess(items, p.idx, best)) {
				best, bestD = p.idx, item.Dist
			}
		}
		if seen < k || (best >= 0 && bestD < maxD) {
			return best
		}
	}
}

// ExactOrder solves the open travelling-salesman path from home exactly with
// Held–Karp dynamic programming for up to MaxShapes items and falls back to
// nearest-neighbour ordering above that
type ExactOrder struct {
	MaxShapes int
}

// Name implements CutOrderPolicy
func (ExactOrder) Name() string { return "exact" }

// Order implements CutOrderPolicy
func (e ExactOrder) Order(items []CutItem, home Point) []int {
	limit := e.MaxShapes
	if limit <= 0 || limit > 16 {
		limit = 12
	}
	n := len(items)
	if n > limit {
		return NearestNeighborOrder{}.Order(items, home)
	}
	if n == 0 {
		return nil
	}

	// work in canonical item order so strict comparisons break ties by region
	rank := RegionOrder{}.Order(items, home)
	pos := make([]Point, n)
	for i, r := range rank {
		pos[i] = items[r].Centroid
	}

	// rest[mask*n+j] is the shortest path from j through every item not in mask
	full := 1 << n
	rest := make([]float64, full*n)
	for mask := full - 2; mask > 0; mask-- {
		for j := 0; j < n; j++ {
			if mask&(1<<j) == 0 {
				continue
			}
			best := math.Inf(1)
			for k := 0; k < n; k++ {
				if mask&(1<<k) != 0 {
					continue
				}
				best = math.Min(best, Distance(pos[j], pos[k])+rest[(mask|1<<k)*n+k])
			}
			rest[mask*n+j] = best
		}
	}

	// walk forward taking the lowest-ranked item among equally short tours
	path := make([]int, 0, n)
	mask, cur := 0, home
	for len(path) < n {
		next, best := -1, math.Inf(1)
		for k := 0; k < n; k++ {
			if mask&(1<<k) != 0 {
				continue
			}
			if c := Distance(cur, pos[k]) + rest[(mask|1<<k)*n+k]; c < best-1e-9 {
				next, best = k, c
			}
		}
		mask |= 1 << next
		cur = pos[next]
		path = append(path, rank[next])
	}
	return path
}

// cutPoint adapts a centroid to the kd-tree
type cutPoint struct {
	X, Y float64
	idx  int
}

// Compare implements kdtree.Comparable
func (p cutPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(cutPoint)
	if d == 0 {
		return p.X - q.X
	}
	return p.Y - q.Y
}

// Dims implements kdtree.Comparable
func (p cutPoint) Dims() int { return 2 }

// Distance implements kdtree.Comparable; squared Euclidean
func (p cutPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(cutPoint)
	dx, dy := p.X-q.X, p.Y-q.Y
	return dx*dx + dy*dy
}

type cutPoints []cutPoint

func (p cutPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p cutPoints) Len() int                              { return len(p) }
func (p cutPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p cutPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(cutPlane{cutPoints: p, Dim: d}, kdtree.MedianOfMedians(cutPlane{cutPoints: p, Dim: d}))
}

// cutPlane sorts cutPoints along one dimension for kd-tree construction
type cutPlane struct {
	cutPoints
	kdtree.Dim
}

func (p cutPlane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.cutPoints[i].X < p.cutPoints[j].X
	}
	return p.cutPoints[i].Y < p.cutPoints[j].Y
}

func (p cutPlane) Slice(start, end int) kdtree.SortSlicer {
	return cutPlane{cutPoints: p.cutPoints[start:end], Dim: p.Dim}
}

func (p cutPlane) Swap(i, j int) {
	p.cutPoints[i], p.cutPoints[j] = p.cutPoints[j], p.cutPoints[i]
}
