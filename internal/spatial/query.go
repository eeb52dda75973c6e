package spatial

import (
	"cmp"
	"container/heap"
	"slices"
	"strings"

	"github.com/roach88/geocore/internal/geo"
)

// boundEpsilon is subtracted from node lower bounds so rounding in the box
// distance never lets an entry be emitted before a node holding an equally
// distant entry with a smaller id.
const boundEpsilon = 1e-6

// Neighbor is a query result with its distance in metres.
type Neighbor struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// Filter decides whether an id may appear in query results.
type Filter func(id string) bool

// Exclude returns a Filter rejecting the given ids.
func Exclude(ids ...string) Filter {
	skip := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := skip[id]
		return !ok
	}
}

// Nearest returns up to k entries ordered by ascending distance from p, ties
// broken by ascending id. filter may be nil.
//
// The search is best-first: a priority queue holds nodes keyed by their
// lower-bound distance and entries keyed by their exact distance. At equal
// keys nodes come before entries and entries come in id order, which makes
// the output identical to sorting every entry by (distance, id).
func (ix *Index) Nearest(p geo.LatLong, k int, filter Filter) []Neighbor {
	if k <= 0 || ix.root.isEmpty() {
		return nil
	}
	q := &queue{}
	heap.Push(q, qitem{dist: ix.lowerBound(p, ix.root.box), node: ix.root})
	seen := make(map[string]struct{})
	var out []Neighbor

	for q.Len() > 0 && len(out) < k {
		top := heap.Pop(q).(qitem)
		if top.node == nil {
			if _, dup := seen[top.id]; dup {
				continue
			}
			seen[top.id] = struct{}{}
			if filter != nil && !filter(top.id) {
				continue
			}
			out = append(out, Neighbor{ID: top.id, Distance: top.dist})
			continue
		}
		if top.node.leaf {
			for _, it := range top.node.items {
				if _, dup := seen[it.id]; dup {
					continue
				}
				heap.Push(q, qitem{dist: ix.distance(p, it.id), id: it.id})
			}
			continue
		}
		for _, c := range top.node.children {
			heap.Push(q, qitem{dist: ix.lowerBound(p, c.box), node: c})
		}
	}
	return out
}

// distance returns the exact distance from p to the whole entry, which for
// split entries is the nearer of both parts.
func (ix *Index) distance(p geo.LatLong, id string) float64 {
	box := ix.boxes[id]
	if box.MinLat == box.MaxLat && box.MinLon == box.MaxLon {
		return ix.earth.Distance(p, geo.LatLong{Lat: box.MinLat, Lon: box.MinLon})
	}
	return ix.earth.MinDistance(p, box)
}

func (ix *Index) lowerBound(p geo.LatLong, box geo.BBox) float64 {
	return max(0, ix.earth.MinDistance(p, box)-boundEpsilon)
}

// WithinRadius returns every entry within radius metres of p ordered by
// (distance, id). Candidate boxes come from the tree and the exact distance
// filters them.
func (ix *Index) WithinRadius(p geo.LatLong, radius float64) []Neighbor {
	seen := make(map[string]struct{})
	var out []Neighbor
	for _, box := range ix.earth.RadiusBoxes(p, radius) {
		ix.search(ix.root, box, func(it item) {
			if _, dup := seen[it.id]; dup {
				return
			}
			seen[it.id] = struct{}{}
			if d := ix.distance(p, it.id); d <= radius {
				out = append(out, Neighbor{ID: it.id, Distance: d})
			}
		})
	}
	slices.SortFunc(out, compareNeighbors)
	return out
}

// Intersecting returns the ids whose boxes intersect box, sorted. box may
// cross the antimeridian.
func (ix *Index) Intersecting(box geo.BBox) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range box.Split() {
		ix.search(ix.root, part, func(it item) {
			if _, dup := seen[it.id]; dup {
				return
			}
			seen[it.id] = struct{}{}
			out = append(out, it.id)
		})
	}
	slices.Sort(out)
	return out
}

func (ix *Index) search(n *node, box geo.BBox, fn func(item)) {
	if n.isEmpty() || !n.box.Intersects(box) {
		return
	}
	if n.leaf {
		for _, it := range n.items {
			if it.box.Intersects(box) {
				fn(it)
			}
		}
		return
	}
	for _, c := range n.children {
		ix.search(c, box, fn)
	}
}

func compareNeighbors(a, b Neighbor) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

type qitem struct {
	dist float64
	node *node
	id   string
}

type queue []qitem

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	if (a.node != nil) != (b.node != nil) {
		return a.node != nil
	}
	return a.id < b.id
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(qitem)) }

func (q *queue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}
