// Package spatial maintains an R-tree over geodetic bounding boxes keyed by
// entity id.
//
// The tree stores non-crossing lat/lon boxes. An entry whose box crosses the
// antimeridian is stored as two parts under the same id. Distances use the
// spherical earth model (geo.Earth) so query ordering is reproducible.
//
// Index is not safe for concurrent use; the engine owns it and mutates it
// only from its single writer goroutine.
package spatial

import (
	"math"
	"slices"
	"strings"

	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/geo"
)

const (
	// DefaultMaxEntries is the node capacity.
	DefaultMaxEntries = 16
)

// Entry is one indexed entity.
type Entry struct {
	ID  string   `json:"id"`
	Box geo.BBox `json:"box"`
}

type item struct {
	id  string
	box geo.BBox
}

type node struct {
	leaf     bool
	box      geo.BBox
	children []*node
	items    []item
}

// Index is an R-tree plus an id table.
type Index struct {
	root       *node
	boxes      map[string]geo.BBox
	maxEntries int
	minEntries int
	earth      geo.Sphere
}

// Option configures an Index.
type Option func(*Index)

// WithMaxEntries sets the node capacity. The minimum fill is 40% of it.
func WithMaxEntries(n int) Option {
	return func(ix *Index) {
		if n < 4 {
			n = 4
		}
		ix.maxEntries = n
	}
}

// New returns an empty index.
func New(opts ...Option) *Index {
	ix := &Index{
		boxes:      make(map[string]geo.BBox),
		maxEntries: DefaultMaxEntries,
		earth:      geo.Earth,
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.minEntries = max(2, ix.maxEntries*2/5)
	ix.root = &node{leaf: true}
	return ix
}

// Len returns the number of indexed ids.
func (ix *Index) Len() int { return len(ix.boxes) }

// Box returns the box stored for id.
func (ix *Index) Box(id string) (geo.BBox, bool) {
	b, ok := ix.boxes[id]
	return b, ok
}

// Insert adds id. It fails with fault.DuplicateEntity when id is present.
func (ix *Index) Insert(id string, box geo.BBox) error {
	if _, ok := ix.boxes[id]; ok {
		return fault.New(fault.DuplicateEntity, "id already indexed").WithEntity(id)
	}
	ix.boxes[id] = box
	for _, part := range box.Split() {
		ix.insertItem(item{id: id, box: part})
	}
	return nil
}

// Remove deletes id. It fails with fault.UnknownEntity when id is absent.
func (ix *Index) Remove(id string) error {
	box, ok := ix.boxes[id]
	if !ok {
		return fault.New(fault.UnknownEntity, "id not indexed").WithEntity(id)
	}
	delete(ix.boxes, id)
	for _, part := range box.Split() {
		ix.removeItem(item{id: id, box: part})
	}
	return nil
}

// Update moves id to a new box. Unchanged boxes are a no-op.
func (ix *Index) Update(id string, box geo.BBox) error {
	old, ok := ix.boxes[id]
	if !ok {
		return fault.New(fault.UnknownEntity, "id not indexed").WithEntity(id)
	}
	if old == box {
		return nil
	}
	if err := ix.Remove(id); err != nil {
		return err
	}
	return ix.Insert(id, box)
}

// Clear drops every entry.
func (ix *Index) Clear() {
	ix.root = &node{leaf: true}
	ix.boxes = make(map[string]geo.BBox)
}

func (ix *Index) insertItem(it item) {
	if split := ix.insert(ix.root, it); split != nil {
		old := ix.root
		ix.root = &node{children: []*node{old, split}, box: old.box.Union(split.box)}
	}
}

// insert adds it below n and returns the new sibling when n split.
func (ix *Index) insert(n *node, it item) *node {
	if n.isEmpty() {
		n.box = it.box
	} else {
		n.box = n.box.Union(it.box)
	}
	if n.leaf {
		n.items = append(n.items, it)
		if len(n.items) > ix.maxEntries {
			return ix.splitLeaf(n)
		}
		return nil
	}
	child := chooseSubtree(n.children, it.box)
	if sibling := ix.insert(child, it); sibling != nil {
		n.children = append(n.children, sibling)
		if len(n.children) > ix.maxEntries {
			return ix.splitInternal(n)
		}
	}
	return nil
}

func (n *node) isEmpty() bool {
	return len(n.items) == 0 && len(n.children) == 0
}

// chooseSubtree picks the child needing the least area enlargement, then the
// least margin enlargement, then the smallest area.
func chooseSubtree(children []*node, box geo.BBox) *node {
	best := children[0]
	bestCost := growth(best.box, box)
	for _, c := range children[1:] {
		cost := growth(c.box, box)
		if cost.less(bestCost) {
			best, bestCost = c, cost
		}
	}
	return best
}

type cost struct {
	area, margin, size float64
}

func (c cost) less(o cost) bool {
	if c.area != o.area {
		return c.area < o.area
	}
	if c.margin != o.margin {
		return c.margin < o.margin
	}
	return c.size < o.size
}

func margin(b geo.BBox) float64 {
	return (b.MaxLat - b.MinLat) + (b.MaxLon - b.MinLon)
}

func growth(b, add geo.BBox) cost {
	u := b.Union(add)
	return cost{area: u.Area() - b.Area(), margin: margin(u) - margin(b), size: b.Area()}
}

func (ix *Index) splitLeaf(n *node) *node {
	boxes := make([]geo.BBox, len(n.items))
	for i, it := range n.items {
		boxes[i] = it.box
	}
	a, b := quadraticSplit(boxes, ix.minEntries)
	items := n.items
	n.items = pick(items, a)
	sibling := &node{leaf: true, items: pick(items, b)}
	n.recompute()
	sibling.recompute()
	return sibling
}

func (ix *Index) splitInternal(n *node) *node {
	boxes := make([]geo.BBox, len(n.children))
	for i, c := range n.children {
		boxes[i] = c.box
	}
	a, b := quadraticSplit(boxes, ix.minEntries)
	children := n.children
	n.children = pick(children, a)
	sibling := &node{children: pick(children, b)}
	n.recompute()
	sibling.recompute()
	return sibling
}

func pick[T any](all []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = all[j]
	}
	return out
}

// quadraticSplit partitions boxes into two groups of at least minFill
// members using Guttman's quadratic algorithm. Ties resolve to the lower
// index so the split is deterministic.
func quadraticSplit(boxes []geo.BBox, minFill int) ([]int, []int) {
	seedA, seedB := 0, 1
	worst := cost{area: math.Inf(-1), margin: math.Inf(-1)}
	for i := 0; i < len(boxes); i++ {
		for j := i + 1; j < len(boxes); j++ {
			u := boxes[i].Union(boxes[j])
			waste := cost{
				area:   u.Area() - boxes[i].Area() - boxes[j].Area(),
				margin: margin(u),
			}
			if worst.less(waste) {
				worst, seedA, seedB = waste, i, j
			}
		}
	}

	groupA, groupB := []int{seedA}, []int{seedB}
	boxA, boxB := boxes[seedA], boxes[seedB]
	assigned := make([]bool, len(boxes))
	assigned[seedA], assigned[seedB] = true, true
	remaining := len(boxes) - 2

	for remaining > 0 {
		if len(groupA)+remaining <= minFill {
			for i := range boxes {
				if !assigned[i] {
					groupA = append(groupA, i)
					boxA = boxA.Union(boxes[i])
				}
			}
			break
		}
		if len(groupB)+remaining <= minFill {
			for i := range boxes {
				if !assigned[i] {
					groupB = append(groupB, i)
					boxB = boxB.Union(boxes[i])
				}
			}
			break
		}

		// PickNext: the box with the strongest preference for one group.
		next := -1
		bestPref := cost{area: math.Inf(-1), margin: math.Inf(-1)}
		var nextA, nextB cost
		for i := range boxes {
			if assigned[i] {
				continue
			}
			ga, gb := growth(boxA, boxes[i]), growth(boxB, boxes[i])
			pref := cost{area: math.Abs(ga.area - gb.area), margin: math.Abs(ga.margin - gb.margin)}
			if next < 0 || bestPref.less(pref) {
				next, bestPref, nextA, nextB = i, pref, ga, gb
			}
		}

		toA := nextA.less(nextB)
		if !nextA.less(nextB) && !nextB.less(nextA) {
			toA = len(groupA) <= len(groupB)
		}
		if toA {
			groupA = append(groupA, next)
			boxA = boxA.Union(boxes[next])
		} else {
			groupB = append(groupB, next)
			boxB = boxB.Union(boxes[next])
		}
		assigned[next] = true
		remaining--
	}
	return groupA, groupB
}

func (n *node) recompute() {
	first := true
	if n.leaf {
		for _, it := range n.items {
			if first {
				n.box, first = it.box, false
				continue
			}
			n.box = n.box.Union(it.box)
		}
	} else {
		for _, c := range n.children {
			if first {
				n.box, first = c.box, false
				continue
			}
			n.box = n.box.Union(c.box)
		}
	}
	if first {
		n.box = geo.BBox{}
	}
}

// removeItem deletes one part and condenses the tree, reinserting the
// members of underfull nodes.
func (ix *Index) removeItem(it item) {
	var orphans []item
	ix.remove(ix.root, it, &orphans)
	for !ix.root.leaf && len(ix.root.children) == 1 {
		ix.root = ix.root.children[0]
	}
	if !ix.root.leaf && len(ix.root.children) == 0 {
		ix.root = &node{leaf: true}
	}
	for _, o := range orphans {
		ix.insertItem(o)
	}
}

func (ix *Index) remove(n *node, it item, orphans *[]item) bool {
	if n.leaf {
		i := slices.IndexFunc(n.items, func(x item) bool { return x.id == it.id && x.box == it.box })
		if i < 0 {
			return false
		}
		n.items = slices.Delete(n.items, i, i+1)
		n.recompute()
		return true
	}
	for i, c := range n.children {
		if !c.box.ContainsBox(it.box) {
			continue
		}
		if !ix.remove(c, it, orphans) {
			continue
		}
		if c.fill() < ix.minEntries {
			n.children = slices.Delete(n.children, i, i+1)
			c.collect(orphans)
		}
		n.recompute()
		return true
	}
	return false
}

func (n *node) fill() int {
	if n.leaf {
		return len(n.items)
	}
	return len(n.children)
}

func (n *node) collect(out *[]item) {
	if n.leaf {
		*out = append(*out, n.items...)
		return
	}
	for _, c := range n.children {
		c.collect(out)
	}
}

// Entries returns every entry sorted by id.
func (ix *Index) Entries() []Entry {
	out := make([]Entry, 0, len(ix.boxes))
	for id, box := range ix.boxes {
		out = append(out, Entry{ID: id, Box: box})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Equal reports whether both indexes hold the same entries. Tree shape is
// ignored.
func (ix *Index) Equal(o *Index) bool {
	if len(ix.boxes) != len(o.boxes) {
		return false
	}
	for id, b := range ix.boxes {
		if ob, ok := o.boxes[id]; !ok || ob != b {
			return false
		}
	}
	return true
}

// Height returns the number of levels in the tree.
func (ix *Index) Height() int {
	h := 1
	for n := ix.root; !n.leaf; n = n.children[0] {
		h++
	}
	return h
}
