package spatial

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/geo"
)

// Change is one index maintenance step derived from a model diff.
type Change struct {
	Op  Op
	ID  string
	Box geo.BBox
}

// Op is the kind of a Change.
type Op int

const (
	OpInsert Op = iota + 1
	OpRemove
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	case OpUpdate:
		return "update"
	}
	return "unknown"
}

// Apply performs a batch of changes. The batch is checked against the id
// table before anything is touched, so a rejected batch leaves the index
// unchanged.
func (ix *Index) Apply(changes []Change) error {
	present := make(map[string]bool, len(changes))
	has := func(id string) bool {
		if p, ok := present[id]; ok {
			return p
		}
		_, ok := ix.boxes[id]
		return ok
	}
	for _, c := range changes {
		switch c.Op {
		case OpInsert:
			if has(c.ID) {
				return fault.New(fault.DuplicateEntity, "batch inserts an indexed id").WithEntity(c.ID)
			}
			present[c.ID] = true
		case OpRemove, OpUpdate:
			if !has(c.ID) {
				return fault.New(fault.UnknownEntity, "batch %s of an id not indexed", c.Op).WithEntity(c.ID)
			}
			present[c.ID] = c.Op == OpUpdate
		default:
			return fault.New(fault.InvalidEvent, "unknown index op %d", c.Op).WithEntity(c.ID)
		}
	}

	for _, c := range changes {
		var err error
		switch c.Op {
		case OpInsert:
			err = ix.Insert(c.ID, c.Box)
		case OpRemove:
			err = ix.Remove(c.ID)
		case OpUpdate:
			err = ix.Update(c.ID, c.Box)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// BulkLoad replaces the contents of the index with entries using
// Sort-Tile-Recursive packing. Entries are ordered by id first so the same
// input always yields the same tree.
func (ix *Index) BulkLoad(entries []Entry) error {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	boxes := make(map[string]geo.BBox, len(sorted))
	var items []item
	for _, e := range sorted {
		if _, dup := boxes[e.ID]; dup {
			return fault.New(fault.DuplicateEntity, "bulk load repeats an id").WithEntity(e.ID)
		}
		boxes[e.ID] = e.Box
		for _, part := range e.Box.Split() {
			items = append(items, item{id: e.ID, box: part})
		}
	}

	ix.boxes = boxes
	if len(items) == 0 {
		ix.root = &node{leaf: true}
		return nil
	}

	level := make([]*node, 0)
	for _, group := range ix.tile(len(items), func(i int) geo.BBox { return items[i].box }, func(i int) string { return items[i].id }) {
		n := &node{leaf: true, items: pick(items, group)}
		n.recompute()
		level = append(level, n)
	}
	for len(level) > 1 {
		nodes := level
		level = nil
		for _, group := range ix.tile(len(nodes), func(i int) geo.BBox { return nodes[i].box }, func(int) string { return "" }) {
			n := &node{children: pick(nodes, group)}
			n.recompute()
			level = append(level, n)
		}
	}
	ix.root = level[0]
	return nil
}

// tile orders n boxes into vertical slabs by centre longitude, sorts each
// slab by centre latitude and cuts the result into groups of maxEntries. A
// short final group borrows from its predecessor so every group meets the
// minimum fill.
func (ix *Index) tile(n int, box func(int) geo.BBox, id func(int) string) [][]int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	byLon := func(a, b int) int {
		if c := cmp.Compare(box(a).Center().Lon, box(b).Center().Lon); c != 0 {
			return c
		}
		if c := strings.Compare(id(a), id(b)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	}
	byLat := func(a, b int) int {
		if c := cmp.Compare(box(a).Center().Lat, box(b).Center().Lat); c != 0 {
			return c
		}
		return byLon(a, b)
	}
	slices.SortFunc(order, byLon)

	leaves := int(math.Ceil(float64(n) / float64(ix.maxEntries)))
	slabs := int(math.Ceil(math.Sqrt(float64(leaves))))
	slabSize := slabs * ix.maxEntries
	for start := 0; start < n; start += slabSize {
		end := min(start+slabSize, n)
		slices.SortFunc(order[start:end], byLat)
	}

	var groups [][]int
	for start := 0; start < n; start += ix.maxEntries {
		groups = append(groups, order[start:min(start+ix.maxEntries, n)])
	}
	if k := len(groups); k > 1 && len(groups[k-1]) < ix.minEntries {
		merged := append(slices.Clone(groups[k-2]), groups[k-1]...)
		half := len(merged) / 2
		groups[k-2], groups[k-1] = merged[:half], merged[half:]
	}
	return groups
}
