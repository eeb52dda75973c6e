package spatial

import (
	"fmt"

	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/geo"
)

// Verify checks the structural invariants of the tree: every node box is the
// exact union of its members, non-root nodes respect the fill bounds, all
// leaves share one depth, and the stored parts match the id table.
func (ix *Index) Verify() error {
	parts := make(map[item]int)
	leafDepth := -1
	if err := ix.verifyNode(ix.root, 0, true, &leafDepth, parts); err != nil {
		return err
	}
	want := 0
	for id, box := range ix.boxes {
		for _, p := range box.Split() {
			want++
			if parts[item{id: id, box: p}] != 1 {
				return divergence("id table entry %s %s stored %d times", id, p, parts[item{id: id, box: p}])
			}
		}
	}
	total := 0
	for _, c := range parts {
		total += c
	}
	if total != want {
		return divergence("tree holds %d parts, id table expects %d", total, want)
	}
	return nil
}

func (ix *Index) verifyNode(n *node, depth int, root bool, leafDepth *int, parts map[item]int) error {
	fill := n.fill()
	if fill > ix.maxEntries {
		return divergence("node at depth %d holds %d > %d members", depth, fill, ix.maxEntries)
	}
	if !root && fill < ix.minEntries {
		return divergence("node at depth %d holds %d < %d members", depth, fill, ix.minEntries)
	}
	if n.isEmpty() {
		return nil
	}

	var union geo.BBox
	if n.leaf {
		if *leafDepth < 0 {
			*leafDepth = depth
		} else if *leafDepth != depth {
			return divergence("leaves at depths %d and %d", *leafDepth, depth)
		}
		for i, it := range n.items {
			parts[it]++
			if i == 0 {
				union = it.box
			} else {
				union = union.Union(it.box)
			}
		}
	} else {
		for i, c := range n.children {
			if err := ix.verifyNode(c, depth+1, false, leafDepth, parts); err != nil {
				return err
			}
			if i == 0 {
				union = c.box
			} else {
				union = union.Union(c.box)
			}
		}
	}
	if union != n.box {
		return divergence("node box %s is not the union %s of its members", n.box, union)
	}
	return nil
}

func divergence(format string, args ...any) error {
	return fault.New(fault.IndexDivergence, "%s", fmt.Sprintf(format, args...))
}
