package reactive

import (
	"slices"
	"strings"

	"github.com/roach88/geocore/internal/fault"
)

// depGraph maps node key → dependency keys.
type depGraph map[string][]string

// findCycleThrough returns a dependency path from key back to itself, or nil
// when key is not on a cycle. Dependencies are visited in declaration order
// so the reported path is stable.
func findCycleThrough(g depGraph, key string) []string {
	visited := make(map[string]bool)
	var path []string
	var walk func(string) bool
	walk = func(v string) bool {
		path = append(path, v)
		for _, w := range g[v] {
			if w == key {
				path = append(path, w)
				return true
			}
			if visited[w] {
				continue
			}
			visited[w] = true
			if walk(w) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if walk(key) {
		return path
	}
	return nil
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so results are deterministic.
func tarjanSCC(g depGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, seen := indices[k]; !seen {
			strongConnect(k)
		}
	}
	return sccs
}

// cycles returns one path per cyclic component, each starting at the
// component's smallest key.
func cycles(g depGraph) [][]string {
	var out [][]string
	for _, scc := range tarjanSCC(g) {
		if len(scc) == 1 && !slices.Contains(g[scc[0]], scc[0]) {
			continue
		}
		start := slices.Min(scc)
		out = append(out, findCycleThrough(restrict(g, scc), start))
	}
	slices.SortFunc(out, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return out
}

func restrict(g depGraph, members []string) depGraph {
	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	out := make(depGraph, len(members))
	for _, m := range members {
		for _, w := range g[m] {
			if in[w] {
				out[m] = append(out[m], w)
			}
		}
	}
	return out
}

func cycleError(path []string) error {
	return fault.New(fault.CyclicDependency, "dependency cycle %s", strings.Join(path, " -> ")).
		WithDetail("path", strings.Join(path, ","))
}
