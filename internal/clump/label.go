package clump

import (
	"slices"
)

// Clump is one connected component of runs. IDs are 1-based.
type Clump struct {
	ID      int
	Runs    []Run
	NPoints int
}

// Label groups runs into clumps. Runs merge when they lie in adjacent rows
// of the same plane, or in the same row of adjacent planes, and satisfy
// Overlaps(a, b, minOverlap). The input need not be sorted. Clumps are
// numbered in order of their first run in (plane, row, start) order, and
// runs within a clump keep that order.
func Label(runs []Run, minOverlap int) []Clump {
	if len(runs) == 0 {
		return nil
	}
	sorted := slices.Clone(runs)
	slices.SortFunc(sorted, compareRuns)

	rows := indexRows(sorted)
	uf := newUnionFind(len(sorted))
	for i, r := range sorted {
		// Runs below and behind are visited before i, so checking only
		// the previous row and previous plane covers every adjacent pair.
		for _, j := range rows.get(r.Plane, r.Row-1) {
			if Overlaps(r, sorted[j], minOverlap) {
				uf.union(i, j)
			}
		}
		for _, j := range rows.get(r.Plane-1, r.Row) {
			if Overlaps(r, sorted[j], minOverlap) {
				uf.union(i, j)
			}
		}
	}

	rootToClump := make(map[int]int)
	var clumps []Clump
	for i, r := range sorted {
		root := uf.find(i)
		ci, ok := rootToClump[root]
		if !ok {
			ci = len(clumps)
			rootToClump[root] = ci
			clumps = append(clumps, Clump{ID: ci + 1})
		}
		clumps[ci].Runs = append(clumps[ci].Runs, r)
		clumps[ci].NPoints += r.Len
	}
	return clumps
}

func compareRuns(a, b Run) int {
	if a.Plane != b.Plane {
		return a.Plane - b.Plane
	}
	if a.Row != b.Row {
		return a.Row - b.Row
	}
	return a.Start - b.Start
}

type rowKey struct{ plane, row int }

// rowIndex maps each (plane, row) to the indices of its runs.
type rowIndex map[rowKey][]int

func indexRows(sorted []Run) rowIndex {
	idx := make(rowIndex)
	for i, r := range sorted {
		k := rowKey{r.Plane, r.Row}
		idx[k] = append(idx[k], i)
	}
	return idx
}

func (idx rowIndex) get(plane, row int) []int {
	if plane < 0 || row < 0 {
		return nil
	}
	return idx[rowKey{plane, row}]
}

// unionFind is a disjoint-set forest over run indices with path
// compression and union by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	root := i
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	for uf.parent[i] != root {
		next := uf.parent[i]
		uf.parent[i] = root
		i = next
	}
	return root
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
}
