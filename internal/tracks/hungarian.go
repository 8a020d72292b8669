package tracks

import "math"

// hungarianAssign solves the rectangular assignment problem for an n×m
// cost matrix in which +Inf marks a forbidden pair. It returns
// assignments[i] = column assigned to row i, or -1.
//
// The solution first maximises the number of allowed pairs and then
// minimises their total cost. Forbidden cells are replaced by a penalty
// larger than any sum of allowed costs, and padding cells cost nothing, so
// no allowed pair is ever traded for a cheaper padded one. The smaller
// side is always solved as rows; the matrix is transposed when needed.
func hungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	if m == 0 {
		return result
	}

	transposed := n > m
	rows, cols := n, m
	at := func(i, j int) float64 { return cost[i][j] }
	if transposed {
		rows, cols = m, n
		at = func(i, j int) float64 { return cost[j][i] }
	}

	penalty := 1.0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if c := at(i, j); !math.IsInf(c, 1) {
				penalty += math.Abs(c)
			}
		}
	}

	// rows <= cols; pad rows up to a square matrix.
	dim := cols
	c := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		c[i] = make([]float64, dim)
		if i >= rows {
			continue
		}
		for j := 0; j < dim; j++ {
			v := at(i, j)
			if math.IsInf(v, 1) {
				v = penalty
			}
			c[i][j] = v
		}
	}

	rowAssign := solveSquare(c)

	for i := 0; i < rows; i++ {
		j := rowAssign[i]
		if j < 0 || math.IsInf(at(i, j), 1) {
			continue
		}
		if transposed {
			result[j] = i
		} else {
			result[i] = j
		}
	}
	return result
}

// solveSquare is the Kuhn-Munkres algorithm with potentials
// (Jonker-Volgenant variant) over a dim×dim matrix. It returns the column
// assigned to every row.
func solveSquare(c [][]float64) []int {
	dim := len(c)
	const inf = math.MaxFloat64 / 2

	// 1-indexed internally; column 0 is virtual.
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1) // p[j] = row assigned to column j
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	rowAssign := make([]int, dim)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if p[j] > 0 {
			rowAssign[p[j]-1] = j - 1
		}
	}
	return rowAssign
}
