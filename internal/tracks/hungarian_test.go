package tracks

import (
	"math"
	"math/rand"
	"testing"
)

var forbidden = math.Inf(1)

func assignmentCost(t *testing.T, cost [][]float64, result []int) (pairs int, total float64) {
	t.Helper()
	seen := make(map[int]bool)
	for i, j := range result {
		if j < 0 {
			continue
		}
		if seen[j] {
			t.Fatalf("column %d assigned twice in %v", j, result)
		}
		seen[j] = true
		if math.IsInf(cost[i][j], 1) {
			t.Fatalf("forbidden pair (%d,%d) assigned", i, j)
		}
		pairs++
		total += cost[i][j]
	}
	return pairs, total
}

func TestHungarianAssign_Empty(t *testing.T) {
	if result := hungarianAssign(nil); result != nil {
		t.Errorf("expected nil for empty cost matrix, got %v", result)
	}
	result := hungarianAssign([][]float64{{}, {}})
	if len(result) != 2 || result[0] != -1 || result[1] != -1 {
		t.Errorf("expected [-1 -1] for zero columns, got %v", result)
	}
}

func TestHungarianAssign_SquareOptimal(t *testing.T) {
	cost := [][]float64{
		{1, 2, 3},
		{4, 4, 6},
		{9, 8, 5},
	}
	result := hungarianAssign(cost)
	pairs, total := assignmentCost(t, cost, result)
	if pairs != 3 || total != 10 {
		t.Errorf("got %d pairs cost %v (%v), want 3 pairs cost 10", pairs, total, result)
	}
}

func TestHungarianAssign_Forbidden(t *testing.T) {
	cost := [][]float64{
		{1, 2},
		{forbidden, forbidden},
	}
	result := hungarianAssign(cost)
	if result[0] != 0 || result[1] != -1 {
		t.Errorf("got %v, want [0 -1]", result)
	}
}

func TestHungarianAssign_MaximisesPairsFirst(t *testing.T) {
	// Pairing row 0 with its cheap column would strand row 1.
	cost := [][]float64{
		{1, 100},
		{2, forbidden},
	}
	result := hungarianAssign(cost)
	if result[0] != 1 || result[1] != 0 {
		t.Errorf("got %v, want [1 0]", result)
	}
}

func TestHungarianAssign_Transposed(t *testing.T) {
	cost := [][]float64{
		{7},
		{3},
		{forbidden},
	}
	result := hungarianAssign(cost)
	if result[0] != -1 || result[1] != 0 || result[2] != -1 {
		t.Errorf("got %v, want [-1 0 -1]", result)
	}
}

func TestHungarianAssign_SmallCostsBesidePadding(t *testing.T) {
	// Cost differences far below any padding magnitude must still decide.
	cost := [][]float64{
		{0.001, 0.002, 0.5},
		{0.002, 0.001, 0.5},
	}
	result := hungarianAssign(cost)
	if result[0] != 0 || result[1] != 1 {
		t.Errorf("got %v, want [0 1]", result)
	}
}

// bruteForce returns the best (pairs, cost) over all partial matchings.
func bruteForce(cost [][]float64) (int, float64) {
	n, m := len(cost), len(cost[0])
	bestPairs, bestCost := -1, 0.0
	used := make([]bool, m)
	var rec func(i, pairs int, total float64)
	rec = func(i, pairs int, total float64) {
		if i == n {
			if pairs > bestPairs || (pairs == bestPairs && total < bestCost) {
				bestPairs, bestCost = pairs, total
			}
			return
		}
		rec(i+1, pairs, total)
		for j := 0; j < m; j++ {
			if used[j] || math.IsInf(cost[i][j], 1) {
				continue
			}
			used[j] = true
			rec(i+1, pairs+1, total+cost[i][j])
			used[j] = false
		}
	}
	rec(0, 0, 0)
	return bestPairs, bestCost
}

func TestHungarianAssign_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n, m := 1+rng.Intn(5), 1+rng.Intn(5)
		cost := make([][]float64, n)
		for i := range cost {
			cost[i] = make([]float64, m)
			for j := range cost[i] {
				if rng.Float64() < 0.3 {
					cost[i][j] = forbidden
				} else {
					cost[i][j] = math.Round(rng.Float64()*1000) / 10
				}
			}
		}
		wantPairs, wantCost := bruteForce(cost)
		gotPairs, gotCost := assignmentCost(t, cost, hungarianAssign(cost))
		if gotPairs != wantPairs || math.Abs(gotCost-wantCost) > 1e-6 {
			t.Fatalf("trial %d %v: got %d pairs cost %v, want %d pairs cost %v", trial, cost, gotPairs, gotCost, wantPairs, wantCost)
		}
	}
}
