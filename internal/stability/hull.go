// Package stability reduces scored candidate populations to unique,
// low-energy representatives. Energy above hull is computed against the
// convex lower hull of (composition-fraction, energy-per-atom) points,
// anchored by per-element reference energies.
package stability

import (
	"math"

	"github.com/hmhoseini/uvsib/internal/chem"
)

const lpEps = 1e-9

// hullEnergyAt returns the lower-hull energy per atom at the target
// fractions, interpolated over the given hull points. Each hull point is a
// fraction vector over the same element order plus an energy per atom.
// ok is false when the target composition cannot be expressed as a convex
// combination of the hull points.
func hullEnergyAt(target []float64, fracs [][]float64, energies []float64) (float64, bool) {
	m := len(target)
	n := len(fracs)
	if n == 0 {
		return 0, false
	}
	// Minimize sum(w_j * E_j) subject to sum(w_j * frac_j) = target, w >= 0.
	// The fraction rows sum to one on both sides, so sum(w) = 1 is implied.
	a := make([][]float64, m)
	for i := 0; i < m; i++ {
		a[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			a[i][j] = fracs[j][i]
		}
	}
	return solveLP(a, target, energies)
}

// solveLP minimizes c.w subject to A w = b, w >= 0, using the two-phase
// simplex method with Bland's rule. Returns the optimum and whether a
// feasible solution exists.
func solveLP(a [][]float64, b, c []float64) (float64, bool) {
	m := len(a)
	if m == 0 {
		return 0, false
	}
	n := len(a[0])
	cols := n + m // structural plus artificial columns
	t := make([][]float64, m)
	for i := 0; i < m; i++ {
		t[i] = make([]float64, cols+1)
		copy(t[i], a[i])
		t[i][cols] = b[i]
		if t[i][cols] < 0 {
			for j := range t[i] {
				t[i][j] = -t[i][j]
			}
		}
		t[i][n+i] = 1
	}
	basis := make([]int, m)
	for i := range basis {
		basis[i] = n + i
	}

	// Phase 1: minimize the sum of artificials.
	obj := make([]float64, cols+1)
	for i := 0; i < m; i++ {
		for j := 0; j <= cols; j++ {
			if j < n || j == cols {
				obj[j] -= t[i][j]
			}
		}
	}
	if !iterate(t, obj, basis, n) {
		return 0, false
	}
	if -obj[cols] > 1e-7 {
		return 0, false // infeasible
	}
	// Drive any lingering artificial out of the basis.
	for i := 0; i < m; i++ {
		if basis[i] < n {
			continue
		}
		pivoted := false
		for j := 0; j < n; j++ {
			if math.Abs(t[i][j]) > lpEps {
				pivot(t, obj, basis, i, j)
				pivoted = true
				break
			}
		}
		if !pivoted {
			basis[i] = -1 // redundant row
		}
	}

	// Phase 2: minimize the real objective.
	obj = make([]float64, cols+1)
	copy(obj, c)
	for i := 0; i < m; i++ {
		if basis[i] < 0 || basis[i] >= n {
			continue
		}
		cost := c[basis[i]]
		if cost == 0 {
			continue
		}
		for j := 0; j <= cols; j++ {
			obj[j] -= cost * t[i][j]
		}
	}
	if !iterate(t, obj, basis, n) {
		return 0, false
	}
	return -obj[cols], true
}

// iterate runs simplex pivots until no entering column remains. Columns at
// index >= limit (artificials) never enter.
func iterate(t [][]float64, obj []float64, basis []int, limit int) bool {
	m := len(t)
	rhs := len(obj) - 1
	for step := 0; step < 10000; step++ {
		enter := -1
		for j := 0; j < limit; j++ {
			if obj[j] < -lpEps {
				enter = j
				break
			}
		}
		if enter < 0 {
			return true
		}
		row := -1
		best := math.Inf(1)
		for i := 0; i < m; i++ {
			if basis[i] < 0 || t[i][enter] <= lpEps {
				continue
			}
			ratio := t[i][rhs] / t[i][enter]
			if ratio < best-lpEps || (math.Abs(ratio-best) <= lpEps && row >= 0 && basis[i] < basis[row]) {
				best = ratio
				row = i
			}
		}
		if row < 0 {
			return false // unbounded; cannot happen with simplex constraints
		}
		pivot(t, obj, basis, row, enter)
	}
	return false
}

func pivot(t [][]float64, obj []float64, basis []int, row, col int) {
	p := t[row][col]
	for j := range t[row] {
		t[row][j] /= p
	}
	for i := range t {
		if i == row {
			continue
		}
		f := t[i][col]
		if math.Abs(f) <= lpEps {
			continue
		}
		for j := range t[i] {
			t[i][j] -= f * t[row][j]
		}
	}
	f := obj[col]
	if math.Abs(f) > lpEps {
		for j := range obj {
			obj[j] -= f * t[row][j]
		}
	}
	basis[row] = col
}

// energyAboveHull computes each entry's distance above the lower hull formed
// by the whole population plus the reference anchors. The element order is
// taken from the chemical system key.
func energyAboveHull(system string, entries []Entry, refs map[string]float64) []float64 {
	elements := chem.SystemElements(system)
	fracs := make([][]float64, 0, len(entries)+len(elements))
	energies := make([]float64, 0, len(entries)+len(elements))
	for _, e := range entries {
		frac := e.Formula.Fractions(elements)
		// Entries carrying elements outside the system have fraction vectors
		// that do not sum to one; they cannot anchor this hull.
		sum := 0.0
		for _, f := range frac {
			sum += f
		}
		if math.Abs(sum-1) > 1e-9 {
			continue
		}
		fracs = append(fracs, frac)
		energies = append(energies, e.EnergyPerAtom())
	}
	for i, el := range elements {
		frac := make([]float64, len(elements))
		frac[i] = 1
		fracs = append(fracs, frac)
		energies = append(energies, refs[el])
	}
	out := make([]float64, len(entries))
	for i, e := range entries {
		hull, ok := hullEnergyAt(e.Formula.Fractions(elements), fracs, energies)
		if !ok {
			out[i] = math.Inf(1)
			continue
		}
		d := e.EnergyPerAtom() - hull
		if d < 0 {
			d = 0
		}
		out[i] = d
	}
	return out
}
