package stability

import (
	"math"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

// Matcher decides whether two structures are duplicates of each other.
// Tolerances follow the usual fractional-length / site-distance / angle
// convention: lattice lengths are compared relatively within LatticeTol,
// angles within AngleTol degrees, and matched sites must lie within
// SiteTol*(V/n)^(1/3) of each other. Composition scaling is allowed when
// Scale is set; supercell matching is not attempted.
type Matcher struct {
	LatticeTol float64
	SiteTol    float64
	AngleTol   float64
	Scale      bool
}

// DefaultMatcher mirrors the production tolerances used at every stage
// boundary.
func DefaultMatcher() Matcher {
	return Matcher{LatticeTol: 0.7, SiteTol: 0.7, AngleTol: 5, Scale: true}
}

// Fit reports whether a and b describe the same structure within the
// configured tolerances.
func (m Matcher) Fit(a, b domain.Structure) bool {
	if len(a.Sites) == 0 || len(a.Sites) != len(b.Sites) {
		return false
	}
	ca, cb := a.ElementCounts(), b.ElementCounts()
	if len(ca) != len(cb) {
		return false
	}
	for e, n := range ca {
		if cb[e] != n {
			return false
		}
	}

	la, lb := a.Lattice, b.Lattice
	scale := 1.0
	if m.Scale {
		va, vb := la.Volume(), lb.Volume()
		if va <= 0 || vb <= 0 {
			return false
		}
		scale = math.Cbrt(va / vb)
	}
	wa, wb := sorted3(la.Lengths()), sorted3(lb.Lengths())
	for i := 0; i < 3; i++ {
		ref := wb[i] * scale
		if ref <= 0 || math.Abs(wa[i]-ref)/ref > m.LatticeTol {
			return false
		}
	}
	aa, ab := sorted3(la.Angles()), sorted3(lb.Angles())
	for i := 0; i < 3; i++ {
		if math.Abs(aa[i]-ab[i]) > m.AngleTol {
			return false
		}
	}

	// Site matching on fractional coordinates with minimum-image distances,
	// greedy per element. Cartesian distances are approximated with the cell
	// lengths; the angle check above bounds the shear error.
	n := float64(len(a.Sites))
	threshold := m.SiteTol * math.Cbrt(la.Volume()/n)
	used := make([]bool, len(b.Sites))
	for _, sa := range a.Sites {
		best := -1
		bestDist := math.Inf(1)
		for j, sb := range b.Sites {
			if used[j] || sb.Element != sa.Element {
				continue
			}
			d := fracDistance(sa.Frac, sb.Frac, la)
			if d < bestDist {
				bestDist = d
				best = j
			}
		}
		if best < 0 || bestDist > threshold {
			return false
		}
		used[best] = true
	}
	return true
}

func fracDistance(a, b [3]float64, lat domain.Lattice) float64 {
	lengths := lat.Lengths()
	sum := 0.0
	for i := 0; i < 3; i++ {
		d := a[i] - b[i]
		d -= math.Round(d)
		d *= lengths[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func sorted3(v [3]float64) [3]float64 {
	if v[0] > v[1] {
		v[0], v[1] = v[1], v[0]
	}
	if v[1] > v[2] {
		v[1], v[2] = v[2], v[1]
	}
	if v[0] > v[1] {
		v[0], v[1] = v[1], v[0]
	}
	return v
}
