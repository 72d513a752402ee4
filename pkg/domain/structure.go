package domain

import "math"

// Lattice holds the six lattice parameters of a periodic cell. Lengths are in
// angstrom, angles in degrees.
type Lattice struct {
	A     float64 `json:"a"`
	B     float64 `json:"b"`
	C     float64 `json:"c"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Volume returns the cell volume from the lattice parameters.
func (l Lattice) Volume() float64 {
	ca := math.Cos(l.Alpha * math.Pi / 180)
	cb := math.Cos(l.Beta * math.Pi / 180)
	cg := math.Cos(l.Gamma * math.Pi / 180)
	s := 1 - ca*ca - cb*cb - cg*cg + 2*ca*cb*cg
	if s < 0 {
		s = 0
	}
	return l.A * l.B * l.C * math.Sqrt(s)
}

// Lengths returns the three cell lengths.
func (l Lattice) Lengths() [3]float64 { return [3]float64{l.A, l.B, l.C} }

// Angles returns the three cell angles in degrees.
func (l Lattice) Angles() [3]float64 { return [3]float64{l.Alpha, l.Beta, l.Gamma} }

// Site is one atomic site with fractional coordinates.
type Site struct {
	Element string     `json:"element"`
	Frac    [3]float64 `json:"frac"`
}

// Structure is the structural payload attached to candidate versions, slabs,
// and adsorbate records. The store treats it as opaque; only the stability
// filter and the chem helpers interpret it.
type Structure struct {
	Lattice Lattice `json:"lattice"`
	Sites   []Site  `json:"sites"`
}

// NumAtoms returns the number of sites in the cell.
func (s Structure) NumAtoms() int { return len(s.Sites) }

// ElementCounts returns the per-element site counts of the cell.
func (s Structure) ElementCounts() map[string]int {
	counts := make(map[string]int, 4)
	for _, site := range s.Sites {
		counts[site.Element]++
	}
	return counts
}

// Clone returns a deep copy of the structure.
func (s Structure) Clone() Structure {
	out := Structure{Lattice: s.Lattice}
	if s.Sites != nil {
		out.Sites = make([]Site, len(s.Sites))
		copy(out.Sites, s.Sites)
	}
	return out
}
