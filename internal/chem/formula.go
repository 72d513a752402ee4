// Package chem provides the small amount of composition arithmetic the core
// needs: formula parsing, reduced formulas, chemical-system keys, and
// subsystem enumeration.
package chem

import (
	"fmt"
	"sort"
	"strings"
)

// Formula is a map from element symbol to atom count in one formula unit.
type Formula map[string]int

// Parse reads a chemical formula such as "TiO2", "Li2CO3", or "Ca(OH)2" into
// per-element atom counts.
func Parse(s string) (Formula, error) {
	counts := make(Formula)
	if err := parseGroup(strings.TrimSpace(s), 1, counts); err != nil {
		return nil, fmt.Errorf("parse formula %q: %w", s, err)
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("parse formula %q: empty formula", s)
	}
	return counts, nil
}

func parseGroup(s string, mult int, counts Formula) error {
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '(':
			depth := 1
			j := i + 1
			for ; j < len(s); j++ {
				if s[j] == '(' {
					depth++
				} else if s[j] == ')' {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			if depth != 0 {
				return fmt.Errorf("unbalanced parenthesis")
			}
			inner := s[i+1 : j]
			j++
			n, j2 := readCount(s, j)
			if err := parseGroup(inner, mult*n, counts); err != nil {
				return err
			}
			i = j2
		case c >= 'A' && c <= 'Z':
			j := i + 1
			for j < len(s) && s[j] >= 'a' && s[j] <= 'z' {
				j++
			}
			elem := s[i:j]
			n, j2 := readCount(s, j)
			counts[elem] += mult * n
			i = j2
		default:
			return fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return nil
}

func readCount(s string, i int) (int, int) {
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		return 1, i
	}
	n := 0
	for _, d := range s[i:j] {
		n = n*10 + int(d-'0')
	}
	return n, j
}

// Elements returns the sorted element symbols of the formula.
func (f Formula) Elements() []string {
	elems := make([]string, 0, len(f))
	for e := range f {
		elems = append(elems, e)
	}
	sort.Strings(elems)
	return elems
}

// NumAtoms returns the total atom count in one formula unit.
func (f Formula) NumAtoms() int {
	total := 0
	for _, n := range f {
		total += n
	}
	return total
}

// Reduced returns the formula with counts divided by their greatest common
// divisor, elements in alphabetical order. The result is the canonical
// composition key ("O2Ti" for TiO2 input).
func (f Formula) Reduced() string {
	g := 0
	for _, n := range f {
		g = gcd(g, n)
	}
	var sb strings.Builder
	for _, e := range f.Elements() {
		sb.WriteString(e)
		if n := f[e] / g; n > 1 {
			fmt.Fprintf(&sb, "%d", n)
		}
	}
	return sb.String()
}

// ChemicalSystem returns the sorted dash-joined element set ("O-Ti").
func (f Formula) ChemicalSystem() string {
	return strings.Join(f.Elements(), "-")
}

// Fractions returns the atomic fraction of each element over the supplied
// element order. Elements absent from the formula contribute zero.
func (f Formula) Fractions(elements []string) []float64 {
	total := float64(f.NumAtoms())
	fracs := make([]float64, len(elements))
	for i, e := range elements {
		fracs[i] = float64(f[e]) / total
	}
	return fracs
}

// ReducedFormula parses s and returns its canonical composition key.
func ReducedFormula(s string) (string, error) {
	f, err := Parse(s)
	if err != nil {
		return "", err
	}
	return f.Reduced(), nil
}

// SystemKey parses s and returns its chemical system key.
func SystemKey(s string) (string, error) {
	f, err := Parse(s)
	if err != nil {
		return "", err
	}
	return f.ChemicalSystem(), nil
}

// Subsystems enumerates the chemical-system keys of every non-empty element
// subset of the formula, smallest subsets first, deterministic order. The
// full system itself is included last.
func Subsystems(f Formula) []string {
	elems := f.Elements()
	var systems []string
	n := len(elems)
	for size := 1; size <= n; size++ {
		combine(elems, size, func(combo []string) {
			systems = append(systems, strings.Join(combo, "-"))
		})
	}
	return systems
}

func combine(elems []string, size int, emit func([]string)) {
	combo := make([]string, size)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == size {
			emit(combo)
			return
		}
		for i := start; i <= len(elems)-(size-depth); i++ {
			combo[depth] = elems[i]
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
}

// SystemElements splits a chemical-system key back into its element symbols.
func SystemElements(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "-")
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}
