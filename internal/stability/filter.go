package stability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hmhoseini/uvsib/internal/chem"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

// Entry is one scored candidate under consideration by the filter.
type Entry struct {
	ID         string
	Formula    chem.Formula
	Energy     float64 // total energy for one cell of Formula
	Structure  domain.Structure
	EAboveHull float64 // populated on filter output
}

// EntryFromStructure derives an entry's composition from its structure.
func EntryFromStructure(id string, s domain.Structure, energy float64) Entry {
	f := make(chem.Formula, 4)
	for elem, n := range s.ElementCounts() {
		f[elem] = n
	}
	return Entry{ID: id, Formula: f, Energy: energy, Structure: s}
}

// EnergyPerAtom returns the entry's energy normalized per atom.
func (e Entry) EnergyPerAtom() float64 {
	n := e.Formula.NumAtoms()
	if n == 0 {
		return 0
	}
	return e.Energy / float64(n)
}

// Policy configures the reduction.
type Policy struct {
	EHullThreshold float64
	Matcher        Matcher
}

// DefaultPolicy returns the production reduction policy.
func DefaultPolicy() Policy {
	return Policy{EHullThreshold: 0.05, Matcher: DefaultMatcher()}
}

// Reduce filters the population of one chemical system down to its unique
// low-energy representatives. refs maps each element of the system to its
// reference energy per atom. The function is pure: inputs are not mutated
// and repeated invocations on identical input yield identical output.
//
// Candidates within the threshold are deduplicated in ascending
// energy-above-hull order, so of two equivalent structures the more stable
// one is always the accepted representative. Empty input yields empty
// output. For single-element systems the hull degenerates; only the global
// minimum survives.
func Reduce(system string, entries []Entry, refs map[string]float64, policy Policy) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for _, e := range entries {
		if e.Formula.NumAtoms() == 0 {
			return nil, fmt.Errorf("entry %q has no atoms", e.ID)
		}
	}
	if !strings.Contains(system, "-") {
		return reduceElemental(system, entries), nil
	}

	ehull := energyAboveHull(system, entries, refs)
	retained := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if e.Formula.ChemicalSystem() != system {
			continue
		}
		if ehull[i] >= policy.EHullThreshold {
			continue
		}
		e.EAboveHull = ehull[i]
		retained = append(retained, e)
	}
	sort.SliceStable(retained, func(i, j int) bool {
		if retained[i].EAboveHull != retained[j].EAboveHull {
			return retained[i].EAboveHull < retained[j].EAboveHull
		}
		if retained[i].EnergyPerAtom() != retained[j].EnergyPerAtom() {
			return retained[i].EnergyPerAtom() < retained[j].EnergyPerAtom()
		}
		return retained[i].ID < retained[j].ID
	})

	accepted := make([]Entry, 0, len(retained))
	for _, e := range retained {
		dup := false
		for _, rep := range accepted {
			if policy.Matcher.Fit(e.Structure, rep.Structure) {
				dup = true
				break
			}
		}
		if !dup {
			accepted = append(accepted, e)
		}
	}
	return accepted, nil
}

// reduceElemental keeps only the global minimum for a one-element system.
func reduceElemental(system string, entries []Entry) []Entry {
	best := -1
	for i, e := range entries {
		if e.Formula.ChemicalSystem() != system {
			continue
		}
		if best < 0 || e.EnergyPerAtom() < entries[best].EnergyPerAtom() ||
			(e.EnergyPerAtom() == entries[best].EnergyPerAtom() && e.ID < entries[best].ID) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	winner := entries[best]
	winner.EAboveHull = 0
	return []Entry{winner}
}
