package domain

import (
	"math"
	"testing"
)

func TestStageStateDefaultsToPending(t *testing.T) {
	var c Composition
	if got := c.StageState(StagePDML); got != StepPending {
		t.Fatalf("expected Pending for unset stage, got %q", got)
	}
	c.StepStatus = map[Stage]StepStatus{StagePDML: StepDone}
	if got := c.StageState(StagePDML); got != StepDone {
		t.Fatalf("expected Done, got %q", got)
	}
	if got := c.StageState(StageAdsorbates); got != StepPending {
		t.Fatalf("expected Pending for other stage, got %q", got)
	}
}

func TestStagesOrder(t *testing.T) {
	stages := Stages()
	want := []Stage{StagePDML, StagePDVerification, StageBandAlignment, StageSurfaceBuilder, StageAdsorbates}
	if len(stages) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(stages))
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage %d = %q, want %q", i, stages[i], want[i])
		}
	}
}

func TestLatticeVolume(t *testing.T) {
	cubic := Lattice{A: 4, B: 4, C: 4, Alpha: 90, Beta: 90, Gamma: 90}
	if v := cubic.Volume(); math.Abs(v-64) > 1e-9 {
		t.Fatalf("cubic volume = %v, want 64", v)
	}
	hex := Lattice{A: 3, B: 3, C: 5, Alpha: 90, Beta: 90, Gamma: 120}
	want := 3 * 3 * 5 * math.Sin(120*math.Pi/180)
	if v := hex.Volume(); math.Abs(v-want) > 1e-9 {
		t.Fatalf("hexagonal volume = %v, want %v", v, want)
	}
}

func TestStructureElementCounts(t *testing.T) {
	s := Structure{Sites: []Site{
		{Element: "Ti"},
		{Element: "O"},
		{Element: "O"},
	}}
	counts := s.ElementCounts()
	if counts["Ti"] != 1 || counts["O"] != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if s.NumAtoms() != 3 {
		t.Fatalf("NumAtoms = %d", s.NumAtoms())
	}
}

func TestStructureCloneIsIndependent(t *testing.T) {
	s := Structure{
		Lattice: Lattice{A: 4, B: 4, C: 4, Alpha: 90, Beta: 90, Gamma: 90},
		Sites:   []Site{{Element: "Ti", Frac: [3]float64{0, 0, 0}}},
	}
	clone := s.Clone()
	clone.Sites[0].Element = "Zr"
	if s.Sites[0].Element != "Ti" {
		t.Fatal("clone shares site storage with original")
	}
}
