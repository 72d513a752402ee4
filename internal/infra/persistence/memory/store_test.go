package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

func structureTiO2() domain.Structure {
	return domain.Structure{
		Lattice: domain.Lattice{A: 4.6, B: 4.6, C: 2.96, Alpha: 90, Beta: 90, Gamma: 90},
		Sites: []domain.Site{
			{Element: "Ti", Frac: [3]float64{0, 0, 0}},
			{Element: "O", Frac: [3]float64{0.3, 0.3, 0}},
			{Element: "O", Frac: [3]float64{0.7, 0.7, 0}},
		},
	}
}

func TestUpsertCompositionIsIdempotent(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	ctx := context.Background()

	var first domain.Composition
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		first, err = tx.UpsertComposition(domain.Composition{Formula: "O2Ti"})
		return err
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.ID == "" || first.Status != domain.CompositionCreated {
		t.Fatalf("unexpected row %+v", first)
	}
	for _, stage := range domain.Stages() {
		if first.StepStatus[stage] != domain.StepPending {
			t.Fatalf("stage %s not pending: %q", stage, first.StepStatus[stage])
		}
	}

	var second domain.Composition
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		second, err = tx.UpsertComposition(domain.Composition{Formula: "O2Ti"})
		return err
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert minted a new row: %s vs %s", second.ID, first.ID)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	ctx := context.Background()

	boom := errors.New("boom")
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.UpsertComposition(domain.Composition{Formula: "O2Ti"}); err != nil {
			return err
		}
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindComposition("O2Ti"); ok {
			return fmt.Errorf("aborted transaction leaked state")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSubsystemLifecycle(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	ctx := context.Background()

	var created domain.ChemicalSubsystem
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateSubsystem(domain.ChemicalSubsystem{Key: "O-Ti", Model: "mace"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Ready {
		t.Fatal("new subsystem must not be ready")
	}

	// Racing creators get the stored row back, not an error.
	var again domain.ChemicalSubsystem
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		again, err = tx.CreateSubsystem(domain.ChemicalSubsystem{Key: "O-Ti"})
		return err
	}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("recreate minted a new row")
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.MarkSubsystemReady("O-Ti")
		return err
	}); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	// Marking twice is a no-op.
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		marked, err := tx.MarkSubsystemReady("O-Ti")
		if err != nil {
			return err
		}
		if !marked.Ready {
			return fmt.Errorf("expected ready")
		}
		return nil
	}); err != nil {
		t.Fatalf("re-mark: %v", err)
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.MarkSubsystemReady("missing")
		return err
	}); err == nil {
		t.Fatal("expected not-found for missing key")
	}
}

func TestAppendVersionConflictPolicies(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	ctx := context.Background()

	var candidate domain.Candidate
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		candidate, err = tx.CreateCandidate(domain.Candidate{CompositionKey: "O2Ti", ChemsysKey: "O-Ti"})
		if err != nil {
			return err
		}
		e := -12.0
		_, err = tx.AppendVersion(candidate.ID, domain.Version{Method: "mace", Structure: structureTiO2(), Energy: &e}, domain.OnConflictError)
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// error policy rejects the duplicate.
	err := func() error {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			e := -13.0
			_, err := tx.AppendVersion(candidate.ID, domain.Version{Method: "mace", Energy: &e}, domain.OnConflictError)
			return err
		})
		return err
	}()
	var dup domain.DuplicateVersionError
	if !errors.As(err, &dup) || dup.Method != "mace" {
		t.Fatalf("expected DuplicateVersionError, got %v", err)
	}

	// ignore policy keeps the stored payload.
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		e := -13.0
		stored, err := tx.AppendVersion(candidate.ID, domain.Version{Method: "mace", Energy: &e}, domain.OnConflictIgnore)
		if err != nil {
			return err
		}
		if stored.Energy == nil || *stored.Energy != -12.0 {
			return fmt.Errorf("ignore policy replaced payload: %+v", stored)
		}
		return nil
	}); err != nil {
		t.Fatalf("ignore: %v", err)
	}

	// override policy replaces in place.
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		e := -13.0
		stored, err := tx.AppendVersion(candidate.ID, domain.Version{Method: "mace", Energy: &e}, domain.OnConflictOverride)
		if err != nil {
			return err
		}
		if stored.Energy == nil || *stored.Energy != -13.0 {
			return fmt.Errorf("override policy kept stale payload: %+v", stored)
		}
		return nil
	}); err != nil {
		t.Fatalf("override: %v", err)
	}

	if err := store.View(ctx, func(view domain.TransactionView) error {
		got, ok := view.FindCandidate(candidate.ID)
		if !ok {
			return fmt.Errorf("candidate missing")
		}
		if len(got.Versions) != 1 {
			return fmt.Errorf("expected one version per method, got %d", len(got.Versions))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteCandidateCascades(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	ctx := context.Background()

	var (
		candidate domain.Candidate
		surface   domain.SurfaceRecord
	)
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		candidate, err = tx.CreateCandidate(domain.Candidate{CompositionKey: "O2Ti", ChemsysKey: "O-Ti"})
		if err != nil {
			return err
		}
		surface, err = tx.CreateSurface(domain.SurfaceRecord{CandidateID: candidate.ID, Slab: structureTiO2()})
		if err != nil {
			return err
		}
		_, err = tx.CreateAdsorbate(domain.AdsorbateRecord{
			SurfaceID: surface.ID,
			Reaction:  "OER",
			Adsorbate: "OH",
			Structure: structureTiO2(),
			Energy:    -1.2,
		})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteCandidate(candidate.ID)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindCandidate(candidate.ID); ok {
			return fmt.Errorf("candidate survived delete")
		}
		if len(view.ListSurfaces()) != 0 {
			return fmt.Errorf("surfaces survived cascade")
		}
		if len(view.ListAdsorbates()) != 0 {
			return fmt.Errorf("adsorbates survived cascade")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSurfaceRequiresParentCandidate(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSurface(domain.SurfaceRecord{CandidateID: "missing"})
		return err
	}); err == nil {
		t.Fatal("expected not-found for dangling surface parent")
	}
}

func TestCandidatesByChemsysFilters(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, key := range []string{"O", "Ti", "O-Ti"} {
			if _, err := tx.CreateCandidate(domain.Candidate{ChemsysKey: key}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.View(ctx, func(view domain.TransactionView) error {
		if got := view.CandidatesByChemsys([]string{"O", "Ti"}); len(got) != 2 {
			return fmt.Errorf("expected 2 elemental candidates, got %d", len(got))
		}
		if got := view.CandidatesByChemsys(nil); len(got) != 0 {
			return fmt.Errorf("expected empty result for no keys, got %d", len(got))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.UpsertComposition(domain.Composition{Formula: "O2Ti"}); err != nil {
			return err
		}
		if _, err := tx.CreateSubsystem(domain.ChemicalSubsystem{Key: "O"}); err != nil {
			return err
		}
		_, err := tx.CreateSubmission(domain.Submission{Requester: "alice", CompositionKey: "O2Ti"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	snapshot := store.ExportState()
	restored := NewStore(domain.NewRulesEngine())
	restored.ImportState(snapshot)

	if err := restored.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindComposition("O2Ti"); !ok {
			return fmt.Errorf("composition lost in round trip")
		}
		if _, ok := view.FindSubsystem("O"); !ok {
			return fmt.Errorf("subsystem lost in round trip")
		}
		if len(view.SubmissionsByComposition("O2Ti")) != 1 {
			return fmt.Errorf("submission lost in round trip")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
