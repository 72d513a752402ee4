package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	blobcore "github.com/hmhoseini/uvsib/internal/infra/blob/core"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

const (
	methodPBE = "PBE"
	methodHSE = "HSE"
)

// bandAlignmentStage screens the verified candidates electronically: one
// PBE-then-HSE job pair per candidate, band gaps recorded in the version
// attribute bag and raw solver output archived in the blob store.
type bandAlignmentStage struct {
	env *Env
}

// NewBandAlignmentStage constructs the band_alignment stage runner.
func NewBandAlignmentStage(env *Env) StageRunner {
	env.ensureLogger()
	return &bandAlignmentStage{env: env}
}

func (s *bandAlignmentStage) Name() domain.Stage { return domain.StageBandAlignment }

func (s *bandAlignmentStage) Execute(ctx context.Context, run Run) error {
	composition, ok, err := s.env.Service.FindComposition(ctx, run.Formula)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityComposition, ID: run.Formula}
	}
	if len(composition.StableRefs) == 0 {
		return domain.NoCandidatesError{Stage: s.Name(), Formula: run.Formula}
	}

	var specs []JobSpec
	for _, id := range composition.StableRefs {
		candidate, ok, err := s.env.Service.FindCandidate(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, screened := candidate.Versions[methodHSE]; screened {
			continue
		}
		version, ok := candidate.Versions[methodVerification]
		if !ok {
			continue
		}
		specs = append(specs, JobSpec{
			Kind:        JobBandAlignment,
			Formula:     run.Formula,
			ChemsysKey:  candidate.ChemsysKey,
			CandidateID: id,
			Model:       run.Model,
			Structures:  []domain.Structure{version.Structure},
		})
	}

	outcomes, err := s.env.Controller.Run(ctx, s.Name(), specs)
	if err != nil {
		return err
	}
	for _, out := range outcomes {
		if err := s.persistOutcome(ctx, run, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *bandAlignmentStage) persistOutcome(ctx context.Context, run Run, out Outcome) error {
	candidateID := out.Spec.CandidateID
	structure := out.Spec.Structures[0]
	if len(out.Artifacts.Structures) > 0 {
		structure = out.Artifacts.Structures[0]
	}

	blobKey, err := s.archiveRaw(ctx, run, candidateID, out.Artifacts.Raw)
	if err != nil {
		return err
	}

	if pbeGap, ok := attrFloat(out.Artifacts.Attributes, "band_gap_pbe"); ok {
		_, _, err := s.env.Service.AppendCandidateVersion(ctx, candidateID, domain.Version{
			Method:     methodPBE,
			Source:     "abinitio",
			Structure:  structure,
			Attributes: map[string]any{"band_gap": pbeGap},
		}, domain.OnConflictIgnore)
		if err != nil {
			return fmt.Errorf("append PBE version for %s: %w", candidateID, err)
		}
	}

	if out.Artifacts.BandGap == nil {
		return fmt.Errorf("band alignment job for %s returned no band gap", candidateID)
	}
	attrs := map[string]any{"band_gap": *out.Artifacts.BandGap}
	if blobKey != "" {
		attrs["raw_blob"] = blobKey
	}
	_, _, err = s.env.Service.AppendCandidateVersion(ctx, candidateID, domain.Version{
		Method:     methodHSE,
		Source:     "abinitio",
		Structure:  structure,
		Attributes: attrs,
	}, domain.OnConflictIgnore)
	if err != nil {
		return fmt.Errorf("append HSE version for %s: %w", candidateID, err)
	}
	return nil
}

// archiveRaw stores the solver's raw output. The blob store is create-only;
// a key left over from a crashed run is reused as-is.
func (s *bandAlignmentStage) archiveRaw(ctx context.Context, run Run, candidateID string, raw []byte) (string, error) {
	if s.env.Blobs == nil || len(raw) == 0 {
		return "", nil
	}
	key := fmt.Sprintf("band_alignment/%s/%s.out", run.Formula, candidateID)
	_, err := s.env.Blobs.Put(ctx, key, bytes.NewReader(raw), blobcore.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"candidate": candidateID, "formula": run.Formula},
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return key, nil
		}
		return "", fmt.Errorf("archive solver output for %s: %w", candidateID, err)
	}
	return key, nil
}
