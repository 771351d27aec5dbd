// Package confidence fuses independent evidence observations for a
// candidate relationship into one score and a reconciliation decision.
// All functions are pure; persistence and monotone state transitions are
// the store's job.
package confidence

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Thresholds configure fusion. Values are fixed for the duration of a run.
type Thresholds struct {
	// SyntheticDefault substitutes for observations the fuser manufactured
	// from coarse pattern matches.
	SyntheticDefault float64
	// MissingDefault substitutes for observations with no score field.
	MissingDefault float64
	// ValidationMin is the strict lower bound a fused score must exceed to
	// validate the edge.
	ValidationMin float64
	// ConflictSpread flags the fusion when max-min exceeds it. Audit only.
	ConflictSpread float64
	// BonusVarianceMax is the variance ceiling under which the convergence
	// bonus applies.
	BonusVarianceMax float64
	// EnhanceBelow marks validated edges for the prompt-enhancement
	// re-query when their fused score is under it.
	EnhanceBelow float64
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SyntheticDefault: 0.6,
		MissingDefault:   0.7,
		ValidationMin:    0.5,
		ConflictSpread:   0.4,
		BonusVarianceMax: 0.05,
		EnhanceBelow:     0.65,
	}
}

// Fusion is the outcome of fusing all evidence for one fingerprint.
type Fusion struct {
	Score    float64
	Mean     float64
	Variance float64
	Bonus    float64
	Samples  int
	// Malformed counts rows whose payload did not decode; they contribute
	// the missing-score default and are kept for audit.
	Malformed int
	Conflict  bool
	Status    domain.RelationshipStatus
	// Factors is the field-wise mean of the per-aspect breakdowns carried
	// by the evidence, nil when no observation carried one.
	Factors *domain.ConfidenceFactors
}

// NeedsEnhancement reports whether the fused edge qualifies for the
// low-confidence re-query path.
func (f Fusion) NeedsEnhancement(th Thresholds) bool {
	return f.Status == domain.RelValidated && f.Score < th.EnhanceBelow
}

// Fuse decodes the evidence rows and fuses their scores. Undecodable
// payloads count as missing-score observations rather than failing the
// whole fingerprint. Empty input is an error.
func Fuse(rows []domain.EvidenceRow, th Thresholds) (Fusion, error) {
	if len(rows) == 0 {
		return Fusion{}, fmt.Errorf("op=confidence.Fuse: no evidence rows: %w", domain.ErrInvalidArgument)
	}

	scores := make([]float64, 0, len(rows))
	malformed := 0
	var factorSum domain.ConfidenceFactors
	factorN := 0
	for _, row := range rows {
		var p domain.EvidencePayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			malformed++
			scores = append(scores, th.MissingDefault)
			continue
		}
		scores = append(scores, ScoreOf(p, th))
		if p.Factors != nil {
			factorSum.Syntax += p.Factors.Syntax
			factorSum.Semantic += p.Factors.Semantic
			factorSum.Context += p.Factors.Context
			factorSum.CrossRef += p.Factors.CrossRef
			factorN++
		}
	}

	f := FuseScores(scores, th)
	f.Malformed = malformed
	if factorN > 0 {
		n := float64(factorN)
		f.Factors = &domain.ConfidenceFactors{
			Syntax:   factorSum.Syntax / n,
			Semantic: factorSum.Semantic / n,
			Context:  factorSum.Context / n,
			CrossRef: factorSum.CrossRef / n,
		}
	}
	return f, nil
}

// FuseScores is the arithmetic core: mean, population variance, convergence
// bonus, clamp, conflict flag, decision.
func FuseScores(scores []float64, th Thresholds) Fusion {
	f := Fusion{Samples: len(scores)}
	if len(scores) == 0 {
		f.Status = domain.RelDiscarded
		return f
	}

	lo, hi := scores[0], scores[0]
	sum := 0.0
	for _, s := range scores {
		sum += s
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	f.Mean = sum / float64(len(scores))

	var sq float64
	for _, s := range scores {
		d := s - f.Mean
		sq += d * d
	}
	f.Variance = sq / float64(len(scores))

	if len(scores) >= 2 && f.Variance <= th.BonusVarianceMax {
		f.Bonus = math.Max(0, (1-f.Variance)*0.2)
	}
	f.Score = clamp01(f.Mean + f.Bonus)
	f.Conflict = hi-lo > th.ConflictSpread

	if f.Score > th.ValidationMin {
		f.Status = domain.RelValidated
	} else {
		f.Status = domain.RelDiscarded
	}
	return f
}

// ScoreOf returns the effective score of one observation, applying the
// synthetic and missing-field defaults.
func ScoreOf(p domain.EvidencePayload, th Thresholds) float64 {
	if p.Score == nil {
		if p.Synthetic {
			return th.SyntheticDefault
		}
		return th.MissingDefault
	}
	return clamp01(*p.Score)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
