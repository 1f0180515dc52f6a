package disagg

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/loadscope/loadscope/pkg/log"
	"github.com/loadscope/loadscope/pkg/types"
)

// feature is the matching space: log1p of the four signature dimensions.
type feature struct {
	mean, dur, step, peak float64
}

func sessionFeature(s types.Session) feature {
	return feature{
		mean: math.Log1p(math.Max(0, s.MeanResidualWatts)),
		dur:  math.Log1p(math.Max(0, s.DurationMinutes)),
		step: math.Log1p(math.Max(0, s.StartStepWatts)),
		peak: math.Log1p(math.Max(0, s.PeakResidualWatts)),
	}
}

func fingerprintFeature(fp types.Fingerprint) feature {
	return feature{
		mean: math.Log1p(math.Max(0, fp.MeanWatts)),
		dur:  math.Log1p(math.Max(0, fp.DurationMinutes)),
		step: math.Log1p(math.Max(0, fp.StartStepWatts)),
		peak: math.Log1p(math.Max(0, fp.PeakWatts)),
	}
}

// similarity scores two signatures in [0,1]. Step and peak are down-weighted:
// at 15-minute resolution both are noisier than mean and duration.
func (e *Engine) similarity(a, b feature) float64 {
	dm := a.mean - b.mean
	dd := a.dur - b.dur
	ds := a.step - b.step
	dp := a.peak - b.peak
	d2 := dm*dm + dd*dd + e.params.StepPeakWeight*(ds*ds+dp*dp)
	return math.Exp(-e.params.ScoreDecay * d2)
}

// emaRate is the adaptive centroid drift rate: young fingerprints adapt fast,
// mature ones drift slowly.
func (e *Engine) emaRate(sessionCount int) float64 {
	return clampFloat(1.0/math.Max(e.params.EMAHorizon, float64(sessionCount+1)), e.params.EMARateMin, e.params.EMARateMax)
}

// updateFingerprint folds one assigned session into the fingerprint's running
// centroid and bumps its counters. Called on every assignment, match or
// create; for a freshly created fingerprint the EMA is an identity update.
func (e *Engine) updateFingerprint(fp *types.Fingerprint, s types.Session, now func() time.Time) {
	alpha := e.emaRate(fp.SessionCount)
	fp.MeanWatts += alpha * (s.MeanResidualWatts - fp.MeanWatts)
	fp.DurationMinutes += alpha * (s.DurationMinutes - fp.DurationMinutes)
	fp.PeakWatts += alpha * (s.PeakResidualWatts - fp.PeakWatts)
	fp.StartStepWatts += alpha * (s.StartStepWatts - fp.StartStepWatts)
	fp.SessionCount++
	fp.UpdatedAt = now()
}

// confidence grades an assignment for the caller: grows with match quality
// and with how well-established the fingerprint is, bounded away from both 0
// and 1.
func (e *Engine) confidence(score float64, fpSessionCount int) float64 {
	return clampFloat(0.5+0.35*score+math.Min(0.12, float64(fpSessionCount)/120.0), 0.45, 0.95)
}

// InferFromFingerprints is the warm path: every session is assigned to its
// nearest known fingerprint, or creates a new one when no score clears the
// match threshold. Fingerprints created earlier in the same call are matched
// against too. The returned Fingerprints slice is the full updated list; the
// caller must persist it (upsert by id). Deterministic for identical inputs.
func (e *Engine) InferFromFingerprints(
	ctx context.Context,
	customerID string,
	sessions []types.Session,
	priceEURPerKWH float64,
	known []types.Fingerprint,
	maxAppliances int,
	userLabelsBySessionID map[string]string,
	baselineKWH float64,
) Result {
	now := e.params.Now

	// work on a copy so the caller's slice is untouched on error paths
	fps := make([]types.Fingerprint, len(known))
	copy(fps, known)

	matchedCounts := make(map[string]int, len(fps))

	inferred := make([]types.InferredSession, 0, len(sessions))
	for _, s := range sessions {
		sid := SessionID(customerID, s)
		sf := sessionFeature(s)

		bestIdx := -1
		bestScore := 0.0
		for i := range fps {
			if score := e.similarity(sf, fingerprintFeature(fps[i])); score > bestScore {
				bestIdx, bestScore = i, score
			}
		}

		var fp *types.Fingerprint
		score := bestScore
		if bestIdx >= 0 && bestScore >= e.params.MatchThreshold {
			fp = &fps[bestIdx]
			log.Ctx(ctx).DebugContext(ctx, "session matched fingerprint",
				slog.String("sessionID", sid),
				slog.String("fingerprintID", fp.ID),
				slog.Float64("score", bestScore),
			)
		} else {
			created := e.newFingerprint(customerID, s, now())
			fps = append(fps, created)
			fp = &fps[len(fps)-1]
			score = e.params.NewFingerprintScore
			log.Ctx(ctx).DebugContext(ctx, "session created fingerprint",
				slog.String("sessionID", sid),
				slog.String("fingerprintID", fp.ID),
				slog.Float64("bestScore", bestScore),
			)
		}

		e.updateFingerprint(fp, s, now)
		matchedCounts[fp.ID]++

		conf := e.confidence(score, fp.SessionCount)

		userLabel := userLabelsBySessionID[sid]
		if userLabel != "" {
			e.applyUserLabel(fp, userLabel)
		}
		e.ensureLabel(fp)

		inferred = append(inferred, types.InferredSession{
			Session:       s,
			SessionID:     sid,
			FingerprintID: fp.ID,
			ApplianceID:   ApplianceTypeID(customerID, fp.Label),
			Confidence:    conf,
			InferredLabel: fp.Label,
			UserLabel:     userLabel,
		})
	}

	e.updateSessionRates(fps, matchedCounts, sessions)

	categories := make(map[int64]string, len(fps))
	for _, fp := range fps {
		if fp.Label == "" {
			continue
		}
		categories[ApplianceTypeID(customerID, fp.Label)] = fp.Category
	}

	appliances := e.aggregate(inferred, priceEURPerKWH, baselineKWH, e.maxAppliances(maxAppliances), categories)
	return Result{Appliances: appliances, Sessions: inferred, Fingerprints: fps}
}

// newFingerprint seeds a fingerprint from its first session. The centroid
// starts at the session's features; SessionCount starts at zero and the
// follow-up updateFingerprint call brings it to one.
func (e *Engine) newFingerprint(customerID string, s types.Session, now time.Time) types.Fingerprint {
	return types.Fingerprint{
		ID:              fingerprintID(customerID, s),
		CustomerID:      customerID,
		MeanWatts:       s.MeanResidualWatts,
		DurationMinutes: s.DurationMinutes,
		PeakWatts:       s.PeakResidualWatts,
		StartStepWatts:  s.StartStepWatts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// updateSessionRates blends this call's observed sessions-per-day into each
// touched fingerprint with the same adaptive rate as the centroid fields.
func (e *Engine) updateSessionRates(fps []types.Fingerprint, matchedCounts map[string]int, sessions []types.Session) {
	days := sessionSpanDays(sessions)
	if days <= 0 {
		return
	}
	for i := range fps {
		n, ok := matchedCounts[fps[i].ID]
		if !ok {
			continue
		}
		rate := float64(n) / days
		if fps[i].AvgSessionsPerDay == 0 {
			fps[i].AvgSessionsPerDay = rate
			continue
		}
		alpha := e.emaRate(fps[i].SessionCount)
		fps[i].AvgSessionsPerDay += alpha * (rate - fps[i].AvgSessionsPerDay)
	}
}

func sessionSpanDays(sessions []types.Session) float64 {
	if len(sessions) == 0 {
		return 0
	}
	span := sessions[len(sessions)-1].TSEnd.Sub(sessions[0].TSStart)
	return math.Max(1, span.Hours()/24)
}
