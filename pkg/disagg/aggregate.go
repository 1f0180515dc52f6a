package disagg

import (
	"math"
	"sort"

	"github.com/loadscope/loadscope/pkg/types"
)

// aggregate rolls inferred sessions up into per-appliance-type summaries:
// energy/cost/session sums and the maximum confidence seen per type. The
// synthetic stand-by entry (id 1) is always injected, overwriting any
// colliding entry, because idle baseline draw is itself billable. Output is
// sorted descending by cost and truncated to maxAppliances+1, the +1
// reserving room for stand-by even when it would otherwise be pushed out.
func (e *Engine) aggregate(
	sessions []types.InferredSession,
	priceEURPerKWH float64,
	baselineKWH float64,
	maxAppliances int,
	categoryByAppliance map[int64]string,
) []types.InferredAppliance {
	byID := make(map[int64]*types.InferredAppliance)
	for _, s := range sessions {
		a, ok := byID[s.ApplianceID]
		if !ok {
			name := s.InferredLabel
			if name == "" {
				name = fallbackLabel
			}
			a = &types.InferredAppliance{
				ID:       s.ApplianceID,
				Name:     name,
				Category: categoryByAppliance[s.ApplianceID],
			}
			byID[s.ApplianceID] = a
		}
		a.EnergyKWH += math.Max(0, s.EnergyWH) / 1000.0
		a.Sessions++
		if s.Confidence > a.Confidence {
			a.Confidence = s.Confidence
		}
	}

	standby := &types.InferredAppliance{
		ID:         types.StandbyApplianceID,
		Name:       types.StandbyApplianceName,
		Category:   "standby",
		EnergyKWH:  math.Max(0, baselineKWH),
		Confidence: e.params.StandbyConfidence,
	}
	byID[types.StandbyApplianceID] = standby

	out := make([]types.InferredAppliance, 0, len(byID))
	for _, a := range byID {
		a.CostEUR = a.EnergyKWH * math.Max(0, priceEURPerKWH)
		out = append(out, *a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CostEUR != out[j].CostEUR {
			return out[i].CostEUR > out[j].CostEUR
		}
		return out[i].ID < out[j].ID
	})

	if limit := maxAppliances + 1; len(out) > limit {
		kept := out[:limit]
		hasStandby := false
		for _, a := range kept {
			if a.ID == types.StandbyApplianceID {
				hasStandby = true
				break
			}
		}
		if !hasStandby {
			kept[len(kept)-1] = *standby
		}
		out = kept
	}
	return out
}
