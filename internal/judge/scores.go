package judge

import (
	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// DeriveScores combines per-dimension scores into (overall, base,
// recognition) using the rubric descriptor's weights. Each group score is
// the weighted mean of its dimensions; overall blends the two group scores,
// dropping an empty group from the blend. The derivation is deterministic:
// the same dimensions and weights always reproduce the same triple.
func DeriveScores(w *config.ScoreWeights, dims map[string]models.DimensionScore) (overall, base, recognition float64) {
	var baseSum, baseWeight, recogSum, recogWeight float64
	for name, d := range dims {
		group, weight := w.GroupOf(name)
		if weight <= 0 {
			continue
		}
		if group == "recognition" {
			recogSum += d.Score * weight
			recogWeight += weight
		} else {
			baseSum += d.Score * weight
			baseWeight += weight
		}
	}

	if baseWeight > 0 {
		base = baseSum / baseWeight
	}
	if recogWeight > 0 {
		recognition = recogSum / recogWeight
	}

	wb, wr := w.Overall.Base, w.Overall.Recognition
	if baseWeight == 0 {
		wb = 0
	}
	if recogWeight == 0 {
		wr = 0
	}
	if wb+wr == 0 {
		return 0, base, recognition
	}
	overall = (base*wb + recognition*wr) / (wb + wr)
	return overall, base, recognition
}
