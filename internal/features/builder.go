// Package features condenses enrichment and intent signals into the
// six-dimensional scoring vector.
package features

import (
	"github.com/sells-group/scout-cli/internal/enrich"
	"github.com/sells-group/scout-cli/internal/model"
)

// Threshold and presence values. Each component falls back to its low value
// when the evidence is missing.
const (
	IntentPresent = 0.8
	IntentAbsent  = 0.3

	BuyingPowerHigh   = 0.9
	BuyingPowerMedium = 0.5

	EmotionalFitPain   = 0.7
	EmotionalFitNoPain = 0.4

	ClosenessEmail   = 0.6
	ClosenessNoEmail = 0.2
)

// Build maps a prospect and its signals to a FeatureVector. All six
// components are always populated and lie in [0,1].
func Build(p model.EnrichedProspect, s model.IntentSignals) model.FeatureVector {
	v := model.FeatureVector{
		IntentStrength:        IntentAbsent,
		BuyingPower:           BuyingPowerMedium,
		EmotionalFit:          EmotionalFitNoPain,
		RelationshipCloseness: ClosenessNoEmail,
		NeedUrgency:           s.UrgencyScore,
		DigitalPresence:       p.Enrichment.DigitalFootprint,
	}
	if len(s.IntentTags) > 0 {
		v.IntentStrength = IntentPresent
	}
	if p.Enrichment.IncomeBracket == enrich.IncomeHigh {
		v.BuyingPower = BuyingPowerHigh
	}
	if len(s.PainPoints) > 0 {
		v.EmotionalFit = EmotionalFitPain
	}
	if p.Entity.Email != nil {
		v.RelationshipCloseness = ClosenessEmail
	}
	return v.Clamp()
}
