package model

import (
	"math"

	"github.com/rotisserie/eris"
)

// Feature names one of the six scoring dimensions.
type Feature string

const (
	FeatureIntentStrength        Feature = "intentStrength"
	FeatureBuyingPower           Feature = "buyingPower"
	FeatureEmotionalFit          Feature = "emotionalFit"
	FeatureRelationshipCloseness Feature = "relationshipCloseness"
	FeatureNeedUrgency           Feature = "needUrgency"
	FeatureDigitalPresence       Feature = "digitalPresence"
)

// Features lists the canonical features in fixed order.
func Features() []Feature {
	return []Feature{
		FeatureIntentStrength,
		FeatureBuyingPower,
		FeatureEmotionalFit,
		FeatureRelationshipCloseness,
		FeatureNeedUrgency,
		FeatureDigitalPresence,
	}
}

// Valid reports whether f is a canonical feature name.
func (f Feature) Valid() bool {
	for _, c := range Features() {
		if c == f {
			return true
		}
	}
	return false
}

// FeatureVector is the normalised six-dimensional scoring input. Every
// component is a struct field, so none can be omitted.
type FeatureVector struct {
	IntentStrength        float64 `json:"intentStrength"`
	BuyingPower           float64 `json:"buyingPower"`
	EmotionalFit          float64 `json:"emotionalFit"`
	RelationshipCloseness float64 `json:"relationshipCloseness"`
	NeedUrgency           float64 `json:"needUrgency"`
	DigitalPresence       float64 `json:"digitalPresence"`
}

// Get returns the component for f. Unknown features return 0.
func (v FeatureVector) Get(f Feature) float64 {
	switch f {
	case FeatureIntentStrength:
		return v.IntentStrength
	case FeatureBuyingPower:
		return v.BuyingPower
	case FeatureEmotionalFit:
		return v.EmotionalFit
	case FeatureRelationshipCloseness:
		return v.RelationshipCloseness
	case FeatureNeedUrgency:
		return v.NeedUrgency
	case FeatureDigitalPresence:
		return v.DigitalPresence
	}
	return 0
}

// Clamp returns a copy with every component limited to [0,1].
func (v FeatureVector) Clamp() FeatureVector {
	return FeatureVector{
		IntentStrength:        Clamp01(v.IntentStrength),
		BuyingPower:           Clamp01(v.BuyingPower),
		EmotionalFit:          Clamp01(v.EmotionalFit),
		RelationshipCloseness: Clamp01(v.RelationshipCloseness),
		NeedUrgency:           Clamp01(v.NeedUrgency),
		DigitalPresence:       Clamp01(v.DigitalPresence),
	}
}

// WeightVector holds per-user non-negative coefficients for each feature.
type WeightVector struct {
	IntentStrength        float64 `json:"intentStrength"`
	BuyingPower           float64 `json:"buyingPower"`
	EmotionalFit          float64 `json:"emotionalFit"`
	RelationshipCloseness float64 `json:"relationshipCloseness"`
	NeedUrgency           float64 `json:"needUrgency"`
	DigitalPresence       float64 `json:"digitalPresence"`
}

// DefaultWeights is used for users with no persisted vector. Sums to 1.
func DefaultWeights() WeightVector {
	return WeightVector{
		IntentStrength:        0.25,
		BuyingPower:           0.20,
		EmotionalFit:          0.15,
		RelationshipCloseness: 0.15,
		NeedUrgency:           0.15,
		DigitalPresence:       0.10,
	}
}

// Get returns the weight for f. Unknown features return 0.
func (w WeightVector) Get(f Feature) float64 {
	switch f {
	case FeatureIntentStrength:
		return w.IntentStrength
	case FeatureBuyingPower:
		return w.BuyingPower
	case FeatureEmotionalFit:
		return w.EmotionalFit
	case FeatureRelationshipCloseness:
		return w.RelationshipCloseness
	case FeatureNeedUrgency:
		return w.NeedUrgency
	case FeatureDigitalPresence:
		return w.DigitalPresence
	}
	return 0
}

// With returns a copy of w with the weight for f replaced.
func (w WeightVector) With(f Feature, value float64) (WeightVector, error) {
	switch f {
	case FeatureIntentStrength:
		w.IntentStrength = value
	case FeatureBuyingPower:
		w.BuyingPower = value
	case FeatureEmotionalFit:
		w.EmotionalFit = value
	case FeatureRelationshipCloseness:
		w.RelationshipCloseness = value
	case FeatureNeedUrgency:
		w.NeedUrgency = value
	case FeatureDigitalPresence:
		w.DigitalPresence = value
	default:
		return w, eris.Errorf("model: unknown feature %q", f)
	}
	return w, nil
}

// Sum returns the total of all weights.
func (w WeightVector) Sum() float64 {
	var s float64
	for _, f := range Features() {
		s += w.Get(f)
	}
	return s
}

// UserWeights is a persisted weight vector with its optimistic-lock version.
type UserWeights struct {
	UserID  string       `json:"user_id"`
	Weights WeightVector `json:"weights"`
	Version int64        `json:"version"`
}

// Clamp01 limits v to [0,1]; NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
