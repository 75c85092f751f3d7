package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWeights_SumToOne(t *testing.T) {
	assert.InDelta(t, 1.0, DefaultWeights().Sum(), 1e-9)
}

func TestFeatures_AllValid(t *testing.T) {
	fs := Features()
	assert.Len(t, fs, 6)
	for _, f := range fs {
		assert.True(t, f.Valid(), string(f))
	}
	assert.False(t, Feature("charisma").Valid())
}

func TestWeightVector_With(t *testing.T) {
	w := DefaultWeights()

	updated, err := w.With(FeatureBuyingPower, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 0.3, updated.Get(FeatureBuyingPower))
	assert.Equal(t, 0.20, w.BuyingPower, "original unchanged")

	_, err = w.With(Feature("charisma"), 1)
	assert.Error(t, err)
}

func TestFeatureVector_Get(t *testing.T) {
	v := FeatureVector{
		IntentStrength:        0.1,
		BuyingPower:           0.2,
		EmotionalFit:          0.3,
		RelationshipCloseness: 0.4,
		NeedUrgency:           0.5,
		DigitalPresence:       0.6,
	}
	want := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	for i, f := range Features() {
		assert.Equal(t, want[i], v.Get(f), string(f))
	}
	assert.Equal(t, 0.0, v.Get(Feature("unknown")))
}

func TestFeatureVector_Clamp(t *testing.T) {
	v := FeatureVector{IntentStrength: 1.5, BuyingPower: -0.2, EmotionalFit: math.NaN(), NeedUrgency: 0.4}.Clamp()
	assert.Equal(t, 1.0, v.IntentStrength)
	assert.Equal(t, 0.0, v.BuyingPower)
	assert.Equal(t, 0.0, v.EmotionalFit)
	assert.Equal(t, 0.4, v.NeedUrgency)
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		score int
		want  Bucket
	}{
		{100, BucketHot},
		{70, BucketHot},
		{69, BucketWarm},
		{40, BucketWarm},
		{39, BucketCold},
		{0, BucketCold},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BucketFor(tt.score), "score %d", tt.score)
	}
}

func TestOutcome_Valid(t *testing.T) {
	assert.True(t, OutcomeClosed.Valid())
	assert.True(t, OutcomeIgnored.Valid())
	assert.False(t, Outcome("won").Valid())
}
