package model

import "time"

// Bucket is a coarse classification of a ScoutScore.
type Bucket string

const (
	BucketHot  Bucket = "hot"
	BucketWarm Bucket = "warm"
	BucketCold Bucket = "cold"
)

// BucketFor thresholds a 0-100 score: hot at 70 and above, warm at 40 and above.
func BucketFor(score int) Bucket {
	switch {
	case score >= 70:
		return BucketHot
	case score >= 40:
		return BucketWarm
	default:
		return BucketCold
	}
}

// ScoredResult is the immutable per-prospect output of a session.
type ScoredResult struct {
	ID                    string           `json:"id"`
	SessionID             string           `json:"session_id"`
	ProspectSnapshot      ProspectSnapshot `json:"prospect_snapshot"`
	CompositeScore        int              `json:"composite_score"`
	Bucket                Bucket           `json:"bucket"`
	FeatureVectorSnapshot FeatureVector    `json:"feature_vector_snapshot"`
	WeightVectorSnapshot  WeightVector     `json:"weight_vector_snapshot"`
	CreatedAt             time.Time        `json:"created_at"`
}

// Outcome is the real-world result of working a prospect.
type Outcome string

const (
	OutcomeClosed  Outcome = "closed"
	OutcomeIgnored Outcome = "ignored"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeClosed || o == OutcomeIgnored
}

// WeightUpdateEvent is an append-only audit record of a weight adjustment.
type WeightUpdateEvent struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Feature            Feature   `json:"feature"`
	Outcome            Outcome   `json:"outcome"`
	FeatureValueAtTime float64   `json:"feature_value_at_time"`
	AppliedDelta       float64   `json:"applied_delta"`
	CreatedAt          time.Time `json:"created_at"`
}
