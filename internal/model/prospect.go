package model

import "time"

// ExtractedEntity is a contact candidate pulled from one line of a payload.
// Nil fields did not match on that line.
type ExtractedEntity struct {
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Position  int       `json:"position"`
	RawText   string    `json:"raw_text"`
	Name      *string   `json:"name,omitempty"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	SourceTag string    `json:"source_tag"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// HasContact reports whether the entity carries an email or phone number.
func (e ExtractedEntity) HasContact() bool {
	return e.Email != nil || e.Phone != nil
}

// SocialSignals summarises online activity for a prospect.
type SocialSignals struct {
	ActiveOnline    bool    `json:"active_online"`
	EngagementLevel float64 `json:"engagement_level"`
}

// Enrichment holds heuristic demographic and behavioural attributes.
type Enrichment struct {
	LikelyOccupation string        `json:"likely_occupation"`
	Location         string        `json:"location"`
	IncomeBracket    string        `json:"income_bracket"`
	DigitalFootprint float64       `json:"digital_footprint"`
	SocialSignals    SocialSignals `json:"social_signals"`
}

// EnrichedProspect is an entity with its enrichment attached.
type EnrichedProspect struct {
	Entity     ExtractedEntity `json:"entity"`
	Enrichment Enrichment      `json:"enrichment"`
}

// IntentSignals are text-derived intent and urgency markers for one entity.
// Set-valued fields are kept sorted and de-duplicated.
type IntentSignals struct {
	IntentTags       []string `json:"intent_tags"`
	UrgencyScore     float64  `json:"urgency_score"`
	PainPoints       []string `json:"pain_points"`
	BuyingIndicators []string `json:"buying_indicators"`
}

// ProspectSnapshot is the full per-prospect state captured with a score.
type ProspectSnapshot struct {
	Entity     ExtractedEntity `json:"entity"`
	Enrichment Enrichment      `json:"enrichment"`
	Signals    IntentSignals   `json:"signals"`
}
