// Package enrich attaches heuristic demographic and behavioural attributes
// to extracted entities.
package enrich

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/rules"
)

const (
	IncomeHigh   = "high"
	IncomeMedium = "medium"
)

// Seeds separate the hash streams used for footprint and engagement.
const (
	footprintSeed  = 0x5c0017
	engagementSeed = 0xe9a6e
)

// Enricher derives enrichment fields by keyword lookups against the
// lowercased raw text. It never fails; misses fall back to named defaults.
type Enricher struct {
	book *rules.Book
}

// New creates an Enricher. A nil book selects the embedded default rules.
func New(book *rules.Book) *Enricher {
	if book == nil {
		book = rules.Default()
	}
	return &Enricher{book: book}
}

// Enrich returns the enriched prospect for e. The output is a pure function
// of the entity content.
func (en *Enricher) Enrich(e model.ExtractedEntity) model.EnrichedProspect {
	text := strings.ToLower(e.RawText)

	occupation, highIncomeOcc := en.occupation(text)
	location, overseas := en.location(text)

	income := IncomeMedium
	if highIncomeOcc || overseas {
		income = IncomeHigh
	}

	footprint := en.digitalFootprint(e, text)
	return model.EnrichedProspect{
		Entity: e,
		Enrichment: model.Enrichment{
			LikelyOccupation: occupation,
			Location:         location,
			IncomeBracket:    income,
			DigitalFootprint: footprint,
			SocialSignals: model.SocialSignals{
				ActiveOnline:    footprint >= 0.5,
				EngagementLevel: model.Clamp01(0.5*footprint + 0.5*unitHash(text, engagementSeed)),
			},
		},
	}
}

func (en *Enricher) occupation(text string) (string, bool) {
	for _, r := range en.book.Occupations {
		if rules.ContainsAny(text, r.Keywords) {
			return r.Label, r.HighIncome
		}
	}
	return en.book.DefaultOccupation, false
}

func (en *Enricher) location(text string) (string, bool) {
	for _, r := range en.book.Locations {
		if rules.ContainsAny(text, r.Keywords) {
			return r.Label, r.Overseas
		}
	}
	return en.book.DefaultLocation, false
}

// digitalFootprint combines contact evidence with a stable content hash.
// Evidence contributes up to 0.6; the hash spreads the rest over [0, 0.4).
func (en *Enricher) digitalFootprint(e model.ExtractedEntity, text string) float64 {
	evidence := 0.0
	if e.Email != nil {
		evidence += 0.25
	}
	if e.Phone != nil {
		evidence += 0.10
	}
	if rules.ContainsAny(text, en.book.SocialMarkers) {
		evidence += 0.25
	}
	return model.Clamp01(evidence + 0.4*unitHash(text, footprintSeed))
}

// unitHash maps text to a stable value in [0, 1).
func unitHash(text string, seed uint64) float64 {
	d := xxhash.New()
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(seed >> (8 * i))
	}
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(text)
	return float64(d.Sum64()>>11) / float64(uint64(1)<<53)
}
