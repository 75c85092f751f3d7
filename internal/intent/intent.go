// Package intent derives intent, urgency and pain-point signals from raw text.
package intent

import (
	"sort"
	"strings"

	"github.com/sells-group/scout-cli/internal/ingest"
	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/rules"
)

// ProvidedContact is emitted when the text itself carries an email or phone.
const ProvidedContact = "provided_contact"

// Analyzer applies keyword-set membership rules to raw text.
type Analyzer struct {
	book *rules.Book
}

// New creates an Analyzer. A nil book selects the embedded default rules.
func New(book *rules.Book) *Analyzer {
	if book == nil {
		book = rules.Default()
	}
	return &Analyzer{book: book}
}

// Analyze returns the intent signals for rawText. Tag sets are sorted and
// never nil. UrgencyScore is matched/saturation capped at 1, so it is
// monotonic in the number of distinct urgency keywords present.
func (a *Analyzer) Analyze(rawText string) model.IntentSignals {
	text := strings.ToLower(rawText)

	buying := rules.MatchTags(text, a.book.BuyingIndicators)
	if ingest.ContainsContact(rawText) {
		buying = append(buying, ProvidedContact)
	}

	return model.IntentSignals{
		IntentTags:       normalizeSet(rules.MatchTags(text, a.book.IntentTags)),
		UrgencyScore:     a.urgency(text),
		PainPoints:       normalizeSet(rules.MatchTags(text, a.book.PainPoints)),
		BuyingIndicators: normalizeSet(buying),
	}
}

// AnalyzeEntity analyses e.RawText and also counts contacts the extractor
// recovered from the cleaned line, such as OCR-repaired phone numbers.
func (a *Analyzer) AnalyzeEntity(e model.ExtractedEntity) model.IntentSignals {
	s := a.Analyze(e.RawText)
	if e.Email != nil || e.Phone != nil {
		s.BuyingIndicators = normalizeSet(append(s.BuyingIndicators, ProvidedContact))
	}
	return s
}

func (a *Analyzer) urgency(text string) float64 {
	matched := rules.CountMatches(text, a.book.UrgencyKeywords)
	return model.Clamp01(float64(matched) / float64(a.book.UrgencySaturation))
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
