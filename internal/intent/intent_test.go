package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout-cli/internal/ingest"
	"github.com/sells-group/scout-cli/internal/model"
)

func TestAnalyze_Tags(t *testing.T) {
	s := New(nil).Analyze("Looking for extra income, open to any business opportunity. Drowning in bills")

	assert.Equal(t, []string{"business_interest", "seeking_income"}, s.IntentTags)
	assert.Equal(t, []string{"financial_pressure"}, s.PainPoints)
	assert.Empty(t, s.BuyingIndicators)
}

func TestAnalyze_EmptyText(t *testing.T) {
	s := New(nil).Analyze("")
	assert.NotNil(t, s.IntentTags)
	assert.Empty(t, s.IntentTags)
	assert.NotNil(t, s.PainPoints)
	assert.NotNil(t, s.BuyingIndicators)
	assert.Equal(t, 0.0, s.UrgencyScore)
}

func TestAnalyze_BuyingIndicators(t *testing.T) {
	s := New(nil).Analyze("Interested! how much? text 09171234567")
	assert.Equal(t, []string{"expressed_interest", ProvidedContact}, s.BuyingIndicators)

	s = New(nil).Analyze("reach me at mila@mail.com")
	assert.Equal(t, []string{ProvidedContact}, s.BuyingIndicators)
}

func TestAnalyze_UrgencyMonotonic(t *testing.T) {
	a := New(nil)
	texts := []string{
		"hello",
		"need work",
		"need work asap",
		"need work asap today",
		"need work asap today urgent",
		"need work asap today urgent immediately please help",
	}

	prev := -1.0
	for _, txt := range texts {
		u := a.Analyze(txt).UrgencyScore
		assert.GreaterOrEqual(t, u, prev, txt)
		assert.GreaterOrEqual(t, u, 0.0)
		assert.LessOrEqual(t, u, 1.0)
		prev = u
	}
	assert.Equal(t, 0.0, a.Analyze("hello").UrgencyScore)
	assert.Equal(t, 0.25, a.Analyze("need work").UrgencyScore)
	assert.Equal(t, 1.0, a.Analyze(texts[len(texts)-1]).UrgencyScore)
}

func TestAnalyze_Deterministic(t *testing.T) {
	a := New(nil)
	text := "busy nurse, need sideline asap, pm me"
	first := a.Analyze(text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, a.Analyze(text))
	}
	assert.Equal(t, []string{"time_constrained"}, first.PainPoints)
	assert.Equal(t, []string{"seeking_income"}, first.IntentTags)
}

func TestAnalyzeEntity_ContactFromCleanedLine(t *testing.T) {
	ent, ok := ingest.MatchLine("maria santos O917l234567", model.SourceImageOCR)
	require.True(t, ok)
	require.NotNil(t, ent.Phone)

	a := New(nil)
	assert.Empty(t, a.Analyze(ent.RawText).BuyingIndicators)
	assert.Equal(t, []string{ProvidedContact}, a.AnalyzeEntity(ent).BuyingIndicators)
}

func TestAnalyzeEntity_NoDuplicateIndicator(t *testing.T) {
	email := "mila@mail.com"
	s := New(nil).AnalyzeEntity(model.ExtractedEntity{RawText: "interested, reach me at mila@mail.com", Email: &email})
	assert.Equal(t, []string{"expressed_interest", ProvidedContact}, s.BuyingIndicators)
}

func TestAnalyzeEntity_NoContact(t *testing.T) {
	name := "Ana Cruz"
	s := New(nil).AnalyzeEntity(model.ExtractedEntity{RawText: "Ana Cruz", Name: &name})
	assert.NotNil(t, s.BuyingIndicators)
	assert.Empty(t, s.BuyingIndicators)
}
