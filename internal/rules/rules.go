// Package rules holds the keyword rule book shared by enrichment and intent
// analysis. A default book is embedded; operators may supply their own YAML.
package rules

import (
	_ "embed"
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// OccupationRule maps keywords to an occupation label.
type OccupationRule struct {
	Label      string   `yaml:"label"`
	HighIncome bool     `yaml:"high_income"`
	Keywords   []string `yaml:"keywords"`
}

// LocationRule is one gazetteer entry.
type LocationRule struct {
	Label    string   `yaml:"label"`
	Overseas bool     `yaml:"overseas"`
	Keywords []string `yaml:"keywords"`
}

// TagRule emits Tag when any keyword is present.
type TagRule struct {
	Tag      string   `yaml:"tag"`
	Keywords []string `yaml:"keywords"`
}

// Book is the full rule set. Rule lists are evaluated in order and the first
// match wins for single-valued outputs.
type Book struct {
	DefaultOccupation string           `yaml:"default_occupation"`
	DefaultLocation   string           `yaml:"default_location"`
	Occupations       []OccupationRule `yaml:"occupations"`
	Locations         []LocationRule   `yaml:"locations"`
	IntentTags        []TagRule        `yaml:"intent_tags"`
	PainPoints        []TagRule        `yaml:"pain_points"`
	BuyingIndicators  []TagRule        `yaml:"buying_indicators"`
	UrgencyKeywords   []string         `yaml:"urgency_keywords"`
	UrgencySaturation int              `yaml:"urgency_saturation"`
	SocialMarkers     []string         `yaml:"social_markers"`
}

var (
	defaultOnce sync.Once
	defaultBook *Book
	defaultErr  error
)

// Default returns the embedded rule book. It is parsed once.
func Default() *Book {
	defaultOnce.Do(func() {
		defaultBook, defaultErr = Parse(defaultRulesYAML)
	})
	if defaultErr != nil {
		panic(eris.Wrap(defaultErr, "rules: embedded rule book is invalid"))
	}
	return defaultBook
}

// Load reads a rule book from a YAML file. An empty path returns Default.
func Load(path string) (*Book, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a rule book. Keywords are lowercased.
func Parse(data []byte) (*Book, error) {
	// The YAML has a top-level "rules" key
	var wrapper struct {
		Rules Book `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "rules: parse")
	}

	b := &wrapper.Rules
	if b.DefaultOccupation == "" {
		b.DefaultOccupation = "Professional"
	}
	if b.DefaultLocation == "" {
		b.DefaultLocation = "Unknown"
	}
	if b.UrgencySaturation <= 0 {
		b.UrgencySaturation = 4
	}

	for i := range b.Occupations {
		if b.Occupations[i].Label == "" {
			return nil, eris.Errorf("rules: occupation %d has no label", i)
		}
		b.Occupations[i].Keywords = lower(b.Occupations[i].Keywords)
	}
	for i := range b.Locations {
		if b.Locations[i].Label == "" {
			return nil, eris.Errorf("rules: location %d has no label", i)
		}
		b.Locations[i].Keywords = lower(b.Locations[i].Keywords)
	}
	for _, set := range [][]TagRule{b.IntentTags, b.PainPoints, b.BuyingIndicators} {
		for i := range set {
			if set[i].Tag == "" {
				return nil, eris.New("rules: tag rule has no tag")
			}
			set[i].Keywords = lower(set[i].Keywords)
		}
	}
	b.UrgencyKeywords = lower(b.UrgencyKeywords)
	b.SocialMarkers = lower(b.SocialMarkers)

	return b, nil
}

// ContainsAny reports whether text contains any of the keywords.
func ContainsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// CountMatches returns how many distinct keywords appear in text.
func CountMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

// MatchTags returns the tags whose rules match text, in rule order.
func MatchTags(text string, tagRules []TagRule) []string {
	var tags []string
	for _, r := range tagRules {
		if ContainsAny(text, r.Keywords) {
			tags = append(tags, r.Tag)
		}
	}
	return tags
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
