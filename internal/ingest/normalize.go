// Package ingest turns raw scan payloads into extracted contact entities.
package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/scout-cli/internal/model"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	nameRe  = regexp.MustCompile(`\p{Lu}\p{Ll}+(?:[ \t]+\p{Lu}\p{Ll}+)+`)

	// A phone is an unbroken run of at least minPhoneDigits digits, or a
	// grouped number that starts with a trunk 0 or a +country prefix.
	phoneRunRe     = regexp.MustCompile(`\+?\d{10,}`)
	groupedPhoneRe = regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?\(?\d{1,4}\)?|\(?\b0\d{1,4}\)?)(?:[ .\-]\d{3,4}){1,3}\b`)

	hashtagRe = regexp.MustCompile(`#[\p{L}\p{N}_]+`)
	ocrTokRe  = regexp.MustCompile(`[0-9OolI|+\-()]{10,}`)
)

const minPhoneDigits = 10

// Normalizer converts payloads into ExtractedEntity records. It never fails:
// lines with no recognisable contact data are dropped.
type Normalizer struct{}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize splits payload into source-appropriate lines and extracts one
// entity per line that yields at least one email, phone or name match.
// The result is ordered by line position and is never nil.
func (n *Normalizer) Normalize(payload string, source model.SourceType) []model.ExtractedEntity {
	return n.Extract(Lines(payload, source), source)
}

// Extract matches lines already produced by Lines. Positions count matched
// lines only, starting at 0.
func (n *Normalizer) Extract(lines []string, source model.SourceType) []model.ExtractedEntity {
	entities := make([]model.ExtractedEntity, 0, len(lines))
	for _, line := range lines {
		ent, ok := MatchLine(line, source)
		if !ok {
			continue
		}
		ent.Position = len(entities)
		entities = append(entities, ent)
	}

	zap.L().Debug("ingest: extracted entities",
		zap.String("source", string(source)),
		zap.Int("lines", len(lines)),
		zap.Int("entities", len(entities)),
	)
	return entities
}

// Lines produces trimmed, non-empty candidate lines for a source type.
func Lines(payload string, source model.SourceType) []string {
	var raw []string
	switch source {
	case model.SourceCSV:
		raw = csvLines(payload)
	default:
		raw = strings.Split(strings.ReplaceAll(payload, "\r\n", "\n"), "\n")
	}

	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// MatchLine tests one line for email, phone and name candidates. The
// returned entity keeps the original line as RawText.
func MatchLine(line string, source model.SourceType) (model.ExtractedEntity, bool) {
	text := Clean(line, source)
	ent := model.ExtractedEntity{
		RawText:   line,
		SourceTag: string(source),
	}

	if m := emailRe.FindString(text); m != "" {
		email := strings.ToLower(m)
		ent.Email = &email
	}
	// Strip emails first so digits inside addresses are not read as phones.
	if phone, ok := findPhone(emailRe.ReplaceAllString(text, " ")); ok {
		ent.Phone = &phone
	}
	if m := nameRe.FindString(text); m != "" {
		name := strings.Join(strings.Fields(m), " ")
		ent.Name = &name
	}

	if ent.Email == nil && ent.Phone == nil && ent.Name == nil {
		return model.ExtractedEntity{}, false
	}
	return ent, true
}

// ContainsContact reports whether text carries an email address or a phone number.
func ContainsContact(text string) bool {
	if emailRe.MatchString(text) {
		return true
	}
	_, ok := findPhone(text)
	return ok
}

// Clean applies unicode folding plus source-specific repairs to a line.
func Clean(line string, source model.SourceType) string {
	text := fold(line)
	switch source {
	case model.SourceImageOCR:
		text = ocrTokRe.ReplaceAllStringFunc(text, fixOCRDigits)
	case model.SourceSocialExport:
		text = hashtagRe.ReplaceAllString(text, " ")
		text = strings.NewReplacer("|", " ", "•", " ", "·", " ").Replace(text)
	}
	return text
}

func findPhone(text string) (string, bool) {
	if m := phoneRunRe.FindString(text); m != "" {
		return m, true
	}
	for _, m := range groupedPhoneRe.FindAllString(text, -1) {
		var b strings.Builder
		if strings.HasPrefix(m, "+") {
			b.WriteByte('+')
		}
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
				digits++
			}
		}
		if digits >= minPhoneDigits {
			return b.String(), true
		}
	}
	return "", false
}

// fixOCRDigits repairs letter/digit confusions inside a token that is mostly digits.
func fixOCRDigits(tok string) string {
	digits := 0
	for _, r := range tok {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits*2 < len(tok) {
		return tok
	}
	return strings.NewReplacer("O", "0", "o", "0", "l", "1", "I", "1", "|", "1").Replace(tok)
}

// fold normalises compatibility characters and strips combining marks.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// csvLines flattens CSV records into space-joined lines. Malformed CSV falls
// back to plain line splitting.
func csvLines(payload string) []string {
	r := csv.NewReader(strings.NewReader(payload))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		zap.L().Debug("ingest: csv parse failed, splitting lines", zap.Error(err))
		return strings.Split(payload, "\n")
	}

	if len(records) > 0 && looksLikeHeader(records[0]) {
		records = records[1:]
	}

	lines := make([]string, 0, len(records))
	for _, rec := range records {
		cells := make([]string, 0, len(rec))
		for _, c := range rec {
			if c = strings.TrimSpace(c); c != "" {
				cells = append(cells, c)
			}
		}
		lines = append(lines, strings.Join(cells, " "))
	}
	return lines
}

var headerWords = map[string]bool{
	"name": true, "full name": true, "first name": true, "last name": true,
	"email": true, "e-mail": true, "phone": true, "mobile": true, "number": true,
	"contact": true, "notes": true, "location": true, "occupation": true,
}

// looksLikeHeader reports whether a CSV record is a column header row.
func looksLikeHeader(rec []string) bool {
	hits := 0
	for _, c := range rec {
		c = strings.ToLower(strings.TrimSpace(c))
		if emailRe.MatchString(c) {
			return false
		}
		if headerWords[c] {
			hits++
		}
	}
	return hits >= 2
}
