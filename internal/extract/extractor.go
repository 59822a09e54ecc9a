package extract

import (
	"sort"

	"github.com/averki/invopipe/internal/layout"
)

// Candidate is a proposed value for a header field. Confidence is a [0,1]
// heuristic certainty score, not a calibrated probability.
type Candidate struct {
	Field      string
	Value      string
	Confidence float64
	Rule       string

	priority  int
	labelDist float64
}

// Rule proposes candidates for a single field. Rules are evaluated
// independently; ranking picks the winner per field.
type Rule interface {
	Name() string
	Field() string
	Priority() int
	Match(doc *Document) []Candidate
}

// Document is the line-band view of a token stream that rules match
// against. It is read-only after construction, so concurrent passes over
// the same document are safe.
type Document struct {
	Lines []Line
}

// Line is one visual line of the document.
type Line struct {
	Text   string
	Tokens []layout.Token
	Page   int
	Y      float64
}

// NewDocument builds the line view from tokens in reading order.
func NewDocument(tokens []layout.Token, bandHeight float64) *Document {
	bands := layout.Bands(tokens, bandHeight)
	doc := &Document{Lines: make([]Line, 0, len(bands))}
	for _, band := range bands {
		doc.Lines = append(doc.Lines, Line{
			Text:   layout.BandText(band),
			Tokens: band,
			Page:   band[0].Page,
			Y:      band[0].Y,
		})
	}
	return doc
}

// Extractor runs an ordered rule list over a document and selects the best
// candidate per field.
type Extractor struct {
	rules []Rule
}

// NewExtractor returns an extractor with the default invoice rule set.
func NewExtractor() *Extractor {
	return &Extractor{rules: DefaultRules()}
}

// NewExtractorWithRules returns an extractor with a custom rule list.
func NewExtractorWithRules(rules []Rule) *Extractor {
	return &Extractor{rules: rules}
}

// Extract evaluates every rule and returns the winning candidate per
// field. A field nothing matched is simply absent from the result; absence
// is a valid state, not an error.
func (e *Extractor) Extract(doc *Document) map[string]Candidate {
	byField := make(map[string][]Candidate)
	for _, rule := range e.rules {
		for _, c := range rule.Match(doc) {
			c.Field = rule.Field()
			c.Rule = rule.Name()
			c.priority = rule.Priority()
			byField[c.Field] = append(byField[c.Field], c)
		}
	}

	winners := make(map[string]Candidate, len(byField))
	for field, cands := range byField {
		sort.SliceStable(cands, func(i, j int) bool {
			a, b := cands[i], cands[j]
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			return a.labelDist < b.labelDist
		})
		winners[field] = cands[0]
	}

	deriveMissingAmounts(winners)
	return winners
}
