package layout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/unicode/norm"
)

// ErrUnreadablePDF is returned when a document carries no extractable text
// layer (e.g. a scanned image). Terminal: callers must not retry it.
var ErrUnreadablePDF = errors.New("pdf has no extractable text layer")

// Token is a positioned unit of extracted PDF text. Coordinates are PDF
// points with the origin at the lower-left corner of the page, so reading
// order is descending Y.
type Token struct {
	Text   string  `json:"text"`
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// defaultTokenHeight approximates text height when the font size is absent.
const defaultTokenHeight = 12.0

// Extractor converts PDF bytes into tokens in reading order: top to bottom,
// then left to right within a line band.
type Extractor struct {
	// BandHeight is the Y tolerance, in points, for grouping tokens into
	// one line band.
	BandHeight float64
}

// DefaultBandHeight suits common invoice layouts at 10-12pt body text.
const DefaultBandHeight = 4.0

func NewExtractor(bandHeight float64) *Extractor {
	if bandHeight <= 0 {
		bandHeight = DefaultBandHeight
	}
	return &Extractor{BandHeight: bandHeight}
}

// Extract returns the document's tokens in reading order. It fails with
// ErrUnreadablePDF when no text can be recovered from any page.
func (e *Extractor) Extract(ctx context.Context, data []byte) (tokens []Token, err error) {
	// The pdf library panics on some malformed documents; treat those the
	// same as documents without a text layer.
	defer func() {
		if r := recover(); r != nil {
			tokens = nil
			err = fmt.Errorf("%w: %v", ErrUnreadablePDF, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}

	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		for _, t := range page.Content().Text {
			text := cleanText(t.S)
			if text == "" {
				continue
			}
			height := t.FontSize
			if height <= 0 {
				height = defaultTokenHeight
			}
			tokens = append(tokens, Token{
				Text:   text,
				Page:   pageNum,
				X:      t.X,
				Y:      t.Y,
				Width:  t.W,
				Height: height,
			})
		}
	}

	if len(tokens) == 0 {
		return nil, ErrUnreadablePDF
	}

	sortReadingOrder(tokens, e.BandHeight)
	return tokens, nil
}

// cleanText normalizes token text to NFC and strips surrounding whitespace.
func cleanText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
