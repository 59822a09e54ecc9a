// Package pipeline orchestrates the extraction passes for one document
// and for batches of independent documents.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/averki/invopipe/internal/extract"
	"github.com/averki/invopipe/internal/invoice"
	"github.com/averki/invopipe/internal/layout"
	"github.com/averki/invopipe/internal/lineitem"
)

// Options sizes the parser. Zero values fall back to defaults.
type Options struct {
	BandHeight   float64
	Tolerance    float64
	ParseTimeout time.Duration
	BatchWorkers int
}

// DefaultParseTimeout bounds a pathological document.
const DefaultParseTimeout = 30 * time.Second

// DefaultBatchWorkers bounds concurrent documents in a batch.
const DefaultBatchWorkers = 4

// Parser runs the full extraction pipeline: layout pass, then field and
// line-item passes in parallel over the same token stream, then assembly.
type Parser struct {
	layout    *layout.Extractor
	fields    *extract.Extractor
	items     *lineitem.Extractor
	assembler *invoice.Assembler

	bandHeight float64
	timeout    time.Duration
	workers    int
	logger     *slog.Logger
}

func NewParser(opts Options) *Parser {
	if opts.BandHeight <= 0 {
		opts.BandHeight = layout.DefaultBandHeight
	}
	if opts.ParseTimeout <= 0 {
		opts.ParseTimeout = DefaultParseTimeout
	}
	if opts.BatchWorkers <= 0 {
		opts.BatchWorkers = DefaultBatchWorkers
	}
	return &Parser{
		layout:     layout.NewExtractor(opts.BandHeight),
		fields:     extract.NewExtractor(),
		items:      lineitem.NewExtractor(opts.BandHeight, opts.Tolerance),
		assembler:  invoice.NewAssembler(opts.Tolerance),
		bandHeight: opts.BandHeight,
		timeout:    opts.ParseTimeout,
		workers:    opts.BatchWorkers,
		logger:     slog.Default(),
	}
}

// Parse extracts one document into a Record. It returns
// layout.ErrUnreadablePDF for documents without a text layer; that
// condition is terminal and must not be retried.
func (p *Parser) Parse(ctx context.Context, data []byte, fileName string) (*invoice.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	tokens, err := p.layout.Extract(ctx, data)
	if err != nil {
		return nil, err
	}

	// Both passes only read the token stream, so they can run in
	// parallel without coordination.
	var (
		winners map[string]extract.Candidate
		items   []invoice.LineItem
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc := extract.NewDocument(tokens, p.bandHeight)
		winners = p.fields.Extract(doc)
		return nil
	})
	g.Go(func() error {
		items = p.items.Extract(tokens)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fields := make(map[string]invoice.FieldValue, len(winners))
	for name, c := range winners {
		fields[name] = invoice.FieldValue{
			Value:      c.Value,
			Confidence: c.Confidence,
			Source:     invoice.SourceParsed,
		}
	}

	rec := p.assembler.Assemble(fileName, fields, items)
	p.logger.Info("document parsed",
		"file_name", fileName,
		"invoice_id", rec.ID,
		"tokens", len(tokens),
		"fields", len(rec.Fields),
		"line_items", len(rec.LineItems),
		"reconciliation_warning", rec.ReconciliationWarning,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return rec, nil
}

// BatchInput is one document of a bulk parse.
type BatchInput struct {
	FileName string
	Data     []byte
}

// BatchResult is the per-document outcome. One document's failure never
// aborts its siblings.
type BatchResult struct {
	FileName string
	Record   *invoice.Record
	Err      error
}

// ParseBatch parses independent documents across a bounded worker pool
// and returns one result per input, in input order.
func (p *Parser) ParseBatch(ctx context.Context, inputs []BatchInput) []BatchResult {
	results := make([]BatchResult, len(inputs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, in := range inputs {
		g.Go(func() error {
			rec, err := p.Parse(ctx, in.Data, in.FileName)
			results[i] = BatchResult{FileName: in.FileName, Record: rec, Err: err}
			// Failures are isolated per document, so never fail the group.
			return nil
		})
	}
	g.Wait()
	return results
}
