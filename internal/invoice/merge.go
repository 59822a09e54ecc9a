package invoice

import "fmt"

// Apply overwrites a header field with a manual value. The field's prior
// (value, confidence, source) tuple is appended to the record's history so
// the parsed provenance is never lost. Applying the same patch twice keeps
// the same resulting value; the repeat is not an error.
func Apply(r *Record, p Patch) error {
	if !IsHeaderField(p.Field) {
		return fmt.Errorf("%w: %q", ErrUnknownField, p.Field)
	}

	prior, had := r.Fields[p.Field]
	if had && prior.Source == SourceManual && prior.Value == p.Value {
		// Same patch re-applied; nothing to record.
		return nil
	}

	if r.History == nil {
		r.History = make(map[string][]FieldValue)
	}
	if had {
		r.History[p.Field] = append(r.History[p.Field], prior)
	}

	r.Fields[p.Field] = FieldValue{
		Value:      p.Value,
		Confidence: 1.0,
		Source:     SourceManual,
	}
	r.OverallConfidence = overallConfidence(r.Fields)
	return nil
}
