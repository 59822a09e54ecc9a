package extract

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAmount parses a monetary string tolerating currency symbols,
// thousands separators, and either '.' or ',' as the decimal mark.
func ParseAmount(s string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '$', '€', '£', '¥', ' ', ' ':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	cleaned = strings.TrimPrefix(cleaned, "+")

	neg := false
	if strings.HasPrefix(cleaned, "-") || strings.HasPrefix(cleaned, "(") {
		neg = true
		cleaned = strings.Trim(cleaned, "-()")
	}
	if cleaned == "" {
		return 0, fmt.Errorf("empty amount %q", s)
	}

	lastDot := strings.LastIndexByte(cleaned, '.')
	lastComma := strings.LastIndexByte(cleaned, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Both present: the rightmost is the decimal mark, the other is a
		// thousands separator.
		if lastDot > lastComma {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
	case lastComma >= 0:
		cleaned = resolveSingleSeparator(cleaned, ',', lastComma)
	case lastDot >= 0:
		cleaned = resolveSingleSeparator(cleaned, '.', lastDot)
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	if neg {
		v = -v
	}
	return v, nil
}

// resolveSingleSeparator decides whether a lone '.' or ',' is a decimal
// mark or a thousands separator. Exactly three trailing digits after the
// only separator reads as grouping ("1.234" -> 1234); anything else reads
// as a decimal mark.
func resolveSingleSeparator(s string, sep byte, last int) string {
	sepStr := string(sep)
	if strings.Count(s, sepStr) > 1 {
		return strings.ReplaceAll(s, sepStr, "")
	}
	if len(s)-last-1 == 3 {
		return strings.ReplaceAll(s, sepStr, "")
	}
	if sep == ',' {
		return strings.Replace(s, ",", ".", 1)
	}
	return s
}
