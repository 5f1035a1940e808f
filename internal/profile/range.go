package profile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Band is one contiguous sub-band of a channel plan, in Hz.
type Band struct {
	StartHz int64
	EndHz   int64
}

// RangeError reports a malformed A-B(S) expression at plan time, before any
// connection is opened.
type RangeError struct {
	Expr   string
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range %q: %s", e.Expr, e.Reason)
}

var rangeExprRe = regexp.MustCompile(`^([\d.]+[KMG]?)-([\d.]+[KMG]?)\(([\d.]+[KMG]?)\)$`)

// ParseFreq converts a frequency literal with an optional K/M/G suffix into
// Hz ("6M" -> 6e6, "1215M" -> 1.215e9, "99000000" -> 99e6).
func ParseFreq(s string) (int64, error) {
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1e3, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1e6, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1e9, strings.TrimSuffix(s, "G")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad frequency %q: %w", s, err)
	}
	return int64(v * mult), nil
}

// ExpandRange expands an expression of the form A-B(S) into contiguous
// sub-bands of width S covering [A,B). The first band starts at A; the last
// band is truncated at B when S does not divide B-A evenly.
func ExpandRange(expr string) ([]Band, error) {
	m := rangeExprRe.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return nil, &RangeError{Expr: expr, Reason: "expected A-B(S)"}
	}
	start, err := ParseFreq(m[1])
	if err != nil {
		return nil, &RangeError{Expr: expr, Reason: err.Error()}
	}
	end, err := ParseFreq(m[2])
	if err != nil {
		return nil, &RangeError{Expr: expr, Reason: err.Error()}
	}
	step, err := ParseFreq(m[3])
	if err != nil {
		return nil, &RangeError{Expr: expr, Reason: err.Error()}
	}
	if start >= end {
		return nil, &RangeError{Expr: expr, Reason: "start must be below end"}
	}
	if step <= 0 {
		return nil, &RangeError{Expr: expr, Reason: "step must be positive"}
	}

	var bands []Band
	for cur := start; cur < end; cur += step {
		hi := cur + step
		if hi > end {
			hi = end
		}
		bands = append(bands, Band{StartHz: cur, EndHz: hi})
	}
	return bands, nil
}
