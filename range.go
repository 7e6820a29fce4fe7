package cogops

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidRange is returned for ranges whose bounds are reversed or NaN.
var ErrInvalidRange = errors.New("invalid range")

// Range is a scalar interval. Either bound may be infinite and either may
// be excluded. NaN matches only when NaN is set.
type Range struct {
	Min, Max    float64
	MinIncluded bool
	MaxIncluded bool
	NaN         bool
}

// NewRange returns the interval between min and max.
func NewRange(min float64, minIncluded bool, max float64, maxIncluded bool) (Range, error) {
	r := Range{Min: min, Max: max, MinIncluded: minIncluded, MaxIncluded: maxIncluded}
	if math.IsNaN(min) || math.IsNaN(max) {
		return Range{}, fmt.Errorf("%w: NaN bound in %v", ErrInvalidRange, r)
	}
	if r.IsEmpty() {
		return Range{}, fmt.Errorf("%w: %v is empty", ErrInvalidRange, r)
	}
	return r, nil
}

// ClosedRange returns [min, max]. The bounds are not checked.
func ClosedRange(min, max float64) Range {
	return Range{Min: min, Max: max, MinIncluded: true, MaxIncluded: true}
}

// PointRange returns [v, v].
func PointRange(v float64) Range {
	return ClosedRange(v, v)
}

// NaNRange matches NaN and nothing else.
func NaNRange() Range {
	return Range{Min: math.Inf(1), Max: math.Inf(-1), NaN: true}
}

// IsEmpty reports whether no number lies in the range. NaN membership is
// not considered.
func (r Range) IsEmpty() bool {
	if r.Min < r.Max {
		return false
	}
	return !(r.Min == r.Max && r.MinIncluded && r.MaxIncluded)
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v float64) bool {
	if v != v {
		return r.NaN
	}
	if v < r.Min || (v == r.Min && !r.MinIncluded) {
		return false
	}
	if v > r.Max || (v == r.Max && !r.MaxIncluded) {
		return false
	}
	return true
}

// startsBefore reports whether r's lower bound admits values below o's.
func (r Range) startsBefore(o Range) bool {
	if r.Min != o.Min {
		return r.Min < o.Min
	}
	return r.MinIncluded && !o.MinIncluded
}

// Intersect returns the overlap of r and o, which may be empty.
func (r Range) Intersect(o Range) Range {
	out := Range{NaN: r.NaN && o.NaN}
	switch {
	case r.Min > o.Min:
		out.Min, out.MinIncluded = r.Min, r.MinIncluded
	case r.Min < o.Min:
		out.Min, out.MinIncluded = o.Min, o.MinIncluded
	default:
		out.Min, out.MinIncluded = r.Min, r.MinIncluded && o.MinIncluded
	}
	switch {
	case r.Max < o.Max:
		out.Max, out.MaxIncluded = r.Max, r.MaxIncluded
	case r.Max > o.Max:
		out.Max, out.MaxIncluded = o.Max, o.MaxIncluded
	default:
		out.Max, out.MaxIncluded = r.Max, r.MaxIncluded && o.MaxIncluded
	}
	return out
}

// Intersects reports whether some number lies in both ranges.
func (r Range) Intersects(o Range) bool {
	return !r.Intersect(o).IsEmpty()
}

// Subtract returns the parts of r not covered by o, in ascending order.
// The result has zero, one or two ranges.
func (r Range) Subtract(o Range) []Range {
	if !r.Intersects(o) {
		return []Range{r}
	}
	var out []Range
	left := Range{Min: r.Min, MinIncluded: r.MinIncluded, Max: o.Min, MaxIncluded: !o.MinIncluded}
	if !left.IsEmpty() {
		out = append(out, left)
	}
	right := Range{Min: o.Max, MinIncluded: !o.MaxIncluded, Max: r.Max, MaxIncluded: r.MaxIncluded}
	if !right.IsEmpty() {
		out = append(out, right)
	}
	return out
}

func formatBound(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (r Range) String() string {
	if r.NaN && r.IsEmpty() {
		return "nan"
	}
	lb, rb := "(", ")"
	if r.MinIncluded {
		lb = "["
	}
	if r.MaxIncluded {
		rb = "]"
	}
	s := lb + formatBound(r.Min) + ", " + formatBound(r.Max) + rb
	if r.NaN {
		s += "+nan"
	}
	return s
}

// ParseRange parses "nan", a single number, or an interval such as
// "[0, 20)", "(-inf, 5]" or "[1,inf)".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "nan") {
		return NaNRange(), nil
	}
	if s == "" {
		return Range{}, fmt.Errorf("%w: empty string", ErrInvalidRange)
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return PointRange(v), nil
	}
	if len(s) < 5 {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	lb, rb := s[0], s[len(s)-1]
	if (lb != '[' && lb != '(') || (rb != ']' && rb != ')') {
		return Range{}, fmt.Errorf("%w: %q must start with [ or ( and end with ] or )", ErrInvalidRange, s)
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("%w: %q needs two bounds", ErrInvalidRange, s)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: lower bound of %q: %v", ErrInvalidRange, s, err)
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: upper bound of %q: %v", ErrInvalidRange, s, err)
	}
	return NewRange(lo, lb == '[', hi, rb == ']')
}
