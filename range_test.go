package cogops

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	inf := math.Inf(1)
	tests := []struct {
		in   string
		want Range
	}{
		{"5", ClosedRange(5, 5)},
		{"-1.5", ClosedRange(-1.5, -1.5)},
		{"[0, 20)", Range{Min: 0, Max: 20, MinIncluded: true}},
		{"(-inf, 5]", Range{Min: -inf, Max: 5, MaxIncluded: true}},
		{"[1,inf)", Range{Min: 1, Max: inf, MinIncluded: true}},
		{" (0,1) ", Range{Min: 0, Max: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRange(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	nan, err := ParseRange("NaN")
	require.NoError(t, err)
	assert.True(t, nan.Contains(math.NaN()))
	assert.False(t, nan.Contains(0))
	assert.Equal(t, "nan", nan.String())
}

func TestParseRangeErrors(t *testing.T) {
	for _, in := range []string{"", "abc", "[1,2", "{1,2}", "[1;2]", "[a, 2]", "[1, b]", "[2, 1]", "(1, 1]", "[1,2,3]"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseRange(in)
			assert.ErrorIs(t, err, ErrInvalidRange)
		})
	}
}

func TestNewRange(t *testing.T) {
	_, err := NewRange(math.NaN(), true, 1, true)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = NewRange(3, true, 3, false)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = NewRange(4, true, 3, true)
	assert.ErrorIs(t, err, ErrInvalidRange)

	r, err := NewRange(3, true, 3, true)
	require.NoError(t, err)
	assert.True(t, r.Contains(3))
}

func TestRangeContains(t *testing.T) {
	r := Range{Min: 0, Max: 10, MinIncluded: true}
	assert.True(t, r.Contains(0))
	assert.True(t, r.Contains(9.999))
	assert.False(t, r.Contains(10))
	assert.False(t, r.Contains(-0.001))
	assert.False(t, r.Contains(math.NaN()))

	r.NaN = true
	assert.True(t, r.Contains(math.NaN()))
	assert.Equal(t, "[0, 10)+nan", r.String())

	all := Range{Min: math.Inf(-1), Max: math.Inf(1), MinIncluded: true, MaxIncluded: true}
	assert.True(t, all.Contains(math.Inf(-1)))
	assert.True(t, all.Contains(1e308))
	assert.Equal(t, "[-inf, inf]", all.String())
}

func TestRangeIntersect(t *testing.T) {
	a := Range{Min: 0, Max: 20, MinIncluded: true}
	b := ClosedRange(5, 10)
	assert.Equal(t, b, a.Intersect(b))
	assert.True(t, a.Intersects(b))

	// Touching at an excluded bound shares no value.
	c := ClosedRange(20, 30)
	assert.False(t, a.Intersects(c))
	assert.True(t, a.Intersect(c).IsEmpty())

	d := Range{Min: 0, Max: 5, MaxIncluded: true}
	got := a.Intersect(d)
	assert.False(t, got.MinIncluded)
	assert.True(t, got.MaxIncluded)
}

func TestRangeSubtract(t *testing.T) {
	wide := Range{Min: 0, Max: 20, MinIncluded: true}

	parts := wide.Subtract(ClosedRange(5, 10))
	require.Len(t, parts, 2)
	assert.Equal(t, Range{Min: 0, Max: 5, MinIncluded: true}, parts[0])
	assert.Equal(t, Range{Min: 10, Max: 20}, parts[1])

	parts = wide.Subtract(Range{Min: math.Inf(-1), Max: 0})
	require.Len(t, parts, 1)
	assert.Equal(t, wide, parts[0], "disjoint subtraction keeps the range")

	parts = wide.Subtract(ClosedRange(-5, 25))
	assert.Empty(t, parts)

	parts = wide.Subtract(ClosedRange(0, 3))
	require.Len(t, parts, 1)
	assert.Equal(t, Range{Min: 3, Max: 20}, parts[0])
}
