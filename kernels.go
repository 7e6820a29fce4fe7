package cogops

import (
	"fmt"
	"strings"
)

// Kernel is the per-pixel arithmetic of a point operation.
type Kernel interface {
	// Bind checks that the kernel can map bands samples of type src to type
	// dst and returns a copy with its parameters expanded to bands. It runs
	// once, when the operation is built, and leaves the receiver unchanged.
	Bind(bands int, src, dst DataType) (Kernel, error)
	// Func returns the sample function for one tile. Kernels may keep per
	// tile state in the closure.
	Func(dst DataType) SampleFunc
}

// expandBands checks a per band parameter array and repeats a single value
// across all bands.
func expandBands(name string, values []float64, bands int) ([]float64, error) {
	switch len(values) {
	case 0:
		return nil, fmt.Errorf("%w: no %s", ErrEmptyParameters, name)
	case 1:
		out := make([]float64, bands)
		for b := range out {
			out[b] = values[0]
		}
		return out, nil
	case bands:
		return append([]float64(nil), values...), nil
	}
	return nil, fmt.Errorf("%w: %d %s for %d bands", ErrBandMismatch, len(values), name, bands)
}

// ConstOperator is the arithmetic a ConstKernel applies.
type ConstOperator uint8

const (
	Add          ConstOperator = iota // v + c
	Subtract                          // v - c
	Multiply                          // v * c
	Divide                            // v / c
	SubtractFrom                      // c - v
	DivideInto                        // c / v
)

var constOperatorNames = [...]string{"add", "subtract", "multiply", "divide", "subtractfrom", "divideinto"}

func (o ConstOperator) String() string {
	if int(o) < len(constOperatorNames) {
		return constOperatorNames[o]
	}
	return fmt.Sprintf("ConstOperator(%d)", uint8(o))
}

// ParseConstOperator maps an operator name back to a ConstOperator.
func ParseConstOperator(s string) (ConstOperator, error) {
	s = strings.ToLower(strings.ReplaceAll(s, "-", ""))
	for i, n := range constOperatorNames {
		if n == s {
			return ConstOperator(i), nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", s)
}

// ConstKernel combines every sample with a per band constant.
type ConstKernel struct {
	Op        ConstOperator
	Constants []float64
}

func (k *ConstKernel) Bind(bands int, src, dst DataType) (Kernel, error) {
	if k.Op > DivideInto {
		return nil, fmt.Errorf("unknown operator %v", k.Op)
	}
	c, err := expandBands("constants", k.Constants, bands)
	if err != nil {
		return nil, err
	}
	return &ConstKernel{Op: k.Op, Constants: c}, nil
}

// Func returns the per sample arithmetic. Integer destinations round the
// constant half up before adding or subtracting it.
func (k *ConstKernel) Func(dst DataType) SampleFunc {
	c := k.Constants
	if !dst.IsFloat() && (k.Op == Add || k.Op == Subtract || k.Op == SubtractFrom) {
		c = make([]float64, len(k.Constants))
		for b, v := range k.Constants {
			c[b] = roundHalfUp(v)
		}
	}
	switch k.Op {
	case Add:
		return func(b int, v float64) float64 { return v + c[b] }
	case Subtract:
		return func(b int, v float64) float64 { return v - c[b] }
	case Multiply:
		return func(b int, v float64) float64 { return v * c[b] }
	case Divide:
		return func(b int, v float64) float64 { return v / c[b] }
	case SubtractFrom:
		return func(b int, v float64) float64 { return c[b] - v }
	default:
		return func(b int, v float64) float64 { return c[b] / v }
	}
}

// ClampKernel pins every sample into [Low, High] of its band.
type ClampKernel struct {
	Low, High []float64
}

func (k *ClampKernel) Bind(bands int, src, dst DataType) (Kernel, error) {
	low, err := expandBands("low bounds", k.Low, bands)
	if err != nil {
		return nil, err
	}
	high, err := expandBands("high bounds", k.High, bands)
	if err != nil {
		return nil, err
	}
	for b := range low {
		if low[b] > high[b] || low[b] != low[b] || high[b] != high[b] {
			return nil, fmt.Errorf("%w: band %d low %g above high %g", ErrInvalidRange, b, low[b], high[b])
		}
	}
	return &ClampKernel{Low: low, High: high}, nil
}

func (k *ClampKernel) Func(DataType) SampleFunc {
	low, high := k.Low, k.High
	return func(b int, v float64) float64 {
		if v < low[b] {
			return low[b]
		}
		if v > high[b] {
			return high[b]
		}
		return v
	}
}

// LookupKernel maps every sample through a range lookup table. Each tile
// reads through its own Cursor.
type LookupKernel struct {
	Table *Table
}

func (k *LookupKernel) Bind(bands int, src, dst DataType) (Kernel, error) {
	if k.Table == nil {
		return nil, fmt.Errorf("%w: nil lookup table", ErrEmptyParameters)
	}
	return &LookupKernel{Table: k.Table}, nil
}

func (k *LookupKernel) Func(DataType) SampleFunc {
	c := k.Table.Cursor()
	return func(_ int, v float64) float64 { return c.Lookup(v) }
}

func (k *ConstKernel) String() string  { return "const:" + k.Op.String() }
func (k *ClampKernel) String() string  { return "clamp" }
func (k *LookupKernel) String() string { return "lookup" }

// NewConstOp applies op with one constant per band, or one shared constant.
func NewConstOp(src TiledRaster, op ConstOperator, constants []float64, opts ...Option) (*PointOp, error) {
	return NewPointOp(src, &ConstKernel{Op: op, Constants: constants}, opts...)
}

// NewClampOp pins every sample into [low, high] per band.
func NewClampOp(src TiledRaster, low, high []float64, opts ...Option) (*PointOp, error) {
	return NewPointOp(src, &ClampKernel{Low: low, High: high}, opts...)
}

// NewLookupOp maps every sample through table.
func NewLookupOp(src TiledRaster, table *Table, opts ...Option) (*PointOp, error) {
	return NewPointOp(src, &LookupKernel{Table: table}, opts...)
}
