package cogops

import (
	"fmt"
	"math"
)

// DataType identifies the width and signedness of raster samples.
// The values follow the TIFF field type numbering.
type DataType uint16

const (
	DTByte   DataType = 1  // 8-bit unsigned integer
	DTUShort DataType = 3  // 16-bit unsigned integer
	DTULong  DataType = 4  // 32-bit unsigned integer
	DTSByte  DataType = 6  // 8-bit signed integer
	DTShort  DataType = 8  // 16-bit signed integer
	DTLong   DataType = 9  // 32-bit signed integer
	DTFloat  DataType = 11 // 32-bit IEEE floating point
	DTDouble DataType = 12 // 64-bit IEEE floating point
)

// Sample is the set of Go types backing the data types the engine computes on.
type Sample interface {
	uint8 | uint16 | int16 | int32 | float32 | float64
}

func (dt DataType) String() string {
	switch dt {
	case DTByte:
		return "byte"
	case DTUShort:
		return "uint16"
	case DTULong:
		return "uint32"
	case DTSByte:
		return "int8"
	case DTShort:
		return "int16"
	case DTLong:
		return "int32"
	case DTFloat:
		return "float32"
	case DTDouble:
		return "float64"
	default:
		return fmt.Sprintf("DataType(%d)", uint16(dt))
	}
}

// Size returns the number of bytes per sample.
func (dt DataType) Size() int {
	switch dt {
	case DTByte, DTSByte:
		return 1
	case DTUShort, DTShort:
		return 2
	case DTULong, DTLong, DTFloat:
		return 4
	case DTDouble:
		return 8
	default:
		return 0
	}
}

// Supported reports whether tiles of this type can be computed on.
// 8-bit signed and 32-bit unsigned samples can be decoded from a COG but
// have no kernel loops.
func (dt DataType) Supported() bool {
	switch dt {
	case DTByte, DTUShort, DTShort, DTLong, DTFloat, DTDouble:
		return true
	}
	return false
}

// IsFloat reports whether the type is a floating point type.
func (dt DataType) IsFloat() bool {
	return dt == DTFloat || dt == DTDouble
}

// ParseDataType maps a type name as printed by String back to a DataType.
func ParseDataType(s string) (DataType, error) {
	for _, dt := range []DataType{DTByte, DTUShort, DTULong, DTSByte, DTShort, DTLong, DTFloat, DTDouble} {
		if dt.String() == s {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Range returns the representable [min, max] of the type.
func (dt DataType) Range() (float64, float64) {
	switch dt {
	case DTByte:
		return 0, math.MaxUint8
	case DTSByte:
		return math.MinInt8, math.MaxInt8
	case DTUShort:
		return 0, math.MaxUint16
	case DTShort:
		return math.MinInt16, math.MaxInt16
	case DTULong:
		return 0, math.MaxUint32
	case DTLong:
		return math.MinInt32, math.MaxInt32
	case DTFloat:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return math.Inf(-1), math.Inf(1)
	}
}

// dataTypeOf returns the DataType matching the Go sample type S.
func dataTypeOf[S Sample]() DataType {
	var zero S
	switch any(zero).(type) {
	case uint8:
		return DTByte
	case uint16:
		return DTUShort
	case int16:
		return DTShort
	case int32:
		return DTLong
	case float32:
		return DTFloat
	default:
		return DTDouble
	}
}

// Saturating conversions. Integer targets round half up and pin to the
// representable range; NaN maps to zero.

// ClampByte converts v to an unsigned 8-bit sample.
func ClampByte(v float64) uint8 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxUint8:
		return math.MaxUint8
	case v <= 0:
		return 0
	}
	return uint8(v + 0.5)
}

// ClampUShort converts v to an unsigned 16-bit sample.
func ClampUShort(v float64) uint16 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	case v <= 0:
		return 0
	}
	return uint16(v + 0.5)
}

// ClampShort converts v to a signed 16-bit sample.
func ClampShort(v float64) int16 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Floor(v + 0.5))
}

// ClampInt converts v to a signed 32-bit sample.
func ClampInt(v float64) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	r := math.Floor(v + 0.5)
	if r > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(r)
}

// ClampFloat converts v to a float32 sample, pinning values beyond the
// float32 range (infinities included) to ±MaxFloat32. NaN is kept.
func ClampFloat(v float64) float32 {
	switch {
	case v != v:
		return float32(math.NaN())
	case v > math.MaxFloat32:
		return math.MaxFloat32
	case v < -math.MaxFloat32:
		return -math.MaxFloat32
	}
	return float32(v)
}

// ClampDouble is the identity; it exists so every width has a codec entry.
func ClampDouble(v float64) float64 { return v }

// saturator returns the conversion function for the Go sample type D.
// Callers resolve it once per tile, never per sample.
func saturator[D Sample]() func(float64) D {
	var zero D
	var f any
	switch any(zero).(type) {
	case uint8:
		f = ClampByte
	case uint16:
		f = ClampUShort
	case int16:
		f = ClampShort
	case int32:
		f = ClampInt
	case float32:
		f = ClampFloat
	default:
		f = ClampDouble
	}
	return f.(func(float64) D)
}

// Saturate converts v to dt with the saturating rules above and returns the
// result widened back to float64.
func Saturate(dt DataType, v float64) float64 {
	switch dt {
	case DTByte:
		return float64(ClampByte(v))
	case DTUShort:
		return float64(ClampUShort(v))
	case DTShort:
		return float64(ClampShort(v))
	case DTLong:
		return float64(ClampInt(v))
	case DTFloat:
		return float64(ClampFloat(v))
	default:
		return v
	}
}

// roundHalfUp rounds the way the integer codecs do.
func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}
