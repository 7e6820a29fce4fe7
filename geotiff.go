package cogops

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// GeoKeys
const (
	GTModelTypeGeoKey     = 1024
	GTModelTypeGeographic = 1
	GTModelTypeProjected  = 2

	GTRasterTypeGeoKey       = 1025
	GTRasterTypePixelIsArea  = 1
	GTRasterTypePixelIsPoint = 2

	GeographicTypeGeoKey  = 2048
	GeogCitationGeoKey    = 2049
	ProjectedCSTypeGeoKey = 3072
	PCSCitationGeoKey     = 3073
	ProjLinearUnitsGeoKey = 3076
)

// Sample formats (tag 339)
const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)

// Photometric interpretations (tag 262)
const (
	PhotometricWhiteIsZero = 0
	PhotometricBlackIsZero = 1
	PhotometricRGB         = 2
	PhotometricYCbCr       = 6
)

// GeoTransform maps pixel coordinates to model coordinates:
//
//	X = T[0] + px*T[1] + py*T[2]
//	Y = T[3] + px*T[4] + py*T[5]
type GeoTransform [6]float64

// IsZero reports whether no transform is set.
func (g GeoTransform) IsZero() bool { return g == GeoTransform{} }

// Forward maps a pixel coordinate to model space.
func (g GeoTransform) Forward(px, py float64) (float64, float64) {
	return g[0] + px*g[1] + py*g[2], g[3] + px*g[4] + py*g[5]
}

// Inverse returns the transform mapping model space back to pixels.
func (g GeoTransform) Inverse() (GeoTransform, error) {
	det := g[1]*g[5] - g[2]*g[4]
	if det == 0 || math.IsNaN(det) {
		return GeoTransform{}, fmt.Errorf("geotransform %v is not invertible", g)
	}
	inv := GeoTransform{
		0, g[5] / det, -g[2] / det,
		0, -g[4] / det, g[1] / det,
	}
	inv[0] = -g[0]*inv[1] - g[3]*inv[2]
	inv[3] = -g[0]*inv[4] - g[3]*inv[5]
	return inv, nil
}

// Scale returns the transform of a raster whose pixels are sx by sy times
// larger, as for an overview.
func (g GeoTransform) Scale(sx, sy float64) GeoTransform {
	return GeoTransform{g[0], g[1] * sx, g[2] * sy, g[3], g[4] * sx, g[5] * sy}
}

// TiePoint represents a georeferencing tie point
type TiePoint struct {
	PixelX, PixelY, PixelZ float64
	GeoX, GeoY, GeoZ       float64
}

// GeoTIFFMetadata is what one IFD says about its image.
type GeoTIFFMetadata struct {
	Width, Height int
	BandCount     int
	DataType      DataType
	Photometric   uint16

	PixelScale     [3]float64
	TiePoints      []TiePoint
	Transformation []float64
	GeoKeys        map[uint16]any
	Transform      GeoTransform
	CRS            string

	NoData    float64
	HasNoData bool
}

// readGeoTIFFMetadata decodes the image and georeferencing tags of ifd.
func readGeoTIFFMetadata(ifd *IFD) (*GeoTIFFMetadata, error) {
	m := &GeoTIFFMetadata{
		Width:       int(ifd.Uint(TagImageWidth, 0)),
		Height:      int(ifd.Uint(TagImageLength, 0)),
		BandCount:   int(ifd.Uint(TagSamplesPerPixel, 1)),
		Photometric: uint16(ifd.Uint(TagPhotometric, PhotometricBlackIsZero)),
		GeoKeys:     make(map[uint16]any),
	}
	if m.Width <= 0 || m.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", m.Width, m.Height)
	}
	if m.BandCount <= 0 {
		return nil, fmt.Errorf("invalid samples per pixel %d", m.BandCount)
	}
	dt, err := sampleDataType(ifd)
	if err != nil {
		return nil, err
	}
	m.DataType = dt

	if v := ifd.Floats(TagModelPixelScale); len(v) >= 3 {
		copy(m.PixelScale[:], v[:3])
	}
	m.TiePoints = parseTiePoints(ifd.Floats(TagModelTiepoint))
	if v := ifd.Floats(TagModelTransformation); len(v) >= 16 {
		m.Transformation = v[:16]
	}
	if err := m.readGeoKeys(ifd); err != nil {
		return nil, fmt.Errorf("failed to read GeoKeys: %w", err)
	}
	m.CRS = m.determineCRS()
	m.Transform = m.geoTransform()

	if s := strings.TrimSpace(ifd.ASCII(TagGDALNoData)); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid GDAL_NODATA %q: %w", s, err)
		}
		m.NoData, m.HasNoData = v, true
	}
	return m, nil
}

// sampleDataType maps BitsPerSample and SampleFormat to a DataType.
func sampleDataType(ifd *IFD) (DataType, error) {
	bits := ifd.Uint(TagBitsPerSample, 8)
	for _, b := range ifd.Uints(TagBitsPerSample) {
		if b != bits {
			return 0, fmt.Errorf("mixed bits per sample %v", ifd.Uints(TagBitsPerSample))
		}
	}
	format := ifd.Uint(TagSampleFormat, SampleFormatUint)

	switch {
	case bits == 8 && format == SampleFormatUint:
		return DTByte, nil
	case bits == 8 && format == SampleFormatInt:
		return DTSByte, nil
	case bits == 16 && format == SampleFormatUint:
		return DTUShort, nil
	case bits == 16 && format == SampleFormatInt:
		return DTShort, nil
	case bits == 32 && format == SampleFormatUint:
		return DTULong, nil
	case bits == 32 && format == SampleFormatInt:
		return DTLong, nil
	case bits == 32 && format == SampleFormatFloat:
		return DTFloat, nil
	case bits == 64 && format == SampleFormatFloat:
		return DTDouble, nil
	}
	return 0, fmt.Errorf("%w: %d bits with sample format %d", ErrUnsupportedDataType, bits, format)
}

func parseTiePoints(values []float64) []TiePoint {
	tiePoints := make([]TiePoint, 0, len(values)/6)
	for i := 0; i+5 < len(values); i += 6 {
		tiePoints = append(tiePoints, TiePoint{
			PixelX: values[i],
			PixelY: values[i+1],
			PixelZ: values[i+2],
			GeoX:   values[i+3],
			GeoY:   values[i+4],
			GeoZ:   values[i+5],
		})
	}
	return tiePoints
}

// readGeoKeys decodes the GeoKey directory. Each key is four shorts: key
// ID, location, count and value or offset.
func (m *GeoTIFFMetadata) readGeoKeys(ifd *IFD) error {
	dir := ifd.Uints(TagGeoKeyDirectory)
	if dir == nil {
		return nil
	}
	if len(dir) < 4 {
		return fmt.Errorf("GeoKeyDirectory too short")
	}
	doubles := ifd.Floats(TagGeoDoubleParams)
	ascii := ifd.ASCII(TagGeoASCIIParams)

	numKeys := int(dir[3])
	for i := 4; i+3 < len(dir) && (i-4)/4 < numKeys; i += 4 {
		key, location, count, value := uint16(dir[i]), dir[i+1], int(dir[i+2]), int(dir[i+3])
		switch location {
		case 0:
			m.GeoKeys[key] = uint16(value)
		case TagGeoDoubleParams:
			if value+count <= len(doubles) && count > 0 {
				if count == 1 {
					m.GeoKeys[key] = doubles[value]
				} else {
					m.GeoKeys[key] = doubles[value : value+count]
				}
			}
		case TagGeoASCIIParams:
			if value < len(ascii) {
				end := min(value+count, len(ascii))
				m.GeoKeys[key] = strings.TrimRight(ascii[value:end], "|\x00")
			}
		}
	}
	return nil
}

// determineCRS names the CRS as an EPSG code from the GeoKeys.
func (m *GeoTIFFMetadata) determineCRS() string {
	for _, key := range []uint16{ProjectedCSTypeGeoKey, GeographicTypeGeoKey} {
		// 32767 is "user defined".
		if code, ok := m.GeoKeys[key].(uint16); ok && code != 0 && code != 32767 {
			return fmt.Sprintf("EPSG:%d", code)
		}
	}
	return ""
}

// geoTransform builds the pixel to model transform from
// ModelTransformation, or from the first tie point and the pixel scale.
func (m *GeoTIFFMetadata) geoTransform() GeoTransform {
	var g GeoTransform
	switch {
	case m.Transformation != nil:
		t := m.Transformation
		g = GeoTransform{t[3], t[0], t[1], t[7], t[4], t[5]}
	case len(m.TiePoints) > 0 && m.PixelScale[0] != 0:
		tp := m.TiePoints[0]
		sx, sy := m.PixelScale[0], m.PixelScale[1]
		g = GeoTransform{tp.GeoX - tp.PixelX*sx, sx, 0, tp.GeoY + tp.PixelY*sy, 0, -sy}
	default:
		return g
	}
	if rt, ok := m.GeoKeys[GTRasterTypeGeoKey].(uint16); ok && rt == GTRasterTypePixelIsPoint {
		// Tie points address pixel centers; move the origin to the corner.
		g[0] -= 0.5 * (g[1] + g[2])
		g[3] -= 0.5 * (g[4] + g[5])
	}
	return g
}

// Bounds returns the model space bounding box of the image.
func (m *GeoTIFFMetadata) Bounds() orb.Bound {
	if m.Transform.IsZero() {
		return orb.Bound{}
	}
	w, h := float64(m.Width), float64(m.Height)
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, c := range [][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
		x, y := m.Transform.Forward(c[0], c[1])
		b = b.Extend(orb.Point{x, y})
	}
	return b
}

// ParseEPSGCode extracts EPSG code from CRS string
func ParseEPSGCode(crs string) (int, error) {
	if rest, ok := strings.CutPrefix(strings.ToUpper(crs), "EPSG:"); ok {
		code, err := strconv.Atoi(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid EPSG code %q: %w", crs, err)
		}
		return code, nil
	}
	return 0, fmt.Errorf("invalid CRS format: %s", crs)
}
