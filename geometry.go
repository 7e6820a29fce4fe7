package cogops

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

// ErrUnsupportedCRS is returned when a geometry cannot be brought into the
// CRS of an image.
var ErrUnsupportedCRS = errors.New("unsupported CRS")

const (
	CRSWGS84       = "EPSG:4326"
	CRSWebMercator = "EPSG:3857"
)

// PolygonFromBounds creates a polygon from a bounding box
func PolygonFromBounds(bound orb.Bound) orb.Polygon {
	if bound.IsEmpty() {
		return orb.Polygon{}
	}

	ring := orb.Ring{
		{bound.Min[0], bound.Min[1]}, // Bottom-left
		{bound.Max[0], bound.Min[1]}, // Bottom-right
		{bound.Max[0], bound.Max[1]}, // Top-right
		{bound.Min[0], bound.Max[1]}, // Top-left
		{bound.Min[0], bound.Min[1]}, // Close ring
	}

	return orb.Polygon{ring}
}

func (c *COG) level(level int) (*GeoTIFFMetadata, error) {
	m := c.GetOverview(level)
	if m == nil {
		return nil, fmt.Errorf("overview %d out of range [0, %d]", level, c.OverviewCount())
	}
	if m.Transform.IsZero() {
		return nil, fmt.Errorf("image level %d is not georeferenced", level)
	}
	return m, nil
}

// PointFromPixel converts pixel coordinates to a model space point
func (c *COG) PointFromPixel(x, y float64, level int) (orb.Point, error) {
	m, err := c.level(level)
	if err != nil {
		return orb.Point{}, err
	}
	gx, gy := m.Transform.Forward(x, y)
	return orb.Point{gx, gy}, nil
}

// PixelFromPoint converts a model space point to pixel coordinates
func (c *COG) PixelFromPoint(p orb.Point, level int) (float64, float64, error) {
	m, err := c.level(level)
	if err != nil {
		return 0, 0, err
	}
	inv, err := m.Transform.Inverse()
	if err != nil {
		return 0, 0, err
	}
	x, y := inv.Forward(p[0], p[1])
	return x, y, nil
}

// ImagePolygon returns the image footprint in model space.
func (c *COG) ImagePolygon(level int) orb.Polygon {
	m := c.GetOverview(level)
	if m == nil {
		return orb.Polygon{}
	}
	return PolygonFromBounds(m.Bounds())
}

// CornerPoints returns the four corner points of the image
func (c *COG) CornerPoints(level int) [4]orb.Point {
	m := c.GetOverview(level)
	if m == nil || m.Transform.IsZero() {
		return [4]orb.Point{}
	}
	w, h := float64(m.Width), float64(m.Height)
	var out [4]orb.Point
	for i, px := range [4][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}} {
		x, y := m.Transform.Forward(px[0], px[1])
		out[i] = orb.Point{x, y}
	}
	return out
}

// Reproject returns a copy of g moved from CRS from to CRS to. Only
// WGS84 and Web Mercator are related; other pairs must match.
func Reproject(g orb.Geometry, from, to string) (orb.Geometry, error) {
	g = orb.Clone(g)
	switch {
	case from == to || from == "" || to == "":
		return g, nil
	case from == CRSWGS84 && to == CRSWebMercator:
		return project.Geometry(g, project.WGS84.ToMercator), nil
	case from == CRSWebMercator && to == CRSWGS84:
		return project.Geometry(g, project.Mercator.ToWGS84), nil
	}
	return nil, fmt.Errorf("%w: cannot transform %s to %s", ErrUnsupportedCRS, from, to)
}

// PixelGeometry maps a model space geometry into the pixel space of gt.
func PixelGeometry(g orb.Geometry, gt GeoTransform) (orb.Geometry, error) {
	inv, err := gt.Inverse()
	if err != nil {
		return nil, err
	}
	if b, ok := g.(orb.Bound); ok {
		// A flipped y axis would turn the bound inside out.
		g = PolygonFromBounds(b)
	}
	return project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
		x, y := inv.Forward(p[0], p[1])
		return orb.Point{x, y}
	}), nil
}

// GeoROI returns the pixels of gt's raster covered by a model space
// polygon or multipolygon.
func GeoROI(g orb.Geometry, gt GeoTransform) (*ShapeROI, error) {
	px, err := PixelGeometry(g, gt)
	if err != nil {
		return nil, err
	}
	return NewShapeROI(px)
}

// ROI returns the pixels of an image level covered by g, given in crs.
// An empty crs means g is already in the image's CRS.
func (c *COG) ROI(g orb.Geometry, crs string, level int) (*ShapeROI, error) {
	m, err := c.level(level)
	if err != nil {
		return nil, err
	}
	model, err := Reproject(g, crs, m.CRS)
	if err != nil {
		return nil, err
	}
	return GeoROI(model, m.Transform)
}

// TileROI returns the pixels of an image level covered by a web map tile.
// The image must be in WGS84 or Web Mercator.
func (c *COG) TileROI(t maptile.Tile, level int) (*ShapeROI, error) {
	if crs := c.CRS(); crs != CRSWGS84 && crs != CRSWebMercator {
		return nil, fmt.Errorf("%w: %q (only %s and %s are supported)", ErrUnsupportedCRS, crs, CRSWGS84, CRSWebMercator)
	}
	return c.ROI(PolygonFromBounds(t.Bound()), CRSWGS84, level)
}

// LevelFor picks the coarsest image level that still has at least size
// pixels across tile t.
func (c *COG) LevelFor(t maptile.Tile, size int) (int, error) {
	roi, err := c.TileROI(t, 0)
	if err != nil {
		return 0, err
	}
	across := float64(roi.Bounds().Dx())
	if size <= 0 || across <= 0 {
		return 0, nil
	}
	best := 0
	base := float64(c.Width())
	for level := 1; level <= c.OverviewCount(); level++ {
		factor := base / float64(c.GetOverview(level).Width)
		if math.Floor(across/factor) < float64(size) {
			break
		}
		best = level
	}
	return best, nil
}
