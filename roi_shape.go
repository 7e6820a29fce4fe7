package cogops

import (
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ShapeROI is the set of pixels whose centers lie inside a polygon or
// multipolygon given in pixel coordinates. Pixel (x, y) has its center at
// (x+0.5, y+0.5).
type ShapeROI struct {
	polys  orb.MultiPolygon
	bounds image.Rectangle
	mask   lazyMask
}

// NewShapeROI returns the region covered by g, which must be an
// orb.Polygon, orb.MultiPolygon or orb.Bound.
func NewShapeROI(g orb.Geometry) (*ShapeROI, error) {
	var polys orb.MultiPolygon
	switch v := g.(type) {
	case orb.Polygon:
		polys = orb.MultiPolygon{v}
	case orb.MultiPolygon:
		polys = v
	case orb.Bound:
		polys = orb.MultiPolygon{PolygonFromBounds(v)}
	case nil:
		return nil, fmt.Errorf("%w: nil geometry", ErrInvalidGeometry)
	default:
		return nil, fmt.Errorf("%w: %s is not areal", ErrInvalidGeometry, g.GeoJSONType())
	}
	s := &ShapeROI{polys: polys}
	// Bounds come from the rings that can be scanned.
	var b orb.Bound
	found := false
	for _, p := range polys {
		for _, ring := range p {
			if !usableRing(ring) {
				continue
			}
			if found {
				b = b.Union(ring.Bound())
			} else {
				b, found = ring.Bound(), true
			}
		}
	}
	if found {
		s.bounds = image.Rect(
			int(math.Floor(b.Min[0])), int(math.Floor(b.Min[1])),
			int(math.Ceil(b.Max[0])), int(math.Ceil(b.Max[1])),
		)
	}
	return s, nil
}

// Geometry returns the region's geometry.
func (s *ShapeROI) Geometry() orb.MultiPolygon { return s.polys }

// Bounds returns the pixel bounds of the geometry.
func (s *ShapeROI) Bounds() image.Rectangle { return s.bounds }

// Contains reports whether the center of pixel (x, y) lies inside the geometry.
func (s *ShapeROI) Contains(x, y int) bool {
	if !image.Pt(x, y).In(s.bounds) {
		return false
	}
	return planar.MultiPolygonContains(s.polys, orb.Point{float64(x) + 0.5, float64(y) + 0.5})
}

// usableRing reports whether a ring has enough finite points to scan.
func usableRing(ring orb.Ring) bool {
	if len(ring) < 4 {
		return false
	}
	for _, pt := range ring {
		if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) || math.IsInf(pt[0], 0) || math.IsInf(pt[1], 0) {
			return false
		}
	}
	return true
}

// validate reports rings that the span computation cannot use.
func (s *ShapeROI) validate() error {
	for i, p := range s.polys {
		for j, ring := range p {
			if !usableRing(ring) {
				return fmt.Errorf("%w: polygon %d ring %d is degenerate", ErrInvalidGeometry, i, j)
			}
		}
	}
	return nil
}

// ContainsRect reports whether every pixel center of r lies inside the
// geometry. Degenerate rings return ErrInvalidGeometry.
func (s *ShapeROI) ContainsRect(r image.Rectangle) (bool, error) {
	if r.Empty() || !r.In(s.bounds) {
		return false, nil
	}
	if err := s.validate(); err != nil {
		return false, err
	}
	var spans []span
	for y := r.Min.Y; y < r.Max.Y; y++ {
		spans = s.rowSpans(y, spans[:0])
		covered := false
		for _, sp := range spans {
			if sp.x0 <= r.Min.X && sp.x1 >= r.Max.X {
				covered = true
				break
			}
		}
		if !covered {
			return false, nil
		}
	}
	return true, nil
}

// Intersects reports whether any pixel center of r lies inside the geometry.
func (s *ShapeROI) Intersects(r image.Rectangle) (bool, error) {
	r = r.Intersect(s.bounds)
	if r.Empty() {
		return false, nil
	}
	if err := s.validate(); err != nil {
		return false, err
	}
	var spans []span
	for y := r.Min.Y; y < r.Max.Y; y++ {
		spans = s.rowSpans(y, spans[:0])
		for _, sp := range spans {
			if sp.x0 < r.Max.X && sp.x1 > r.Min.X {
				return true, nil
			}
		}
	}
	return false, nil
}

// Mask rasterizes the region over its bounds. Degenerate rings are skipped.
func (s *ShapeROI) Mask() (TiledRaster, error) {
	return s.mask.get(func() (TiledRaster, error) {
		if s.bounds.Empty() {
			return nil, fmt.Errorf("%w: empty geometry", ErrInvalidGeometry)
		}
		m, err := newMaskRaster(s.bounds)
		if err != nil {
			return nil, fmt.Errorf("failed to build mask: %w", err)
		}
		var spans []span
		for y := s.bounds.Min.Y; y < s.bounds.Max.Y; y++ {
			spans = s.rowSpans(y, spans[:0])
			for _, sp := range spans {
				x0, x1 := max(sp.x0, s.bounds.Min.X), min(sp.x1, s.bounds.Max.X)
				for x := x0; x < x1; x++ {
					m.Set(x, y, 0, 1)
				}
			}
		}
		Logger().Debug("materialized ROI mask", "kind", "shape", "bounds", s.bounds, "polygons", len(s.polys))
		return m, nil
	})
}

// span is a run of pixel columns [x0, x1) inside the region on one row.
type span struct {
	x0, x1 int
}

// rowSpans appends the merged inside runs of row y to dst. Each polygon is
// scanned with the even-odd rule over all its rings, and the runs of
// different polygons are unioned.
func (s *ShapeROI) rowSpans(y int, dst []span) []span {
	yc := float64(y) + 0.5
	var xs []float64
	for _, p := range s.polys {
		xs = xs[:0]
		for _, ring := range p {
			if !usableRing(ring) {
				continue
			}
			for i := 0; i < len(ring)-1; i++ {
				a, b := ring[i], ring[i+1]
				if (a[1] <= yc) == (b[1] <= yc) {
					continue
				}
				xs = append(xs, a[0]+(yc-a[1])*(b[0]-a[0])/(b[1]-a[1]))
			}
		}
		slices.Sort(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			// Columns whose center x+0.5 lies in [xs[i], xs[i+1]).
			x0 := int(math.Ceil(xs[i] - 0.5))
			x1 := int(math.Ceil(xs[i+1] - 0.5))
			if x1 > x0 {
				dst = append(dst, span{x0, x1})
			}
		}
	}
	return mergeSpans(dst)
}

func mergeSpans(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	slices.SortFunc(spans, func(a, b span) int { return a.x0 - b.x0 })
	out := spans[:1]
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if sp.x0 <= last.x1 {
			last.x1 = max(last.x1, sp.x1)
			continue
		}
		out = append(out, sp)
	}
	return out
}
