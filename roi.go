package cogops

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

// ErrInvalidGeometry is returned when a geometry backed ROI cannot answer a
// rectangle query. Callers fall back to the ROI mask.
var ErrInvalidGeometry = errors.New("invalid ROI geometry")

// ROI is a region of interest over pixel coordinates.
//
// Bounds encloses every pixel for which Contains is true. Mask returns the
// region as a single band byte raster, nonzero inside; it is built on first
// use and shared afterwards.
type ROI interface {
	Bounds() image.Rectangle
	Contains(x, y int) bool
	ContainsRect(r image.Rectangle) (bool, error)
	Intersects(r image.Rectangle) (bool, error)
	Mask() (TiledRaster, error)
}

// DisjointRect reports whether r and the ROI share no pixel.
func DisjointRect(roi ROI, r image.Rectangle) (bool, error) {
	ok, err := roi.Intersects(r)
	return !ok, err
}

// maskTileSize is the tile size of materialized masks.
const maskTileSize = 256

// lazyMask builds a mask raster at most once.
type lazyMask struct {
	once sync.Once
	mask TiledRaster
	err  error
}

func (m *lazyMask) get(build func() (TiledRaster, error)) (TiledRaster, error) {
	m.once.Do(func() {
		m.mask, m.err = build()
	})
	return m.mask, m.err
}

// newMaskRaster allocates an all-zero byte mask over bounds.
func newMaskRaster(bounds image.Rectangle) (*MemRaster, error) {
	return NewMemRaster(Layout{
		Bounds:     bounds,
		TileWidth:  min(maskTileSize, bounds.Dx()),
		TileHeight: min(maskTileSize, bounds.Dy()),
		TileGridX:  bounds.Min.X,
		TileGridY:  bounds.Min.Y,
		Bands:      1,
		Type:       DTByte,
	})
}

// RectROI is a rectangular region.
type RectROI struct {
	rect image.Rectangle
	mask lazyMask
}

// NewRectROI returns the region covering r.
func NewRectROI(r image.Rectangle) *RectROI {
	return &RectROI{rect: r.Canon()}
}

// Bounds returns the rectangle.
func (r *RectROI) Bounds() image.Rectangle { return r.rect }

// Contains reports whether (x, y) lies inside the rectangle.
func (r *RectROI) Contains(x, y int) bool {
	return image.Pt(x, y).In(r.rect)
}

// ContainsRect reports whether q lies fully inside the rectangle.
func (r *RectROI) ContainsRect(q image.Rectangle) (bool, error) {
	return !q.Empty() && q.In(r.rect), nil
}

// Intersects reports whether q overlaps the rectangle.
func (r *RectROI) Intersects(q image.Rectangle) (bool, error) {
	return q.Overlaps(r.rect), nil
}

// Mask returns the rectangle as a byte raster of ones.
func (r *RectROI) Mask() (TiledRaster, error) {
	return r.mask.get(func() (TiledRaster, error) {
		if r.rect.Empty() {
			return nil, fmt.Errorf("failed to build mask: empty rectangle %v", r.rect)
		}
		m, err := newMaskRaster(r.rect)
		if err != nil {
			return nil, fmt.Errorf("failed to build mask: %w", err)
		}
		for _, t := range m.tiles {
			t.Fill([]float64{1})
		}
		Logger().Debug("materialized ROI mask", "kind", "rect", "bounds", r.rect)
		return m, nil
	})
}

// ImageROI is the set of pixels of band 0 of a raster whose value is at
// least a threshold.
type ImageROI struct {
	src       TiledRaster
	threshold float64
	mask      lazyMask
}

// NewImageROI returns the region of src where band 0 >= threshold.
func NewImageROI(src TiledRaster, threshold float64) (*ImageROI, error) {
	if err := src.Layout().Validate(); err != nil {
		return nil, fmt.Errorf("failed to create image ROI: %w", err)
	}
	return &ImageROI{src: src, threshold: threshold}, nil
}

// Bounds returns the bounds of the source raster.
func (r *ImageROI) Bounds() image.Rectangle { return r.src.Layout().Bounds }

// Contains reports whether band 0 at (x, y) reaches the threshold.
func (r *ImageROI) Contains(x, y int) bool {
	l := r.src.Layout()
	if !image.Pt(x, y).In(l.Bounds) {
		return false
	}
	t, err := r.src.Tile(l.TileX(x), l.TileY(y))
	if err != nil {
		return false
	}
	return t.At(x, y, 0) >= r.threshold
}

// scan visits the pixels of q inside the raster bounds and stops when visit
// returns false. It reports whether q lay fully inside the bounds.
func (r *ImageROI) scan(q image.Rectangle, visit func(inside bool) bool) (bool, error) {
	b := q.Intersect(r.Bounds())
	if b.Empty() {
		return false, nil
	}
	acc, err := NewRandomAccessor(r.src, b, AccessScan)
	if err != nil {
		return false, err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if !visit(acc.Sample(x, y, 0) >= r.threshold) {
				return b == q, acc.Err()
			}
		}
	}
	return b == q, acc.Err()
}

// ContainsRect reports whether every pixel of q reaches the threshold.
func (r *ImageROI) ContainsRect(q image.Rectangle) (bool, error) {
	all := true
	covered, err := r.scan(q, func(inside bool) bool {
		all = all && inside
		return all
	})
	if err != nil {
		return false, fmt.Errorf("failed to scan ROI image: %w", err)
	}
	return covered && all, nil
}

// Intersects reports whether any pixel of q reaches the threshold.
func (r *ImageROI) Intersects(q image.Rectangle) (bool, error) {
	hit := false
	_, err := r.scan(q, func(inside bool) bool {
		hit = inside
		return !hit
	})
	if err != nil {
		return false, fmt.Errorf("failed to scan ROI image: %w", err)
	}
	return hit, nil
}

// Mask returns the source itself when it is already a single band byte
// raster thresholded at 1, and a thresholded copy otherwise.
func (r *ImageROI) Mask() (TiledRaster, error) {
	return r.mask.get(func() (TiledRaster, error) {
		l := r.src.Layout()
		if l.Type == DTByte && l.Bands == 1 && r.threshold == 1 {
			return r.src, nil
		}
		ml := l
		ml.Bands, ml.Type = 1, DTByte
		m, err := NewMemRaster(ml)
		if err != nil {
			return nil, fmt.Errorf("failed to build mask: %w", err)
		}
		for ty := l.MinTileY(); ty <= l.MaxTileY(); ty++ {
			for tx := l.MinTileX(); tx <= l.MaxTileX(); tx++ {
				t, err := r.src.Tile(tx, ty)
				if err != nil {
					return nil, fmt.Errorf("failed to build mask: %w", err)
				}
				dst := tileData[uint8](m.tiles[m.slot(tx, ty)])
				for i := range dst {
					if t.at(i*t.Bands) >= r.threshold {
						dst[i] = 1
					}
				}
			}
		}
		Logger().Debug("materialized ROI mask", "kind", "image", "bounds", l.Bounds)
		return m, nil
	})
}
