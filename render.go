package cogops

import (
	"context"
	"fmt"
	"image"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Render fetches every tile of src on up to workers goroutines and passes it
// to fn. workers <= 0 uses one per CPU. fn is called concurrently. The first
// error cancels the remaining tiles and is returned.
func Render(ctx context.Context, src TiledRaster, workers int, fn func(*Tile) error) error {
	l := src.Layout()
	if err := l.Validate(); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
tiles:
	for ty := l.MinTileY(); ty <= l.MaxTileY(); ty++ {
		for tx := l.MinTileX(); tx <= l.MaxTileX(); tx++ {
			if gctx.Err() != nil {
				break tiles
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				t, err := src.Tile(tx, ty)
				if err != nil {
					return fmt.Errorf("failed to compute tile (%d, %d): %w", tx, ty, err)
				}
				return fn(t)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Mosaic renders src into an in-memory raster with the same layout.
func Mosaic(ctx context.Context, src TiledRaster, workers int) (*MemRaster, error) {
	l := src.Layout()
	out := &MemRaster{layout: l}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("failed to build mosaic: %w", err)
	}
	out.tiles = make([]*Tile, l.TilesAcross()*l.TilesDown())

	err := Render(ctx, src, workers, func(t *Tile) error {
		// Tiles from a source raster may be shared, so keep a copy.
		if _, ok := src.(*PointOp); !ok {
			t = t.Clone()
		}
		return out.SetTile(t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subset returns the raster restricted to r, keeping the tile grid of src.
func Subset(src TiledRaster, r image.Rectangle) (TiledRaster, error) {
	l := src.Layout()
	b := r.Intersect(l.Bounds)
	if b.Empty() {
		return nil, fmt.Errorf("subset %v does not overlap raster bounds %v", r, l.Bounds)
	}
	return &subsetRaster{src: src, bounds: b}, nil
}

type subsetRaster struct {
	src    TiledRaster
	bounds image.Rectangle
}

func (s *subsetRaster) Layout() Layout {
	l := s.src.Layout()
	l.Bounds = s.bounds
	return l
}

func (s *subsetRaster) Tile(tx, ty int) (*Tile, error) {
	if !s.Layout().HasTile(tx, ty) {
		return nil, fmt.Errorf("%w: (%d, %d)", ErrTileOutOfRange, tx, ty)
	}
	return s.src.Tile(tx, ty)
}
