package cogops

import (
	"fmt"
	"image"
	"math"
	"sort"
)

// AccessPattern tells NewRandomAccessor how the accessor will be read so it
// can pick an implementation once, at construction.
type AccessPattern uint8

const (
	// AccessScan is scanline-ordered access with strong locality. The
	// accessor precomputes per-axis tile indices and caches the current tile.
	AccessScan AccessPattern = iota
	// AccessDirect precomputes per-axis tile indices but fetches the tile on
	// every read. Use it when Tile is a cheap lookup, such as a MemRaster.
	AccessDirect
	// AccessOneShot recomputes tile membership and fetches the tile on every
	// read. Use it for a handful of reads with no locality.
	AccessOneShot
)

// maxAxisEntries bounds the combined length of the per-axis index tables.
// Wider rectangles fall back to binary search over tile boundaries.
const maxAxisEntries = 1 << 26

// RandomAccessor reads samples at arbitrary coordinates of a tiled raster
// inside a fixed bounding rectangle. Reads outside that rectangle panic.
// An accessor is not safe for concurrent use; create one per goroutine.
type RandomAccessor interface {
	Bounds() image.Rectangle
	Sample(x, y, band int) float64
	// Samples returns every band of (x, y), reusing out when it is large enough.
	Samples(x, y int, out []float64) []float64
	// Err returns the first error met while fetching a tile. Reads after a
	// failed fetch return zero.
	Err() error
}

type accessorKind uint8

const (
	kindCached accessorKind = iota
	kindDirect
	kindSearch
	kindFallback
)

func (k accessorKind) String() string {
	switch k {
	case kindCached:
		return "cached"
	case kindDirect:
		return "direct"
	case kindSearch:
		return "search"
	default:
		return "fallback"
	}
}

// chooseAccessor picks the accessor implementation and, for the indexed
// kinds, the index width in bits (8, 16 or 32) from the number of tiles the
// rectangle spans along each axis.
func chooseAccessor(tilesX, tilesY, width, height int, pattern AccessPattern) (accessorKind, int) {
	if pattern == AccessOneShot {
		return kindFallback, 0
	}
	span := max(tilesX, tilesY) - 1
	bits := 0
	switch {
	case span <= math.MaxInt8:
		bits = 8
	case span <= math.MaxInt16:
		bits = 16
	case span <= math.MaxInt32:
		bits = 32
	}
	if bits == 0 || width+height > maxAxisEntries {
		return kindSearch, 0
	}
	if pattern == AccessDirect {
		return kindDirect, bits
	}
	return kindCached, bits
}

// NewRandomAccessor returns an accessor over src restricted to bounds, which
// must lie inside the raster bounds.
func NewRandomAccessor(src TiledRaster, bounds image.Rectangle, pattern AccessPattern) (RandomAccessor, error) {
	l := src.Layout()
	if bounds.Empty() || !bounds.In(l.Bounds) {
		return nil, fmt.Errorf("accessor bounds %v not inside raster bounds %v", bounds, l.Bounds)
	}
	switch l.Type {
	case DTByte:
		return newAccessorOf[uint8](src, bounds, pattern), nil
	case DTUShort:
		return newAccessorOf[uint16](src, bounds, pattern), nil
	case DTShort:
		return newAccessorOf[int16](src, bounds, pattern), nil
	case DTLong:
		return newAccessorOf[int32](src, bounds, pattern), nil
	case DTFloat:
		return newAccessorOf[float32](src, bounds, pattern), nil
	case DTDouble:
		return newAccessorOf[float64](src, bounds, pattern), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedDataType, l.Type)
}

func newAccessorOf[S Sample](src TiledRaster, bounds image.Rectangle, pattern AccessPattern) RandomAccessor {
	l := src.Layout()
	tilesX := l.TileX(bounds.Max.X-1) - l.TileX(bounds.Min.X) + 1
	tilesY := l.TileY(bounds.Max.Y-1) - l.TileY(bounds.Min.Y) + 1
	kind, bits := chooseAccessor(tilesX, tilesY, bounds.Dx(), bounds.Dy(), pattern)

	base := tileCursor[S]{src: src, bounds: bounds, bands: l.Bands}
	switch kind {
	case kindFallback:
		return &fallbackAccessor[S]{tileCursor: base, layout: l}
	case kindSearch:
		return newSearchAccessor(base, l)
	}
	switch bits {
	case 8:
		return newIndexedAccessor[int8](base, l, kind == kindCached)
	case 16:
		return newIndexedAccessor[int16](base, l, kind == kindCached)
	default:
		return newIndexedAccessor[int32](base, l, kind == kindCached)
	}
}

// tileCursor holds the tile an accessor is currently reading from.
type tileCursor[S Sample] struct {
	src    TiledRaster
	bounds image.Rectangle
	bands  int

	tx, ty int
	rect   image.Rectangle
	data   []S
	loaded bool
	err    error
}

func (c *tileCursor[S]) Bounds() image.Rectangle { return c.bounds }

func (c *tileCursor[S]) Err() error { return c.err }

// check panics on a read outside the accessor bounds.
func (c *tileCursor[S]) check(x, y int) {
	if x < c.bounds.Min.X || x >= c.bounds.Max.X || y < c.bounds.Min.Y || y >= c.bounds.Max.Y {
		panic(fmt.Sprintf("cogops: accessor read (%d, %d) outside %v", x, y, c.bounds))
	}
}

// load makes (tx, ty) the current tile.
func (c *tileCursor[S]) load(tx, ty int) bool {
	if c.loaded && c.tx == tx && c.ty == ty {
		return true
	}
	t, err := c.src.Tile(tx, ty)
	if err != nil {
		if c.err == nil {
			c.err = fmt.Errorf("failed to fetch tile (%d, %d): %w", tx, ty, err)
		}
		c.loaded = false
		return false
	}
	c.tx, c.ty = tx, ty
	c.rect = t.Rect
	c.data = tileData[S](t)
	c.loaded = true
	return true
}

// offset returns the index of band 0 of (x, y) in the current tile.
func (c *tileCursor[S]) offset(x, y int) int {
	return ((y-c.rect.Min.Y)*c.rect.Dx() + (x - c.rect.Min.X)) * c.bands
}

func (c *tileCursor[S]) inTile(x, y int) bool {
	return c.loaded && x >= c.rect.Min.X && x < c.rect.Max.X && y >= c.rect.Min.Y && y < c.rect.Max.Y
}

func (c *tileCursor[S]) samples(i int, out []float64) []float64 {
	if len(out) < c.bands {
		out = make([]float64, c.bands)
	}
	out = out[:c.bands]
	if i < 0 {
		clear(out)
		return out
	}
	for b := range out {
		out[b] = float64(c.data[i+b])
	}
	return out
}

// tileIndex is the storage type of the per-axis tile index tables.
type tileIndex interface {
	int8 | int16 | int32
}

// axisTable maps every coordinate of one axis of the accessor bounds to a
// tile index, stored relative to the first tile the axis spans.
type axisTable[T tileIndex] struct {
	origin int
	base   int
	idx    []T
}

func newAxisTable[T tileIndex](lo, hi int, tileOf func(int) int) axisTable[T] {
	a := axisTable[T]{origin: lo, base: tileOf(lo), idx: make([]T, hi-lo)}
	for c := lo; c < hi; c++ {
		a.idx[c-lo] = T(tileOf(c) - a.base)
	}
	return a
}

func (a *axisTable[T]) tile(c int) int {
	return a.base + int(a.idx[c-a.origin])
}

// indexedAccessor resolves tiles through precomputed per-axis tables. With
// caching on it only fetches when a read leaves the current tile.
type indexedAccessor[T tileIndex, S Sample] struct {
	tileCursor[S]
	xs, ys axisTable[T]
	cached bool
}

func newIndexedAccessor[T tileIndex, S Sample](base tileCursor[S], l Layout, cached bool) *indexedAccessor[T, S] {
	return &indexedAccessor[T, S]{
		tileCursor: base,
		xs:         newAxisTable[T](base.bounds.Min.X, base.bounds.Max.X, l.TileX),
		ys:         newAxisTable[T](base.bounds.Min.Y, base.bounds.Max.Y, l.TileY),
		cached:     cached,
	}
}

func (a *indexedAccessor[T, S]) locate(x, y int) int {
	a.check(x, y)
	if a.cached && a.inTile(x, y) {
		return a.offset(x, y)
	}
	if !a.cached {
		a.loaded = false
	}
	if !a.load(a.xs.tile(x), a.ys.tile(y)) {
		return -1
	}
	return a.offset(x, y)
}

func (a *indexedAccessor[T, S]) Sample(x, y, band int) float64 {
	i := a.locate(x, y)
	if i < 0 {
		return 0
	}
	return float64(a.data[i+band])
}

func (a *indexedAccessor[T, S]) Samples(x, y int, out []float64) []float64 {
	return a.samples(a.locate(x, y), out)
}

// searchAccessor finds tiles by binary search over the tile boundaries the
// bounds cross. Memory is per tile, not per pixel.
type searchAccessor[S Sample] struct {
	tileCursor[S]
	xStarts, yStarts []int
	tx0, ty0         int
}

func newSearchAccessor[S Sample](base tileCursor[S], l Layout) *searchAccessor[S] {
	a := &searchAccessor[S]{
		tileCursor: base,
		tx0:        l.TileX(base.bounds.Min.X),
		ty0:        l.TileY(base.bounds.Min.Y),
	}
	for tx := a.tx0; tx <= l.TileX(base.bounds.Max.X-1); tx++ {
		a.xStarts = append(a.xStarts, l.TileGridX+tx*l.TileWidth)
	}
	for ty := a.ty0; ty <= l.TileY(base.bounds.Max.Y-1); ty++ {
		a.yStarts = append(a.yStarts, l.TileGridY+ty*l.TileHeight)
	}
	return a
}

// position returns the index of the last start <= c.
func position(starts []int, c int) int {
	return sort.Search(len(starts), func(i int) bool { return starts[i] > c }) - 1
}

func (a *searchAccessor[S]) locate(x, y int) int {
	a.check(x, y)
	if a.inTile(x, y) {
		return a.offset(x, y)
	}
	if !a.load(a.tx0+position(a.xStarts, x), a.ty0+position(a.yStarts, y)) {
		return -1
	}
	return a.offset(x, y)
}

func (a *searchAccessor[S]) Sample(x, y, band int) float64 {
	i := a.locate(x, y)
	if i < 0 {
		return 0
	}
	return float64(a.data[i+band])
}

func (a *searchAccessor[S]) Samples(x, y int, out []float64) []float64 {
	return a.samples(a.locate(x, y), out)
}

// fallbackAccessor keeps no tables and no tile between reads.
type fallbackAccessor[S Sample] struct {
	tileCursor[S]
	layout Layout
}

func (a *fallbackAccessor[S]) locate(x, y int) int {
	a.check(x, y)
	a.loaded = false
	if !a.load(a.layout.TileX(x), a.layout.TileY(y)) {
		return -1
	}
	return a.offset(x, y)
}

func (a *fallbackAccessor[S]) Sample(x, y, band int) float64 {
	i := a.locate(x, y)
	if i < 0 {
		return 0
	}
	return float64(a.data[i+band])
}

func (a *fallbackAccessor[S]) Samples(x, y int, out []float64) []float64 {
	return a.samples(a.locate(x, y), out)
}
