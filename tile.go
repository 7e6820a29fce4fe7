package cogops

import (
	"errors"
	"fmt"
	"image"
)

// ErrTileOutOfRange is returned when a tile index lies outside a raster's tile grid.
var ErrTileOutOfRange = errors.New("tile index out of range")

// Layout describes the geometry and sample format of a tiled raster.
// Tile (tx, ty) covers the pixels
// [TileGridX+tx*TileWidth, TileGridX+(tx+1)*TileWidth) horizontally, and
// likewise vertically. Edge tiles keep the full tile footprint; samples
// outside Bounds are padding.
type Layout struct {
	Bounds     image.Rectangle
	TileWidth  int
	TileHeight int
	TileGridX  int
	TileGridY  int
	Bands      int
	Type       DataType
}

// Validate checks that the layout describes a computable raster.
func (l Layout) Validate() error {
	if l.Bounds.Empty() {
		return fmt.Errorf("empty raster bounds %v", l.Bounds)
	}
	if l.TileWidth <= 0 || l.TileHeight <= 0 {
		return fmt.Errorf("invalid tile size %dx%d", l.TileWidth, l.TileHeight)
	}
	if l.Bands <= 0 {
		return fmt.Errorf("invalid band count %d", l.Bands)
	}
	if !l.Type.Supported() {
		return fmt.Errorf("%w: %v", ErrUnsupportedDataType, l.Type)
	}
	return nil
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// TileX returns the tile column holding pixel column x.
func (l Layout) TileX(x int) int { return floorDiv(x-l.TileGridX, l.TileWidth) }

// TileY returns the tile row holding pixel row y.
func (l Layout) TileY(y int) int { return floorDiv(y-l.TileGridY, l.TileHeight) }

// MinTileX returns the first tile column intersecting the bounds.
func (l Layout) MinTileX() int { return l.TileX(l.Bounds.Min.X) }

// MinTileY returns the first tile row intersecting the bounds.
func (l Layout) MinTileY() int { return l.TileY(l.Bounds.Min.Y) }

// MaxTileX returns the last tile column intersecting the bounds.
func (l Layout) MaxTileX() int { return l.TileX(l.Bounds.Max.X - 1) }

// MaxTileY returns the last tile row intersecting the bounds.
func (l Layout) MaxTileY() int { return l.TileY(l.Bounds.Max.Y - 1) }

// TilesAcross returns the number of tile columns.
func (l Layout) TilesAcross() int { return l.MaxTileX() - l.MinTileX() + 1 }

// TilesDown returns the number of tile rows.
func (l Layout) TilesDown() int { return l.MaxTileY() - l.MinTileY() + 1 }

// TileRect returns the full footprint of tile (tx, ty).
func (l Layout) TileRect(tx, ty int) image.Rectangle {
	x0 := l.TileGridX + tx*l.TileWidth
	y0 := l.TileGridY + ty*l.TileHeight
	return image.Rect(x0, y0, x0+l.TileWidth, y0+l.TileHeight)
}

// HasTile reports whether (tx, ty) is part of the tile grid.
func (l Layout) HasTile(tx, ty int) bool {
	return tx >= l.MinTileX() && tx <= l.MaxTileX() && ty >= l.MinTileY() && ty <= l.MaxTileY()
}

// TiledRaster is a read-only raster stored as a grid of fixed size tiles.
// Tiles returned by Tile may be shared and must not be modified.
type TiledRaster interface {
	Layout() Layout
	Tile(tx, ty int) (*Tile, error)
}

// Tile is a rectangular block of pixel-interleaved samples:
// index = ((y-Rect.Min.Y)*Rect.Dx() + (x-Rect.Min.X))*Bands + band.
// Data holds a []uint8, []uint16, []int16, []int32, []float32 or []float64
// matching Type.
type Tile struct {
	Rect  image.Rectangle
	Bands int
	Type  DataType
	Data  any
}

// NewTile allocates a zeroed tile. It panics on a type with no sample slice.
func NewTile(dt DataType, rect image.Rectangle, bands int) *Tile {
	n := rect.Dx() * rect.Dy() * bands
	t := &Tile{Rect: rect, Bands: bands, Type: dt}
	switch dt {
	case DTByte:
		t.Data = make([]uint8, n)
	case DTUShort:
		t.Data = make([]uint16, n)
	case DTShort:
		t.Data = make([]int16, n)
	case DTLong:
		t.Data = make([]int32, n)
	case DTFloat:
		t.Data = make([]float32, n)
	case DTDouble:
		t.Data = make([]float64, n)
	default:
		panic(fmt.Sprintf("cogops: no tile storage for %v", dt))
	}
	return t
}

// newTileFrom wraps an existing sample slice.
func newTileFrom[S Sample](rect image.Rectangle, bands int, data []S) *Tile {
	return &Tile{Rect: rect, Bands: bands, Type: dataTypeOf[S](), Data: data}
}

// tileData returns the typed sample slice of t.
func tileData[S Sample](t *Tile) []S {
	return t.Data.([]S)
}

// Index returns the offset of sample (x, y, band) in Data.
func (t *Tile) Index(x, y, band int) int {
	return ((y-t.Rect.Min.Y)*t.Rect.Dx()+(x-t.Rect.Min.X))*t.Bands + band
}

// At returns the sample at (x, y, band), or 0 outside the tile.
func (t *Tile) At(x, y, band int) float64 {
	if !(image.Point{X: x, Y: y}).In(t.Rect) || band < 0 || band >= t.Bands {
		return 0
	}
	return t.at(t.Index(x, y, band))
}

func (t *Tile) at(i int) float64 {
	switch d := t.Data.(type) {
	case []uint8:
		return float64(d[i])
	case []uint16:
		return float64(d[i])
	case []int16:
		return float64(d[i])
	case []int32:
		return float64(d[i])
	case []float32:
		return float64(d[i])
	case []float64:
		return d[i]
	}
	return 0
}

// Set stores v at (x, y, band) with saturating conversion. Coordinates
// outside the tile are ignored.
func (t *Tile) Set(x, y, band int, v float64) {
	if !(image.Point{X: x, Y: y}).In(t.Rect) || band < 0 || band >= t.Bands {
		return
	}
	i := t.Index(x, y, band)
	switch d := t.Data.(type) {
	case []uint8:
		d[i] = ClampByte(v)
	case []uint16:
		d[i] = ClampUShort(v)
	case []int16:
		d[i] = ClampShort(v)
	case []int32:
		d[i] = ClampInt(v)
	case []float32:
		d[i] = ClampFloat(v)
	case []float64:
		d[i] = v
	}
}

// Pixel returns all band values of (x, y).
func (t *Tile) Pixel(x, y int) []float64 {
	out := make([]float64, t.Bands)
	for b := range out {
		out[b] = t.At(x, y, b)
	}
	return out
}

// Fill sets every pixel to values (one per band, or one shared by all bands).
func (t *Tile) Fill(values []float64) {
	switch d := t.Data.(type) {
	case []uint8:
		broadcast(d, t.Bands, values)
	case []uint16:
		broadcast(d, t.Bands, values)
	case []int16:
		broadcast(d, t.Bands, values)
	case []int32:
		broadcast(d, t.Bands, values)
	case []float32:
		broadcast(d, t.Bands, values)
	case []float64:
		broadcast(d, t.Bands, values)
	}
}

// bandValue picks the per-band entry of a parameter array that is either
// per band or shared.
func bandValue(values []float64, band int) float64 {
	if len(values) == 0 {
		return 0
	}
	if band < len(values) {
		return values[band]
	}
	return values[0]
}

// broadcast saturates one value per band to D and repeats the pixel over dst.
func broadcast[D Sample](dst []D, bands int, values []float64) {
	if len(dst) == 0 {
		return
	}
	sat := saturator[D]()
	for b := 0; b < bands && b < len(dst); b++ {
		dst[b] = sat(bandValue(values, b))
	}
	// Double the filled prefix until the slice is covered.
	for n := bands; n < len(dst); n *= 2 {
		copy(dst[n:], dst[:n])
	}
}

// MemRaster is an in-memory TiledRaster. Distinct tiles may be written
// concurrently with SetTile.
type MemRaster struct {
	layout Layout
	tiles  []*Tile
}

// NewMemRaster allocates every tile of the layout.
func NewMemRaster(layout Layout) (*MemRaster, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create raster: %w", err)
	}
	m := &MemRaster{
		layout: layout,
		tiles:  make([]*Tile, layout.TilesAcross()*layout.TilesDown()),
	}
	for ty := layout.MinTileY(); ty <= layout.MaxTileY(); ty++ {
		for tx := layout.MinTileX(); tx <= layout.MaxTileX(); tx++ {
			m.tiles[m.slot(tx, ty)] = NewTile(layout.Type, layout.TileRect(tx, ty), layout.Bands)
		}
	}
	return m, nil
}

// NewMemRasterFromSlice builds a raster over bounds from a full
// pixel-interleaved sample slice.
func NewMemRasterFromSlice[S Sample](bounds image.Rectangle, tileWidth, tileHeight, bands int, data []S) (*MemRaster, error) {
	if len(data) != bounds.Dx()*bounds.Dy()*bands {
		return nil, fmt.Errorf("%w: %d samples for %dx%dx%d raster", ErrBandMismatch, len(data), bounds.Dx(), bounds.Dy(), bands)
	}
	m, err := NewMemRaster(Layout{
		Bounds:     bounds,
		TileWidth:  tileWidth,
		TileHeight: tileHeight,
		TileGridX:  bounds.Min.X,
		TileGridY:  bounds.Min.Y,
		Bands:      bands,
		Type:       dataTypeOf[S](),
	})
	if err != nil {
		return nil, err
	}
	src := newTileFrom(bounds, bands, data)
	for _, t := range m.tiles {
		copyRegion(t, src, t.Rect.Intersect(bounds))
	}
	return m, nil
}

func (m *MemRaster) slot(tx, ty int) int {
	return (ty-m.layout.MinTileY())*m.layout.TilesAcross() + (tx - m.layout.MinTileX())
}

// Layout returns the raster layout.
func (m *MemRaster) Layout() Layout { return m.layout }

// Tile returns tile (tx, ty).
func (m *MemRaster) Tile(tx, ty int) (*Tile, error) {
	if !m.layout.HasTile(tx, ty) {
		return nil, fmt.Errorf("%w: (%d, %d)", ErrTileOutOfRange, tx, ty)
	}
	return m.tiles[m.slot(tx, ty)], nil
}

// SetTile replaces the tile whose footprint matches t.Rect.
func (m *MemRaster) SetTile(t *Tile) error {
	tx, ty := m.layout.TileX(t.Rect.Min.X), m.layout.TileY(t.Rect.Min.Y)
	if !m.layout.HasTile(tx, ty) || t.Rect != m.layout.TileRect(tx, ty) {
		return fmt.Errorf("%w: tile rect %v does not match the grid", ErrTileOutOfRange, t.Rect)
	}
	if t.Type != m.layout.Type || t.Bands != m.layout.Bands {
		return fmt.Errorf("%w: tile is %v x%d, raster is %v x%d", ErrBandMismatch, t.Type, t.Bands, m.layout.Type, m.layout.Bands)
	}
	m.tiles[m.slot(tx, ty)] = t
	return nil
}

// At returns the sample at (x, y, band), or 0 outside the bounds.
func (m *MemRaster) At(x, y, band int) float64 {
	if !(image.Point{X: x, Y: y}).In(m.layout.Bounds) {
		return 0
	}
	t := m.tiles[m.slot(m.layout.TileX(x), m.layout.TileY(y))]
	return t.At(x, y, band)
}

// Set stores a sample with saturating conversion.
func (m *MemRaster) Set(x, y, band int, v float64) {
	if !(image.Point{X: x, Y: y}).In(m.layout.Bounds) {
		return
	}
	t := m.tiles[m.slot(m.layout.TileX(x), m.layout.TileY(y))]
	t.Set(x, y, band, v)
}

// BorderKind selects how ReadRegion fills pixels outside the raster bounds.
type BorderKind uint8

const (
	BorderKindZero BorderKind = iota
	BorderKindConstant
	BorderKindCopy
)

// Border describes the extension applied outside a raster's bounds.
type Border struct {
	Kind  BorderKind
	Value float64
}

var (
	// BorderZero fills outside pixels with zero.
	BorderZero = Border{Kind: BorderKindZero}
	// BorderCopy replicates the nearest edge pixel.
	BorderCopy = Border{Kind: BorderKindCopy}
)

// BorderConstant fills outside pixels with v.
func BorderConstant(v float64) Border {
	return Border{Kind: BorderKindConstant, Value: v}
}

// ReadRegion returns the samples of src over r as one contiguous tile.
// When r is exactly one source tile footprint inside the bounds, that tile
// is returned as is and must not be modified. Pixels of r outside the
// raster bounds are produced by border.
func ReadRegion(src TiledRaster, r image.Rectangle, border Border) (*Tile, error) {
	l := src.Layout()
	if r.Empty() {
		return nil, fmt.Errorf("empty region %v", r)
	}

	tx, ty := l.TileX(r.Min.X), l.TileY(r.Min.Y)
	if r.In(l.Bounds) && l.TileRect(tx, ty) == r {
		t, err := src.Tile(tx, ty)
		if err != nil {
			return nil, fmt.Errorf("failed to read tile (%d, %d): %w", tx, ty, err)
		}
		return t, nil
	}

	out := NewTile(l.Type, r, l.Bands)
	inside := r.Intersect(l.Bounds)
	if !inside.Empty() {
		for ty := l.TileY(inside.Min.Y); ty <= l.TileY(inside.Max.Y-1); ty++ {
			for tx := l.TileX(inside.Min.X); tx <= l.TileX(inside.Max.X-1); tx++ {
				t, err := src.Tile(tx, ty)
				if err != nil {
					return nil, fmt.Errorf("failed to read tile (%d, %d): %w", tx, ty, err)
				}
				copyRegion(out, t, inside.Intersect(t.Rect))
			}
		}
	}
	if inside == r {
		return out, nil
	}

	switch border.Kind {
	case BorderKindConstant:
		fillOutside(out, inside, border.Value)
	case BorderKindCopy:
		// Clamp r onto the bounds and replicate from that region.
		edge := image.Rect(
			clampInt(r.Min.X, l.Bounds.Min.X, l.Bounds.Max.X-1),
			clampInt(r.Min.Y, l.Bounds.Min.Y, l.Bounds.Max.Y-1),
			clampInt(r.Max.X-1, l.Bounds.Min.X, l.Bounds.Max.X-1)+1,
			clampInt(r.Max.Y-1, l.Bounds.Min.Y, l.Bounds.Max.Y-1)+1,
		)
		near, err := ReadRegion(src, edge, BorderZero)
		if err != nil {
			return nil, err
		}
		replicateEdges(out, near, inside)
	}
	return out, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// copyRegion copies the samples of r from src into dst. Both tiles must
// have the same type and band count and contain r.
func copyRegion(dst, src *Tile, r image.Rectangle) {
	if r.Empty() {
		return
	}
	switch d := dst.Data.(type) {
	case []uint8:
		copyRows(d, dst, tileData[uint8](src), src, r)
	case []uint16:
		copyRows(d, dst, tileData[uint16](src), src, r)
	case []int16:
		copyRows(d, dst, tileData[int16](src), src, r)
	case []int32:
		copyRows(d, dst, tileData[int32](src), src, r)
	case []float32:
		copyRows(d, dst, tileData[float32](src), src, r)
	case []float64:
		copyRows(d, dst, tileData[float64](src), src, r)
	}
}

func copyRows[S Sample](dst []S, dt *Tile, src []S, st *Tile, r image.Rectangle) {
	n := r.Dx() * dt.Bands
	for y := r.Min.Y; y < r.Max.Y; y++ {
		di := dt.Index(r.Min.X, y, 0)
		si := st.Index(r.Min.X, y, 0)
		copy(dst[di:di+n], src[si:si+n])
	}
}

// fillOutside sets every sample of t outside inside to v.
func fillOutside(t *Tile, inside image.Rectangle, v float64) {
	px := NewTile(t.Type, image.Rect(0, 0, 1, 1), t.Bands)
	px.Fill([]float64{v})
	for y := t.Rect.Min.Y; y < t.Rect.Max.Y; y++ {
		for x := t.Rect.Min.X; x < t.Rect.Max.X; x++ {
			if (image.Point{X: x, Y: y}).In(inside) {
				continue
			}
			copyRegion(t, shiftTile(px, x, y), image.Rect(x, y, x+1, y+1))
		}
	}
}

// replicateEdges fills the samples of t outside inside from the nearest
// pixel of near.
func replicateEdges(t, near *Tile, inside image.Rectangle) {
	nr := near.Rect
	for y := t.Rect.Min.Y; y < t.Rect.Max.Y; y++ {
		sy := clampInt(y, nr.Min.Y, nr.Max.Y-1)
		for x := t.Rect.Min.X; x < t.Rect.Max.X; x++ {
			if (image.Point{X: x, Y: y}).In(inside) {
				continue
			}
			sx := clampInt(x, nr.Min.X, nr.Max.X-1)
			for b := 0; b < t.Bands; b++ {
				t.Set(x, y, b, near.At(sx, sy, b))
			}
		}
	}
}

// shiftTile returns a view of a one pixel tile moved to (x, y).
func shiftTile(px *Tile, x, y int) *Tile {
	return &Tile{Rect: image.Rect(x, y, x+1, y+1), Bands: px.Bands, Type: px.Type, Data: px.Data}
}

// Clone returns a deep copy of t.
func (t *Tile) Clone() *Tile {
	c := &Tile{Rect: t.Rect, Bands: t.Bands, Type: t.Type}
	switch d := t.Data.(type) {
	case []uint8:
		c.Data = append([]uint8(nil), d...)
	case []uint16:
		c.Data = append([]uint16(nil), d...)
	case []int16:
		c.Data = append([]int16(nil), d...)
	case []int32:
		c.Data = append([]int32(nil), d...)
	case []float32:
		c.Data = append([]float32(nil), d...)
	case []float64:
		c.Data = append([]float64(nil), d...)
	}
	return c
}
