package cogops

import (
	"bytes"
	"image"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var computeTypes = []DataType{DTByte, DTUShort, DTShort, DTLong, DTFloat, DTDouble}

// constRaster returns a raster of type dt with every sample set to v.
func constRaster(t testing.TB, dt DataType, bounds image.Rectangle, tile, bands int, v float64) *MemRaster {
	t.Helper()
	m, err := NewMemRaster(Layout{
		Bounds: bounds, TileWidth: tile, TileHeight: tile,
		TileGridX: bounds.Min.X, TileGridY: bounds.Min.Y,
		Bands: bands, Type: dt,
	})
	require.NoError(t, err)
	for _, tl := range m.tiles {
		tl.Fill([]float64{v})
	}
	return m
}

func samples(t *Tile) []float64 {
	out := make([]float64, t.Rect.Dx()*t.Rect.Dy()*t.Bands)
	for i := range out {
		out[i] = t.at(i)
	}
	return out
}

func TestByteClamp(t *testing.T) {
	src, err := NewMemRasterFromSlice(image.Rect(0, 0, 4, 1), 4, 1, 1, []uint8{0, 50, 200, 255})
	require.NoError(t, err)

	for _, table := range []bool{true, false} {
		op, err := NewClampOp(src, []float64{10}, []float64{200}, WithByteTable(table))
		require.NoError(t, err)
		tile, err := op.Tile(0, 0)
		require.NoError(t, err)
		assert.Equal(t, []uint8{10, 50, 200, 200}, tileData[uint8](tile), "byte table %v", table)
	}
}

func TestPartialTileROI(t *testing.T) {
	src := constRaster(t, DTByte, image.Rect(0, 0, 4, 4), 4, 1, 3)
	roi := NewRectROI(image.Rect(0, 0, 2, 4))

	for _, dt := range computeTypes {
		t.Run(dt.String(), func(t *testing.T) {
			op, err := NewConstOp(src, Add, []float64{5}, WithROI(roi), WithFill(9), WithDataType(dt))
			require.NoError(t, err)
			tile, err := op.Tile(0, 0)
			require.NoError(t, err)
			assert.Equal(t, dt, tile.Type)
			for y := 0; y < 4; y++ {
				for x := 0; x < 4; x++ {
					want := 9.0
					if x < 2 {
						want = 8
					}
					assert.Equal(t, want, tile.At(x, y, 0), "(%d, %d)", x, y)
				}
			}
		})
	}
}

func TestDisjointTilesAreFilled(t *testing.T) {
	roi := NewRectROI(image.Rect(0, 0, 2, 2))
	for _, srcType := range computeTypes {
		for _, dt := range computeTypes {
			src := constRaster(t, srcType, image.Rect(0, 0, 8, 8), 4, 2, 1)
			op, err := NewConstOp(src, Multiply, []float64{3}, WithROI(roi), WithFill(7, 300), WithDataType(dt))
			require.NoError(t, err)

			tile, err := op.Tile(1, 1)
			require.NoError(t, err)
			for y := 4; y < 8; y++ {
				for x := 4; x < 8; x++ {
					require.Equal(t, 7.0, tile.At(x, y, 0))
					require.Equal(t, Saturate(dt, 300), tile.At(x, y, 1), "%v -> %v", srcType, dt)
				}
			}
		}
	}
}

func TestContainedTilesMatchNoROI(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := make([]float64, 16*16*2)
	for i := range data {
		data[i] = rng.Float64()*40000 - 20000
	}
	src, err := NewMemRasterFromSlice(image.Rect(0, 0, 16, 16), 4, 4, 2, data)
	require.NoError(t, err)
	roi := NewRectROI(image.Rect(0, 0, 16, 16))

	for _, dt := range computeTypes {
		t.Run(dt.String(), func(t *testing.T) {
			plain, err := NewConstOp(src, Multiply, []float64{3.3, -0.5}, WithDataType(dt))
			require.NoError(t, err)
			masked, err := NewConstOp(src, Multiply, []float64{3.3, -0.5}, WithDataType(dt), WithROI(roi), WithFill(1))
			require.NoError(t, err)

			class, err := Classify(src.Layout().TileRect(1, 1), roi)
			require.NoError(t, err)
			require.Equal(t, Contains, class)

			a, err := plain.Tile(1, 1)
			require.NoError(t, err)
			b, err := masked.Tile(1, 1)
			require.NoError(t, err)
			assert.Equal(t, a.Data, b.Data)

			for y := 4; y < 8; y++ {
				for x := 4; x < 8; x++ {
					v0 := src.At(x, y, 0)
					v1 := src.At(x, y, 1)
					require.Equal(t, Saturate(dt, v0*3.3), a.At(x, y, 0))
					require.Equal(t, Saturate(dt, v1*-0.5), a.At(x, y, 1))
				}
			}
		})
	}
}

func TestNoDataIsFilled(t *testing.T) {
	data := make([]uint8, 16)
	for i := range data {
		data[i] = uint8(i)
	}
	src, err := NewMemRasterFromSlice(image.Rect(0, 0, 4, 4), 4, 4, 1, data)
	require.NoError(t, err)
	nodata := Range{Min: 0, Max: 5, MinIncluded: true}

	type variant struct {
		name string
		opts []Option
	}
	variants := []variant{
		{"table", nil},
		{"no table", []Option{WithByteTable(false)}},
		{"float destination", []Option{WithDataType(DTFloat)}},
		{"roi", []Option{WithROI(NewRectROI(image.Rect(0, 0, 4, 2)))}},
		{"roi no table", []Option{WithROI(NewRectROI(image.Rect(0, 0, 4, 2))), WithByteTable(false)}},
		{"contained roi", []Option{WithROI(NewRectROI(image.Rect(-10, -10, 10, 10)))}},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			opts := append([]Option{WithNoData(nodata), WithFill(99)}, v.opts...)
			op, err := NewConstOp(src, Add, []float64{10}, opts...)
			require.NoError(t, err)
			tile, err := op.Tile(0, 0)
			require.NoError(t, err)

			for y := 0; y < 4; y++ {
				for x := 0; x < 4; x++ {
					in := float64(y*4 + x)
					want := in + 10
					if nodata.Contains(in) {
						want = 99
					}
					if v.name == "roi" || v.name == "roi no table" {
						if y >= 2 {
							want = 99
						}
					}
					assert.Equal(t, want, tile.At(x, y, 0), "(%d, %d)", x, y)
				}
			}
		})
	}
}

func TestNoDataPerBand(t *testing.T) {
	src, err := NewMemRasterFromSlice(image.Rect(0, 0, 2, 1), 2, 1, 2, []float32{1, 1, 3, float32(math.NaN())})
	require.NoError(t, err)

	op, err := NewConstOp(src, Add, []float64{1},
		WithNoData(PointRange(1), NaNRange()),
		WithFill(-1, -2))
	require.NoError(t, err)
	tile, err := op.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 2, 4, -2}, tileData[float32](tile))
}

func TestByteTableMatchesLoops(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	data := make([]uint8, 20*13*3)
	rng.Read(data)
	src, err := NewMemRasterFromSlice(image.Rect(0, 0, 20, 13), 8, 8, 3, data)
	require.NoError(t, err)

	table, err := NewTableBuilder().
		Add(ClosedRange(0, 63), 10).
		Add(Range{Min: 100, Max: 150, MinIncluded: true}, 300).
		Build()
	require.NoError(t, err)
	roi, err := NewShapeROI(orb.Polygon{{{1.3, 0.2}, {18.6, 3.1}, {9.4, 12.7}, {1.3, 0.2}}})
	require.NoError(t, err)

	kernels := map[string]func(opts ...Option) (*PointOp, error){
		"divide":       func(opts ...Option) (*PointOp, error) { return NewConstOp(src, Divide, []float64{3}, opts...) },
		"subtractfrom": func(opts ...Option) (*PointOp, error) { return NewConstOp(src, SubtractFrom, []float64{100, 200, 50}, opts...) },
		"divideinto":   func(opts ...Option) (*PointOp, error) { return NewConstOp(src, DivideInto, []float64{255}, opts...) },
		"clamp":        func(opts ...Option) (*PointOp, error) { return NewClampOp(src, []float64{20, 30, 40}, []float64{100, 110, 120}, opts...) },
		"lookup":       func(opts ...Option) (*PointOp, error) { return NewLookupOp(src, table, opts...) },
	}
	for name, build := range kernels {
		t.Run(name, func(t *testing.T) {
			base := []Option{WithROI(roi), WithNoData(ClosedRange(200, 210)), WithFill(5)}
			fast, err := build(base...)
			require.NoError(t, err)
			slow, err := build(append(base, WithByteTable(false))...)
			require.NoError(t, err)

			l := fast.Layout()
			for ty := l.MinTileY(); ty <= l.MaxTileY(); ty++ {
				for tx := l.MinTileX(); tx <= l.MaxTileX(); tx++ {
					a, err := fast.Tile(tx, ty)
					require.NoError(t, err)
					b, err := slow.Tile(tx, ty)
					require.NoError(t, err)
					require.Equal(t, b.Data, a.Data, "tile (%d, %d)", tx, ty)
				}
			}
		})
	}
}

func TestByteTableBuiltOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := make([]uint8, 32*32*2)
	rng.Read(data)
	src, err := NewMemRasterFromSlice(image.Rect(0, 0, 32, 32), 8, 8, 2, data)
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	op, err := NewConstOp(src, SubtractFrom, []float64{250, 40}, WithNoData(ClosedRange(0, 9)), WithFill(7), WithLogger(logger))
	require.NoError(t, err)
	ref, err := NewConstOp(src, SubtractFrom, []float64{250, 40}, WithNoData(ClosedRange(0, 9)), WithFill(7), WithByteTable(false))
	require.NoError(t, err)

	l := op.Layout()
	n := l.TilesAcross() * l.TilesDown()
	tiles := make([]*Tile, n)
	tables := make([]*[256]uint8, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			dst := NewTile(DTByte, l.TileRect(i%l.TilesAcross(), i/l.TilesAcross()), 2)
			assert.NoError(t, op.ComputeInto(dst))
			tiles[i] = dst
			tables[i] = &op.byteTable()[0]
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, strings.Count(logs.String(), "built byte table"))
	for i := range tables {
		assert.Same(t, tables[0], tables[i])
		want, err := ref.Tile(i%l.TilesAcross(), i/l.TilesAcross())
		require.NoError(t, err)
		require.Equal(t, want.Data, tiles[i].Data, "tile %d", i)
	}
}

func TestKernelReuse(t *testing.T) {
	k := &ConstKernel{Op: Add, Constants: []float64{5}}
	three := constRaster(t, DTByte, image.Rect(0, 0, 4, 4), 4, 3, 1)
	one := constRaster(t, DTShort, image.Rect(0, 0, 4, 4), 4, 1, 1)

	op3, err := NewPointOp(three, k)
	require.NoError(t, err)
	op1, err := NewPointOp(one, k)
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, k.Constants, "the caller's kernel is left as given")

	tile, err := op3.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 6, 6}, tile.Pixel(2, 2))
	tile, err = op1.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{6}, tile.Pixel(2, 2))

	clamp := &ClampKernel{Low: []float64{2}, High: []float64{3}}
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			src := three
			if i%2 == 0 {
				src = one
			}
			_, err := NewPointOp(src, clamp)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []float64{2}, clamp.Low)
	assert.Equal(t, []float64{3}, clamp.High)
}

func TestDispatchAllTypes(t *testing.T) {
	for _, srcType := range computeTypes {
		for _, dt := range computeTypes {
			src := constRaster(t, srcType, image.Rect(0, 0, 3, 3), 2, 1, 5)
			op, err := NewConstOp(src, Subtract, []float64{1}, WithDataType(dt), WithNoData(ClosedRange(100, 101)))
			require.NoError(t, err)
			tile, err := op.Tile(1, 1)
			require.NoError(t, err)
			assert.Equal(t, dt, tile.Type)
			assert.Equal(t, image.Rect(2, 2, 4, 4), tile.Rect)
			assert.Equal(t, 4.0, tile.At(2, 2, 0), "%v -> %v", srcType, dt)
		}
	}
}

func TestConstRounding(t *testing.T) {
	src := constRaster(t, DTShort, image.Rect(0, 0, 2, 2), 2, 1, 1)

	op, err := NewConstOp(src, Add, []float64{2.5})
	require.NoError(t, err)
	tile, err := op.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, tile.At(0, 0, 0), "integer destinations round the constant")

	op, err = NewConstOp(src, Add, []float64{2.5}, WithDataType(DTDouble))
	require.NoError(t, err)
	tile, err = op.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3.5, tile.At(0, 0, 0))

	op, err = NewConstOp(src, SubtractFrom, []float64{-0.5})
	require.NoError(t, err)
	tile, err = op.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, -1.0, tile.At(0, 0, 0))

	op, err = NewConstOp(src, Divide, []float64{0}, WithDataType(DTFloat))
	require.NoError(t, err)
	tile, err = op.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(math.MaxFloat32), tile.At(1, 1, 0), "+Inf saturates")
}

func TestLookupOp(t *testing.T) {
	src, err := NewMemRasterFromSlice(image.Rect(0, 0, 4, 1), 4, 1, 1, []float64{-3, 2, 7, math.NaN()})
	require.NoError(t, err)
	table, err := NewTableBuilder().
		Add(Range{Min: math.Inf(-1), Max: 0}, -1).
		Add(ClosedRange(0, 5), 1).
		Default(42).
		Build()
	require.NoError(t, err)

	op, err := NewLookupOp(src, table, WithNoData(NaNRange()), WithFill(-9999))
	require.NoError(t, err)
	tile, err := op.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 1, 42, -9999}, tileData[float64](tile))
}

func TestChainedOps(t *testing.T) {
	src := constRaster(t, DTByte, image.Rect(0, 0, 10, 10), 4, 1, 100)
	first, err := NewConstOp(src, Multiply, []float64{3}, WithDataType(DTUShort))
	require.NoError(t, err)
	second, err := NewClampOp(first, []float64{0}, []float64{250})
	require.NoError(t, err)
	third, err := NewConstOp(second, Subtract, []float64{50}, WithDataType(DTByte))
	require.NoError(t, err)

	tile, err := third.Tile(2, 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(8, 8, 12, 12), tile.Rect)
	assert.Equal(t, 200.0, tile.At(9, 9, 0))
	assert.NotEqual(t, first.ID(), third.ID())
}

func TestBorderOnEdgeTiles(t *testing.T) {
	src, err := NewMemRasterFromSlice(image.Rect(0, 0, 6, 1), 4, 4, 1, []uint8{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	op, err := NewConstOp(src, Add, []float64{1}, WithBorder(BorderConstant(10)))
	require.NoError(t, err)
	tile, err := op.Tile(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 6.0, tile.At(4, 0, 0))
	assert.Equal(t, 11.0, tile.At(7, 0, 0))
	assert.Equal(t, 11.0, tile.At(4, 3, 0))

	op, err = NewConstOp(src, Add, []float64{1}, WithBorder(BorderCopy))
	require.NoError(t, err)
	tile, err = op.Tile(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, tile.At(7, 2, 0))
	assert.Equal(t, 6.0, tile.At(4, 3, 0))
}

func TestROIGeometryFallback(t *testing.T) {
	src := constRaster(t, DTByte, image.Rect(0, 0, 8, 8), 8, 1, 1)
	roi, err := NewShapeROI(orb.MultiPolygon{
		{{{0, 0}, {4, 0}, {4, 8}, {0, 8}, {0, 0}}},
		{{{6, 6}, {7, 7}}},
	})
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	op, err := NewConstOp(src, Add, []float64{1}, WithROI(roi), WithLogger(logger))
	require.NoError(t, err)
	tile, err := op.Tile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, tile.At(3, 5, 0))
	assert.Equal(t, 0.0, tile.At(4, 5, 0))
	assert.Contains(t, logs.String(), "created point operation")
	assert.Contains(t, logs.String(), "ROI classification failed")
	assert.Contains(t, logs.String(), op.ID())
}

func TestImageROIOp(t *testing.T) {
	maskData := make([]uint8, 36)
	for i := range maskData {
		if i%6 < 3 {
			maskData[i] = 1
		}
	}
	mask, err := NewMemRasterFromSlice(image.Rect(0, 0, 6, 6), 3, 3, 1, maskData)
	require.NoError(t, err)
	roi, err := NewImageROI(mask, 1)
	require.NoError(t, err)

	src := constRaster(t, DTUShort, image.Rect(0, 0, 6, 6), 4, 1, 1000)
	op, err := NewConstOp(src, Multiply, []float64{2}, WithROI(roi), WithFill(1))
	require.NoError(t, err)
	out, err := Mosaic(t.Context(), op, 2)
	require.NoError(t, err)
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			want := 1.0
			if x < 3 {
				want = 2000
			}
			require.Equal(t, want, out.At(x, y, 0), "(%d, %d)", x, y)
		}
	}
}

func TestPointOpErrors(t *testing.T) {
	src := constRaster(t, DTByte, image.Rect(0, 0, 4, 4), 4, 3, 0)

	_, err := NewConstOp(src, Add, nil)
	assert.ErrorIs(t, err, ErrEmptyParameters)
	_, err = NewConstOp(src, Add, []float64{1, 2})
	assert.ErrorIs(t, err, ErrBandMismatch)
	_, err = NewConstOp(src, ConstOperator(42), []float64{1})
	assert.Error(t, err)
	_, err = NewClampOp(src, []float64{5}, []float64{4})
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = NewClampOp(src, []float64{math.NaN()}, []float64{4})
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = NewClampOp(src, nil, []float64{4})
	assert.ErrorIs(t, err, ErrEmptyParameters)
	_, err = NewLookupOp(src, nil)
	assert.ErrorIs(t, err, ErrEmptyParameters)
	_, err = NewConstOp(src, Add, []float64{1}, WithDataType(DTULong))
	assert.ErrorIs(t, err, ErrUnsupportedDataType)
	_, err = NewConstOp(src, Add, []float64{1}, WithNoData(PointRange(0), PointRange(1)))
	assert.ErrorIs(t, err, ErrBandMismatch)
	_, err = NewConstOp(src, Add, []float64{1}, WithFill(1, 2))
	assert.ErrorIs(t, err, ErrBandMismatch)
	_, err = NewConstOp(&failingRaster{layout: Layout{Bounds: image.Rect(0, 0, 4, 4), TileWidth: 4, TileHeight: 4, Bands: 1, Type: DTSByte}}, Add, []float64{1})
	assert.ErrorIs(t, err, ErrUnsupportedDataType)

	op, err := NewConstOp(src, Add, []float64{1})
	require.NoError(t, err)
	_, err = op.Tile(1, 0)
	assert.ErrorIs(t, err, ErrTileOutOfRange)
	assert.ErrorIs(t, op.ComputeInto(NewTile(DTShort, image.Rect(0, 0, 4, 4), 3)), ErrUnsupportedDataType)
	assert.ErrorIs(t, op.ComputeInto(NewTile(DTByte, image.Rect(0, 0, 4, 4), 1)), ErrBandMismatch)
	assert.NoError(t, op.ComputeInto(NewTile(DTByte, image.Rectangle{}, 3)))
}

func TestComputeIntoArbitraryRect(t *testing.T) {
	src := gradient(t, image.Rect(0, 0, 16, 16), 4, 4, 1)
	op, err := NewConstOp(src, Add, []float64{0.5})
	require.NoError(t, err)

	dst := NewTile(DTFloat, image.Rect(3, 5, 11, 7), 1)
	require.NoError(t, op.ComputeInto(dst))
	assert.Equal(t, float64(gradientValue(10, 6, 0))+0.5, dst.At(10, 6, 0))
	assert.Equal(t, float64(gradientValue(3, 5, 0))+0.5, dst.At(3, 5, 0))
}

func TestSourceFetchError(t *testing.T) {
	src := &failingRaster{
		layout: Layout{Bounds: image.Rect(0, 0, 8, 8), TileWidth: 4, TileHeight: 4, Bands: 1, Type: DTShort},
		fail:   map[[2]int]bool{{1, 0}: true},
	}
	op, err := NewClampOp(src, []float64{0}, []float64{1})
	require.NoError(t, err)
	_, err = op.Tile(0, 0)
	assert.NoError(t, err)
	_, err = op.Tile(1, 0)
	assert.ErrorIs(t, err, errTileFetch)
}

func TestParseConstOperator(t *testing.T) {
	for _, op := range []ConstOperator{Add, Subtract, Multiply, Divide, SubtractFrom, DivideInto} {
		got, err := ParseConstOperator(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}
	got, err := ParseConstOperator("Subtract-From")
	require.NoError(t, err)
	assert.Equal(t, SubtractFrom, got)
	_, err = ParseConstOperator("modulo")
	assert.Error(t, err)
	assert.Equal(t, "ConstOperator(9)", ConstOperator(9).String())
}
