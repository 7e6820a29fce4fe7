package cogops

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrEmptyParameters is returned when an operation has no constants,
	// bounds or table to apply.
	ErrEmptyParameters = errors.New("empty operation parameters")
	// ErrBandMismatch is returned when a per band array, tile or raster does
	// not match the band count of the operation.
	ErrBandMismatch = errors.New("band count mismatch")
	// ErrUnsupportedDataType is returned for sample types with no kernel loops.
	ErrUnsupportedDataType = errors.New("unsupported data type")
)

// Option configures a PointOp.
type Option func(*options)

type options struct {
	roi       ROI
	nodata    []Range
	fill      []float64
	dataType  DataType
	border    Border
	byteTable bool
	logger    *slog.Logger
}

func defaultOptions() options {
	return options{byteTable: true}
}

// WithROI restricts computation to roi. Pixels outside it get the fill value.
func WithROI(roi ROI) Option {
	return func(o *options) {
		o.roi = roi
	}
}

// WithNoData marks source values inside the ranges as NoData. Pass one range
// per band or a single range shared by every band.
func WithNoData(ranges ...Range) Option {
	return func(o *options) {
		o.nodata = ranges
	}
}

// WithFill sets the destination value written for NoData and out-of-ROI
// pixels, one per band or one shared. The default is zero.
func WithFill(values ...float64) Option {
	return func(o *options) {
		o.fill = values
	}
}

// WithDataType sets the destination sample type. The default is the source type.
func WithDataType(dt DataType) Option {
	return func(o *options) {
		o.dataType = dt
	}
}

// WithBorder sets how source pixels outside the raster bounds are read for
// destination edge tiles.
func WithBorder(b Border) Option {
	return func(o *options) {
		o.border = b
	}
}

// WithByteTable enables or disables the 256 entry table used for byte to
// byte operations. It is on by default.
func WithByteTable(on bool) Option {
	return func(o *options) {
		o.byteTable = on
	}
}

// WithLogger overrides the package logger for one operation.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// PointOp applies a Kernel to every pixel of a source raster. It is itself a
// TiledRaster with the source's tile grid, so operations chain. Tiles are
// independent and may be computed from several goroutines at once.
type PointOp struct {
	id     uuid.UUID
	src    TiledRaster
	layout Layout
	kernel Kernel
	kase   opCase
	roi    ROI
	border Border
	nodata []Range   // one per band, nil without NoData
	fill   []float64 // one per band
	log    *slog.Logger

	useTable  bool
	tableOnce sync.Once
	table     [][256]uint8
}

// NewPointOp validates the parameters of k against src and returns the
// operation. All configuration errors surface here.
func NewPointOp(src TiledRaster, k Kernel, opts ...Option) (*PointOp, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	sl := src.Layout()
	if err := sl.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}
	dt := o.dataType
	if dt == 0 {
		dt = sl.Type
	}
	if !dt.Supported() {
		return nil, fmt.Errorf("failed to create operation: %w: destination %v", ErrUnsupportedDataType, dt)
	}
	bound, err := k.Bind(sl.Bands, sl.Type, dt)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}

	p := &PointOp{
		id:     uuid.New(),
		src:    src,
		kernel: bound,
		roi:    o.roi,
		border: o.border,
	}
	p.layout = sl
	p.layout.Type = dt

	switch len(o.nodata) {
	case 0:
	case 1, sl.Bands:
		p.nodata = make([]Range, sl.Bands)
		for b := range p.nodata {
			p.nodata[b] = o.nodata[min(b, len(o.nodata)-1)]
		}
	default:
		return nil, fmt.Errorf("failed to create operation: %w: %d NoData ranges for %d bands", ErrBandMismatch, len(o.nodata), sl.Bands)
	}
	if len(o.fill) == 0 {
		p.fill = make([]float64, sl.Bands)
	} else {
		fill, err := expandBands("fill values", o.fill, sl.Bands)
		if err != nil {
			return nil, fmt.Errorf("failed to create operation: %w", err)
		}
		p.fill = fill
	}

	p.kase = selectCase(p.roi != nil, p.nodata != nil)
	p.useTable = o.byteTable && sl.Type == DTByte && dt == DTByte

	log := o.logger
	if log == nil {
		log = Logger()
	}
	p.log = log.With("op", p.id.String())
	p.log.Info("created point operation",
		"kernel", k,
		"source", sl.Type,
		"destination", dt,
		"bands", sl.Bands,
		"case", p.kase.String(),
		"byte_table", p.useTable,
	)
	return p, nil
}

// ID returns the identifier the operation logs under.
func (p *PointOp) ID() string { return p.id.String() }

// Layout returns the destination layout: the source grid with the
// destination sample type.
func (p *PointOp) Layout() Layout { return p.layout }

// Tile computes tile (tx, ty) into a new tile owned by the caller.
func (p *PointOp) Tile(tx, ty int) (*Tile, error) {
	if !p.layout.HasTile(tx, ty) {
		return nil, fmt.Errorf("%w: (%d, %d)", ErrTileOutOfRange, tx, ty)
	}
	dst := NewTile(p.layout.Type, p.layout.TileRect(tx, ty), p.layout.Bands)
	if err := p.ComputeInto(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ComputeInto computes the pixels of dst.Rect into dst.
func (p *PointOp) ComputeInto(dst *Tile) error {
	if dst.Type != p.layout.Type {
		return fmt.Errorf("%w: destination tile is %v, operation produces %v", ErrUnsupportedDataType, dst.Type, p.layout.Type)
	}
	if dst.Bands != p.layout.Bands {
		return fmt.Errorf("%w: destination tile has %d bands, operation has %d", ErrBandMismatch, dst.Bands, p.layout.Bands)
	}
	if dst.Rect.Empty() {
		return nil
	}

	kase := p.kase
	if p.roi != nil {
		class, err := Classify(dst.Rect, p.roi)
		if err != nil {
			p.log.Debug("ROI classification failed, using mask", "rect", dst.Rect, "err", err)
		}
		if class == Disjoint {
			dst.Fill(p.fill)
			return nil
		}
		kase = kase.forClass(class)
	}

	src, err := ReadRegion(p.src, dst.Rect, p.border)
	if err != nil {
		return fmt.Errorf("failed to read source region %v: %w", dst.Rect, err)
	}

	j := &tileJob{
		src:    src,
		dst:    dst,
		kase:   kase,
		nodata: p.nodata,
		fill:   p.fill,
	}
	var acc RandomAccessor
	if kase.testsROI() {
		j.inROI, acc, err = p.maskTest(dst.Rect)
		if err != nil {
			return err
		}
	}
	if p.useTable {
		j.lut = p.byteTable()
	} else {
		j.fn = p.kernel.Func(p.layout.Type)
	}
	dispatch(j)

	if acc != nil {
		if err := acc.Err(); err != nil {
			return fmt.Errorf("failed to read ROI mask: %w", err)
		}
	}
	return nil
}

// maskTest returns the per pixel ROI test for a partial tile, reading the
// materialized mask through a scan accessor.
func (p *PointOp) maskTest(r image.Rectangle) (func(x, y int) bool, RandomAccessor, error) {
	mask, err := p.roi.Mask()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to materialize ROI mask: %w", err)
	}
	area := r.Intersect(mask.Layout().Bounds)
	if area.Empty() {
		return func(int, int) bool { return false }, nil, nil
	}
	acc, err := NewRandomAccessor(mask, area, AccessScan)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read ROI mask: %w", err)
	}
	inside := func(x, y int) bool {
		return x >= area.Min.X && x < area.Max.X && y >= area.Min.Y && y < area.Max.Y &&
			acc.Sample(x, y, 0) != 0
	}
	return inside, acc, nil
}

// byteTable builds the byte lookup table on first use.
func (p *PointOp) byteTable() [][256]uint8 {
	p.tableOnce.Do(func() {
		p.table = buildByteTable(p.layout.Bands, p.kernel.Func(DTByte), p.nodata, p.fill)
		p.log.Debug("built byte table", "bands", p.layout.Bands)
	})
	return p.table
}
