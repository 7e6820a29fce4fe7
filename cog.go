package cogops

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/valyala/fasthttp"
	"golang.org/x/image/tiff/lzw"
	"golang.org/x/sync/singleflight"
)

// Predictors (tag 317)
const (
	PredictorNone          = 1
	PredictorHorizontal    = 2
	PredictorFloatingPoint = 3
)

// subfileMask marks a transparency mask IFD in NewSubfileType.
const subfileMask = 4

// OpenOptions configures how a COG is read.
type OpenOptions struct {
	// Client is used for http(s) sources. nil uses a client with 30s timeouts.
	Client *fasthttp.Client
	// ReadAhead is the HTTP read-ahead window in bytes. 0 uses 64KB.
	ReadAhead int
	// CacheSize is the number of decoded tiles kept in memory. 0 uses 256.
	CacheSize int64
	// CacheTTL is how long a decoded tile stays cached. 0 uses 10 minutes.
	CacheTTL time.Duration
}

func (o *OpenOptions) withDefaults() OpenOptions {
	var out OpenOptions
	if o != nil {
		out = *o
	}
	if out.ReadAhead == 0 {
		out.ReadAhead = defaultReadAheadSize
	}
	if out.CacheSize <= 0 {
		out.CacheSize = 256
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 10 * time.Minute
	}
	return out
}

// COG represents a Cloud Optimized GeoTIFF: a full resolution image and its
// overviews, each exposed as a TiledRaster through Raster.
type COG struct {
	src    io.ReaderAt
	closer io.Closer
	tr     *TIFFReader
	images []*cogImage

	cache    *ccache.Cache[*Tile]
	ttl      time.Duration
	inflight singleflight.Group
	zstd     *zstd.Decoder
}

// cogImage is one image IFD: the full resolution image or an overview.
type cogImage struct {
	ifdIndex    int
	ifd         *IFD
	meta        *GeoTIFFMetadata
	tiled       bool
	tileW       int
	tileH       int
	across      int
	down        int
	compression uint64
	predictor   uint64
	jpegTables  []byte
}

// Read reads the structure of a COG from r.
func Read(r io.ReaderAt, opts *OpenOptions) (*COG, error) {
	o := opts.withDefaults()
	tr, err := NewTIFFReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create TIFF reader: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	c := &COG{
		src:   r,
		tr:    tr,
		cache: ccache.New(ccache.Configure[*Tile]().MaxSize(o.CacheSize).ItemsToPrune(uint32(max(o.CacheSize/10, 1)))),
		ttl:   o.CacheTTL,
		zstd:  dec,
	}

	for i := 0; i < tr.IFDCount(); i++ {
		ifd := tr.GetIFD(i)
		if ifd.Uint(TagNewSubfileType, 0)&subfileMask != 0 {
			continue
		}
		img, err := c.readImage(i, ifd)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to read metadata for IFD %d: %w", i, err)
		}
		c.images = append(c.images, img)
	}
	if len(c.images) == 0 {
		c.Close()
		return nil, fmt.Errorf("no image data available")
	}
	return c, nil
}

// readImage decodes the layout of one IFD. Overviews inherit the
// georeferencing and NoData of the full resolution image.
func (c *COG) readImage(index int, ifd *IFD) (*cogImage, error) {
	meta, err := readGeoTIFFMetadata(ifd)
	if err != nil {
		return nil, err
	}
	img := &cogImage{
		ifdIndex:    index,
		ifd:         ifd,
		meta:        meta,
		compression: ifd.Uint(TagCompression, CompressionNone),
		predictor:   ifd.Uint(TagPredictor, PredictorNone),
		jpegTables:  ifd.Bytes(TagJPEGTables),
	}
	if pc := ifd.Uint(TagPlanarConfiguration, 1); pc != 1 {
		return nil, fmt.Errorf("planar configuration %d is not supported", pc)
	}

	switch {
	case ifd.Has(TagTileOffsets):
		img.tiled = true
		img.tileW = int(ifd.Uint(TagTileWidth, 0))
		img.tileH = int(ifd.Uint(TagTileLength, 0))
	case ifd.Has(TagStripOffsets):
		// Strips are full width tiles.
		img.tileW = meta.Width
		img.tileH = int(min(ifd.Uint(TagRowsPerStrip, uint64(meta.Height)), uint64(meta.Height)))
	default:
		return nil, fmt.Errorf("image is neither tiled nor stripped")
	}
	if img.tileW <= 0 || img.tileH <= 0 {
		return nil, fmt.Errorf("invalid tile size %dx%d", img.tileW, img.tileH)
	}
	img.across = (meta.Width + img.tileW - 1) / img.tileW
	img.down = (meta.Height + img.tileH - 1) / img.tileH

	if len(c.images) > 0 {
		base := c.images[0].meta
		if meta.Transform.IsZero() && !base.Transform.IsZero() {
			meta.Transform = base.Transform.Scale(
				float64(base.Width)/float64(meta.Width),
				float64(base.Height)/float64(meta.Height),
			)
		}
		if meta.CRS == "" {
			meta.CRS = base.CRS
		}
		if !meta.HasNoData {
			meta.NoData, meta.HasNoData = base.NoData, base.HasNoData
		}
	}
	return img, nil
}

// ReadFromURL reads a COG from a URL using HTTP range requests.
func ReadFromURL(url string, opts *OpenOptions) (*COG, error) {
	o := opts.withDefaults()
	client := o.Client
	if client == nil {
		client = &fasthttp.Client{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
	}
	rr, err := NewHTTPRangeReaderWithReadAhead(url, client, o.ReadAhead)
	if err != nil {
		return nil, err
	}
	return Read(rr, &o)
}

// Open opens a COG from a file path or an http(s) URL and reads its
// metadata. Pixel data is read tile by tile on demand.
func Open(pathOrURL string, opts *OpenOptions) (*COG, error) {
	var (
		c   *COG
		err error
	)
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		c, err = ReadFromURL(pathOrURL, opts)
	} else {
		var file *os.File
		file, err = os.Open(pathOrURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}
		c, err = Read(file, opts)
		if err != nil {
			file.Close()
		} else {
			c.closer = file
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open COG %s: %w", pathOrURL, err)
	}
	Logger().Info("opened COG",
		"source", pathOrURL,
		"width", c.Width(),
		"height", c.Height(),
		"bands", c.BandCount(),
		"type", c.DataType(),
		"overviews", c.OverviewCount(),
		"bigtiff", c.tr.BigTIFF(),
	)
	return c, nil
}

// Close releases the decoder, the tile cache and any file opened by Open.
func (c *COG) Close() error {
	c.cache.Stop()
	c.zstd.Close()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Bounds returns the model space bounding box of the main image.
func (c *COG) Bounds() orb.Bound { return c.images[0].meta.Bounds() }

// CRS returns the coordinate reference system as "EPSG:<code>", or "".
func (c *COG) CRS() string { return c.images[0].meta.CRS }

// Width returns the width of the main image in pixels
func (c *COG) Width() int { return c.images[0].meta.Width }

// Height returns the height of the main image in pixels
func (c *COG) Height() int { return c.images[0].meta.Height }

// BandCount returns the number of bands
func (c *COG) BandCount() int { return c.images[0].meta.BandCount }

// DataType returns the sample type as stored in the file.
func (c *COG) DataType() DataType { return c.images[0].meta.DataType }

// GeoTransform returns the pixel to model transform of the main image.
func (c *COG) GeoTransform() GeoTransform { return c.images[0].meta.Transform }

// NoData returns the GDAL NoData value, if the file declares one.
func (c *COG) NoData() (float64, bool) {
	m := c.images[0].meta
	return m.NoData, m.HasNoData
}

// OverviewCount returns the number of overview levels
func (c *COG) OverviewCount() int { return len(c.images) - 1 }

// GetOverview returns metadata for an image level (0 = full resolution).
func (c *COG) GetOverview(level int) *GeoTIFFMetadata {
	if level < 0 || level >= len(c.images) {
		return nil
	}
	return c.images[level].meta
}

// Compression returns the compression scheme of the main image.
func (c *COG) Compression() int { return int(c.images[0].compression) }

// promotedType returns the type tiles of dt are decoded into. Signed bytes
// widen to int16 and 32-bit unsigned samples to float64.
func promotedType(dt DataType) DataType {
	switch dt {
	case DTSByte:
		return DTShort
	case DTULong:
		return DTDouble
	}
	return dt
}

// Raster returns image level (0 = full resolution, 1.. = overviews) as a
// TiledRaster on the file's own tile grid.
func (c *COG) Raster(level int) (*COGRaster, error) {
	if level < 0 || level >= len(c.images) {
		return nil, fmt.Errorf("overview %d out of range [0, %d]", level, c.OverviewCount())
	}
	img := c.images[level]
	return &COGRaster{
		cog:   c,
		level: level,
		img:   img,
		layout: Layout{
			Bounds:     image.Rect(0, 0, img.meta.Width, img.meta.Height),
			TileWidth:  img.tileW,
			TileHeight: img.tileH,
			Bands:      img.meta.BandCount,
			Type:       promotedType(img.meta.DataType),
		},
	}, nil
}

// ReadWindow reads the pixels of rect from an image level into one tile.
// Pixels outside the image are zero.
func (c *COG) ReadWindow(rect image.Rectangle, level int) (*Tile, error) {
	r, err := c.Raster(level)
	if err != nil {
		return nil, err
	}
	t, err := ReadRegion(r, rect, BorderZero)
	if err != nil {
		return nil, fmt.Errorf("failed to read window %v: %w", rect, err)
	}
	return t, nil
}

// COGRaster is one image level of a COG. Tiles are decoded once and shared
// through the COG's tile cache; they must not be modified.
type COGRaster struct {
	cog    *COG
	level  int
	img    *cogImage
	layout Layout
}

// Layout returns the tile grid of the image level.
func (r *COGRaster) Layout() Layout { return r.layout }

// Level returns the image level, 0 for full resolution.
func (r *COGRaster) Level() int { return r.level }

// GeoTransform returns the pixel to model transform of this level.
func (r *COGRaster) GeoTransform() GeoTransform { return r.img.meta.Transform }

// CRS returns the coordinate reference system.
func (r *COGRaster) CRS() string { return r.img.meta.CRS }

// NoData returns the GDAL NoData value, if the file declares one.
func (r *COGRaster) NoData() (float64, bool) { return r.img.meta.NoData, r.img.meta.HasNoData }

// Tile returns tile (tx, ty), decoding it on a cache miss. Concurrent
// requests for the same tile share one decode.
func (r *COGRaster) Tile(tx, ty int) (*Tile, error) {
	if !r.layout.HasTile(tx, ty) {
		return nil, fmt.Errorf("%w: (%d, %d)", ErrTileOutOfRange, tx, ty)
	}
	key := fmt.Sprintf("%d/%d/%d", r.level, tx, ty)
	if item := r.cog.cache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := r.cog.inflight.Do(key, func() (any, error) {
		// Another caller may have finished decoding since the lookup above.
		if item := r.cog.cache.Get(key); item != nil && !item.Expired() {
			return item.Value(), nil
		}
		t, err := r.decodeTile(tx, ty)
		if err != nil {
			return nil, err
		}
		r.cog.cache.Set(key, t, r.cog.ttl)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tile (%d, %d) of level %d: %w", tx, ty, r.level, err)
	}
	return v.(*Tile), nil
}

// decodeTile reads, decompresses and decodes one tile or strip.
func (r *COGRaster) decodeTile(tx, ty int) (*Tile, error) {
	img := r.img
	offsetsTag, countsTag := uint16(TagTileOffsets), uint16(TagTileByteCounts)
	if !img.tiled {
		offsetsTag, countsTag = TagStripOffsets, TagStripByteCounts
	}
	offsets, err := r.cog.tr.LoadTag(img.ifd, offsetsTag)
	if err != nil {
		return nil, err
	}
	counts, err := r.cog.tr.LoadTag(img.ifd, countsTag)
	if err != nil {
		return nil, err
	}

	index := ty*img.across + tx
	if index >= len(offsets.Ints) || index >= len(counts.Ints) {
		return nil, fmt.Errorf("tile index %d beyond %d offsets", index, len(offsets.Ints))
	}
	t := NewTile(r.layout.Type, r.layout.TileRect(tx, ty), r.layout.Bands)

	// Sparse tiles have no data in the file.
	size := counts.Ints[index]
	if size == 0 {
		if nd, ok := r.NoData(); ok {
			t.Fill([]float64{nd})
		}
		return t, nil
	}
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("tile of %d bytes is too large", size)
	}

	compressed := GetBuffer(int(size))
	defer PutBuffer(compressed)
	n, err := r.cog.src.ReadAt(compressed, int64(offsets.Ints[index]))
	if n < len(compressed) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read tile data: %w", err)
	}

	// The last strip may hold fewer rows than the strip height.
	rows := img.tileH
	if !img.tiled {
		rows = min(img.tileH, img.meta.Height-ty*img.tileH)
	}
	sampleSize := img.meta.DataType.Size()
	rowBytes := img.tileW * img.meta.BandCount * sampleSize
	raw := GetBuffer(rowBytes * rows)
	defer PutBuffer(raw)

	if err := r.cog.decompress(img, compressed, raw); err != nil {
		return nil, err
	}
	if err := undoPredictor(img.predictor, raw, rowBytes, img.meta.BandCount, sampleSize, r.cog.tr.ByteOrder()); err != nil {
		return nil, err
	}
	decodeSamples(t, raw, img.meta.DataType, r.cog.tr.ByteOrder())
	if img.meta.Photometric == PhotometricWhiteIsZero && img.meta.BandCount == 1 {
		invertWhiteIsZero(t, img.meta.DataType)
	}

	Logger().Debug("decoded COG tile",
		"level", r.level, "tx", tx, "ty", ty,
		"compressed", size, "compression", img.compression)
	return t, nil
}

// decompress fills raw with the uncompressed bytes of one tile.
func (c *COG) decompress(img *cogImage, data, raw []byte) error {
	switch img.compression {
	case CompressionNone:
		if len(data) < len(raw) {
			return fmt.Errorf("uncompressed tile has %d bytes, expected %d", len(data), len(raw))
		}
		copy(raw, data)
		return nil

	case CompressionLZW:
		rd := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer rd.Close()
		if _, err := io.ReadFull(rd, raw); err != nil {
			return fmt.Errorf("failed to decompress LZW tile: %w", err)
		}
		return nil

	case CompressionDeflate, CompressionAdobeDeflate:
		var rd io.ReadCloser
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			// Some writers emit raw deflate streams without the zlib header.
			rd = flate.NewReader(bytes.NewReader(data))
		} else {
			rd = zr
		}
		defer rd.Close()
		if _, err := io.ReadFull(rd, raw); err != nil {
			return fmt.Errorf("failed to decompress Deflate tile: %w", err)
		}
		return nil

	case CompressionZSTD:
		out, err := c.zstd.DecodeAll(data, raw[:0])
		if err != nil {
			return fmt.Errorf("failed to decompress ZSTD tile: %w", err)
		}
		if len(out) < len(raw) {
			return fmt.Errorf("ZSTD tile has %d bytes, expected %d", len(out), len(raw))
		}
		if &out[0] != &raw[0] {
			copy(raw, out)
		}
		return nil

	case CompressionJPEG:
		return decodeJPEGTile(img, data, raw)
	}
	return fmt.Errorf("unsupported compression type: %d", img.compression)
}

// decodeJPEGTile decodes a JPEG tile, prefixing the shared JPEGTables
// segments when the IFD carries them.
func decodeJPEGTile(img *cogImage, data, raw []byte) error {
	if img.meta.DataType != DTByte {
		return fmt.Errorf("JPEG tiles must hold bytes, not %v", img.meta.DataType)
	}
	stream := data
	if t := img.jpegTables; len(t) > 4 && len(data) > 2 {
		// Tables are a complete SOI..EOI stream; splice them after the tile's SOI.
		stream = make([]byte, 0, len(t)+len(data))
		stream = append(stream, t[:len(t)-2]...)
		stream = append(stream, data[2:]...)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(stream))
	if err != nil {
		return fmt.Errorf("failed to decode JPEG tile: %w", err)
	}

	bands := img.meta.BandCount
	w := img.tileW
	rows := len(raw) / (w * bands)
	b := decoded.Bounds()
	for y := 0; y < rows && y < b.Dy(); y++ {
		for x := 0; x < w && x < b.Dx(); x++ {
			o := (y*w + x) * bands
			switch px := decoded.(type) {
			case *image.Gray:
				v := px.Pix[y*px.Stride+x]
				for i := 0; i < bands; i++ {
					raw[o+i] = v
				}
			default:
				cr, cg, cb, ca := decoded.At(b.Min.X+x, b.Min.Y+y).RGBA()
				rgba := [4]uint8{uint8(cr >> 8), uint8(cg >> 8), uint8(cb >> 8), uint8(ca >> 8)}
				if bands < 3 {
					raw[o] = rgba[0]
					continue
				}
				copy(raw[o:o+bands], rgba[:min(bands, 4)])
			}
		}
	}
	return nil
}

// undoPredictor reverses horizontal differencing in place, row by row.
func undoPredictor(predictor uint64, raw []byte, rowBytes, bands, size int, bo binary.ByteOrder) error {
	switch predictor {
	case PredictorNone:
		return nil
	case PredictorHorizontal:
		for row := 0; row+rowBytes <= len(raw); row += rowBytes {
			undoHorizontal(raw[row:row+rowBytes], bands, size, bo)
		}
		return nil
	case PredictorFloatingPoint:
		tmp := GetBuffer(rowBytes)
		defer PutBuffer(tmp)
		for row := 0; row+rowBytes <= len(raw); row += rowBytes {
			undoFloatingPoint(raw[row:row+rowBytes], tmp, bands, size, bo)
		}
		return nil
	}
	return fmt.Errorf("unsupported predictor %d", predictor)
}

func undoHorizontal(row []byte, bands, size int, bo binary.ByteOrder) {
	stride := bands * size
	switch size {
	case 1:
		for i := stride; i < len(row); i++ {
			row[i] += row[i-stride]
		}
	case 2:
		for i := stride; i+2 <= len(row); i += 2 {
			bo.PutUint16(row[i:], bo.Uint16(row[i:])+bo.Uint16(row[i-stride:]))
		}
	case 4:
		for i := stride; i+4 <= len(row); i += 4 {
			bo.PutUint32(row[i:], bo.Uint32(row[i:])+bo.Uint32(row[i-stride:]))
		}
	case 8:
		for i := stride; i+8 <= len(row); i += 8 {
			bo.PutUint64(row[i:], bo.Uint64(row[i:])+bo.Uint64(row[i-stride:]))
		}
	}
}

// undoFloatingPoint reverses the floating point predictor: bytes are
// differenced across the row, then stored as byte planes, most significant
// plane first.
func undoFloatingPoint(row, tmp []byte, bands, size int, bo binary.ByteOrder) {
	for i := bands; i < len(row); i++ {
		row[i] += row[i-bands]
	}
	n := len(row) / size
	copy(tmp, row)
	for i := 0; i < n; i++ {
		for b := 0; b < size; b++ {
			dst := b
			if bo == binary.LittleEndian {
				dst = size - 1 - b
			}
			row[i*size+dst] = tmp[b*n+i]
		}
	}
}

// decodeSamples converts file bytes to the tile's sample type.
func decodeSamples(t *Tile, raw []byte, stored DataType, bo binary.ByteOrder) {
	n := min(len(raw)/stored.Size(), t.Rect.Dx()*t.Rect.Dy()*t.Bands)
	switch stored {
	case DTByte:
		copy(tileData[uint8](t), raw[:n])
	case DTSByte:
		d := tileData[int16](t)
		for i := range n {
			d[i] = int16(int8(raw[i]))
		}
	case DTUShort:
		d := tileData[uint16](t)
		for i := range n {
			d[i] = bo.Uint16(raw[i*2:])
		}
	case DTShort:
		d := tileData[int16](t)
		for i := range n {
			d[i] = int16(bo.Uint16(raw[i*2:]))
		}
	case DTULong:
		d := tileData[float64](t)
		for i := range n {
			d[i] = float64(bo.Uint32(raw[i*4:]))
		}
	case DTLong:
		d := tileData[int32](t)
		for i := range n {
			d[i] = int32(bo.Uint32(raw[i*4:]))
		}
	case DTFloat:
		d := tileData[float32](t)
		for i := range n {
			d[i] = math.Float32frombits(bo.Uint32(raw[i*4:]))
		}
	case DTDouble:
		d := tileData[float64](t)
		for i := range n {
			d[i] = math.Float64frombits(bo.Uint64(raw[i*8:]))
		}
	}
}

// invertWhiteIsZero maps WhiteIsZero grayscale onto BlackIsZero.
func invertWhiteIsZero(t *Tile, stored DataType) {
	if stored.IsFloat() {
		return
	}
	_, hi := stored.Range()
	switch d := t.Data.(type) {
	case []uint8:
		for i := range d {
			d[i] = math.MaxUint8 - d[i]
		}
	case []uint16:
		for i := range d {
			d[i] = math.MaxUint16 - d[i]
		}
	case []int16:
		for i := range d {
			d[i] = int16(hi) - d[i]
		}
	case []int32:
		for i := range d {
			d[i] = int32(hi) - d[i]
		}
	case []float64:
		for i := range d {
			d[i] = hi - d[i]
		}
	}
}
