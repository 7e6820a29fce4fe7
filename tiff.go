package cogops

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// TIFF constants
const (
	tiffMagicLE    = 0x4949 // "II" little-endian
	tiffMagicBE    = 0x4D4D // "MM" big-endian
	tiffVersion    = 42
	bigTIFFVersion = 43
)

// Compression schemes
const (
	CompressionNone         = 1
	CompressionLZW          = 5
	CompressionJPEG         = 7
	CompressionDeflate      = 8
	CompressionAdobeDeflate = 32946
	CompressionZSTD         = 50000
)

// Tag IDs read by the COG decoder.
const (
	TagNewSubfileType      = 254
	TagImageWidth          = 256
	TagImageLength         = 257
	TagBitsPerSample       = 258
	TagCompression         = 259
	TagPhotometric         = 262
	TagStripOffsets        = 273
	TagSamplesPerPixel     = 277
	TagRowsPerStrip        = 278
	TagStripByteCounts     = 279
	TagPlanarConfiguration = 284
	TagPredictor           = 317
	TagTileWidth           = 322
	TagTileLength          = 323
	TagTileOffsets         = 324
	TagTileByteCounts      = 325
	TagSampleFormat        = 339
	TagJPEGTables          = 347
	TagModelPixelScale     = 33550
	TagModelTiepoint       = 33922
	TagModelTransformation = 34264
	TagGeoKeyDirectory     = 34735
	TagGeoDoubleParams     = 34736
	TagGeoASCIIParams      = 34737
	TagGDALNoData          = 42113
)

// FieldType is the TIFF type of a tag value.
type FieldType uint16

const (
	FieldByte      FieldType = 1
	FieldASCII     FieldType = 2
	FieldShort     FieldType = 3
	FieldLong      FieldType = 4
	FieldRational  FieldType = 5
	FieldSByte     FieldType = 6
	FieldUndefined FieldType = 7
	FieldSShort    FieldType = 8
	FieldSLong     FieldType = 9
	FieldSRational FieldType = 10
	FieldFloat     FieldType = 11
	FieldDouble    FieldType = 12
	FieldLong8     FieldType = 16
	FieldSLong8    FieldType = 17
	FieldIFD8      FieldType = 18
)

// size returns the byte size of one value of the type.
func (t FieldType) size() uint64 {
	switch t {
	case FieldShort, FieldSShort:
		return 2
	case FieldLong, FieldSLong, FieldFloat:
		return 4
	case FieldRational, FieldSRational, FieldDouble, FieldLong8, FieldSLong8, FieldIFD8:
		return 8
	default:
		return 1
	}
}

// ErrTagNotFound is returned when an IFD lacks a required tag.
var ErrTagNotFound = errors.New("tag not found")

// Tag is one IFD entry. Values are decoded into Ints for integer types,
// Floats for every numeric type and ASCII for strings. Offset arrays are
// decoded on first use.
type Tag struct {
	ID     uint16
	Type   FieldType
	Count  uint64
	Offset uint64

	loaded bool
	Ints   []uint64
	Floats []float64
	ASCII  string
	Raw    []byte
}

// IFD is an Image File Directory.
type IFD struct {
	Offset  uint64
	Tags    map[uint16]*Tag
	NextIFD uint64
}

// Has reports whether the IFD carries tag id.
func (ifd *IFD) Has(id uint16) bool {
	_, ok := ifd.Tags[id]
	return ok
}

// Uint returns the first integer value of a loaded tag, or def.
func (ifd *IFD) Uint(id uint16, def uint64) uint64 {
	t := ifd.Tags[id]
	if t == nil || !t.loaded || len(t.Ints) == 0 {
		return def
	}
	return t.Ints[0]
}

// Uints returns the integer values of a loaded tag.
func (ifd *IFD) Uints(id uint16) []uint64 {
	if t := ifd.Tags[id]; t != nil && t.loaded {
		return t.Ints
	}
	return nil
}

// Floats returns the numeric values of a loaded tag.
func (ifd *IFD) Floats(id uint16) []float64 {
	if t := ifd.Tags[id]; t != nil && t.loaded {
		return t.Floats
	}
	return nil
}

// ASCII returns the string value of a loaded tag.
func (ifd *IFD) ASCII(id uint16) string {
	if t := ifd.Tags[id]; t != nil && t.loaded {
		return t.ASCII
	}
	return ""
}

// Bytes returns the raw value bytes of a loaded tag.
func (ifd *IFD) Bytes(id uint16) []byte {
	if t := ifd.Tags[id]; t != nil && t.loaded {
		return t.Raw
	}
	return nil
}

// metadataBlock is read in one go at every IFD offset so that most tag
// values resolve without further range requests.
const metadataBlock = 16 * 1024

// deferredTags hold per tile or per strip arrays. They can be very large
// and are only decoded when pixel data is read.
var deferredTags = map[uint16]bool{
	TagStripOffsets:    true,
	TagStripByteCounts: true,
	TagTileOffsets:     true,
	TagTileByteCounts:  true,
}

// TIFFReader reads the directory structure of a classic TIFF or BigTIFF.
type TIFFReader struct {
	r         io.ReaderAt
	byteOrder binary.ByteOrder
	big       bool
	ifds      []*IFD

	mu sync.Mutex // guards deferred tag loads
}

// NewTIFFReader parses the header and every IFD of r.
func NewTIFFReader(r io.ReaderAt) (*TIFFReader, error) {
	tr := &TIFFReader{r: r}

	header := make([]byte, 16)
	n, err := r.ReadAt(header, 0)
	if n < 8 {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	switch binary.LittleEndian.Uint16(header[0:2]) {
	case tiffMagicLE:
		tr.byteOrder = binary.LittleEndian
	case tiffMagicBE:
		tr.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", binary.LittleEndian.Uint16(header[0:2]))
	}

	var first uint64
	switch version := tr.byteOrder.Uint16(header[2:4]); version {
	case tiffVersion:
		first = uint64(tr.byteOrder.Uint32(header[4:8]))
	case bigTIFFVersion:
		if n < 16 {
			return nil, fmt.Errorf("failed to read BigTIFF header: %w", io.ErrUnexpectedEOF)
		}
		if size := tr.byteOrder.Uint16(header[4:6]); size != 8 {
			return nil, fmt.Errorf("unsupported BigTIFF offset size %d", size)
		}
		tr.big = true
		first = tr.byteOrder.Uint64(header[8:16])
	default:
		return nil, fmt.Errorf("invalid TIFF version: %d", version)
	}

	if err := tr.readIFDs(first); err != nil {
		return nil, fmt.Errorf("failed to read IFDs: %w", err)
	}
	return tr, nil
}

// BigTIFF reports whether the file uses 64-bit offsets.
func (tr *TIFFReader) BigTIFF() bool { return tr.big }

// ByteOrder returns the byte order of the file.
func (tr *TIFFReader) ByteOrder() binary.ByteOrder { return tr.byteOrder }

func (tr *TIFFReader) readIFDs(offset uint64) error {
	seen := make(map[uint64]bool)
	for offset != 0 {
		if seen[offset] {
			return fmt.Errorf("IFD chain loops at offset %d", offset)
		}
		seen[offset] = true
		ifd, err := tr.readIFD(offset)
		if err != nil {
			return err
		}
		tr.ifds = append(tr.ifds, ifd)
		offset = ifd.NextIFD
	}
	return nil
}

// readAt reads len(buf) bytes at off, accepting a short read only at EOF.
func (tr *TIFFReader) readAt(buf []byte, off uint64) (int, error) {
	if off > math.MaxInt64 {
		return 0, fmt.Errorf("offset %d out of range", off)
	}
	n, err := tr.r.ReadAt(buf, int64(off))
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (tr *TIFFReader) readIFD(offset uint64) (*IFD, error) {
	block := make([]byte, metadataBlock)
	n, err := tr.readAt(block, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to read IFD at %d: %w", offset, err)
	}
	block = block[:n]

	countSize, entrySize, nextSize := uint64(2), uint64(12), uint64(4)
	if tr.big {
		countSize, entrySize, nextSize = 8, 20, 8
	}
	if uint64(len(block)) < countSize {
		return nil, fmt.Errorf("truncated IFD at %d", offset)
	}
	var count uint64
	if tr.big {
		count = tr.byteOrder.Uint64(block)
	} else {
		count = uint64(tr.byteOrder.Uint16(block))
	}
	if count > math.MaxUint16*4 {
		return nil, fmt.Errorf("IFD at %d claims %d entries", offset, count)
	}
	need := countSize + count*entrySize + nextSize
	if need > uint64(len(block)) {
		// Directories larger than the metadata block are rare; read them whole.
		block = make([]byte, need)
		n, err := tr.readAt(block, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read IFD at %d: %w", offset, err)
		}
		if uint64(n) < need {
			return nil, fmt.Errorf("truncated IFD at %d", offset)
		}
	}

	ifd := &IFD{Offset: offset, Tags: make(map[uint16]*Tag, count)}
	for i := uint64(0); i < count; i++ {
		e := block[countSize+i*entrySize : countSize+(i+1)*entrySize]
		tag := &Tag{
			ID:   tr.byteOrder.Uint16(e[0:2]),
			Type: FieldType(tr.byteOrder.Uint16(e[2:4])),
		}
		var field []byte
		if tr.big {
			tag.Count = tr.byteOrder.Uint64(e[4:12])
			field = e[12:20]
			tag.Offset = tr.byteOrder.Uint64(field)
		} else {
			tag.Count = uint64(tr.byteOrder.Uint32(e[4:8]))
			field = e[8:12]
			tag.Offset = uint64(tr.byteOrder.Uint32(field))
		}

		size := tag.Type.size() * tag.Count
		switch {
		case size <= uint64(len(field)):
			tr.decode(tag, field[:size])
		case tag.Offset >= offset && tag.Offset-offset+size <= uint64(len(block)):
			start := tag.Offset - offset
			tr.decode(tag, block[start:start+size])
		case deferredTags[tag.ID]:
		default:
			if err := tr.load(tag); err != nil {
				return nil, fmt.Errorf("failed to read tag %d: %w", tag.ID, err)
			}
		}
		ifd.Tags[tag.ID] = tag
	}
	next := block[countSize+count*entrySize:]
	if tr.big {
		ifd.NextIFD = tr.byteOrder.Uint64(next)
	} else {
		ifd.NextIFD = uint64(tr.byteOrder.Uint32(next))
	}
	return ifd, nil
}

// maxTagBytes caps a single out-of-line tag value.
const maxTagBytes = 1 << 30

// load reads an out-of-line tag value.
func (tr *TIFFReader) load(tag *Tag) error {
	size := tag.Type.size() * tag.Count
	if size > maxTagBytes {
		return fmt.Errorf("tag %d value of %d bytes is too large", tag.ID, size)
	}
	buf := make([]byte, size)
	n, err := tr.readAt(buf, tag.Offset)
	if err != nil {
		return err
	}
	if uint64(n) < size {
		return fmt.Errorf("tag %d value truncated: %w", tag.ID, io.ErrUnexpectedEOF)
	}
	tr.decode(tag, buf)
	return nil
}

// LoadTag makes sure a deferred tag of ifd is decoded and returns it.
// It is safe for concurrent use.
func (tr *TIFFReader) LoadTag(ifd *IFD, id uint16) (*Tag, error) {
	tag := ifd.Tags[id]
	if tag == nil {
		return nil, fmt.Errorf("%w: %d", ErrTagNotFound, id)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tag.loaded {
		return tag, nil
	}
	if err := tr.load(tag); err != nil {
		return nil, fmt.Errorf("failed to read tag %d: %w", id, err)
	}
	return tag, nil
}

// decode fills the typed values of tag from its raw bytes.
func (tr *TIFFReader) decode(tag *Tag, b []byte) {
	bo := tr.byteOrder
	tag.loaded = true
	tag.Raw = append([]byte(nil), b...)
	n := int(tag.Count)

	switch tag.Type {
	case FieldASCII:
		s := b
		for len(s) > 0 && s[len(s)-1] == 0 {
			s = s[:len(s)-1]
		}
		tag.ASCII = string(s)
		return
	case FieldRational, FieldSRational:
		tag.Floats = make([]float64, n)
		for i := range n {
			num, den := bo.Uint32(b[i*8:]), bo.Uint32(b[i*8+4:])
			if tag.Type == FieldSRational {
				tag.Floats[i] = float64(int32(num)) / float64(int32(den))
			} else {
				tag.Floats[i] = float64(num) / float64(den)
			}
		}
		return
	case FieldFloat:
		tag.Floats = make([]float64, n)
		for i := range n {
			tag.Floats[i] = float64(math.Float32frombits(bo.Uint32(b[i*4:])))
		}
		return
	case FieldDouble:
		tag.Floats = make([]float64, n)
		for i := range n {
			tag.Floats[i] = math.Float64frombits(bo.Uint64(b[i*8:]))
		}
		return
	}

	tag.Ints = make([]uint64, n)
	tag.Floats = make([]float64, n)
	for i := range n {
		var u uint64
		var f float64
		switch tag.Type {
		case FieldShort:
			u = uint64(bo.Uint16(b[i*2:]))
			f = float64(u)
		case FieldSShort:
			v := int16(bo.Uint16(b[i*2:]))
			u, f = uint64(v), float64(v)
		case FieldLong:
			u = uint64(bo.Uint32(b[i*4:]))
			f = float64(u)
		case FieldSLong:
			v := int32(bo.Uint32(b[i*4:]))
			u, f = uint64(v), float64(v)
		case FieldLong8, FieldIFD8:
			u = bo.Uint64(b[i*8:])
			f = float64(u)
		case FieldSLong8:
			v := int64(bo.Uint64(b[i*8:]))
			u, f = uint64(v), float64(v)
		case FieldSByte:
			v := int8(b[i])
			u, f = uint64(v), float64(v)
		default:
			u = uint64(b[i])
			f = float64(u)
		}
		tag.Ints[i], tag.Floats[i] = u, f
	}
}

// GetIFD returns the IFD at the specified index (0 = main image)
func (tr *TIFFReader) GetIFD(index int) *IFD {
	if index < 0 || index >= len(tr.ifds) {
		return nil
	}
	return tr.ifds[index]
}

// IFDCount returns the number of IFDs (main image + overviews)
func (tr *TIFFReader) IFDCount() int {
	return len(tr.ifds)
}
