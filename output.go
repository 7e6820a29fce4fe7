package cogops

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"

	"golang.org/x/image/tiff"
)

// WriteTIFF encodes src as a Deflate compressed TIFF. Supported are one
// band of bytes or unsigned shorts, and three or four bands of bytes.
func WriteTIFF(w io.Writer, src TiledRaster) error {
	l := src.Layout()
	t, err := ReadRegion(src, l.Bounds, BorderZero)
	if err != nil {
		return fmt.Errorf("failed to read raster: %w", err)
	}
	img, err := tileImage(t)
	if err != nil {
		return err
	}
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		return fmt.Errorf("failed to encode TIFF: %w", err)
	}
	return nil
}

// CheckTIFF reports whether WriteTIFF can encode bands samples of type dt.
func CheckTIFF(dt DataType, bands int) error {
	switch {
	case dt == DTByte && (bands == 1 || bands == 3 || bands == 4):
	case dt == DTUShort && bands == 1:
	default:
		return fmt.Errorf("%w: cannot write %d band %v as TIFF", ErrUnsupportedDataType, bands, dt)
	}
	return nil
}

// tileImage wraps a tile's samples in the matching image type.
func tileImage(t *Tile) (image.Image, error) {
	if err := CheckTIFF(t.Type, t.Bands); err != nil {
		return nil, err
	}
	r := image.Rect(0, 0, t.Rect.Dx(), t.Rect.Dy())
	switch {
	case t.Type == DTByte && t.Bands == 1:
		return &image.Gray{Pix: tileData[uint8](t), Stride: r.Dx(), Rect: r}, nil

	case t.Type == DTUShort && t.Bands == 1:
		img := image.NewGray16(r)
		for i, v := range tileData[uint16](t) {
			binary.BigEndian.PutUint16(img.Pix[i*2:], v)
		}
		return img, nil

	case t.Type == DTByte && t.Bands == 3:
		img := image.NewRGBA(r)
		src := tileData[uint8](t)
		for i := 0; i < r.Dx()*r.Dy(); i++ {
			copy(img.Pix[i*4:i*4+3], src[i*3:i*3+3])
			img.Pix[i*4+3] = math.MaxUint8
		}
		return img, nil

	default:
		return &image.NRGBA{Pix: tileData[uint8](t), Stride: r.Dx() * 4, Rect: r}, nil
	}
}

// WriteRaw writes the samples of src row by row, pixel interleaved, in
// byte order bo. It returns the number of bytes written.
func WriteRaw(w io.Writer, src TiledRaster, bo binary.ByteOrder) (int64, error) {
	l := src.Layout()
	size := l.Type.Size()
	var written int64
	for ty := l.MinTileY(); ty <= l.MaxTileY(); ty++ {
		band := l.TileRect(l.MinTileX(), ty).Intersect(l.Bounds)
		band.Min.X, band.Max.X = l.Bounds.Min.X, l.Bounds.Max.X

		t, err := ReadRegion(src, band, BorderZero)
		if err != nil {
			return written, fmt.Errorf("failed to read rows %d-%d: %w", band.Min.Y, band.Max.Y, err)
		}
		buf := GetBuffer(band.Dx() * band.Dy() * l.Bands * size)
		encodeSamples(buf, t, bo)
		n, err := w.Write(buf)
		PutBuffer(buf)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write rows: %w", err)
		}
	}
	return written, nil
}

func encodeSamples(buf []byte, t *Tile, bo binary.ByteOrder) {
	switch d := t.Data.(type) {
	case []uint8:
		copy(buf, d)
	case []uint16:
		for i, v := range d {
			bo.PutUint16(buf[i*2:], v)
		}
	case []int16:
		for i, v := range d {
			bo.PutUint16(buf[i*2:], uint16(v))
		}
	case []int32:
		for i, v := range d {
			bo.PutUint32(buf[i*4:], uint32(v))
		}
	case []float32:
		for i, v := range d {
			bo.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	case []float64:
		for i, v := range d {
			bo.PutUint64(buf[i*8:], math.Float64bits(v))
		}
	}
}
