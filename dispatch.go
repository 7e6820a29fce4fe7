package cogops

// SampleFunc maps one source sample of a band to its unsaturated result.
type SampleFunc func(band int, v float64) float64

// tileJob is one destination tile ready to run. src and dst share the same
// rectangle and band count.
type tileJob struct {
	src, dst *Tile
	kase     opCase
	fn       SampleFunc
	nodata   []Range // one per band when kase tests NoData
	fill     []float64
	inROI    func(x, y int) bool
	lut      [][256]uint8 // byte to byte table, NoData already applied
}

// dispatch resolves the source and destination sample types once and runs
// the typed loop for the tile.
func dispatch(j *tileJob) {
	if j.lut != nil && j.src.Type == DTByte && j.dst.Type == DTByte {
		runTable(j)
		return
	}
	switch j.src.Type {
	case DTByte:
		dispatchTo[uint8](j)
	case DTUShort:
		dispatchTo[uint16](j)
	case DTShort:
		dispatchTo[int16](j)
	case DTLong:
		dispatchTo[int32](j)
	case DTFloat:
		dispatchTo[float32](j)
	case DTDouble:
		dispatchTo[float64](j)
	}
}

func dispatchTo[S Sample](j *tileJob) {
	switch j.dst.Type {
	case DTByte:
		runTile[S, uint8](j)
	case DTUShort:
		runTile[S, uint16](j)
	case DTShort:
		runTile[S, int16](j)
	case DTLong:
		runTile[S, int32](j)
	case DTFloat:
		runTile[S, float32](j)
	case DTDouble:
		runTile[S, float64](j)
	}
}

func runTile[S, D Sample](j *tileJob) {
	src := tileData[S](j.src)
	dst := tileData[D](j.dst)
	bands := j.dst.Bands
	sat := saturator[D]()
	fill := make([]D, bands)
	broadcast(fill, bands, j.fill)

	switch j.kase {
	case caseA:
		loopPlain(src, dst, bands, j.fn, sat)
	case caseB:
		loopROI(j, src, dst, fill, sat)
	case caseC:
		loopNoData(src, dst, bands, j.fn, sat, j.nodata, fill)
	case caseD:
		loopROINoData(j, src, dst, fill, sat)
	}
}

func loopPlain[S, D Sample](src []S, dst []D, bands int, fn SampleFunc, sat func(float64) D) {
	for i := 0; i < len(dst); i += bands {
		for b := 0; b < bands; b++ {
			dst[i+b] = sat(fn(b, float64(src[i+b])))
		}
	}
}

func loopNoData[S, D Sample](src []S, dst []D, bands int, fn SampleFunc, sat func(float64) D, nodata []Range, fill []D) {
	for i := 0; i < len(dst); i += bands {
		for b := 0; b < bands; b++ {
			v := float64(src[i+b])
			if nodata[b].Contains(v) {
				dst[i+b] = fill[b]
				continue
			}
			dst[i+b] = sat(fn(b, v))
		}
	}
}

func loopROI[S, D Sample](j *tileJob, src []S, dst []D, fill []D, sat func(float64) D) {
	r, bands := j.dst.Rect, j.dst.Bands
	i := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if !j.inROI(x, y) {
				copy(dst[i:i+bands], fill)
			} else {
				for b := 0; b < bands; b++ {
					dst[i+b] = sat(j.fn(b, float64(src[i+b])))
				}
			}
			i += bands
		}
	}
}

func loopROINoData[S, D Sample](j *tileJob, src []S, dst []D, fill []D, sat func(float64) D) {
	r, bands := j.dst.Rect, j.dst.Bands
	i := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if !j.inROI(x, y) {
				copy(dst[i:i+bands], fill)
				i += bands
				continue
			}
			for b := 0; b < bands; b++ {
				v := float64(src[i+b])
				if j.nodata[b].Contains(v) {
					dst[i+b] = fill[b]
					continue
				}
				dst[i+b] = sat(j.fn(b, v))
			}
			i += bands
		}
	}
}

// runTable maps byte samples through the per band table.
func runTable(j *tileJob) {
	src := tileData[uint8](j.src)
	dst := tileData[uint8](j.dst)
	bands := j.dst.Bands
	if !j.kase.testsROI() {
		for i := 0; i < len(dst); i += bands {
			for b := 0; b < bands; b++ {
				dst[i+b] = j.lut[b][src[i+b]]
			}
		}
		return
	}
	fill := make([]uint8, bands)
	broadcast(fill, bands, j.fill)
	r := j.dst.Rect
	i := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if j.inROI(x, y) {
				for b := 0; b < bands; b++ {
					dst[i+b] = j.lut[b][src[i+b]]
				}
			} else {
				copy(dst[i:i+bands], fill)
			}
			i += bands
		}
	}
}

// buildByteTable evaluates fn for every byte value of every band.
func buildByteTable(bands int, fn SampleFunc, nodata []Range, fill []float64) [][256]uint8 {
	lut := make([][256]uint8, bands)
	for b := range lut {
		f := ClampByte(bandValue(fill, b))
		for v := 0; v < 256; v++ {
			if nodata != nil && nodata[b].Contains(float64(v)) {
				lut[b][v] = f
				continue
			}
			lut[b][v] = ClampByte(fn(b, float64(v)))
		}
	}
	return lut
}
