package cogops

import (
	"image"
)

// TileClass is the relation between a destination tile and an ROI.
type TileClass uint8

const (
	// Disjoint tiles share no pixel with the ROI and are filled.
	Disjoint TileClass = iota
	// Contains tiles lie fully inside the ROI and skip the per-pixel test.
	Contains
	// Partial tiles are tested pixel by pixel against the ROI mask.
	Partial
)

func (c TileClass) String() string {
	switch c {
	case Disjoint:
		return "disjoint"
	case Contains:
		return "contains"
	default:
		return "partial"
	}
}

// Classify relates tileRect, grown by one pixel on every side, to roi.
// The answer is conservative: a rectangle the ROI neither contains nor
// misses is Partial even if every pixel of the tile happens to be inside.
// On error the tile is Partial and the error is returned alongside.
func Classify(tileRect image.Rectangle, roi ROI) (TileClass, error) {
	r := tileRect.Inset(-1)
	if !r.Overlaps(roi.Bounds()) {
		return Disjoint, nil
	}
	hit, err := roi.Intersects(r)
	if err != nil {
		return Partial, err
	}
	if !hit {
		return Disjoint, nil
	}
	all, err := roi.ContainsRect(r)
	if err != nil {
		return Partial, err
	}
	if all {
		return Contains, nil
	}
	return Partial, nil
}

// opCase is the loop variant run for a tile.
type opCase uint8

const (
	caseA opCase = iota // no tests
	caseB               // ROI test
	caseC               // NoData test
	caseD               // ROI then NoData test
)

func (c opCase) String() string {
	return [...]string{"A", "B", "C", "D"}[c]
}

// selectCase picks the loop variant for an operation.
func selectCase(hasROI, hasNoData bool) opCase {
	switch {
	case hasROI && hasNoData:
		return caseD
	case hasROI:
		return caseB
	case hasNoData:
		return caseC
	default:
		return caseA
	}
}

// forClass narrows the operation's case to one tile. Tiles the ROI contains
// drop the ROI test. Disjoint tiles never run a case.
func (c opCase) forClass(class TileClass) opCase {
	if class != Contains {
		return c
	}
	switch c {
	case caseB:
		return caseA
	case caseD:
		return caseC
	}
	return c
}

func (c opCase) testsROI() bool { return c == caseB || c == caseD }

func (c opCase) testsNoData() bool { return c == caseC || c == caseD }
