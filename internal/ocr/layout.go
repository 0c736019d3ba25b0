package ocr

import (
	"sort"

	"github.com/trafficwatch/edge-handler/internal/record"
)

// Char is one detected plate character: box in plate-image pixels, model
// confidence and class id. Class ids 0..9 are the digits themselves; higher
// ids index into the model's class-name table.
type Char struct {
	X, Y, W, H float64
	Conf       float64
	ClassID    int
}

func (c Char) centerX() float64 { return c.X + c.W/2 }
func (c Char) centerY() float64 { return c.Y + c.H/2 }

const (
	nmsScoreThreshold = 0.5
	nmsIoUThreshold   = 0.4

	// Plates with character rows closer than this are treated as one line.
	rowSnapPixels = 9
	twoLineVar    = 10
)

// NMS filters overlapping character detections: drop everything below the
// score threshold, then greedily keep the highest-confidence box among any
// group overlapping beyond the IoU threshold.
func NMS(chars []Char) []Char {
	candidates := make([]Char, 0, len(chars))
	for _, c := range chars {
		if c.Conf >= nmsScoreThreshold {
			candidates = append(candidates, c)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Conf > candidates[j].Conf
	})

	var kept []Char
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if iou(c, k) > nmsIoUThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}

func iou(a, b Char) float64 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.W, b.X+b.W)
	y2 := min(a.Y+a.H, b.Y+b.H)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// ReassemblePlate orders detected characters into the plate text. Characters
// are fit with a regression line; when the y-deviation variance crosses the
// two-line threshold the plate is read as two rows (upper then lower, each
// x-ascending), otherwise as a single x-ascending row. Returns the text and
// the summed character confidence used for best-of-N selection.
func ReassemblePlate(raw []Char, className func(int) string) (string, float64) {
	chars := NMS(raw)
	if len(chars) == 0 {
		return record.NoOCR, 0.1
	}

	slope, intercept := fitLine(chars)
	variance := meanSquaredDeviation(chars, slope, intercept)
	snapRows(chars)

	var ordered []Char
	if variance >= twoLineVar && len(chars) > 1 {
		upper, lower := splitRows(chars, slope, intercept)

		// Re-partition against a bisector with the regression slope through
		// the midpoint of the two row centroids; the raw regression line sits
		// closer to the denser row and misassigns characters near it.
		ux, uy := centroid(upper)
		lx, ly := centroid(lower)
		midX, midY := (ux+lx)/2, (uy+ly)/2
		bisectIntercept := midY - slope*midX
		upper, lower = splitRows(chars, slope, bisectIntercept)

		sortByX(upper)
		sortByX(lower)
		ordered = append(upper, lower...)
	} else {
		ordered = chars
		sortByX(ordered)
	}

	text := make([]byte, 0, len(ordered)*2)
	score := 0.0
	for _, c := range ordered {
		if c.ClassID <= 9 {
			text = append(text, byte('0'+c.ClassID))
		} else {
			text = append(text, className(c.ClassID)...)
		}
		score += c.Conf
	}
	return string(text), score
}

// fitLine is a simple least-squares regression of center y on center x.
// A vertical stack (zero x spread) degenerates to a horizontal line through
// the mean.
func fitLine(chars []Char) (slope, intercept float64) {
	n := float64(len(chars))
	var sumX, sumY, sumXY, sumXX float64
	for _, c := range chars {
		x, y := c.centerX(), c.centerY()
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func meanSquaredDeviation(chars []Char, slope, intercept float64) float64 {
	var sum float64
	for _, c := range chars {
		d := slope*c.centerX() + intercept - c.centerY()
		sum += d * d
	}
	return sum / float64(len(chars))
}

// snapRows dampens vertical noise: characters whose y-centers are within
// rowSnapPixels of an earlier character adopt that character's y.
func snapRows(chars []Char) {
	for i := 0; i < len(chars); i++ {
		for j := i + 1; j < len(chars); j++ {
			yi, yj := chars[i].centerY(), chars[j].centerY()
			if d := yj - yi; d > -rowSnapPixels && d < rowSnapPixels && d != 0 {
				chars[j].Y = chars[i].Y + chars[i].H/2 - chars[j].H/2
			}
		}
	}
}

// splitRows partitions characters by which side of the line their center
// falls on; above the line (smaller y) is the upper row.
func splitRows(chars []Char, slope, intercept float64) (upper, lower []Char) {
	for _, c := range chars {
		if c.centerY() < slope*c.centerX()+intercept {
			upper = append(upper, c)
		} else {
			lower = append(lower, c)
		}
	}
	return upper, lower
}

func centroid(chars []Char) (x, y float64) {
	if len(chars) == 0 {
		return 0, 0
	}
	for _, c := range chars {
		x += c.centerX()
		y += c.centerY()
	}
	n := float64(len(chars))
	return x / n, y / n
}

func sortByX(chars []Char) {
	sort.SliceStable(chars, func(i, j int) bool {
		return chars[i].centerX() < chars[j].centerX()
	})
}
