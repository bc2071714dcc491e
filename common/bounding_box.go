package common

import (
	"fmt"

	"github.com/chewxy/math32"
)

// DefaultEpsilon is the floor applied to every geometric denominator.
const DefaultEpsilon float32 = 1e-8

// BoundingBox is an axis-aligned box in normalized image coordinates, ordered
// (xmin, ymin, xmax, ymax). A box is valid only when X2 > X1 and Y2 > Y1; the
// all-zero box is the padding value.
type BoundingBox struct {
	X1, Y1, X2, Y2 float32
}

// NewBoundingBox builds a box from a [xmin, ymin, xmax, ymax] array.
func NewBoundingBox(coords [4]float32) BoundingBox {
	return BoundingBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
}

// Array returns the box as [xmin, ymin, xmax, ymax].
func (b BoundingBox) Array() [4]float32 {
	return [4]float32{b.X1, b.Y1, b.X2, b.Y2}
}

// Slice returns the coordinates as a new slice in x1, y1, x2, y2 order.
func (b BoundingBox) Slice() []float32 {
	return []float32{b.X1, b.Y1, b.X2, b.Y2}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%.4f, %.4f), (%.4f, %.4f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Valid reports whether the box has strictly positive extent on both axes.
func (b BoundingBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// IsZero reports whether the box is the padding box.
func (b BoundingBox) IsZero() bool {
	return b == BoundingBox{}
}

// Width returns the unclamped horizontal extent.
func (b BoundingBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the unclamped vertical extent.
func (b BoundingBox) Height() float32 {
	return b.Y2 - b.Y1
}

// Center returns the box center.
func (b BoundingBox) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Area calculates the area of the box. Inverted extents count as zero.
//
// Returns:
// - max(0, xmax - xmin) * max(0, ymax - ymin).
//
// @example
// box := BoundingBox{X1: 0.1, Y1: 0.1, X2: 0.5, Y2: 0.3}
// area := box.Area() // 0.08
func (b BoundingBox) Area() float32 {
	return math32.Max(0, b.X2-b.X1) * math32.Max(0, b.Y2-b.Y1)
}

// Intersection calculates the intersection area between two boxes.
//
// Arguments:
// - other: The other bounding box to calculate intersection with.
//
// Returns:
// - The area of the overlap, zero when the boxes are disjoint or only touch.
//
// @example
// box1 := BoundingBox{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5}
// box2 := BoundingBox{X1: 0.25, Y1: 0.25, X2: 1, Y2: 1}
// area := box1.Intersection(box2) // 0.0625
func (b BoundingBox) Intersection(other BoundingBox) float32 {
	w := math32.Max(0, math32.Min(b.X2, other.X2)-math32.Max(b.X1, other.X1))
	h := math32.Max(0, math32.Min(b.Y2, other.Y2)-math32.Max(b.Y1, other.Y1))
	return w * h
}

// IoU calculates the intersection over union of two boxes.
//
// The union is floored at epsilon so degenerate boxes give 0 instead of NaN.
//
// Arguments:
// - other: The other bounding box.
// - epsilon: Denominator floor, usually DefaultEpsilon.
//
// Returns:
// - A value in [0, 1].
func (b BoundingBox) IoU(other BoundingBox, epsilon float32) float32 {
	inter := b.Intersection(other)
	union := b.Area() + other.Area() - inter
	return inter / math32.Max(epsilon, union)
}

// UpperIoU returns |other| / |b ∪ other|, which is 1 when other subsumes b.
func (b BoundingBox) UpperIoU(other BoundingBox, epsilon float32) float32 {
	inter := b.Intersection(other)
	return other.Area() / math32.Max(epsilon, b.Area()+other.Area()-inter)
}

// IntersectionRatio returns the fraction of b covered by other.
//
// Arguments:
// - other: The reference box, typically a crop.
// - epsilon: Floor applied to the area of b.
//
// Returns:
// - intersection(b, other) / max(epsilon, area(b)).
func (b BoundingBox) IntersectionRatio(other BoundingBox, epsilon float32) float32 {
	return b.Intersection(other) / math32.Max(epsilon, b.Area())
}

// IoUAndIntersectionRatio computes IoU and the intersection ratio of b relative
// to other while sharing the intersection computation.
func (b BoundingBox) IoUAndIntersectionRatio(other BoundingBox, epsilon float32) (iou, ratio float32) {
	inter := b.Intersection(other)
	areaB := b.Area()
	ratio = inter / (areaB + epsilon)
	iou = inter / math32.Max(epsilon, areaB+other.Area()-inter)
	return iou, ratio
}

// CoordSimilarity is 1 minus the mean squared coordinate difference.
func (b BoundingBox) CoordSimilarity(other BoundingBox) float32 {
	d := [4]float32{b.X1 - other.X1, b.Y1 - other.Y1, b.X2 - other.X2, b.Y2 - other.Y2}
	var sum float32
	for _, v := range d {
		sum += v * v
	}
	return 1 - sum/4
}

// Clip clamps every coordinate into [0, 1].
func (b BoundingBox) Clip() BoundingBox {
	return BoundingBox{
		X1: Clamp01(b.X1),
		Y1: Clamp01(b.Y1),
		X2: Clamp01(b.X2),
		Y2: Clamp01(b.Y2),
	}
}

// Mirror maps the box through a left-right flip of the image:
// (x1, y1, x2, y2) becomes (|1-x2|, y1, |1-x1|, y2). Applying it twice gives
// the original box back, padding boxes included.
func (b BoundingBox) Mirror() BoundingBox {
	return BoundingBox{
		X1: math32.Abs(1 - b.X2),
		Y1: math32.Abs(b.Y1),
		X2: math32.Abs(1 - b.X1),
		Y2: math32.Abs(b.Y2),
	}
}

// RelativeTo expresses b in the coordinate frame of crop and clips to [0, 1].
func (b BoundingBox) RelativeTo(crop BoundingBox, epsilon float32) BoundingBox {
	w := math32.Max(epsilon, crop.X2-crop.X1)
	h := math32.Max(epsilon, crop.Y2-crop.Y1)
	return BoundingBox{
		X1: (b.X1 - crop.X1) / w,
		Y1: (b.Y1 - crop.Y1) / h,
		X2: (b.X2 - crop.X1) / w,
		Y2: (b.Y2 - crop.Y1) / h,
	}.Clip()
}

// Clamp01 restricts v to [0, 1].
func Clamp01(v float32) float32 {
	return math32.Min(1, math32.Max(0, v))
}

// IoUs broadcasts box against every entry of boxes.
func IoUs(box BoundingBox, boxes []BoundingBox, epsilon float32) []float32 {
	out := make([]float32, len(boxes))
	for i, other := range boxes {
		out[i] = box.IoU(other, epsilon)
	}
	return out
}

// IntersectionRatios returns, for each box, the fraction covered by ref.
func IntersectionRatios(boxes []BoundingBox, ref BoundingBox, epsilon float32) []float32 {
	out := make([]float32, len(boxes))
	for i, b := range boxes {
		out[i] = b.IntersectionRatio(ref, epsilon)
	}
	return out
}

// CountValid returns how many boxes have positive extent.
func CountValid(boxes []BoundingBox) int {
	n := 0
	for _, b := range boxes {
		if b.Valid() {
			n++
		}
	}
	return n
}
