// Package dataset turns annotated image ids into batches of stage inputs:
// image loading, grid assignment, grouping, augmentation and the concurrent
// ingestion pipeline.
package dataset

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-cascade/common"
	"github.com/nvr-ai/go-cascade/grid"
	"github.com/nvr-ai/go-cascade/images"
)

// ErrEndOfStream is returned once a pipeline or assembler has no more
// batches. It is a normal termination.
var ErrEndOfStream = errors.New("end of stream")

// PaddingImageID marks records that only fill a batch.
const PaddingImageID = -1

// RawRecord is an annotation as stored by a RecordSource.
type RawRecord struct {
	ImageID       int
	BoundingBoxes []common.BoundingBox
	// Classes holds one class index per box. Nil when the dataset has no
	// class labels.
	Classes []int
}

// Record is one parsed training or inference sample.
type Record struct {
	ImageID int
	Image   images.Image
	// NumBoxes counts the annotated entries of BoundingBoxes. Records built
	// from crops count the boxes that stayed valid.
	NumBoxes int
	// BoundingBoxes is zero padded to the configured maximum.
	BoundingBoxes []common.BoundingBox
	// IsFlipped is 1 when the record was flipped left-right.
	IsFlipped float32
	// ClassLabels holds one one-hot vector per box, nil without classes.
	ClassLabels [][]int32
	ObjMask     grid.OccupancyMask
	// Groups is nil when grouping is disabled.
	Groups *grid.Groups
}

// IsPadding reports whether r only fills a batch.
func (r Record) IsPadding() bool {
	return r.ImageID < 0
}

// Batch is a group of records processed together.
type Batch struct {
	Records []Record
	// Size is the configured batch size; the last batch of a stream may
	// hold fewer records.
	Size int
}

// Len returns the number of records.
func (b Batch) Len() int {
	return len(b.Records)
}

// Ragged reports whether the batch holds fewer records than its size.
func (b Batch) Ragged() bool {
	return len(b.Records) < b.Size
}

// PadBoxes copies boxes into a slice of length n, zero padded.
func PadBoxes(boxes []common.BoundingBox, n int) ([]common.BoundingBox, error) {
	if len(boxes) > n {
		return nil, errors.Errorf("record has %d boxes, at most %d allowed", len(boxes), n)
	}
	out := make([]common.BoundingBox, n)
	copy(out, boxes)
	return out, nil
}

// OneHot encodes class indices as one-hot vectors, zero padded to n rows.
func OneHot(classes []int, numClasses, n int) ([][]int32, error) {
	if len(classes) > n {
		return nil, errors.Errorf("record has %d class labels, at most %d allowed", len(classes), n)
	}
	out := make([][]int32, n)
	for i := range out {
		out[i] = make([]int32, numClasses)
		if i >= len(classes) {
			continue
		}
		k := classes[i]
		if k < 0 || k >= numClasses {
			return nil, errors.Errorf("class %d out of range [0, %d)", k, numClasses)
		}
		out[i][k] = 1
	}
	return out, nil
}
