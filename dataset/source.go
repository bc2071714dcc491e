package dataset

import (
	"context"

	"github.com/nvr-ai/go-cascade/images"
	"github.com/nvr-ai/go-cascade/util"
)

// Iterator walks one pass over a RecordSource.
type Iterator interface {
	// Next returns the next record, or ErrEndOfStream after the last one.
	Next(ctx context.Context) (RawRecord, error)
}

// RecordSource yields annotations. Every call to Iterate starts a new pass,
// so a source can be replayed once per epoch.
type RecordSource interface {
	Iterate(ctx context.Context) (Iterator, error)
}

// SliceSource serves records from memory.
type SliceSource struct {
	Records []RawRecord
}

// Iterate implements RecordSource.
func (s SliceSource) Iterate(ctx context.Context) (Iterator, error) {
	return &sliceIterator{records: s.Records}, ctx.Err()
}

type sliceIterator struct {
	records []RawRecord
	pos     int
}

func (it *sliceIterator) Next(ctx context.Context) (RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return RawRecord{}, err
	}
	if it.pos >= len(it.records) {
		return RawRecord{}, ErrEndOfStream
	}
	r := it.records[it.pos]
	it.pos++
	return r, nil
}

// DirectorySource yields one box-less record per image found in a folder,
// for running a trained cascade on unannotated images.
type DirectorySource struct {
	Folder string
	Format images.Format
}

// Iterate lists the folder and serves the images in ascending id order.
func (s DirectorySource) Iterate(ctx context.Context) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := util.ListImageIDs(s.Folder, s.Format)
	if err != nil {
		return nil, err
	}
	records := make([]RawRecord, len(ids))
	for i, id := range ids {
		records[i] = RawRecord{ImageID: id}
	}
	return &sliceIterator{records: records}, nil
}
