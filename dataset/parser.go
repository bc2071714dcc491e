package dataset

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-cascade/config"
	"github.com/nvr-ai/go-cascade/grid"
	"github.com/nvr-ai/go-cascade/images"
)

// Parser turns raw annotations into stage inputs.
type Parser struct {
	loader     images.Loader
	imageSize  int
	maxNumBBs  int
	offsets    grid.Offsets
	withGroups bool
	method     grid.Method
	numClasses int
}

// NewParser validates the dataset configuration and returns a parser that
// reads images through loader.
//
// Arguments:
// - cfg: The dataset section of the configuration.
// - loader: The image source. It must not be nil.
//
// Returns:
// - The parser, or a *config.ConfigError.
func NewParser(cfg config.DatasetConfig, loader images.Loader) (*Parser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, &config.ConfigError{Field: "loader", Reason: "must not be nil"}
	}
	method, _ := grid.ParseMethod(cfg.GroupingMethod)

	p := &Parser{
		loader:     loader,
		imageSize:  cfg.ImageSize,
		maxNumBBs:  cfg.MaxNumBBs,
		offsets:    cfg.Grid,
		withGroups: cfg.WithGroups,
		method:     method,
	}
	if cfg.WithClasses {
		p.numClasses = cfg.NumClasses
	}
	return p, nil
}

// Offsets returns the grid records are assigned on.
func (p *Parser) Offsets() grid.Offsets {
	return p.offsets
}

// Parse loads the image of raw and computes its padded boxes, class labels,
// occupancy mask and groups.
func (p *Parser) Parse(ctx context.Context, raw RawRecord) (Record, error) {
	img, err := p.loader.Load(ctx, raw.ImageID, p.imageSize)
	if err != nil {
		return Record{}, err
	}
	return p.Annotate(img, raw)
}

// Annotate builds a record around an already loaded image.
func (p *Parser) Annotate(img images.Image, raw RawRecord) (Record, error) {
	boxes, err := PadBoxes(raw.BoundingBoxes, p.maxNumBBs)
	if err != nil {
		return Record{}, errors.Wrapf(err, "image %d", raw.ImageID)
	}

	r := Record{
		ImageID:       raw.ImageID,
		Image:         img,
		NumBoxes:      len(raw.BoundingBoxes),
		BoundingBoxes: boxes,
		ObjMask:       grid.Assign(boxes, p.offsets),
	}

	if p.numClasses > 0 {
		if len(raw.Classes) != len(raw.BoundingBoxes) {
			return Record{}, errors.Errorf("image %d: %d classes for %d boxes", raw.ImageID, len(raw.Classes), len(raw.BoundingBoxes))
		}
		r.ClassLabels, err = OneHot(raw.Classes, p.numClasses, p.maxNumBBs)
		if err != nil {
			return Record{}, errors.Wrapf(err, "image %d", raw.ImageID)
		}
	}

	if p.withGroups {
		r.Groups, err = grid.Group(boxes, r.NumBoxes, r.ObjMask, p.method, r.ClassLabels)
		if err != nil {
			return Record{}, errors.Wrapf(err, "group image %d", raw.ImageID)
		}
	}
	return r, nil
}

// Padding returns a record that only fills a batch: image id -1, a black
// image and no boxes.
func (p *Parser) Padding() Record {
	r, _ := p.Annotate(images.NewImage(p.imageSize, p.imageSize), RawRecord{ImageID: PaddingImageID})
	return r
}
