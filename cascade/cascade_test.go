package cascade

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-cascade/common"
	"github.com/nvr-ai/go-cascade/config"
	"github.com/nvr-ai/go-cascade/dataset"
	"github.com/nvr-ai/go-cascade/grid"
	"github.com/nvr-ai/go-cascade/images"
	"github.com/nvr-ai/go-cascade/profiler"
)

func bb(x1, y1, x2, y2 float32) common.BoundingBox {
	return common.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Dataset.ImageSize = 8
	cfg.Dataset.Grid = grid.Offsets{Gx: 4, Gy: 4}
	cfg.Dataset.MaxNumBBs = 4
	cfg.Dataset.BatchSize = 2

	cfg.Cascade.TrainPatchConfidenceThreshold = 0
	cfg.Cascade.TestPatchConfidenceThreshold = 0
	cfg.Cascade.TrainPatchNMSThreshold = 0.5
	cfg.Cascade.TestPatchNMSThreshold = 0.5
	cfg.Cascade.TrainNumCrops = 2
	cfg.Cascade.TestNumCrops = 2
	cfg.Cascade.ImageSize = 4
	cfg.Cascade.Grid = grid.Offsets{Gx: 2, Gy: 2}
	cfg.Cascade.IntersectionRatioThreshold = 0.2
	cfg.Cascade.NumWorkers = 2
	cfg.Cascade.Queue = config.QueueConfig{
		BatchSize:     2,
		Capacity:      8,
		NumThreads:    1,
		ShuffleBuffer: 1,
		RaggedPolicy:  config.RaggedFlush,
		Seed:          1,
	}
	return cfg
}

func newBuilder(t *testing.T, cfg config.Config, loader images.Loader) *Builder {
	t.Helper()
	b, err := NewBuilder(cfg, loader, profiler.NewStageTimer(0), nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

// scenarioPredictions holds one image on a 2×2 grid with one box per cell:
// boxes 0 and 1 overlap heavily, box 3 sits inside box 2.
func scenarioPredictions(withGroups bool) Predictions {
	p := NewPredictions(1, grid.Offsets{Gx: 2, Gy: 2}, 1, withGroups, false)
	p.Set(0, 0, 0, 0, bb(0, 0, 0.5, 0.5), 0.9)
	p.Set(0, 0, 1, 0, bb(0.05, 0, 0.5, 0.5), 0.8)
	p.Set(0, 1, 0, 0, bb(0.5, 0.5, 1, 1), 0.85)
	p.Set(0, 1, 1, 0, bb(0.6, 0.6, 0.9, 0.9), 0.1)
	return p
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"train", "val", "test"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}

	_, err := ParseMode("eval")
	var cerr *config.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "mode", cerr.Field)
}

func TestPredictions_Flatten(t *testing.T) {
	p := NewPredictions(2, grid.Offsets{Gx: 2, Gy: 2}, 2, true, true)
	p.Set(1, 1, 0, 1, bb(0.1, 0.2, 0.3, 0.4), 0.7)
	p.SetGroupLogit(1, 1, 0, 1, 2.5)
	p.SetOffset(1, 1, 0, 1, [2]float32{0.5, 0.25})

	flat, err := p.Flatten()
	require.NoError(t, err)
	require.Len(t, flat, 2)
	assert.Equal(t, 8, flat[1].Candidates.Len())

	// Cell (1, 0), box 1 of an x-major 2×2 grid with two boxes per cell.
	idx := (1*2+0)*2 + 1
	assert.Equal(t, bb(0.1, 0.2, 0.3, 0.4), flat[1].Candidates.Boxes[idx])
	assert.Equal(t, float32(0.7), flat[1].Candidates.Scores[idx])
	assert.Equal(t, float32(2.5), flat[1].GroupLogits[idx])
	assert.Equal(t, [2]float32{0.5, 0.25}, flat[1].Offsets[idx])
	assert.Equal(t, float32(0), flat[0].Candidates.Scores[idx])
}

func TestPredictions_Validate(t *testing.T) {
	p := NewPredictions(1, grid.Offsets{Gx: 2, Gy: 2}, 1, false, false)
	assert.NoError(t, p.Validate())

	other := NewPredictions(2, grid.Offsets{Gx: 2, Gy: 2}, 1, true, false)
	p.GroupLogits = other.GroupLogits
	assert.Error(t, p.Validate())

	_, err := Predictions{}.Flatten()
	assert.Error(t, err)
}

func TestExtractCrops_Selection(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.CascadeConfig)
		expected []CropBox
	}{
		{
			name:   "NMS suppresses the overlapping box",
			mutate: func(c *config.CascadeConfig) {},
			expected: []CropBox{
				{Box: bb(0, 0, 0.5, 0.5), Score: 0.9},
				{Box: bb(0.5, 0.5, 1, 1), Score: 0.85},
			},
		},
		{
			name:   "NMS keeps the contained box below the threshold",
			mutate: func(c *config.CascadeConfig) { c.TrainNumCrops = 3 },
			expected: []CropBox{
				{Box: bb(0, 0, 0.5, 0.5), Score: 0.9},
				{Box: bb(0.5, 0.5, 1, 1), Score: 0.85},
				{Box: bb(0.6, 0.6, 0.9, 0.9), Score: 0.1},
			},
		},
		{
			name:   "Top-k without suppression",
			mutate: func(c *config.CascadeConfig) { c.TrainNumCrops = 3; c.TrainPatchNMSThreshold = 1 },
			expected: []CropBox{
				{Box: bb(0, 0, 0.5, 0.5), Score: 0.9},
				{Box: bb(0.5, 0.5, 1, 1), Score: 0.85},
				{Box: bb(0.05, 0, 0.5, 0.5), Score: 0.8},
			},
		},
		{
			name:   "Confidence threshold pads with zero crops",
			mutate: func(c *config.CascadeConfig) { c.TrainNumCrops = 3; c.TrainPatchConfidenceThreshold = 0.5 },
			expected: []CropBox{
				{Box: bb(0, 0, 0.5, 0.5), Score: 0.9},
				{Box: bb(0.5, 0.5, 1, 1), Score: 0.85},
				{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg.Cascade)
			b := newBuilder(t, cfg, nil)

			ext, err := b.ExtractCrops(context.Background(), ModeTrain, scenarioPredictions(false), -1)
			require.NoError(t, err)
			require.Len(t, ext.Crops, 1)
			assert.Equal(t, tt.expected, ext.Crops[0])
			assert.Empty(t, ext.Shortcuts[0])
			assert.Equal(t, []bool{false, false, false, false}, ext.KeptOut[0])
		})
	}
}

func TestExtractCrops_Shortcuts(t *testing.T) {
	cfg := testConfig()
	cfg.Cascade.TestPatchStrongConfidenceThreshold = 0.88
	b := newBuilder(t, cfg, nil)

	preds := scenarioPredictions(true)
	preds.SetGroupLogit(0, 0, 0, 0, -5)
	preds.SetGroupLogit(0, 0, 1, 0, -5)
	preds.SetGroupLogit(0, 1, 0, 0, 5)
	preds.SetGroupLogit(0, 1, 1, 0, -5)

	for _, mode := range []Mode{ModeVal, ModeTest} {
		t.Run(string(mode), func(t *testing.T) {
			ext, err := b.ExtractCrops(context.Background(), mode, preds, -1)
			require.NoError(t, err)

			assert.Equal(t, []CropBox{{Box: bb(0, 0, 0.5, 0.5), Score: 0.9, KeptOut: true}}, ext.Shortcuts[0])
			assert.Equal(t, []bool{true, false, false, false}, ext.KeptOut[0])
			assert.Equal(t, []CropBox{
				{Box: bb(0.5, 0.5, 1, 1), Score: 0.85},
				{Box: bb(0.05, 0, 0.5, 0.5), Score: 0.8},
			}, ext.Crops[0])
		})
	}

	t.Run("train", func(t *testing.T) {
		ext, err := b.ExtractCrops(context.Background(), ModeTrain, preds, -1)
		require.NoError(t, err)
		assert.Empty(t, ext.Shortcuts[0])
		assert.Equal(t, float32(0.9), ext.Crops[0][0].Score)
	})

	t.Run("without group logits", func(t *testing.T) {
		cfg := testConfig()
		cfg.Cascade.TestPatchStrongConfidenceThreshold = 0.82
		b := newBuilder(t, cfg, nil)

		ext, err := b.ExtractCrops(context.Background(), ModeTest, scenarioPredictions(false), -1)
		require.NoError(t, err)
		assert.Len(t, ext.Shortcuts[0], 2)
		assert.Equal(t, []bool{true, false, true, false}, ext.KeptOut[0])
		assert.Equal(t, bb(0.05, 0, 0.5, 0.5), ext.Crops[0][0].Box)
	})
}

func TestExtractCrops_Rescale(t *testing.T) {
	cfg := testConfig()
	cfg.Cascade.TrainNumCrops = 1
	b := newBuilder(t, cfg, nil)

	preds := NewPredictions(1, grid.Offsets{Gx: 1, Gy: 1}, 1, false, true)
	preds.Set(0, 0, 0, 0, bb(0.4, 0.45, 0.6, 0.55), 0.9)
	preds.SetOffset(0, 0, 0, 0, [2]float32{0.5, 0.5})

	ext, err := b.ExtractCrops(context.Background(), ModeTrain, preds, -1)
	require.NoError(t, err)
	got := ext.Crops[0][0].Box
	assert.InDeltaSlice(t, []float32{0.3, 0.3, 0.7, 0.7}, got.Slice(), 1e-5)
}

func TestExtractCrops_AllCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.Cascade.TrainNumCrops = 0
	cfg.Cascade.TrainPatchConfidenceThreshold = 0.5
	b := newBuilder(t, cfg, nil)

	ext, err := b.ExtractCrops(context.Background(), ModeTrain, scenarioPredictions(false), -1)
	require.NoError(t, err)
	require.Len(t, ext.Crops[0], 4)
	assert.Equal(t, CropBox{Box: bb(0.05, 0, 0.5, 0.5), Score: 0.8}, ext.Crops[0][1])
	assert.Equal(t, CropBox{}, ext.Crops[0][3])
}

func TestExtractCrops_Errors(t *testing.T) {
	b := newBuilder(t, testConfig(), nil)

	_, err := b.ExtractCrops(context.Background(), Mode("eval"), scenarioPredictions(false), -1)
	var cerr *config.ConfigError
	assert.ErrorAs(t, err, &cerr)

	tooLarge := NewPredictions(3, grid.Offsets{Gx: 2, Gy: 2}, 1, false, false)
	_, err = b.ExtractCrops(context.Background(), ModeTrain, tooLarge, -1)
	assert.Error(t, err)

	_, err = b.ExtractCrops(context.Background(), ModeTrain, scenarioPredictions(false), 2)
	assert.Error(t, err)
}

func record(id int, img images.Image, boxes ...common.BoundingBox) dataset.Record {
	padded, _ := dataset.PadBoxes(boxes, 4)
	return dataset.Record{
		ImageID:       id,
		Image:         img,
		NumBoxes:      len(boxes),
		BoundingBoxes: padded,
		ClassLabels:   [][]int32{{0, 1}, {1, 0}, {0, 0}, {0, 0}},
	}
}

func TestNextStageInputs_Remap(t *testing.T) {
	b := newBuilder(t, testConfig(), nil)
	img := images.NewImage(8, 8).Fill([3]float32{0.5, 0.25, 1})
	r := record(3, img,
		bb(0, 0, 1, 1),
		bb(0.4, 0.4, 0.6, 0.6),
		bb(0.6, 0.6, 0.9, 0.9),
	)
	crop := CropBox{Box: bb(0, 0, 0.5, 0.5), Score: 0.7}

	sets, err := b.NextStageInputs(context.Background(),
		dataset.Batch{Records: []dataset.Record{r}, Size: 2},
		[][]CropBox{{crop, {}}})
	require.NoError(t, err)
	require.Len(t, sets, 2)

	ds := sets[0]
	assert.Equal(t, 3, ds.ImageID)
	assert.Equal(t, crop, ds.Crop)
	assert.Equal(t, bb(0, 0, 1, 1), ds.BoundingBoxes[0])
	assert.InDeltaSlice(t, []float32{0.8, 0.8, 1, 1}, ds.BoundingBoxes[1].Slice(), 1e-5)
	assert.True(t, ds.BoundingBoxes[2].IsZero(), "a box outside the crop is dropped")
	assert.Equal(t, 2, ds.NumBoxes)
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, ds.ObjMask.Cells(0))
	assert.Equal(t, [][2]int{{1, 1}}, ds.ObjMask.Cells(1))
	assert.Equal(t, r.ClassLabels, ds.ClassLabels)
	assert.Equal(t, 4, ds.Image.Height())
	assert.Equal(t, [3]float32{0.5, 0.25, 1}, ds.Image.Pixel(2, 2))

	// The zero crop keeps nothing but still tiles the labels.
	assert.Equal(t, 0, sets[1].NumBoxes)
	assert.Equal(t, 3, sets[1].ImageID)
	assert.False(t, Admissible(sets[1]))
}

func TestNextStageInputs_RatioIsStrict(t *testing.T) {
	cfg := testConfig()
	cfg.Cascade.IntersectionRatioThreshold = 0.25
	b := newBuilder(t, cfg, nil)

	// Exactly a quarter of the box lies inside the crop.
	r := record(1, images.NewImage(8, 8), bb(0, 0, 1, 1))
	sets, err := b.NextStageInputs(context.Background(),
		dataset.Batch{Records: []dataset.Record{r}, Size: 1},
		[][]CropBox{{{Box: bb(0, 0, 0.5, 0.5)}}})
	require.NoError(t, err)
	assert.True(t, sets[0].BoundingBoxes[0].IsZero())
	assert.Equal(t, 0, sets[0].NumBoxes)
}

// markLoader serves black images with a white top-left pixel.
type markLoader struct{}

func (l markLoader) Load(_ context.Context, id int, size int) (images.Image, error) {
	if id == 99 {
		return images.Image{}, errors.New("missing")
	}
	img := images.NewImage(size, size)
	img.SetPixel(0, 0, [3]float32{1, 1, 1})
	return img, nil
}

func TestNextStageInputs_Reload(t *testing.T) {
	cfg := testConfig()
	cfg.Cascade.FullImageSize = 4
	b := newBuilder(t, cfg, markLoader{})

	flipped := record(1, images.NewImage(8, 8))
	flipped.IsFlipped = 1
	plain := record(2, images.NewImage(8, 8))
	padding := record(dataset.PaddingImageID, images.NewImage(8, 8))
	full := CropBox{Box: bb(0, 0, 1, 1)}

	sets, err := b.NextStageInputs(context.Background(),
		dataset.Batch{Records: []dataset.Record{flipped, plain, padding}, Size: 3},
		[][]CropBox{{full}, {full}, {full}})
	require.NoError(t, err)
	require.Len(t, sets, 3)

	white := [3]float32{1, 1, 1}
	assert.Equal(t, white, sets[0].Image.Pixel(3, 0))
	assert.Equal(t, [3]float32{}, sets[0].Image.Pixel(0, 0))
	assert.Equal(t, float32(1), sets[0].IsFlipped)
	assert.Equal(t, white, sets[1].Image.Pixel(0, 0))
	assert.True(t, sets[2].Image.Equal(images.NewImage(4, 4)))

	missing := record(99, images.NewImage(8, 8))
	_, err = b.NextStageInputs(context.Background(),
		dataset.Batch{Records: []dataset.Record{missing}, Size: 1},
		[][]CropBox{{full}})
	assert.Error(t, err)
}

func TestNextStageInputs_RowMismatch(t *testing.T) {
	b := newBuilder(t, testConfig(), nil)
	_, err := b.NextStageInputs(context.Background(), dataset.Batch{Size: 2}, [][]CropBox{{}})
	assert.Error(t, err)
}

func TestBuilder_StepWithQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Cascade.UseQueue = true
	b := newBuilder(t, cfg, nil)
	require.NotNil(t, b.Assembler())

	preds := NewPredictions(2, grid.Offsets{Gx: 2, Gy: 2}, 1, false, false)
	preds.Set(0, 0, 0, 0, bb(0, 0, 0.5, 0.5), 0.9)
	preds.Set(0, 1, 1, 0, bb(0.5, 0.5, 1, 1), 0.8)
	preds.Set(1, 0, 0, 0, bb(0.2, 0.2, 0.4, 0.4), 0.6)

	img := images.NewImage(8, 8)
	batch := dataset.Batch{Records: []dataset.Record{
		record(10, img, bb(0.1, 0.1, 0.3, 0.3)),
		record(11, img, bb(0.25, 0.25, 0.35, 0.35)),
	}, Size: 2}

	res, err := b.Step(context.Background(), ModeTrain, batch, preds)
	require.NoError(t, err)
	require.Len(t, res.Inputs, 4)
	assert.Equal(t, []int{10, 10, 11, 11}, []int{res.Inputs[0].ImageID, res.Inputs[1].ImageID, res.Inputs[2].ImageID, res.Inputs[3].ImageID})

	b.Close()
	a := b.Assembler()

	first, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, first.Ragged())
	assert.Equal(t, 10, first.Sets[0].ImageID)
	assert.Equal(t, 10, first.Sets[1].ImageID)

	last, err := a.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, last.Len())
	assert.True(t, last.Ragged())
	assert.Equal(t, 11, last.Sets[0].ImageID)
	assert.Equal(t, 1, last.Sets[0].NumBoxes)

	_, err = a.Next(context.Background())
	assert.ErrorIs(t, err, dataset.ErrEndOfStream)

	admitted, rejected := a.Stats()
	assert.Equal(t, int64(3), admitted)
	assert.Equal(t, int64(1), rejected)
}

func TestBuilder_StepShortBatch(t *testing.T) {
	b := newBuilder(t, testConfig(), nil)

	// A static batch of two prediction rows for a final batch of one record.
	preds := NewPredictions(2, grid.Offsets{Gx: 2, Gy: 2}, 1, false, false)
	preds.Set(0, 0, 0, 0, bb(0, 0, 0.5, 0.5), 0.9)
	preds.Set(1, 1, 1, 0, bb(0.5, 0.5, 1, 1), 0.8)

	batch := dataset.Batch{Records: []dataset.Record{
		record(10, images.NewImage(8, 8), bb(0.1, 0.1, 0.3, 0.3)),
	}, Size: 2}
	require.True(t, batch.Ragged())

	res, err := b.Step(context.Background(), ModeTrain, batch, preds)
	require.NoError(t, err)
	require.Len(t, res.Crops, 1)
	assert.Len(t, res.Shortcuts, 1)
	assert.Len(t, res.KeptOut, 1)
	require.Len(t, res.Inputs, 2)
	assert.Equal(t, bb(0, 0, 0.5, 0.5), res.Inputs[0].Crop.Box)
	for _, ds := range res.Inputs {
		assert.Equal(t, 10, ds.ImageID)
	}
}

func TestBuilder_Padding(t *testing.T) {
	cfg := testConfig()
	cfg.Dataset.WithClasses = true
	cfg.Dataset.NumClasses = 3
	b := newBuilder(t, cfg, nil)

	p := b.Padding()
	assert.True(t, p.IsPadding())
	assert.Len(t, p.BoundingBoxes, 4)
	assert.Equal(t, 4, p.Image.Width())
	assert.Len(t, p.ClassLabels, 4)
	assert.Equal(t, []int32{0, 0, 0}, p.ClassLabels[0])
	assert.False(t, Admissible(p))
}

func TestNewBuilder_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Cascade.IntersectionRatioThreshold = 1
	_, err := NewBuilder(cfg, nil, nil, nil)
	var cerr *config.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "cascade.intersection_ratio_threshold", cerr.Field)
}
