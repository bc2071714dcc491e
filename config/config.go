// Package config - configuration of the ingestion pipeline and the cascade
// crop extraction.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-cascade/common"
	"github.com/nvr-ai/go-cascade/grid"
	"github.com/nvr-ai/go-cascade/images"
)

// ConfigError reports an invalid configuration value. It is returned at
// construction time, before any data flows.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RaggedPolicy decides what happens to a final batch shorter than the batch
// size.
type RaggedPolicy string

const (
	// RaggedFlush emits the short batch as is.
	RaggedFlush RaggedPolicy = "flush"
	// RaggedPad fills the short batch with padding entries (image id -1).
	RaggedPad RaggedPolicy = "pad"
	// RaggedDrop discards the short batch.
	RaggedDrop RaggedPolicy = "drop"
)

// Valid reports whether p is a known policy.
func (p RaggedPolicy) Valid() bool {
	switch p {
	case RaggedFlush, RaggedPad, RaggedDrop:
		return true
	}
	return false
}

// Config is the root configuration.
type Config struct {
	Dataset DatasetConfig `json:"dataset" yaml:"dataset"`
	Cascade CascadeConfig `json:"cascade" yaml:"cascade"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	// Epsilon floors geometric denominators.
	Epsilon float32 `json:"epsilon" yaml:"epsilon"`
}

// DatasetConfig configures record parsing and the ingestion pipeline.
type DatasetConfig struct {
	// ImageFolder holds the images named after ImageFormat.
	ImageFolder string `json:"image_folder" yaml:"image_folder"`
	// ImageFormat is the dataset naming convention (vedai, sdd, dota, frames).
	ImageFormat string `json:"image_format" yaml:"image_format"`
	// ImageSize is the side of the square stage input.
	ImageSize int `json:"image_size" yaml:"image_size"`
	// Grid is the output grid of the first stage.
	Grid grid.Offsets `json:"grid" yaml:"grid"`
	// MaxNumBBs is the padded number of ground-truth boxes per record.
	MaxNumBBs int `json:"max_num_bbs" yaml:"max_num_bbs"`

	WithGroups     bool   `json:"with_groups" yaml:"with_groups"`
	GroupingMethod string `json:"grouping_method" yaml:"grouping_method"`
	WithClasses    bool   `json:"with_classes" yaml:"with_classes"`
	NumClasses     int    `json:"num_classes" yaml:"num_classes"`

	BatchSize        int          `json:"batch_size" yaml:"batch_size"`
	NumEpochs        int          `json:"num_epochs" yaml:"num_epochs"`
	ShuffleBuffer    int          `json:"shuffle_buffer" yaml:"shuffle_buffer"`
	NumParserThreads int          `json:"num_parser_threads" yaml:"num_parser_threads"`
	PrefetchCapacity int          `json:"prefetch_capacity" yaml:"prefetch_capacity"`
	RaggedPolicy     RaggedPolicy `json:"ragged_policy" yaml:"ragged_policy"`

	// DataAugmentationThreshold is the probability of flipping a record.
	// Zero disables augmentation.
	DataAugmentationThreshold float32 `json:"data_augmentation_threshold" yaml:"data_augmentation_threshold"`
	// Seed drives shuffling and augmentation. Zero seeds from the clock.
	Seed int64 `json:"seed" yaml:"seed"`

	// Subset keeps only the first Subset records when positive.
	Subset     int `json:"subset" yaml:"subset"`
	NumShards  int `json:"num_shards" yaml:"num_shards"`
	ShardIndex int `json:"shard_index" yaml:"shard_index"`
	// SkipOnError logs and drops records whose image fails to load instead
	// of failing the pipeline.
	SkipOnError bool `json:"skip_on_error" yaml:"skip_on_error"`
}

// CascadeConfig configures crop extraction and next-stage input assembly.
type CascadeConfig struct {
	TrainPatchConfidenceThreshold float32 `json:"train_patch_confidence_threshold" yaml:"train_patch_confidence_threshold"`
	TestPatchConfidenceThreshold  float32 `json:"test_patch_confidence_threshold" yaml:"test_patch_confidence_threshold"`
	TrainPatchNMSThreshold        float32 `json:"train_patch_nms_threshold" yaml:"train_patch_nms_threshold"`
	TestPatchNMSThreshold         float32 `json:"test_patch_nms_threshold" yaml:"test_patch_nms_threshold"`
	TrainNumCrops                 int     `json:"train_num_crops" yaml:"train_num_crops"`
	TestNumCrops                  int     `json:"test_num_crops" yaml:"test_num_crops"`
	// TestPatchStrongConfidenceThreshold keeps confident individuals out of
	// the crops at val/test time. 1 disables the shortcut.
	TestPatchStrongConfidenceThreshold float32 `json:"test_patch_strong_confidence_threshold" yaml:"test_patch_strong_confidence_threshold"`

	// ImageSize is the side of the next-stage patches.
	ImageSize int `json:"image_size" yaml:"image_size"`
	// FullImageSize reloads the source image at this size before cropping.
	// Zero crops the stage input image.
	FullImageSize int `json:"full_image_size" yaml:"full_image_size"`
	// Grid is the output grid of the next stage.
	Grid grid.Offsets `json:"grid" yaml:"grid"`
	// IntersectionRatioThreshold is the fraction of a box that must lie in a
	// crop for the box to follow it.
	IntersectionRatioThreshold float32 `json:"intersection_ratio_threshold" yaml:"intersection_ratio_threshold"`
	// NumWorkers bounds the per-image NMS workers.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`

	UseQueue bool        `json:"use_queue" yaml:"use_queue"`
	Queue    QueueConfig `json:"queue" yaml:"queue"`
}

// QueueConfig configures the next-stage batch assembler.
type QueueConfig struct {
	BatchSize     int          `json:"batch_size" yaml:"batch_size"`
	Capacity      int          `json:"capacity" yaml:"capacity"`
	NumThreads    int          `json:"num_threads" yaml:"num_threads"`
	ShuffleBuffer int          `json:"shuffle_buffer" yaml:"shuffle_buffer"`
	RaggedPolicy  RaggedPolicy `json:"ragged_policy" yaml:"ragged_policy"`
	Seed          int64        `json:"seed" yaml:"seed"`
}

// DefaultConfig returns a configuration with sensible defaults for two
// stages on aerial imagery.
//
// Returns:
//   - Config: Defaults that pass Validate once ImageFolder is set.
//
// @example
// cfg := config.DefaultConfig()
// cfg.Dataset.ImageFolder = "/data/vedai/images"
// err := cfg.Validate()
func DefaultConfig() Config {
	return Config{
		Dataset: DatasetConfig{
			ImageFormat:               images.FormatVEDAI.Name,
			ImageSize:                 512,
			Grid:                      grid.Offsets{Gx: 16, Gy: 16},
			MaxNumBBs:                 50,
			WithGroups:                true,
			GroupingMethod:            string(grid.MethodIntersect),
			BatchSize:                 16,
			NumEpochs:                 1,
			ShuffleBuffer:             1,
			NumParserThreads:          4,
			PrefetchCapacity:          1,
			RaggedPolicy:              RaggedFlush,
			DataAugmentationThreshold: 0.5,
			NumShards:                 1,
		},
		Cascade: CascadeConfig{
			TrainPatchConfidenceThreshold:      0,
			TestPatchConfidenceThreshold:       0.1,
			TrainPatchNMSThreshold:             0.25,
			TestPatchNMSThreshold:              0.25,
			TrainNumCrops:                      5,
			TestNumCrops:                       5,
			TestPatchStrongConfidenceThreshold: 1,
			ImageSize:                          256,
			Grid:                               grid.Offsets{Gx: 8, Gy: 8},
			IntersectionRatioThreshold:         0.25,
			NumWorkers:                         4,
			Queue: QueueConfig{
				BatchSize:     16,
				Capacity:      5000,
				NumThreads:    1,
				ShuffleBuffer: 1,
				RaggedPolicy:  RaggedFlush,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Epsilon: common.DefaultEpsilon,
	}
}

// Load reads a YAML file over DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every field and returns the first *ConfigError found.
func (c Config) Validate() error {
	if !(c.Epsilon > 0) {
		return invalid("epsilon", "must be positive, got %g", c.Epsilon)
	}
	if err := c.Dataset.Validate(); err != nil {
		return err
	}
	if err := c.Cascade.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// Validate checks the dataset section.
func (d DatasetConfig) Validate() error {
	if _, err := images.ParseFormat(d.ImageFormat); err != nil {
		return invalid("dataset.image_format", "%v", err)
	}
	if d.ImageSize <= 0 {
		return invalid("dataset.image_size", "must be positive, got %d", d.ImageSize)
	}
	if _, err := grid.NewOffsets(d.Grid.Gx, d.Grid.Gy); err != nil {
		return invalid("dataset.grid", "%v", err)
	}
	if d.MaxNumBBs <= 0 {
		return invalid("dataset.max_num_bbs", "must be positive, got %d", d.MaxNumBBs)
	}
	if _, err := grid.ParseMethod(d.GroupingMethod); err != nil {
		return invalid("dataset.grouping_method", "%v", err)
	}
	if d.WithClasses && d.NumClasses <= 0 {
		return invalid("dataset.num_classes", "must be positive when with_classes is set, got %d", d.NumClasses)
	}
	if d.BatchSize <= 0 {
		return invalid("dataset.batch_size", "must be positive, got %d", d.BatchSize)
	}
	if d.NumEpochs <= 0 {
		return invalid("dataset.num_epochs", "must be positive, got %d", d.NumEpochs)
	}
	if d.ShuffleBuffer <= 0 {
		return invalid("dataset.shuffle_buffer", "must be positive, got %d", d.ShuffleBuffer)
	}
	if d.NumParserThreads <= 0 {
		return invalid("dataset.num_parser_threads", "must be positive, got %d", d.NumParserThreads)
	}
	if d.PrefetchCapacity < 0 {
		return invalid("dataset.prefetch_capacity", "must not be negative, got %d", d.PrefetchCapacity)
	}
	if !d.RaggedPolicy.Valid() {
		return invalid("dataset.ragged_policy", "unknown policy %q", d.RaggedPolicy)
	}
	if d.DataAugmentationThreshold < 0 || d.DataAugmentationThreshold > 1 {
		return invalid("dataset.data_augmentation_threshold", "must be in [0, 1], got %g", d.DataAugmentationThreshold)
	}
	if d.Subset < 0 {
		return invalid("dataset.subset", "must not be negative, got %d", d.Subset)
	}
	if d.NumShards <= 0 || d.ShardIndex < 0 || d.ShardIndex >= d.NumShards {
		return invalid("dataset.shard_index", "shard %d of %d", d.ShardIndex, d.NumShards)
	}
	return nil
}

// Validate checks the cascade section.
func (c CascadeConfig) Validate() error {
	if c.TrainPatchNMSThreshold < 0 || c.TrainPatchNMSThreshold > 1 {
		return invalid("cascade.train_patch_nms_threshold", "must be in [0, 1], got %g", c.TrainPatchNMSThreshold)
	}
	if c.TestPatchNMSThreshold < 0 || c.TestPatchNMSThreshold > 1 {
		return invalid("cascade.test_patch_nms_threshold", "must be in [0, 1], got %g", c.TestPatchNMSThreshold)
	}
	if c.TrainNumCrops < 0 || c.TestNumCrops < 0 {
		return invalid("cascade.num_crops", "must not be negative, got train=%d test=%d", c.TrainNumCrops, c.TestNumCrops)
	}
	if c.ImageSize <= 0 {
		return invalid("cascade.image_size", "must be positive, got %d", c.ImageSize)
	}
	if c.FullImageSize < 0 {
		return invalid("cascade.full_image_size", "must not be negative, got %d", c.FullImageSize)
	}
	if _, err := grid.NewOffsets(c.Grid.Gx, c.Grid.Gy); err != nil {
		return invalid("cascade.grid", "%v", err)
	}
	if c.IntersectionRatioThreshold < 0 || c.IntersectionRatioThreshold >= 1 {
		return invalid("cascade.intersection_ratio_threshold", "must be in [0, 1), got %g", c.IntersectionRatioThreshold)
	}
	if c.NumWorkers <= 0 {
		return invalid("cascade.num_workers", "must be positive, got %d", c.NumWorkers)
	}
	if c.UseQueue {
		return c.Queue.Validate()
	}
	return nil
}

// Validate checks the queue section.
func (q QueueConfig) Validate() error {
	if q.BatchSize <= 0 {
		return invalid("cascade.queue.batch_size", "must be positive, got %d", q.BatchSize)
	}
	if q.Capacity < q.BatchSize {
		return invalid("cascade.queue.capacity", "must hold at least one batch of %d, got %d", q.BatchSize, q.Capacity)
	}
	if q.NumThreads <= 0 {
		return invalid("cascade.queue.num_threads", "must be positive, got %d", q.NumThreads)
	}
	if q.ShuffleBuffer <= 0 {
		return invalid("cascade.queue.shuffle_buffer", "must be positive, got %d", q.ShuffleBuffer)
	}
	if !q.RaggedPolicy.Valid() {
		return invalid("cascade.queue.ragged_policy", "unknown policy %q", q.RaggedPolicy)
	}
	return nil
}
