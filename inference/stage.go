package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-cascade/cascade"
	"github.com/nvr-ai/go-cascade/dataset"
	"github.com/nvr-ai/go-cascade/grid"
)

// OutputNames are the graph output names of a stage network. Empty optional
// names mean the network has no such head.
type OutputNames struct {
	Boxes       string `json:"boxes" yaml:"boxes"`
	Scores      string `json:"scores" yaml:"scores"`
	GroupLogits string `json:"group_logits" yaml:"group_logits"`
	Offsets     string `json:"offsets" yaml:"offsets"`
}

// StageConfig describes a stage network exported to ONNX.
type StageConfig struct {
	ModelPath string `json:"model_path" yaml:"model_path"`
	// SharedLibPath overrides the bundled onnxruntime library.
	SharedLibPath string       `json:"shared_lib_path" yaml:"shared_lib_path"`
	BatchSize     int          `json:"batch_size" yaml:"batch_size"`
	ImageSize     int          `json:"image_size" yaml:"image_size"`
	Grid          grid.Offsets `json:"grid" yaml:"grid"`
	BoxesPerCell  int          `json:"boxes_per_cell" yaml:"boxes_per_cell"`
	InputName     string       `json:"input_name" yaml:"input_name"`
	Outputs       OutputNames  `json:"outputs" yaml:"outputs"`
	// IntraOpThreads and InterOpThreads of zero use the runtime defaults.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
}

// Validate checks the static shapes and names.
func (c StageConfig) Validate() error {
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if c.BatchSize <= 0 || c.ImageSize <= 0 || c.BoxesPerCell <= 0 {
		return errors.Errorf("batch size, image size and boxes per cell must be positive, got %d, %d, %d",
			c.BatchSize, c.ImageSize, c.BoxesPerCell)
	}
	if _, err := grid.NewOffsets(c.Grid.Gx, c.Grid.Gy); err != nil {
		return err
	}
	if c.InputName == "" || c.Outputs.Boxes == "" || c.Outputs.Scores == "" {
		return errors.New("input, boxes and scores names are required")
	}
	return nil
}

// Stage is a loaded stage network with preallocated input and output
// tensors. Run calls are serialized.
type Stage struct {
	cfg     StageConfig
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

// NewStage loads the network.
func NewStage(cfg StageConfig) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	libPath := cfg.SharedLibPath
	if libPath == "" {
		var err error
		if libPath, err = SharedLibPath(); err != nil {
			return nil, err
		}
	}
	if err := initEnvironment(libPath); err != nil {
		return nil, err
	}

	s := &Stage{cfg: cfg}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(cfg.BatchSize), 3, int64(cfg.ImageSize), int64(cfg.ImageSize)))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	s.input = input

	names := []string{cfg.Outputs.Boxes, cfg.Outputs.Scores}
	lasts := []int64{4, 1}
	if cfg.Outputs.GroupLogits != "" {
		names = append(names, cfg.Outputs.GroupLogits)
		lasts = append(lasts, 1)
	}
	if cfg.Outputs.Offsets != "" {
		names = append(names, cfg.Outputs.Offsets)
		lasts = append(lasts, 2)
	}
	outputs := make([]ort.ArbitraryTensor, len(names))
	for i, last := range lasts {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(
			int64(cfg.BatchSize), int64(cfg.Grid.Gx), int64(cfg.Grid.Gy), int64(cfg.BoxesPerCell), last))
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "create output tensor %s", names[i])
		}
		s.outputs = append(s.outputs, t)
		outputs[i] = t
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "set inter-op threads")
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, names,
		[]ort.ArbitraryTensor{input}, outputs, options)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "load %s", cfg.ModelPath)
	}
	s.session = session
	return s, nil
}

// Run feeds batch through the network and returns its predictions. Rows
// past the batch are computed on black images; the cascade builder ignores
// them.
func (s *Stage) Run(ctx context.Context, batch dataset.Batch) (cascade.Predictions, error) {
	if err := ctx.Err(); err != nil {
		return cascade.Predictions{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := FillInput(s.input.GetData(), batch, s.cfg.BatchSize, s.cfg.ImageSize); err != nil {
		return cascade.Predictions{}, err
	}
	if err := s.session.Run(); err != nil {
		return cascade.Predictions{}, errors.Wrap(err, "run stage")
	}

	out := StageOutputs{Boxes: s.outputs[0], Scores: s.outputs[1]}
	next := 2
	if s.cfg.Outputs.GroupLogits != "" {
		out.GroupLogits = s.outputs[next]
		next++
	}
	if s.cfg.Outputs.Offsets != "" {
		out.Offsets = s.outputs[next]
	}
	return ToPredictions(out)
}

// Close releases the session and tensors.
func (s *Stage) Close() {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	for _, t := range s.outputs {
		t.Destroy()
	}
	s.outputs = nil
}
