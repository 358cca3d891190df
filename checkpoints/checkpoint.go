// Package checkpoints persists networks and training progress. Networks are
// stored in an attribute/variable container (see File) whose field names
// follow the NetCDF layout of existing .nc model files; full training
// checkpoints can also be written as JSON.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dsstne/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatNetCDF
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatNetCDF:
		return "NetCDF"
	default:
		return "Unknown"
	}
}

// Checkpoint is a network with its parameters plus the training progress
// and optimizer state needed to resume
type Checkpoint struct {
	Network *layers.NetworkDescriptor `json:"network"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures the optimizer's hyperparameters and accumulators
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor is one accumulator buffer (velocity, gradient velocity)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving checkpoints in one format
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Extension returns the file suffix used for the saver's format
func (cs *CheckpointSaver) Extension() string {
	if cs.format == FormatNetCDF {
		return ".nc"
	}
	return ".json"
}

// SaveCheckpoint saves a complete checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Network == nil {
		return fmt.Errorf("checkpoint has no network")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-dsstne"
		checkpoint.Metadata.Version = fmt.Sprintf("%g", layers.Version)
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatNetCDF:
		return cs.saveNetCDF(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatNetCDF:
		return cs.loadNetCDF(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	if checkpoint.Network == nil {
		return nil, fmt.Errorf("checkpoint %s has no network", path)
	}
	return &checkpoint, nil
}

// saveNetCDF stores the network exactly as SaveNetwork would and appends
// training and optimizer state under their own attribute prefixes, so the
// file still loads as a plain network
func (cs *CheckpointSaver) saveNetCDF(checkpoint *Checkpoint, path string) error {
	f, err := EncodeNetwork(checkpoint.Network)
	if err != nil {
		return errors.Wrap(err, "failed to encode network")
	}

	ts := checkpoint.TrainingState
	f.PutUint64("train_epoch", uint64(ts.Epoch))
	f.PutUint64("train_step", uint64(ts.Step))
	f.PutUint64("train_total_steps", uint64(ts.TotalSteps))
	f.PutFloat32("train_learning_rate", ts.LearningRate)
	f.PutFloat32("train_best_loss", ts.BestLoss)

	md := checkpoint.Metadata
	f.PutString("meta_framework", md.Framework)
	f.PutString("meta_version", md.Version)
	f.PutString("meta_created_at", md.CreatedAt.Format(time.RFC3339Nano))
	f.PutString("meta_description", md.Description)

	if state := checkpoint.OptimizerState; state != nil {
		if err := encodeOptimizer(f, state); err != nil {
			return err
		}
	}
	return f.WriteFile(path)
}

func encodeOptimizer(f *File, state *OptimizerState) error {
	f.PutString("optimizer_type", state.Type)

	var names []string
	for name := range state.Parameters {
		names = append(names, name)
	}
	// map order is random; keep files reproducible
	slices.Sort(names)
	f.PutUint32("optimizer_params", uint32(len(names)))
	for i, name := range names {
		p := fmt.Sprintf("optimizer_param%d_", i)
		f.PutString(p+"name", name)
		switch v := state.Parameters[name].(type) {
		case float32:
			f.PutFloat32(p+"value", v)
		case float64:
			f.PutFloat32(p+"value", float32(v))
		case uint64:
			f.PutUint64(p+"value", v)
		case int:
			f.PutUint64(p+"value", uint64(v))
		case bool:
			f.PutBool(p+"value", v)
		default:
			return fmt.Errorf("optimizer parameter %s has unsupported type %T", name, v)
		}
	}

	f.PutUint32("optimizer_tensors", uint32(len(state.StateData)))
	for i, t := range state.StateData {
		p := fmt.Sprintf("optimizer_tensor%d_", i)
		f.PutString(p+"name", t.Name)
		f.PutString(p+"stateType", t.StateType)
		if err := f.AddDimension(p+"dim", uint64(len(t.Data))); err != nil {
			return err
		}
		if err := f.AddVariable(p+"data", p+"dim", t.Data); err != nil {
			return err
		}
	}
	return nil
}

func (cs *CheckpointSaver) loadNetCDF(path string) (*Checkpoint, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	desc, err := DecodeNetwork(f, path)
	if err != nil {
		return nil, err
	}

	r := &reader{f: f, fname: path}
	cp := &Checkpoint{Network: desc}
	if f.Has("train_epoch") {
		cp.TrainingState = TrainingState{
			Epoch:        int(r.u64("train_epoch")),
			Step:         int(r.u64("train_step")),
			TotalSteps:   int(r.u64("train_total_steps")),
			LearningRate: r.f32("train_learning_rate"),
			BestLoss:     r.f32("train_best_loss"),
		}
	}
	if f.Has("meta_framework") {
		cp.Metadata.Framework = r.str("meta_framework")
		cp.Metadata.Version = r.str("meta_version")
		cp.Metadata.Description = r.str("meta_description")
		if t, err := time.Parse(time.RFC3339Nano, r.str("meta_created_at")); err == nil {
			cp.Metadata.CreatedAt = t
		}
	}
	if f.Has("optimizer_type") {
		cp.OptimizerState = decodeOptimizer(r)
	}
	if r.err != nil {
		return nil, r.err
	}
	return cp, nil
}

func decodeOptimizer(r *reader) *OptimizerState {
	state := &OptimizerState{
		Type:       r.str("optimizer_type"),
		Parameters: make(map[string]interface{}),
	}
	for i, n := 0, int(r.u32("optimizer_params")); i < n && r.err == nil; i++ {
		p := fmt.Sprintf("optimizer_param%d_", i)
		name := r.str(p + "name")
		a, ok := r.f.Attribute(p + "value")
		if !ok {
			r.fail(errors.Wrap(ErrMissingAttribute, p+"value"))
			break
		}
		switch a.Type {
		case AttrFloat32:
			state.Parameters[name] = a.Flt
		case AttrUint64:
			state.Parameters[name] = a.Uint
		case AttrUint32:
			state.Parameters[name] = a.Uint != 0
		default:
			state.Parameters[name] = a.Str
		}
	}
	for i, n := 0, int(r.u32("optimizer_tensors")); i < n && r.err == nil; i++ {
		p := fmt.Sprintf("optimizer_tensor%d_", i)
		data := r.variable(p+"data", p+"dim")
		state.StateData = append(state.StateData, OptimizerTensor{
			Name:      r.str(p + "name"),
			StateType: r.str(p + "stateType"),
			Shape:     []int{len(data)},
			Data:      data,
		})
	}
	return state
}
