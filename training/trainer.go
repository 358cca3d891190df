// Package training runs epochs of optimizer steps over an engine.Network:
// it walks the bound data sets batch by batch, schedules the learning
// rate, validates, reports progress on rank 0 and writes periodic
// checkpoints. Every exported method that touches the network is
// collective and must be called in the same order on every rank.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-dsstne/checkpoints"
	"github.com/tsawler/go-dsstne/device"
	"github.com/tsawler/go-dsstne/engine"
	"github.com/tsawler/go-dsstne/layers"
	"github.com/tsawler/go-dsstne/optimizer"
)

// Trainer drives one network through a training run
type Trainer struct {
	net    *engine.Network
	dctx   *device.Context
	config Config
	opt    *optimizer.Optimizer
	sched  LRScheduler
	saver  *checkpoints.CheckpointSaver
	logger *slog.Logger

	history   History
	epoch     int
	bestError float32

	// rank 0 writes checkpoints in the background; flush collects them
	writes *errgroup.Group
}

// batchRange is one step's slice of the data
type batchRange struct {
	position, size uint32
}

// NewTrainer validates config and prepares net for training with it
func NewTrainer(net *engine.Network, config Config) (*Trainer, error) {
	if net == nil {
		return nil, errors.New("network cannot be nil")
	}
	dctx := net.Context()
	if err := config.Validate(); err != nil {
		return nil, dctx.ConfigError("training.NewTrainer", "%v", err)
	}
	opt, err := optimizer.NewOptimizer(config.Optimizer)
	if err != nil {
		return nil, dctx.ConfigError("training.NewTrainer", "%v", err)
	}
	if config.BatchSize > 0 && config.BatchSize != net.Batch() {
		if err := net.SetBatch(config.BatchSize); err != nil {
			return nil, err
		}
	}
	net.SetTrainingMode(config.Optimizer.Mode)

	sched := config.Scheduler
	if sched == nil {
		sched = NoOpScheduler{}
	}
	logger := config.Logger
	if logger == nil {
		logger = dctx.Logger()
	}
	return &Trainer{
		net:       net,
		dctx:      dctx,
		config:    config,
		opt:       opt,
		sched:     sched,
		saver:     checkpoints.NewCheckpointSaver(config.CheckpointFormat),
		logger:    logger,
		bestError: float32(1e30),
		writes:    new(errgroup.Group),
	}, nil
}

// Epoch returns the number of completed epochs
func (t *Trainer) Epoch() int { return t.epoch }

// History returns the metrics of every epoch trained so far
func (t *Trainer) History() History { return t.history }

// Optimizer returns the optimizer tracking the run's hyperparameters
func (t *Trainer) Optimizer() *optimizer.Optimizer { return t.opt }

// Train runs the remaining epochs. Checkpoints are flushed before it
// returns successfully.
func (t *Trainer) Train(ctx context.Context) (History, error) {
	if t.dctx.ID() == 0 {
		var params uint64
		for _, w := range t.net.Weights() {
			if !w.Shared() {
				params += w.Size()
			}
		}
		t.logger.Info("training started",
			"network", t.net.Name(),
			"mode", t.net.TrainingMode().String(),
			"epochs", t.config.Epochs,
			"batch", t.net.Batch(),
			"examples", t.net.Examples(),
			"localParameters", formatParameterCount(params),
			"scheduler", t.sched.Name())
	}

	for t.epoch < t.config.Epochs {
		m, err := t.TrainEpoch(ctx)
		if err != nil {
			t.abandonWrites()
			return t.history, err
		}
		if t.dctx.ID() == 0 {
			t.logger.Info(m.String(), "examplesPerSecond", int(m.ExamplesPerSecond()))
		}
	}
	if err := t.flush(ctx); err != nil {
		return t.history, err
	}
	if best, ok := t.history.Best(); ok && t.dctx.ID() == 0 {
		t.logger.Info("training finished", "bestEpoch", best.Epoch+1, "steps", t.net.Step())
	}
	return t.history, nil
}

// TrainEpoch trains one pass over the data, then validates and writes a
// checkpoint when either is due
func (t *Trainer) TrainEpoch(ctx context.Context) (EpochMetrics, error) {
	start := time.Now()
	lr := t.sched.Rate(t.epoch, t.config.Optimizer.LearningRate)
	t.opt.UpdateLearningRate(lr)
	if t.config.Shuffle && t.net.ShuffleIndices() {
		t.net.Shuffle(t.config.Seed + uint64(t.epoch))
	}

	batches := t.batches()
	var bar *ProgressBar
	if t.config.Progress != nil && t.dctx.ID() == 0 {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d/%d", t.epoch+1, t.config.Epochs), len(batches))
	}

	errs := make([]float64, 0, len(batches))
	var seen uint32
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return EpochMetrics{}, err
		}
		p := t.opt.Params()
		e, err := t.net.TrainBatch(ctx, b.position, b.size, p.Alpha, p.Lambda, p.Mu)
		if err != nil {
			return EpochMetrics{}, errors.Wrapf(err, "epoch %d, batch at %d", t.epoch+1, b.position)
		}
		t.opt.Step()
		errs = append(errs, float64(e))
		seen += b.size
		if bar != nil {
			bar.Update(i+1, map[string]float64{"error": floats.Sum(errs) / float64(seen)})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	m := EpochMetrics{
		Epoch:        t.epoch,
		LearningRate: lr,
		Batches:      len(batches),
		Examples:     seen,
	}
	if seen > 0 {
		m.TrainError = float32(floats.Sum(errs) / float64(seen))
	}

	metric := m.TrainError
	if t.config.ValidateEvery > 0 && (t.epoch+1)%t.config.ValidateEvery == 0 {
		v, err := t.Validate(ctx)
		if err != nil {
			return EpochMetrics{}, err
		}
		m.ValidError, m.Validated = v, true
		metric = v
	}
	if obs, ok := t.sched.(PlateauObserver); ok {
		obs.Observe(metric)
	}
	t.bestError = min(t.bestError, metric)
	m.Duration = time.Since(start)

	t.history = append(t.history, m)
	t.epoch++

	if interval := t.checkpointInterval(); interval > 0 && t.epoch%interval == 0 {
		if err := t.SaveCheckpoint(ctx); err != nil {
			return m, err
		}
	}
	return m, nil
}

// Validate runs a forward pass over every example and returns the error
// per example
func (t *Trainer) Validate(ctx context.Context) (float32, error) {
	batches := t.batches()
	errs := make([]float64, 0, len(batches))
	var seen uint32
	for _, b := range batches {
		e, err := t.net.ValidateBatch(ctx, b.position, b.size)
		if err != nil {
			return 0, errors.Wrapf(err, "validation batch at %d", b.position)
		}
		errs = append(errs, float64(e))
		seen += b.size
	}
	if seen == 0 {
		return 0, nil
	}
	return float32(floats.Sum(errs) / float64(seen)), nil
}

// batches splits the examples into steps of the network's batch size.
// When any layer is data parallel every step must split evenly across
// ranks, so a trailing remainder smaller than that is dropped.
func (t *Trainer) batches() []batchRange {
	examples, batch := t.net.Examples(), t.net.Batch()
	granule := uint32(1)
	for _, l := range t.net.Layers() {
		if l.Parallelization() == layers.Data {
			granule = uint32(t.dctx.NumProcs())
			break
		}
	}
	var out []batchRange
	for pos := uint32(0); pos < examples; pos += batch {
		size := min(batch, examples-pos)
		size -= size % granule
		if size == 0 {
			break
		}
		out = append(out, batchRange{pos, size})
	}
	return out
}

func (t *Trainer) checkpointInterval() int {
	if t.config.CheckpointInterval > 0 {
		return t.config.CheckpointInterval
	}
	_, interval := t.net.Checkpoint()
	return interval
}

// CheckpointPath returns the file the checkpoint after epoch is written to
func (t *Trainer) CheckpointPath(epoch int) string {
	name, _ := t.net.Checkpoint()
	if name == "" {
		name = t.net.Name()
	}
	return filepath.Join(t.config.CheckpointDir, fmt.Sprintf("%s_%d%s", name, epoch, t.saver.Extension()))
}

// SaveCheckpoint snapshots the network and training state. The snapshot
// is taken on every rank; rank 0 writes it in the background and the
// outcome is collected by the next SaveCheckpoint or the end of Train.
func (t *Trainer) SaveCheckpoint(ctx context.Context) error {
	if err := t.flush(ctx); err != nil {
		return err
	}
	desc, err := t.net.Descriptor(ctx)
	if err != nil {
		return err
	}
	if t.dctx.ID() != 0 {
		return nil
	}
	desc.CheckpointEpochs = int32(t.epoch)

	// Accumulators are sharded like the weights; only a single rank holds
	// all of them.
	var buffers []optimizer.StateBuffer
	if t.dctx.NumProcs() == 1 {
		buffers = t.net.OptimizerBuffers()
	}
	state, err := t.opt.GetState(buffers)
	if err != nil {
		return t.dctx.ResourceError("Trainer.SaveCheckpoint", err)
	}

	ck := &checkpoints.Checkpoint{
		Network: desc,
		TrainingState: checkpoints.TrainingState{
			Epoch:        t.epoch,
			Step:         int(t.net.Step()),
			LearningRate: t.opt.LearningRate(),
			BestLoss:     t.bestError,
			TotalSteps:   int(t.opt.GetStepCount()),
		},
		OptimizerState: state,
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("%s after epoch %d", t.net.Name(), t.epoch),
			Tags:        []string{t.net.TrainingMode().String(), t.sched.Name()},
		},
	}
	path := t.CheckpointPath(t.epoch)
	t.writes.Go(func() error {
		if err := t.saver.SaveCheckpoint(ck, path); err != nil {
			return errors.Wrapf(err, "failed to write checkpoint %s", path)
		}
		t.logger.Info("checkpoint saved", "path", path, "epoch", ck.TrainingState.Epoch)
		return nil
	})
	return nil
}

// flush waits for rank 0's pending writes and shares the verdict so every
// rank fails together
func (t *Trainer) flush(ctx context.Context) error {
	var werr error
	if t.dctx.ID() == 0 {
		werr = t.writes.Wait()
		t.writes = new(errgroup.Group)
	}
	failed, err := t.dctx.BroadcastFailure(ctx, werr != nil)
	if err != nil {
		return t.dctx.ResourceError("Trainer.SaveCheckpoint", err)
	}
	if werr != nil {
		return t.dctx.ResourceError("Trainer.SaveCheckpoint", werr)
	}
	if failed {
		return t.dctx.ResourceError("Trainer.SaveCheckpoint", errors.New("rank 0 failed to write a checkpoint"))
	}
	return nil
}

// abandonWrites lets background writes finish without a collective, for
// use on paths that are already failing
func (t *Trainer) abandonWrites() {
	if err := t.writes.Wait(); err != nil {
		t.logger.Warn("checkpoint write failed", "error", err)
	}
	t.writes = new(errgroup.Group)
}

// Resume restores the epoch, step and best error saved in the checkpoint
// at path. The network should already hold the checkpoint's weights (it
// loads as a plain network file). Optimizer accumulators are restored on
// a single rank only; a multi-rank run restarts them from zero.
func (t *Trainer) Resume(ctx context.Context, path string) error {
	op := "Trainer.Resume"
	var (
		ck      *checkpoints.Checkpoint
		loadErr error
	)
	if t.dctx.ID() == 0 {
		ck, loadErr = t.saver.LoadCheckpoint(path)
	}
	failed, err := t.dctx.BroadcastFailure(ctx, loadErr != nil)
	if err != nil {
		return t.dctx.ResourceError(op, err)
	}
	if loadErr != nil {
		return t.dctx.FormatError(op, loadErr)
	}
	if failed {
		return t.dctx.FormatError(op, errors.Errorf("rank 0 could not read %s", path))
	}

	counts := make([]uint64, 3)
	scalars := make([]float32, 1)
	if ck != nil {
		counts[0] = uint64(ck.TrainingState.Epoch)
		counts[1] = uint64(ck.TrainingState.Step)
		counts[2] = uint64(ck.TrainingState.TotalSteps)
		scalars[0] = ck.TrainingState.BestLoss
	}
	if t.dctx.NumProcs() > 1 {
		if err := t.dctx.Comm().BcastUint64(ctx, 0, counts); err != nil {
			return t.dctx.ResourceError(op, err)
		}
		if err := t.dctx.Comm().BcastFloat32(ctx, 0, scalars); err != nil {
			return t.dctx.ResourceError(op, err)
		}
	}
	t.epoch = int(counts[0])
	t.net.SetStep(counts[1])
	t.bestError = scalars[0]

	if t.dctx.NumProcs() == 1 && ck.OptimizerState != nil {
		if err := t.net.RefreshState(ctx, layers.Training); err != nil {
			return err
		}
		// The schedule owns the learning rate; keep the configured base.
		base := t.config.Optimizer.LearningRate
		if err := t.opt.LoadState(ck.OptimizerState, t.net.OptimizerBuffers()); err != nil {
			return t.dctx.ConfigError(op, "checkpoint %s: %v", path, err)
		}
		t.opt.UpdateLearningRate(base)
	} else if t.dctx.ID() == 0 && t.net.TrainingMode().NeedsVelocity() {
		t.logger.Warn("optimizer accumulators restart from zero", "ranks", t.dctx.NumProcs())
	}
	if t.dctx.ID() == 0 {
		t.logger.Info("resumed", "path", path, "epoch", t.epoch, "step", counts[1], "optimizerSteps", counts[2])
	}
	return nil
}

// Evaluation scores predictions against the output data sets
type Evaluation struct {
	Regression RegressionMetrics
	TopK       TopKMetrics
}

// Evaluate predicts every example and compares the output units with
// their targets. Top-K scores need whole output rows on each rank and are
// left empty when an output layer is model parallel across ranks.
func (t *Trainer) Evaluate(ctx context.Context, k int) (Evaluation, error) {
	var reg regressionSums
	var top topKSums
	outputs := t.net.Outputs()
	ranked := true
	for _, l := range outputs {
		if t.dctx.NumProcs() > 1 && l.Parallelization() == layers.Model {
			ranked = false
		}
	}

	pool := t.dctx.Scratch()
	type scratch struct{ units, targets []float32 }
	bufs := make([]scratch, len(outputs))
	for i, l := range outputs {
		n := int(l.LocalBatch(t.net.Batch())) * int(l.LocalStride())
		bufs[i] = scratch{pool.Get(n), pool.Get(n)}
	}
	defer func() {
		for _, b := range bufs {
			pool.Put(b.units)
			pool.Put(b.targets)
		}
	}()

	for _, b := range t.batches() {
		if err := t.net.PredictBatch(ctx, b.position, b.size); err != nil {
			return Evaluation{}, errors.Wrapf(err, "evaluation batch at %d", b.position)
		}
		for i, l := range outputs {
			lb, stride := int(l.LocalBatch(b.size)), int(l.LocalStride())
			if err := l.GetUnits(bufs[i].units); err != nil {
				return Evaluation{}, err
			}
			if err := l.DataSet().LoadInputUnit(b.position, uint32(lb), uint32(stride), bufs[i].targets); err != nil {
				return Evaluation{}, errors.Wrapf(err, "layer %s", l.Name())
			}
			for r := 0; r < lb; r++ {
				pred := widen(bufs[i].units[r*stride : (r+1)*stride])
				target := widen(bufs[i].targets[r*stride : (r+1)*stride])
				reg.add(pred, target)
				if ranked {
					top.add(pred, target, k)
				}
			}
		}
	}

	if t.dctx.NumProcs() > 1 {
		sums := append(reg.slice(), top.slice()...)
		buf := make([]float32, len(sums))
		for i, v := range sums {
			buf[i] = float32(v)
		}
		if err := t.dctx.Comm().AllreduceFloat32(ctx, buf); err != nil {
			return Evaluation{}, t.dctx.ResourceError("Trainer.Evaluate", err)
		}
		reg = regressionSums{float64(buf[0]), float64(buf[1]), float64(buf[2]), float64(buf[3]), float64(buf[4])}
		top = topKSums{float64(buf[5]), float64(buf[6]), float64(buf[7])}
	}

	ev := Evaluation{Regression: reg.metrics()}
	if ranked {
		ev.TopK = top.metrics(k)
	}
	return ev, nil
}
