package ml

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/zap"

	"sketch2face/data"
	"sketch2face/util"
)

// Phase is the state of a training run.
type Phase int

const (
	Initializing Phase = iota
	EpochRunning
	Validating
	CheckpointDecision
	Finished
	Failed
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case EpochRunning:
		return "epoch-running"
	case Validating:
		return "validating"
	case CheckpointDecision:
		return "checkpoint-decision"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result summarizes a training run.
type Result struct {
	Epochs      int
	BestEpoch   int
	BestValLoss float64
}

// Trainer fits a UNet with Adam on the MSE loss, validating after every epoch
// and saving the network whenever the validation loss reaches a new minimum.
type Trainer struct {
	Net     *UNet
	Train   *data.PairedBatchSource
	Val     *data.PairedBatchSource
	Store   ArtifactStore
	History HistorySink

	Epochs       int
	LearningRate float64
	// Seed fixes the per-epoch shuffle of training batches.
	Seed int64
	// Prefetch is the number of batches built ahead of the running step.
	Prefetch int

	// OnPhase, if set, observes every phase transition.
	OnPhase func(epoch int, p Phase)
}

// Run trains for t.Epochs epochs. It stops at the first batch error or
// non-finite loss; no checkpoint is written for the failing epoch. Run calls
// torch.GC between steps and must be called from a goroutine locked to its OS
// thread, such as the main goroutine.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	if t.Net.Size() != t.Train.Size() || t.Net.Size() != t.Val.Size() {
		return Result{}, errors.Wrapf(ErrShapeMismatch, "network expects %v, batches are %v/%v", t.Net.Size(), t.Train.Size(), t.Val.Size())
	}
	if t.Train.Len() == 0 || t.Val.Len() == 0 {
		return Result{}, errors.Errorf("need at least one training and one validation batch, have %d and %d", t.Train.Len(), t.Val.Len())
	}
	defer torch.FinishGC()

	opt := torch.Adam(t.LearningRate, 0.9, 0.999, 0)
	opt.AddParameters(t.Net.Parameters())
	f := &torchFitter{
		net:      t.Net,
		opt:      opt,
		train:    t.Train,
		val:      t.Val,
		store:    t.Store,
		rng:      rand.New(rand.NewSource(t.Seed)),
		prefetch: t.Prefetch,
	}
	return runEpochs(ctx, t.Epochs, f, t.History, t.OnPhase)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func runEpochs(ctx context.Context, epochs int, f fitter, sink HistorySink, onPhase func(int, Phase)) (Result, error) {
	res := Result{BestEpoch: -1, BestValLoss: math.Inf(1)}
	enter := func(epoch int, p Phase) {
		util.Logger.Debug("training phase", zap.Int("epoch", epoch), zap.Stringer("phase", p))
		if onPhase != nil {
			onPhase(epoch, p)
		}
	}
	fail := func(epoch int, err error) (Result, error) {
		enter(epoch, Failed)
		if ferr := sink.Flush(); ferr != nil {
			util.Logger.Error("flushing partial history", zap.Error(ferr))
		}
		return res, errors.Wrapf(err, "epoch %d", epoch)
	}

	enter(0, Initializing)
	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()

		enter(epoch, EpochRunning)
		trainLoss, err := f.TrainEpoch(ctx, epoch)
		if err == nil && !finite(trainLoss) {
			err = errors.Wrapf(ErrNumericDivergence, "training loss %v", trainLoss)
		}
		if err != nil {
			return fail(epoch, err)
		}

		enter(epoch, Validating)
		valLoss, err := f.Validate(ctx)
		if err == nil && !finite(valLoss) {
			err = errors.Wrapf(ErrNumericDivergence, "validation loss %v", valLoss)
		}
		if err != nil {
			return fail(epoch, err)
		}

		enter(epoch, CheckpointDecision)
		rec := EpochRecord{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss}
		if valLoss < res.BestValLoss {
			if err := f.Checkpoint(); err != nil {
				return fail(epoch, errors.Wrap(err, "checkpoint"))
			}
			util.Logger.Info("validation loss improved, model saved",
				zap.Int("epoch", epoch), zap.Float64("from", res.BestValLoss), zap.Float64("to", valLoss))
			res.BestEpoch, res.BestValLoss = epoch, valLoss
			rec.Checkpointed = true
		}
		rec.Seconds = time.Since(start).Seconds()
		if err := sink.Append(rec); err != nil {
			return fail(epoch, errors.Wrap(err, "recording history"))
		}
		res.Epochs = epoch + 1
		util.Logger.Info("epoch done",
			zap.Int("epoch", epoch), zap.Float64("loss", trainLoss), zap.Float64("val_loss", valLoss),
			zap.Float64("seconds", rec.Seconds))
	}

	enter(epochs, Finished)
	if err := sink.Flush(); err != nil {
		return res, errors.Wrap(err, "flushing history")
	}
	return res, nil
}

// torchFitter runs epochs of a UNet on real batches.
type torchFitter struct {
	net      *UNet
	opt      torch.Optimizer
	train    *data.PairedBatchSource
	val      *data.PairedBatchSource
	store    ArtifactStore
	rng      *rand.Rand
	prefetch int
}

func (f *torchFitter) TrainEpoch(ctx context.Context, epoch int) (float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startTime := time.Now()
	var sum float64
	samples, steps := 0, 0
	for res := range f.train.Stream(ctx, f.rng.Perm(f.train.Len()), f.prefetch) {
		if res.Err != nil {
			return 0, res.Err
		}
		loss, err := f.step(res.Batch)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d", res.Batch.Index)
		}
		sum += loss
		samples += res.Batch.Len()
		steps++
		torch.GC()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	throughput := float64(samples) / time.Since(startTime).Seconds()
	util.Logger.Info("train epoch", zap.Int("epoch", epoch), zap.Int("steps", steps), zap.Float64("samples_per_sec", throughput))
	return sum / float64(steps), nil
}

// step runs one optimizer update. A non-finite loss is reported before the
// weights are touched.
func (f *torchFitter) step(b *data.Batch) (float64, error) {
	x, err := nchwTensor(b.Sketches, b.Len(), b.Size, f.net.Device())
	if err != nil {
		return 0, err
	}
	y, err := nchwTensor(b.Targets, b.Len(), b.Size, f.net.Device())
	if err != nil {
		return 0, err
	}

	f.opt.ZeroGrad()
	loss := MSELoss(f.net.Forward(x), y)
	v := float64(loss.Item().(float32))
	if !finite(v) {
		return v, errors.Wrapf(ErrNumericDivergence, "batch loss %v", v)
	}
	loss.Backward()
	f.opt.Step()
	return v, nil
}

func (f *torchFitter) Validate(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	order := make([]int, f.val.Len())
	for i := range order {
		order[i] = i
	}
	var sum float64
	steps := 0
	for res := range f.val.Stream(ctx, order, f.prefetch) {
		if res.Err != nil {
			return 0, res.Err
		}
		loss, err := f.evaluate(res.Batch)
		if err != nil {
			return 0, errors.Wrapf(err, "validation batch %d", res.Batch.Index)
		}
		sum += loss
		steps++
		torch.GC()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return sum / float64(steps), nil
}

func (f *torchFitter) evaluate(b *data.Batch) (float64, error) {
	x, err := nchwTensor(b.Sketches, b.Len(), b.Size, f.net.Device())
	if err != nil {
		return 0, err
	}
	y, err := nchwTensor(b.Targets, b.Len(), b.Size, f.net.Device())
	if err != nil {
		return 0, err
	}
	return float64(MSELoss(f.net.Forward(x), y).Item().(float32)), nil
}

func (f *torchFitter) Checkpoint() error {
	return f.store.Save(f.net)
}
