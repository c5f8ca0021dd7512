package data

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sketch2face/util"
)

// Batch holds paired sketches and targets in NHWC layout with values in [0,1].
// Sample i of both arrays belongs to IDs[i].
type Batch struct {
	Index    int
	IDs      []string
	Size     Size
	Sketches []float32
	Targets  []float32
}

// Len is the number of samples.
func (b *Batch) Len() int { return len(b.IDs) }

// Shape returns (batch, height, width, channels).
func (b *Batch) Shape() [4]int {
	return [4]int{len(b.IDs), b.Size.Height, b.Size.Width, 3}
}

// Options tunes a PairedBatchSource.
type Options struct {
	// SkipMissing drops identifiers absent from either store when the source
	// is built, logging them. Without it a missing file fails its batch.
	SkipMissing bool
	// Workers bounds concurrent decodes inside one batch. Defaults to the batch size.
	Workers int
}

// PairedBatchSource builds fixed-size batches of (sketch, target) pairs. A
// trailing partial batch is never produced.
type PairedBatchSource struct {
	ids       []string
	sketches  ImageStore
	targets   ImageStore
	batchSize int
	size      Size
	workers   int
}

// NewPairedBatchSource creates a source over ids in the given order.
func NewPairedBatchSource(ids []string, sketches, targets ImageStore, batchSize int, size Size, opts Options) (*PairedBatchSource, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if size.Height <= 0 || size.Width <= 0 {
		return nil, errors.Errorf("invalid working size %dx%d", size.Height, size.Width)
	}
	if opts.SkipMissing {
		ids = pairedOnly(ids, sketches, targets)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = batchSize
	}
	return &PairedBatchSource{
		ids:       append([]string(nil), ids...),
		sketches:  sketches,
		targets:   targets,
		batchSize: batchSize,
		size:      size,
		workers:   workers,
	}, nil
}

func pairedOnly(ids []string, sketches, targets ImageStore) []string {
	kept := make([]string, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if sketches.Has(id) && targets.Has(id) {
			kept = append(kept, id)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sample := missing
		if len(sample) > 5 {
			sample = sample[:5]
		}
		util.Logger.Warn("dropping unpaired samples",
			zap.Int("dropped", len(missing)), zap.Int("kept", len(kept)), zap.Strings("examples", sample))
	}
	return kept
}

// Len is the number of full batches.
func (s *PairedBatchSource) Len() int { return len(s.ids) / s.batchSize }

// BatchSize returns the number of samples per batch.
func (s *PairedBatchSource) BatchSize() int { return s.batchSize }

// IDs returns the identifiers the source draws from.
func (s *PairedBatchSource) IDs() []string { return s.ids }

// Size returns the working resolution.
func (s *PairedBatchSource) Size() Size { return s.size }

// Batch builds batch index. Every sample is decoded before it is placed in the
// batch; the first failing sample aborts the whole batch.
func (s *PairedBatchSource) Batch(ctx context.Context, index int) (*Batch, error) {
	if index < 0 || index >= s.Len() {
		return nil, errors.Errorf("batch %d out of range [0,%d)", index, s.Len())
	}
	ids := s.ids[index*s.batchSize : (index+1)*s.batchSize]
	stride := s.size.Pixels() * 3
	b := &Batch{
		Index:    index,
		IDs:      append([]string(nil), ids...),
		Size:     s.size,
		Sketches: make([]float32, len(ids)*stride),
		Targets:  make([]float32, len(ids)*stride),
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-sem }()

			sketch, err := s.load(s.sketches, id)
			if err != nil {
				return errors.Wrapf(err, "sketch %q", id)
			}
			target, err := s.load(s.targets, id)
			if err != nil {
				return errors.Wrapf(err, "target %q", id)
			}
			copy(b.Sketches[i*stride:(i+1)*stride], sketch.Pix)
			copy(b.Targets[i*stride:(i+1)*stride], target.Pix)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrapf(err, "building batch %d", index)
	}
	return b, nil
}

func (s *PairedBatchSource) load(store ImageStore, id string) (Image, error) {
	m, err := store.Read(id)
	if err != nil {
		return Image{}, err
	}
	defer m.Close()
	return FromMat(m, s.size)
}

// BatchResult is one element of a Stream.
type BatchResult struct {
	Batch *Batch
	Err   error
}

// Stream builds the batches listed in order on a background goroutine, keeping
// up to depth of them ready ahead of the consumer. Results arrive in order. The
// stream ends after the last batch or after the first error; cancel ctx to stop
// it early.
func (s *PairedBatchSource) Stream(ctx context.Context, order []int, depth int) <-chan BatchResult {
	if depth < 1 {
		depth = 1
	}
	out := make(chan BatchResult, depth)
	go func() {
		defer close(out)
		for _, idx := range order {
			b, err := s.Batch(ctx, idx)
			select {
			case out <- BatchResult{Batch: b, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}
