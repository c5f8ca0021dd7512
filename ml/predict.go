package ml

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"sketch2face/data"
	"sketch2face/util"
)

// ErrClosed is returned by a ModelHandle after Close.
var ErrClosed = errors.New("model handle is closed")

// Predict runs one forward pass over images that already have the network's
// size and returns the translated images.
func (n *UNet) Predict(images ...data.Image) ([]data.Image, error) {
	if len(images) == 0 {
		return nil, nil
	}
	pix := make([]float32, 0, len(images)*n.size.Pixels()*3)
	for _, im := range images {
		if im.Size != n.size {
			return nil, errors.Wrapf(ErrShapeMismatch, "image is %v, network expects %v", im.Size, n.size)
		}
		pix = append(pix, im.Pix...)
	}
	x, err := nchwTensor(pix, len(images), n.size, n.device)
	if err != nil {
		return nil, err
	}
	return nhwcImages(n.Forward(x))
}

type job struct {
	ctx    context.Context
	reload bool
	im     data.Image
	done   chan result
}

type result struct {
	im  data.Image
	err error
}

// ModelHandle owns the network used for serving. A single goroutine, locked
// to its OS thread, loads the network and runs every forward pass, so passes
// are serialized and torch.GC is only ever called from that thread.
type ModelHandle struct {
	store  ArtifactStore
	device torch.Device

	jobs    chan job
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu   sync.Mutex
	size *data.Size
}

// NewModelHandle returns an empty handle; call Reload to load the artifact
// and Close to release the inference goroutine.
func NewModelHandle(store ArtifactStore, device torch.Device) *ModelHandle {
	h := &ModelHandle{
		store:   store,
		device:  device,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.serve()
	return h
}

func (h *ModelHandle) serve() {
	// Never unlocked: the thread exits with the goroutine and takes its GC
	// state along.
	runtime.LockOSThread()
	defer close(h.stopped)

	var net *UNet
	for {
		select {
		case <-h.quit:
			torch.FinishGC()
			return
		case j := <-h.jobs:
			if err := j.ctx.Err(); err != nil {
				j.done <- result{err: err}
				continue
			}
			if j.reload {
				// GC waits for every tensor created after it was prepared, so
				// the long-lived parameters are created with GC finished.
				torch.FinishGC()
				loaded, err := h.load()
				if err == nil {
					net = loaded
				}
				j.done <- result{err: err}
				continue
			}
			torch.GC()
			if net == nil {
				j.done <- result{err: ErrLoad}
				continue
			}
			im, err := forward(net, j.im)
			j.done <- result{im: im, err: err}
		}
	}
}

func (h *ModelHandle) load() (*UNet, error) {
	net, err := h.store.Load()
	if err != nil {
		return nil, err
	}
	net.ToDevice(h.device)
	size := net.Size()
	h.mu.Lock()
	h.size = &size
	h.mu.Unlock()
	util.Logger.Info("model loaded", zap.Int("height", size.Height), zap.Int("width", size.Width))
	return net, nil
}

// forward turns libtorch panics into errors so one bad request cannot take
// the inference goroutine down.
func forward(net *UNet, im data.Image) (out data.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("libtorch: %v", r)
		}
	}()
	imgs, err := net.Predict(im)
	if err != nil {
		return data.Image{}, err
	}
	return imgs[0], nil
}

// submit hands j to the inference goroutine and waits for its result. The
// returned error is ctx's or ErrClosed; job failures are in the result.
func (h *ModelHandle) submit(ctx context.Context, j job) (result, error) {
	j.ctx = ctx
	j.done = make(chan result, 1)
	select {
	case h.jobs <- j:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-h.stopped:
		return result{}, ErrClosed
	}
	select {
	case r := <-j.done:
		return r, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Reload loads the artifact again. On failure the previous network, if any,
// stays in service.
func (h *ModelHandle) Reload() error {
	r, err := h.submit(context.Background(), job{reload: true})
	if err != nil {
		return err
	}
	return r.err
}

// Close stops the inference goroutine. Later calls fail with ErrClosed.
func (h *ModelHandle) Close() {
	h.once.Do(func() {
		close(h.quit)
		<-h.stopped
	})
}

// Loaded reports whether a network is available.
func (h *ModelHandle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size != nil
}

// Size returns the working size of the loaded network.
func (h *ModelHandle) Size() (data.Size, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == nil {
		return data.Size{}, ErrLoad
	}
	return *h.size, nil
}

// Predictor turns single sketches into faces.
type Predictor struct {
	Model *ModelHandle
	// ExtractSketch runs inputs through data.Sketch first, for deployments
	// that receive photos rather than drawn sketches.
	ExtractSketch bool
}

// Predict translates an 8-bit RGB image. The result is an 8-bit RGB image of
// the working size. Errors are *InferenceError; ctx bounds the wait for the
// model and the forward pass.
func (p *Predictor) Predict(ctx context.Context, img gocv.Mat) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, &InferenceError{Reason: "prediction cancelled", Err: err}
	}
	size, err := p.Model.Size()
	if err != nil {
		return gocv.Mat{}, &InferenceError{Reason: "no model is loaded", Err: err}
	}

	src := img
	if p.ExtractSketch {
		s, err := data.Sketch(img, data.RGB, size)
		if err != nil {
			return gocv.Mat{}, &InferenceError{Reason: "cannot extract sketch", Err: err}
		}
		defer s.Close()
		src = s
	}
	in, err := data.FromMat(src, size)
	if err != nil {
		return gocv.Mat{}, &InferenceError{Reason: "cannot read input image", Err: err}
	}

	r, err := p.Model.submit(ctx, job{im: in})
	switch {
	case errors.Is(err, ErrClosed):
		return gocv.Mat{}, &InferenceError{Reason: "model handle is closed", Err: err}
	case err != nil:
		return gocv.Mat{}, &InferenceError{Reason: "prediction timed out", Err: err}
	case r.err != nil && r.err == ctx.Err():
		return gocv.Mat{}, &InferenceError{Reason: "prediction timed out", Err: r.err}
	case errors.Is(r.err, ErrLoad):
		return gocv.Mat{}, &InferenceError{Reason: "no model is loaded", Err: r.err}
	case r.err != nil:
		return gocv.Mat{}, &InferenceError{Reason: "forward pass failed", Err: r.err}
	}
	out, err := r.im.ToMat()
	if err != nil {
		return gocv.Mat{}, &InferenceError{Reason: "cannot build output image", Err: err}
	}
	return out, nil
}
