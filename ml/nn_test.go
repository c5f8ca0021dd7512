package ml

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	torch "github.com/wangkuiyi/gotorch"
	"gocv.io/x/gocv"

	"sketch2face/data"
)

var tinyWidths = [Stages + 1]int64{2, 2, 2, 2, 2}

func grayImages(n int, size data.Size) []data.Image {
	out := make([]data.Image, n)
	for i := range out {
		out[i] = data.NewImage(size)
		for p := range out[i].Pix {
			out[i].Pix[p] = float32(p%97) / 97
		}
	}
	return out
}

func TestUNetOutputShape(t *testing.T) {
	for _, size := range []data.Size{data.WorkingSize, {Height: 17, Width: 31}, {Height: 33, Width: 16}} {
		net, err := NewUNet(tinyWidths, size)
		require.NoError(t, err)

		out, err := net.Predict(grayImages(2, size)...)
		require.NoError(t, err, "%v", size)
		require.Len(t, out, 2)
		for _, im := range out {
			assert.Equal(t, size, im.Size)
			for _, v := range im.Pix {
				require.True(t, v >= 0 && v <= 1)
			}
		}
	}
}

func TestUpsamplePadFillsSkipSize(t *testing.T) {
	net, err := NewUNet(tinyWidths, data.Size{Height: 20, Width: 18})
	require.NoError(t, err)
	in := torch.NewTensor([]float32{1, 2, 3, 4, 5, 6}).View(1, 1, 2, 3)
	st := DecoderShape{Skip: data.Size{Height: 5, Width: 8}, Up: data.Size{Height: 4, Width: 6}, Bottom: 1, Left: 1, Right: 1}

	got := net.upsamplePad(in, st)
	require.Equal(t, []int64{1, 1, 5, 8}, got.Shape())
	want := [][]float32{
		{0, 1, 1, 2, 2, 3, 3, 0},
		{0, 1, 1, 2, 2, 3, 3, 0},
		{0, 4, 4, 5, 5, 6, 6, 0},
		{0, 4, 4, 5, 5, 6, 6, 0},
		{0, 0, 0, 0, 0, 0, 0, 0},
	}
	for y, row := range want {
		for x, v := range row {
			assert.Equal(t, v, got.Index(0, 0, int64(y), int64(x)).Item().(float32), "(%d, %d)", y, x)
		}
	}
}

func TestHostFloats(t *testing.T) {
	want := []float32{0.5, -1, 2.25, 3, 4, 1e-3}
	got, err := hostFloats(torch.NewTensor(want).View(2, 3))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, ok := storageFloats([]byte("not an archive"), 6)
	assert.False(t, ok)
}

func TestUNetRejectsWrongSize(t *testing.T) {
	net, err := NewUNet(tinyWidths, data.Size{Height: 20, Width: 18})
	require.NoError(t, err)
	_, err = net.Predict(data.NewImage(data.Size{Height: 18, Width: 20}))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = NewUNet(tinyWidths, data.Size{Height: 8, Width: 8})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestGobStoreRoundTrip(t *testing.T) {
	size := data.Size{Height: 20, Width: 18}
	net, err := NewUNet(tinyWidths, size)
	require.NoError(t, err)
	store := GobStore{Path: filepath.Join(t.TempDir(), "model.gob")}
	require.NoError(t, store.Save(net))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, tinyWidths, loaded.Widths())

	in := grayImages(1, size)
	want, err := net.Predict(in...)
	require.NoError(t, err)
	got, err := loaded.Predict(in...)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want[0].Pix, got[0].Pix, 1e-6)
}

func TestGobStoreMissing(t *testing.T) {
	_, err := GobStore{Path: filepath.Join(t.TempDir(), "absent.gob")}.Load()
	assert.True(t, errors.Is(err, ErrLoad))
}

func loadedPredictor(t *testing.T, size data.Size) *Predictor {
	net, err := NewUNet(tinyWidths, size)
	require.NoError(t, err)
	store := GobStore{Path: filepath.Join(t.TempDir(), "model.gob")}
	require.NoError(t, store.Save(net))
	h := NewModelHandle(store, torch.NewDevice("cpu"))
	t.Cleanup(h.Close)
	require.NoError(t, h.Reload())
	return &Predictor{Model: h}
}

func testInput(t *testing.T) gocv.Mat {
	im := grayImages(1, data.Size{Height: 40, Width: 30})[0]
	m, err := im.ToMat()
	require.NoError(t, err)
	return m
}

func TestPredictIdempotent(t *testing.T) {
	size := data.Size{Height: 20, Width: 18}
	p := loadedPredictor(t, size)
	in := testInput(t)
	defer in.Close()

	a, err := p.Predict(context.Background(), in)
	require.NoError(t, err)
	defer a.Close()
	b, err := p.Predict(context.Background(), in)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, size.Height, a.Rows())
	assert.Equal(t, size.Width, a.Cols())
	assert.Equal(t, gocv.MatTypeCV8UC3, a.Type())
	assert.Equal(t, a.ToBytes(), b.ToBytes())
}

func TestPredictWithSketchExtraction(t *testing.T) {
	p := loadedPredictor(t, data.Size{Height: 20, Width: 18})
	p.ExtractSketch = true
	in := testInput(t)
	defer in.Close()

	out, err := p.Predict(context.Background(), in)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, 20, out.Rows())
}

func TestPredictUnloaded(t *testing.T) {
	h := NewModelHandle(GobStore{Path: filepath.Join(t.TempDir(), "absent.gob")}, torch.NewDevice("cpu"))
	defer h.Close()
	assert.Error(t, h.Reload())
	assert.False(t, h.Loaded())

	in := testInput(t)
	defer in.Close()
	_, err := (&Predictor{Model: h}).Predict(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoad))
	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "no model is loaded", ie.Reason)
}

func TestPredictCancelled(t *testing.T) {
	p := loadedPredictor(t, data.Size{Height: 20, Width: 18})
	in := testInput(t)
	defer in.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Predict(ctx, in)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPredictBadInput(t *testing.T) {
	p := loadedPredictor(t, data.Size{Height: 20, Width: 18})
	empty := gocv.NewMat()
	defer empty.Close()
	_, err := p.Predict(context.Background(), empty)
	assert.True(t, errors.Is(err, data.ErrDecode))
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	size := data.Size{Height: 20, Width: 18}
	net, err := NewUNet(tinyWidths, size)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, GobStore{Path: path}.Save(net))

	h := NewModelHandle(GobStore{Path: path}, torch.NewDevice("cpu"))
	defer h.Close()
	require.NoError(t, h.Reload())
	h.store = GobStore{Path: path + ".missing"}
	assert.True(t, errors.Is(h.Reload(), ErrLoad))
	assert.True(t, h.Loaded())

	in := testInput(t)
	defer in.Close()
	out, err := (&Predictor{Model: h}).Predict(context.Background(), in)
	require.NoError(t, err)
	out.Close()
}

// gatedStore blocks in Load until released, keeping the inference goroutine
// busy.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
}

func (s gatedStore) Load() (*UNet, error) {
	close(s.entered)
	<-s.release
	return nil, ErrLoad
}

func (s gatedStore) Save(*UNet) error { return nil }

func TestPredictTimesOutWhileModelBusy(t *testing.T) {
	p := loadedPredictor(t, data.Size{Height: 20, Width: 18})
	in := testInput(t)
	defer in.Close()

	gate := gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	p.Model.store = gate
	reloaded := make(chan error, 1)
	go func() { reloaded <- p.Model.Reload() }()
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Predict(ctx, in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "prediction timed out", ie.Reason)

	close(gate.release)
	assert.True(t, errors.Is(<-reloaded, ErrLoad))
	out, err := p.Predict(context.Background(), in)
	require.NoError(t, err)
	out.Close()
}

func TestPredictAfterClose(t *testing.T) {
	p := loadedPredictor(t, data.Size{Height: 20, Width: 18})
	in := testInput(t)
	defer in.Close()

	p.Model.Close()
	_, err := p.Predict(context.Background(), in)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(p.Model.Reload(), ErrClosed))
}
