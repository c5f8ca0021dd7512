package ml

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/zap"

	"sketch2face/data"
	"sketch2face/util"
)

// artifact is the on-disk form of a trained network.
type artifact struct {
	Widths [Stages + 1]int64
	Height int
	Width  int
	State  map[string]torch.Tensor
}

// GobStore keeps one model artifact in a gob file.
type GobStore struct {
	Path string
}

// Save writes the architecture and the weights of net. Tensors are encoded
// from CPU copies, so net stays where it is. The file is replaced atomically
// so a crash never leaves a truncated checkpoint behind.
func (s GobStore) Save(net *UNet) error {
	util.Logger.Info("saving model", zap.String("path", s.Path))
	f, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "cannot create file to save model")
	}
	defer os.Remove(f.Name())
	defer f.Close()

	a := artifact{
		Widths: net.Widths(),
		Height: net.Size().Height,
		Width:  net.Size().Width,
		State:  net.StateDict(),
	}
	if err := gob.NewEncoder(f).Encode(a); err != nil {
		return errors.Wrap(err, "encoding model")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing model file")
	}
	return errors.Wrap(os.Rename(f.Name(), s.Path), "installing model file")
}

// Load rebuilds the network saved at Path on the CPU.
func (s GobStore) Load() (*UNet, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "opening %s: %v", s.Path, err)
	}
	defer f.Close()

	var a artifact
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, errors.Wrapf(ErrLoad, "decoding %s: %v", s.Path, err)
	}
	net, err := NewUNet(a.Widths, data.Size{Height: a.Height, Width: a.Width})
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "rebuilding network from %s: %v", s.Path, err)
	}
	if err := net.SetStateDict(a.State); err != nil {
		return nil, errors.Wrapf(ErrLoad, "restoring weights from %s: %v", s.Path, err)
	}
	return net, nil
}
