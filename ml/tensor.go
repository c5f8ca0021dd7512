package ml

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/zap"

	"sketch2face/data"
	"sketch2face/util"
)

// nchwTensor converts n NHWC images of the given size to an (n, 3, H, W)
// tensor on device. FromBlob copies, so pix may be reused afterwards.
func nchwTensor(pix []float32, n int, size data.Size, device torch.Device) (torch.Tensor, error) {
	plane := size.Pixels()
	if n <= 0 || len(pix) != n*plane*3 {
		return torch.Tensor{}, errors.Wrapf(ErrShapeMismatch, "%d values for %d images of %dx%d", len(pix), n, size.Height, size.Width)
	}
	buf := make([]float32, len(pix))
	for b := 0; b < n; b++ {
		src := pix[b*plane*3 : (b+1)*plane*3]
		dst := buf[b*plane*3 : (b+1)*plane*3]
		for p := 0; p < plane; p++ {
			dst[p] = src[p*3]
			dst[plane+p] = src[p*3+1]
			dst[2*plane+p] = src[p*3+2]
		}
	}
	shape := []int64{int64(n), 3, int64(size.Height), int64(size.Width)}
	return torch.FromBlob(unsafe.Pointer(&buf[0]), torch.Float, shape).To(device, torch.Float), nil
}

// nhwcImages copies an (n, 3, H, W) tensor back to n images.
func nhwcImages(t torch.Tensor) ([]data.Image, error) {
	s := t.Shape()
	if len(s) != 4 || s[1] != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "want (n, 3, h, w), got %v", s)
	}
	vals, err := hostFloats(t.Detach().To(torch.NewDevice("cpu"), torch.Float))
	if err != nil {
		return nil, err
	}
	size := data.Size{Height: int(s[2]), Width: int(s[3])}
	plane := size.Pixels()
	out := make([]data.Image, s[0])
	for b := range out {
		im := data.NewImage(size)
		src := vals[b*plane*3 : (b+1)*plane*3]
		for p := 0; p < plane; p++ {
			im.Pix[p*3] = src[p]
			im.Pix[p*3+1] = src[plane+p]
			im.Pix[p*3+2] = src[2*plane+p]
		}
		out[b] = im
	}
	return out, nil
}

// hostFloats returns the values of a contiguous float CPU tensor in row-major
// order. It reads the raw storage record of the tensor's pickle archive in one
// pass and falls back to element-wise reads when the archive has no record of
// the expected length.
func hostFloats(t torch.Tensor) ([]float32, error) {
	n := 1
	for _, d := range t.Shape() {
		n *= int(d)
	}
	raw, err := t.GobEncode()
	if err != nil {
		return nil, errors.Wrap(err, "encoding output tensor")
	}
	if vals, ok := storageFloats(raw, n); ok {
		return vals, nil
	}
	util.Logger.Debug("tensor archive has no matching storage record, reading elements", zap.Int("values", n))
	return elementFloats(t, n), nil
}

// storageFloats finds the data/0 record of a tensor pickle archive and
// decodes it as n little-endian float32 values.
func storageFloats(archive []byte, n int) ([]float32, bool) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, false
	}
	for _, f := range zr.File {
		if f.Name != "data/0" && !strings.HasSuffix(f.Name, "/data/0") {
			continue
		}
		if f.UncompressedSize64 != uint64(n*4) {
			return nil, false
		}
		rc, err := f.Open()
		if err != nil {
			return nil, false
		}
		defer rc.Close()
		buf := make([]byte, n*4)
		if _, err := io.ReadFull(rc, buf); err != nil {
			return nil, false
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return vals, true
	}
	return nil, false
}

func elementFloats(t torch.Tensor, n int) []float32 {
	flat := t.View(int64(n))
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = flat.Index(int64(i)).Item().(float32)
	}
	return vals
}
