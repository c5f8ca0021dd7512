package data

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var (
	// ErrDecode marks an image that cannot be decoded or has the wrong layout.
	ErrDecode = errors.New("cannot decode image")
	// ErrNotFound marks an identifier missing from an image store.
	ErrNotFound = errors.New("image not found")
)

// Size is a spatial resolution, height first.
type Size struct {
	Height int `yaml:"height"`
	Width  int `yaml:"width"`
}

// WorkingSize is the resolution every image is brought to before it enters the
// network.
var WorkingSize = Size{Height: 218, Width: 178}

// Pixels returns Height*Width.
func (s Size) Pixels() int { return s.Height * s.Width }

func (s Size) point() image.Point { return image.Pt(s.Width, s.Height) }

// Image is an RGB image in HWC layout with values in [0,1].
type Image struct {
	Size
	Pix []float32
}

// NewImage allocates a black image.
func NewImage(size Size) Image {
	return Image{Size: size, Pix: make([]float32, size.Pixels()*3)}
}

// At returns channel c of the pixel at row y, column x.
func (im Image) At(y, x, c int) float32 {
	return im.Pix[(y*im.Width+x)*3+c]
}

// FromMat resizes an 8-bit, 3-channel Mat to size with bilinear interpolation
// and normalizes it to [0,1]. Channel order is kept as is.
func FromMat(m gocv.Mat, size Size) (Image, error) {
	if m.Empty() {
		return Image{}, errors.Wrap(ErrDecode, "empty image")
	}
	if m.Type() != gocv.MatTypeCV8UC3 {
		return Image{}, errors.Wrapf(ErrDecode, "want 8-bit 3-channel image, got %d channels of type %v", m.Channels(), m.Type())
	}
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(m, &resized, size.point(), 0, 0, gocv.InterpolationLinear)

	raw := resized.ToBytes()
	if len(raw) != size.Pixels()*3 {
		return Image{}, errors.Wrapf(ErrDecode, "resized image has %d bytes, want %d", len(raw), size.Pixels()*3)
	}
	im := NewImage(size)
	for i, b := range raw {
		im.Pix[i] = float32(b) / 255
	}
	return im, nil
}

// ToMat converts im back to an 8-bit Mat. Values are scaled by 255 and
// truncated, after clamping to [0,255].
func (im Image) ToMat() (gocv.Mat, error) {
	raw := make([]byte, len(im.Pix))
	for i, v := range im.Pix {
		raw[i] = toByte(v)
	}
	m, err := gocv.NewMatFromBytes(im.Height, im.Width, gocv.MatTypeCV8UC3, raw)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "building output image")
	}
	return m, nil
}

func toByte(v float32) byte {
	s := v * 255
	switch {
	case s != s || s <= 0:
		return 0
	case s >= 255:
		return 255
	}
	return byte(s)
}

// DecodeRGB decodes an encoded image (PNG, JPEG, ...) into an RGB Mat.
func DecodeRGB(buf []byte) (gocv.Mat, error) {
	m, err := gocv.IMDecode(buf, gocv.IMReadColor)
	if err != nil || m.Empty() {
		if err == nil {
			m.Close()
		}
		return gocv.Mat{}, errors.Wrapf(ErrDecode, "decoding %d bytes", len(buf))
	}
	defer m.Close()
	return swapRB(m), nil
}

// ReadRGB reads the image file at path into an RGB Mat.
func ReadRGB(path string) (gocv.Mat, error) {
	m := gocv.IMRead(path, gocv.IMReadColor)
	if m.Empty() {
		m.Close()
		return gocv.Mat{}, errors.Wrapf(ErrDecode, "reading %s", path)
	}
	defer m.Close()
	return swapRB(m), nil
}

// WriteRGB writes an RGB Mat to path; the format follows the extension.
func WriteRGB(path string, m gocv.Mat) error {
	bgr := swapRB(m)
	defer bgr.Close()
	if !gocv.IMWrite(path, bgr) {
		return errors.Errorf("writing %s", path)
	}
	return nil
}

// EncodeRGB encodes an RGB Mat with the given format.
func EncodeRGB(ext gocv.FileExt, m gocv.Mat) ([]byte, error) {
	bgr := swapRB(m)
	defer bgr.Close()
	buf, err := gocv.IMEncode(ext, bgr)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s", ext)
	}
	return buf, nil
}

// swapRB converts BGR to RGB and back; the conversion is its own inverse.
func swapRB(m gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	gocv.CvtColor(m, &out, gocv.ColorBGRToRGB)
	return out
}
