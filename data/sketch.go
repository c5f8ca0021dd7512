package data

import (
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"sketch2face/util"
)

// ChannelOrder tells Sketch how the channels of its input are laid out.
type ChannelOrder int

const (
	BGR ChannelOrder = iota
	RGB
)

const blurKernel = 21

// Sketch turns a color photo into a pencil-sketch image: the grayscale photo is
// color-dodged with a blurred copy of its own negative. The result has three
// identical channels and the given size.
func Sketch(photo gocv.Mat, order ChannelOrder, size Size) (gocv.Mat, error) {
	if photo.Empty() || photo.Type() != gocv.MatTypeCV8UC3 {
		return gocv.Mat{}, errors.Wrap(ErrDecode, "sketch input must be a non-empty 8-bit 3-channel image")
	}

	code := gocv.ColorBGRToGray
	if order == RGB {
		code = gocv.ColorRGBToGray
	}
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(photo, &gray, code)

	inv := gocv.NewMat()
	defer inv.Close()
	gocv.BitwiseNot(gray, &inv)

	blur := gocv.NewMat()
	defer blur.Close()
	gocv.GaussianBlur(inv, &blur, image.Pt(blurKernel, blurKernel), 0, 0, gocv.BorderDefault)

	dodged, err := gocv.NewMatFromBytes(gray.Rows(), gray.Cols(), gocv.MatTypeCV8U, Dodge(gray.ToBytes(), blur.ToBytes()))
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "building dodge image")
	}
	defer dodged.Close()

	color := gocv.NewMat()
	defer color.Close()
	gocv.CvtColor(dodged, &color, gocv.ColorGrayToBGR)

	out := gocv.NewMat()
	gocv.Resize(color, &out, size.point(), 0, 0, gocv.InterpolationLinear)
	return out, nil
}

// Dodge computes gray*256/(255-blur) per pixel, rounded and saturated to a
// byte. A zero denominator yields 0.
func Dodge(gray, blur []byte) []byte {
	out := make([]byte, len(gray))
	for i, g := range gray {
		den := 255 - int(blur[i])
		if den == 0 {
			continue
		}
		v := math.Round(float64(g) * 256 / float64(den))
		if v > 255 {
			v = 255
		}
		out[i] = byte(v)
	}
	return out
}

// SketchFile reads the photo at src and writes its sketch to dst.
func SketchFile(src, dst string, size Size) error {
	photo := gocv.IMRead(src, gocv.IMReadColor)
	defer photo.Close()
	if photo.Empty() {
		return errors.Wrapf(ErrDecode, "reading %s", src)
	}
	s, err := Sketch(photo, BGR, size)
	if err != nil {
		return errors.Wrapf(err, "sketching %s", src)
	}
	defer s.Close()
	if !gocv.IMWrite(dst, s) {
		return errors.Errorf("writing %s", dst)
	}
	return nil
}

// SynthesizeDir writes a sketch for every image of srcDir into dstDir under the
// same file name, which makes the two directories a paired dataset. Files that
// cannot be decoded are logged and skipped. It returns the number written.
func SynthesizeDir(srcDir, dstDir string, size Size, limit int) (int, error) {
	ids, err := ListIDs(srcDir, limit)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return 0, errors.Wrapf(err, "creating %s", dstDir)
	}
	written := 0
	for _, id := range ids {
		err := SketchFile(filepath.Join(srcDir, id), filepath.Join(dstDir, id), size)
		if errors.Is(err, ErrDecode) {
			util.Logger.Warn("skipping undecodable photo", zap.String("id", id), zap.Error(err))
			continue
		}
		if err != nil {
			return written, err
		}
		written++
	}
	util.Logger.Info("synthesized sketches", zap.Int("count", written), zap.String("dir", dstDir))
	return written, nil
}
