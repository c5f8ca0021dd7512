package ml

import (
	"github.com/pkg/errors"

	"sketch2face/data"
)

// Stages is the number of pooling stages of the encoder.
const Stages = 4

// PadFor returns the zero padding that brings an upsampled length up to the
// length of its skip reference: the deficit split floor/ceil between the two
// sides. A negative deficit cannot be fixed by padding.
func PadFor(skip, up int) (before, after int, err error) {
	d := skip - up
	if d < 0 {
		return 0, 0, errors.Wrapf(ErrShapeMismatch, "upsampled length %d exceeds skip length %d", up, skip)
	}
	return d / 2, d - d/2, nil
}

// DecoderShape describes one decoder stage, deepest first.
type DecoderShape struct {
	Skip   data.Size
	Up     data.Size
	Top    int
	Bottom int
	Left   int
	Right  int
}

// PlanShapes walks a size through the encoder and decoder and returns the
// decoder stages together with the final output size.
func PlanShapes(size data.Size) ([]DecoderShape, data.Size, error) {
	skips := make([]data.Size, 0, Stages)
	cur := size
	for i := 0; i < Stages; i++ {
		skips = append(skips, cur)
		cur = data.Size{Height: cur.Height / 2, Width: cur.Width / 2}
		if cur.Height == 0 || cur.Width == 0 {
			return nil, data.Size{}, errors.Wrapf(ErrShapeMismatch, "%dx%d is too small for %d pooling stages", size.Height, size.Width, Stages)
		}
	}

	plan := make([]DecoderShape, 0, Stages)
	for i := Stages - 1; i >= 0; i-- {
		skip := skips[i]
		st := DecoderShape{Skip: skip, Up: data.Size{Height: cur.Height * 2, Width: cur.Width * 2}}
		var err error
		if st.Top, st.Bottom, err = PadFor(skip.Height, st.Up.Height); err != nil {
			return nil, data.Size{}, err
		}
		if st.Left, st.Right, err = PadFor(skip.Width, st.Up.Width); err != nil {
			return nil, data.Size{}, err
		}
		plan = append(plan, st)
		cur = skip
	}
	return plan, cur, nil
}

// spreadIndex maps every position of a twice-upsampled axis of length up,
// padded by before and after, to the source position it repeats. Padding
// positions map to 0; borderMask zeroes them.
func spreadIndex(before, up, after int) []int64 {
	idx := make([]int64, before+up+after)
	for i := 0; i < up; i++ {
		idx[before+i] = int64(i / 2)
	}
	return idx
}

// borderMask is 1 inside the upsampled region of st.Skip and 0 on the
// padding, in row-major order.
func borderMask(st DecoderShape) []float32 {
	h, w := st.Skip.Height, st.Skip.Width
	m := make([]float32, h*w)
	for y := st.Top; y < h-st.Bottom; y++ {
		for x := st.Left; x < w-st.Right; x++ {
			m[y*w+x] = 1
		}
	}
	return m
}
