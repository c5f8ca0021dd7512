package ml

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketch2face/data"
)

func TestPadFor(t *testing.T) {
	for _, c := range []struct{ skip, up, before, after int }{
		{27, 26, 0, 1},
		{28, 28, 0, 0},
		{30, 26, 2, 2},
		{31, 26, 2, 3},
	} {
		before, after, err := PadFor(c.skip, c.up)
		require.NoError(t, err)
		assert.Equal(t, c.before, before, "%v", c)
		assert.Equal(t, c.after, after, "%v", c)
	}

	_, _, err := PadFor(10, 12)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestPlanShapesWorkingSize(t *testing.T) {
	plan, out, err := PlanShapes(data.WorkingSize)
	require.NoError(t, err)
	assert.Equal(t, data.WorkingSize, out)
	require.Len(t, plan, Stages)

	// 218x178 pools to 109x89, 54x44, 27x22, 13x11.
	deepest := plan[0]
	assert.Equal(t, data.Size{Height: 27, Width: 22}, deepest.Skip)
	assert.Equal(t, data.Size{Height: 26, Width: 22}, deepest.Up)
	assert.Equal(t, [4]int{0, 1, 0, 0}, [4]int{deepest.Top, deepest.Bottom, deepest.Left, deepest.Right})

	second := plan[1]
	assert.Equal(t, data.Size{Height: 54, Width: 44}, second.Skip)
	assert.Equal(t, data.Size{Height: 54, Width: 44}, second.Up)

	last := plan[3]
	assert.Equal(t, data.Size{Height: 218, Width: 178}, last.Skip)
	assert.Equal(t, data.Size{Height: 218, Width: 178}, last.Up)
}

func TestPlanShapesAlwaysRestoresInput(t *testing.T) {
	for h := 16; h <= 260; h++ {
		for w := 16; w <= 260; w += 7 {
			size := data.Size{Height: h, Width: w}
			_, out, err := PlanShapes(size)
			require.NoError(t, err, "%v", size)
			require.Equal(t, size, out)
		}
	}
}

func TestPlanShapesTooSmall(t *testing.T) {
	_, _, err := PlanShapes(data.Size{Height: 15, Width: 64})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestSpreadIndex(t *testing.T) {
	assert.Equal(t, []int64{0, 0, 1, 1, 2, 2}, spreadIndex(0, 6, 0))
	assert.Equal(t, []int64{0, 0, 0, 1, 1, 0, 0}, spreadIndex(1, 4, 2))
}

func TestBorderMaskCoversUpsampledRegion(t *testing.T) {
	plan, _, err := PlanShapes(data.WorkingSize)
	require.NoError(t, err)
	for _, st := range plan {
		m := borderMask(st)
		require.Len(t, m, st.Skip.Pixels())
		var ones int
		for _, v := range m {
			if v == 1 {
				ones++
			}
		}
		assert.Equal(t, st.Up.Pixels(), ones, "%+v", st)
	}

	st := DecoderShape{Skip: data.Size{Height: 3, Width: 3}, Up: data.Size{Height: 2, Width: 2}, Bottom: 1, Right: 1}
	assert.Equal(t, []float32{1, 1, 0, 1, 1, 0, 0, 0, 0}, borderMask(st))
}
