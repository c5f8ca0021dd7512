package data

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestDodge(t *testing.T) {
	gray := []byte{0, 128, 200, 10, 100}
	blur := []byte{0, 127, 255, 250, 55}
	assert.Equal(t, []byte{0, 255, 0, 255, 128}, Dodge(gray, blur))
}

func TestSketchShapeAndRange(t *testing.T) {
	photo := noise(t, 123, 301, 7)
	defer photo.Close()

	s, err := Sketch(photo, BGR, WorkingSize)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 218, s.Rows())
	assert.Equal(t, 178, s.Cols())
	assert.Equal(t, 3, s.Channels())
	assert.Equal(t, gocv.MatTypeCV8UC3, s.Type())

	raw := s.ToBytes()
	for i := 0; i < len(raw); i += 3 {
		require.Equal(t, raw[i], raw[i+1])
		require.Equal(t, raw[i], raw[i+2])
	}
}

func TestSketchDeterministic(t *testing.T) {
	photo := noise(t, 64, 48, 3)
	defer photo.Close()

	a, err := Sketch(photo, RGB, WorkingSize)
	require.NoError(t, err)
	defer a.Close()
	b, err := Sketch(photo, RGB, WorkingSize)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, a.ToBytes(), b.ToBytes())
}

func TestSketchFlatGrayIsUniform(t *testing.T) {
	photo := solid(t, 300, 300, 128, 128, 128)
	defer photo.Close()

	s, err := Sketch(photo, RGB, WorkingSize)
	require.NoError(t, err)
	defer s.Close()

	raw := s.ToBytes()
	for _, v := range raw {
		require.Equal(t, raw[0], v)
	}
	// 128*256/(255-127) saturates.
	assert.Equal(t, byte(255), raw[0])
}

func TestSketchRejectsEmpty(t *testing.T) {
	m := gocv.NewMat()
	defer m.Close()
	_, err := Sketch(m, BGR, WorkingSize)
	assert.True(t, errors.Is(err, ErrDecode), "got %v", err)
}

func TestSynthesizeDir(t *testing.T) {
	src, dst := t.TempDir(), filepath.Join(t.TempDir(), "sketches")
	for i, name := range []string{"b.png", "a.png"} {
		m := noise(t, 50, 40, int64(i))
		require.NoError(t, WriteRGB(filepath.Join(src, name), m))
		m.Close()
	}

	n, err := SynthesizeDir(src, dst, WorkingSize, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := ListIDs(dst, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, ids)

	m, err := ReadRGB(filepath.Join(dst, "a.png"))
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 218, m.Rows())
	assert.Equal(t, 178, m.Cols())
}
