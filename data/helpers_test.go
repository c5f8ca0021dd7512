package data

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func solid(t *testing.T, h, w int, r, g, b byte) gocv.Mat {
	raw := make([]byte, h*w*3)
	for i := 0; i < len(raw); i += 3 {
		raw[i], raw[i+1], raw[i+2] = r, g, b
	}
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, raw)
	require.NoError(t, err)
	return m
}

func noise(t *testing.T, h, w int, seed int64) gocv.Mat {
	raw := make([]byte, h*w*3)
	rand.New(rand.NewSource(seed)).Read(raw)
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, raw)
	require.NoError(t, err)
	return m
}

// memStore serves solid images whose red channel encodes the sample.
type memStore struct {
	values map[string]byte
	offset byte
}

func (s memStore) Has(id string) bool {
	_, ok := s.values[id]
	return ok
}

func (s memStore) Read(id string) (gocv.Mat, error) {
	v, ok := s.values[id]
	if !ok {
		return gocv.Mat{}, ErrNotFound
	}
	v += s.offset
	raw := make([]byte, 40*30*3)
	for i := 0; i < len(raw); i += 3 {
		raw[i], raw[i+1], raw[i+2] = v, 0, 255
	}
	return gocv.NewMatFromBytes(40, 30, gocv.MatTypeCV8UC3, raw)
}
