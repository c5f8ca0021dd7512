package data

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ImageStore resolves identifiers to RGB images.
type ImageStore interface {
	// Read returns the image stored under id in RGB order. The caller closes it.
	Read(id string) (gocv.Mat, error)
	Has(id string) bool
}

// DirStore is an ImageStore backed by the files of one directory.
type DirStore struct {
	Dir string
}

func (s DirStore) path(id string) string {
	return filepath.Join(s.Dir, filepath.Base(id))
}

// Has reports whether a regular file exists for id.
func (s DirStore) Has(id string) bool {
	fi, err := os.Stat(s.path(id))
	return err == nil && fi.Mode().IsRegular()
}

// Read loads the file for id. It fails with ErrNotFound or ErrDecode.
func (s DirStore) Read(id string) (gocv.Mat, error) {
	p := s.path(id)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return gocv.Mat{}, errors.Wrapf(ErrNotFound, "%s", p)
		}
		return gocv.Mat{}, errors.Wrapf(err, "stat %s", p)
	}
	return ReadRGB(p)
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// ListIDs returns the sorted names of the image files in dir, at most limit of
// them when limit > 0.
func ListIDs(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Split returns the first n ids for training and the rest for validation.
func Split(ids []string, n int) (train, val []string, err error) {
	if n <= 0 || n >= len(ids) {
		return nil, nil, errors.Errorf("cannot split %d ids with %d for training", len(ids), n)
	}
	return ids[:n], ids[n:], nil
}
