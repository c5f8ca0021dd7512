package serve

import (
	"encoding/base64"
	"io/ioutil"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoImage means the request carried neither a file nor inline image data.
var ErrNoImage = errors.New("no image provided")

const maxUpload = 16 << 20

// Input is an uploaded image in one of the accepted forms.
type Input interface {
	// Name is a safe file name for storing the input.
	Name() string
	// Bytes returns the encoded image.
	Bytes() ([]byte, error)
}

// FileUpload is a multipart file field.
type FileUpload struct {
	Filename string
	Data     []byte
}

func (f FileUpload) Name() string           { return secureFilename(f.Filename) }
func (f FileUpload) Bytes() ([]byte, error) { return f.Data, nil }

// InlineImageData is a data URL such as the one a canvas produces.
type InlineImageData struct {
	DataURL string
}

func (InlineImageData) Name() string { return "canvas.png" }

func (d InlineImageData) Bytes() ([]byte, error) {
	i := strings.IndexByte(d.DataURL, ',')
	if i < 0 {
		return nil, errors.New("image data is not a data URL")
	}
	raw, err := base64.StdEncoding.DecodeString(d.DataURL[i+1:])
	if err != nil {
		return nil, errors.Wrap(err, "decoding base64 image data")
	}
	return raw, nil
}

// ResolveInput picks the upload form used by r: a non-empty "file" part wins
// over an "imageData" field.
func ResolveInput(r *http.Request) (Input, error) {
	if err := r.ParseMultipartForm(maxUpload); err != nil && err != http.ErrNotMultipart {
		return nil, errors.Wrap(err, "parsing upload")
	}
	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		if header.Filename != "" {
			raw, err := ioutil.ReadAll(file)
			if err != nil {
				return nil, errors.Wrap(err, "reading uploaded file")
			}
			return FileUpload{Filename: header.Filename, Data: raw}, nil
		}
	}
	if v := r.FormValue("imageData"); v != "" {
		return InlineImageData{DataURL: v}, nil
	}
	return nil, ErrNoImage
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func secureFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "upload.png"
	}
	return name
}
