// Package serve exposes a Predictor over HTTP.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sketch2face/data"
	"sketch2face/ml"
	"sketch2face/util"
)

// Server handles uploads and serves stored inputs and results.
type Server struct {
	Predictor *ml.Predictor
	UploadDir string
	Timeout   time.Duration
}

// Handler returns the routes of s.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.PathPrefix("/static/uploads/").Handler(
		http.StripPrefix("/static/uploads/", http.FileServer(http.Dir(s.UploadDir))))
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.Predictor.Model.Loaded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "model not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	in, err := ResolveInput(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "No image provided", err)
		return
	}
	raw, err := in.Bytes()
	if err != nil {
		s.fail(w, http.StatusBadRequest, "Invalid image data", err)
		return
	}
	img, err := data.DecodeRGB(raw)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "Invalid image data", err)
		return
	}
	defer img.Close()

	name := storedName(in.Name())
	if err := os.WriteFile(filepath.Join(s.UploadDir, name), raw, 0644); err != nil {
		s.fail(w, http.StatusInternalServerError, "Processing failed", err)
		return
	}
	util.Logger.Info("received image", zap.String("name", name), zap.Int("bytes", len(raw)))

	ctx := r.Context()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	out, err := s.Predictor.Predict(ctx, img)
	if err != nil {
		s.fail(w, statusFor(err), "Processing failed", err)
		return
	}
	defer out.Close()

	resultName := "result_" + replaceExt(name, ".png")
	if err := data.WriteRGB(filepath.Join(s.UploadDir, resultName), out); err != nil {
		s.fail(w, http.StatusInternalServerError, "Processing failed", err)
		return
	}
	util.Logger.Info("saved result", zap.String("name", resultName))
	writeJSON(w, http.StatusOK, map[string]string{
		"original": "/static/uploads/" + name,
		"result":   "/static/uploads/" + resultName,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ml.ErrLoad):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, data.ErrDecode):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string, err error) {
	util.Logger.Warn("upload failed", zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, map[string]string{"error": msg, "details": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var uploadSeq uint64

// storedName prefixes name so that concurrent uploads of the same file never
// share their original or result files.
func storedName(name string) string {
	return fmt.Sprintf("%d_%d_%s", time.Now().UnixNano(), atomic.AddUint64(&uploadSeq, 1), name)
}

func replaceExt(name, ext string) string {
	return name[:len(name)-len(filepath.Ext(name))] + ext
}
