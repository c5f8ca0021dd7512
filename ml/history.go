package ml

import (
	"os"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"sketch2face/util"
)

// EpochRecord is one row of the training history.
type EpochRecord struct {
	Epoch        int     `csv:"epoch"`
	TrainLoss    float64 `csv:"loss"`
	ValLoss      float64 `csv:"val_loss"`
	Checkpointed bool    `csv:"checkpointed"`
	Seconds      float64 `csv:"seconds"`
}

// FileHistory collects epoch records in memory and writes them as CSV, plus a
// loss curve image when PlotPath is set.
type FileHistory struct {
	CSVPath  string
	PlotPath string

	mu      sync.Mutex
	records []*EpochRecord
}

// Append records one epoch.
func (h *FileHistory) Append(r EpochRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, &r)
	return nil
}

// Records returns a copy of the history so far.
func (h *FileHistory) Records() []EpochRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EpochRecord, len(h.records))
	for i, r := range h.records {
		out[i] = *r
	}
	return out
}

// Flush writes everything appended so far.
func (h *FileHistory) Flush() error {
	records := h.Records()
	if h.CSVPath != "" {
		f, err := os.Create(h.CSVPath)
		if err != nil {
			return errors.Wrapf(err, "creating %s", h.CSVPath)
		}
		defer f.Close()
		rows := make([]*EpochRecord, len(records))
		for i := range records {
			rows[i] = &records[i]
		}
		if err := gocsv.MarshalFile(&rows, f); err != nil {
			return errors.Wrapf(err, "writing %s", h.CSVPath)
		}
	}
	if h.PlotPath != "" && len(records) > 0 {
		train := make([]float64, len(records))
		val := make([]float64, len(records))
		for i, r := range records {
			train[i], val[i] = r.TrainLoss, r.ValLoss
		}
		return util.PlotLosses(h.PlotPath, "sketch2face training", []string{"loss", "val_loss"}, train, val)
	}
	return nil
}
