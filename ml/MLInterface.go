package ml

import "context"

// ArtifactStore persists trained networks.
type ArtifactStore interface {
	Load() (*UNet, error)
	Save(net *UNet) error
}

// HistorySink receives one record per epoch and persists them on Flush.
type HistorySink interface {
	Append(r EpochRecord) error
	Flush() error
}

// fitter is the part of training that touches tensors. runEpochs drives it.
type fitter interface {
	TrainEpoch(ctx context.Context, epoch int) (float64, error)
	Validate(ctx context.Context) (float64, error)
	Checkpoint() error
}
