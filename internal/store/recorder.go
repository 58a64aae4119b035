package store

import (
	"context"

	"opgcnn/nn"
)

// EpochRecorder is a training callback that writes each epoch's logs to the
// ledger. The first write error is kept and later epochs are skipped.
type EpochRecorder struct {
	nn.NopCallback
	ctx   context.Context
	store *Store
	runID string
	err   error
}

// NewEpochRecorder records epochs of runID into s.
func NewEpochRecorder(ctx context.Context, s *Store, runID string) *EpochRecorder {
	return &EpochRecorder{ctx: ctx, store: s, runID: runID}
}

func (r *EpochRecorder) OnEpochEnd(epoch int, logs map[string]float64) bool {
	if r.err == nil {
		r.err = r.store.RecordEpoch(r.ctx, r.runID, epoch, logs)
	}
	return false
}

func (r *EpochRecorder) Name() string { return "epoch_recorder" }

// Err returns the first write error.
func (r *EpochRecorder) Err() error { return r.err }
