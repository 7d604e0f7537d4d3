package layersync

import (
	"time"

	"github.com/maphub/layersync/diff"
	"github.com/maphub/layersync/errors"
)

// PairState is the per-pair state machine of a sync run. Committed,
// Failed, and Skipped are terminal for the run; the pair's SyncRecord
// persists across runs regardless of outcome.
type PairState string

const (
	PairPending      PairState = "pending"
	PairClassified   PairState = "classified"
	PairResolved     PairState = "resolved"
	PairTransferring PairState = "transferring"
	PairCommitted    PairState = "committed"
	PairFailed       PairState = "failed"
	PairSkipped      PairState = "skipped"
)

// PairResult reports the terminal outcome of one pair in a run.
type PairResult struct {
	LocalLayerID string
	RemoteMapID  string

	State          PairState
	Classification diff.Classification
	Direction      Direction

	// ErrorKind and Err are set when State is PairFailed.
	ErrorKind errors.Kind
	Err       error

	// Reason explains a skip (e.g. divergence left for the user).
	Reason string

	Duration time.Duration
}

// RunReport aggregates the outcome of one sync run. Every eligible
// pair ends in exactly one terminal state; the caller is never left
// uncertain whether a given layer was synced.
type RunReport struct {
	RunID string

	StartTime time.Time
	Duration  time.Duration

	Committed int
	Failed    int
	Skipped   int

	Results []PairResult

	// Err is set when the run itself aborted (store unavailable,
	// authentication failed); per-pair errors live in Results.
	Err error
}

// add folds one pair result into the counters.
func (r *RunReport) add(res PairResult) {
	r.Results = append(r.Results, res)
	switch res.State {
	case PairCommitted:
		r.Committed++
	case PairFailed:
		r.Failed++
	case PairSkipped:
		r.Skipped++
	}
}
