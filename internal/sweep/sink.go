package sweep

import (
	"context"
	"time"
)

// DatasetInfo identifies the run a dataset is opened for.
type DatasetInfo struct {
	SweepID   string
	Kind      Kind
	Name      string
	StartedAt time.Time
}

// Sink opens datasets for sweeps that save data.
type Sink interface {
	Begin(ctx context.Context, info DatasetInfo) (Dataset, error)
	// SwitchContext selects the database, experiment and sample that
	// subsequent datasets are written to.
	SwitchContext(ctx context.Context, database, experiment, sample string) error
}

// Dataset receives the rows of one sweep run. Columns are registered before
// the first Append; Finalize is called exactly once.
type Dataset interface {
	Register(col Column) error
	Append(s Sample) error
	Finalize() error
}

// PlotConsumer receives batches of samples for live display. Calls happen
// on the dispatcher goroutine and should not block.
type PlotConsumer interface {
	AppendBatch(sweepID string, batch []Sample)
}

// StateObserver is told about every state transition.
type StateObserver interface {
	ObserveState(sweepID string, kind Kind, state State)
}
