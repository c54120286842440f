package sweep

import "time"

// State is the lifecycle state of a sweep run.
type State string

const (
	StateReady   State = "ready"
	StateRamping State = "ramping"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateError   State = "error"
	StateDone    State = "done"
	StateKilled  State = "killed"
)

// Terminal reports whether s ends a run. A new Start resets to StateReady.
func (s State) Terminal() bool {
	return s == StateError || s == StateDone || s == StateKilled
}

// Active reports whether s holds instruments and can block other sweeps.
func (s State) Active() bool {
	return s == StateRunning || s == StateRamping
}

// Kind names a sweep variant. It doubles as the class name in exported
// definitions.
type Kind string

const (
	KindSweep0D    Kind = "Sweep0D"
	KindSweep1D    Kind = "Sweep1D"
	KindSweep2D    Kind = "Sweep2D"
	KindSimulSweep Kind = "SimulSweep"
)

// ProgressState is a snapshot of a sweep's lifecycle.
type ProgressState struct {
	State        State      `json:"state"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorCount   int        `json:"error_count"`
	Progress     float64    `json:"progress"`
	IsQueued     bool       `json:"is_queued"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Direction tags a sample with the leg it was taken on.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)
