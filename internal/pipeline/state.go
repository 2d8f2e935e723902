package pipeline

import (
	"github.com/example/ticketpilot/backend/internal/checkpoint"
	"github.com/example/ticketpilot/backend/internal/models"
)

// RunStateVersion is the schema version of RunState snapshots.
const RunStateVersion = 1

// RunState is carried between steps inside checkpoint snapshots.
type RunState struct {
	Analysis       *Analysis       `json:"analysis,omitempty"`
	Implementation *Implementation `json:"implementation,omitempty"`
	PullRequest    *PullRequest    `json:"pullRequest,omitempty"`
}

// DecodeState reads a RunState from a checkpoint snapshot. An empty snapshot yields an empty state.
func DecodeState(s models.Snapshot) (RunState, error) {
	var st RunState
	err := checkpoint.Decode(s, RunStateVersion, &st)
	return st, err
}

// EncodeState writes st as a snapshot.
func EncodeState(st RunState) (models.Snapshot, error) {
	return checkpoint.Encode(RunStateVersion, st)
}
