package testbed

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskKind enumerates the side effects that can be attached to a deployment.
// The integer values are the ledger's storage representation.
type TaskKind int

const (
	TaskNoOp TaskKind = iota
	TaskPurgeLocalStorage
	TaskDeleteLocalStorage
	TaskStopIfTrue
	TaskGetResults
)

// TaskKindFromInt maps a stored ordinal back to a kind; unknown ordinals
// decay to TaskNoOp, matching how rows written by older versions are read.
func TaskKindFromInt(v int) TaskKind {
	switch TaskKind(v) {
	case TaskPurgeLocalStorage, TaskDeleteLocalStorage, TaskStopIfTrue, TaskGetResults:
		return TaskKind(v)
	}
	return TaskNoOp
}

// Task is a side effect attached to a deployment, optionally targeting one of
// its services. The parameter payload is an opaque, kind-dependent string:
// StopIfTrue carries a (message, occurrence) pair, GetResults a mountpoint
// descriptor. Tasks reference their deployment and service by id only; the
// object graph is hydrated on read.
type Task struct {
	ID               int64      `json:"id,omitempty"`
	DeploymentID     int64      `json:"deployment,omitempty"`
	ServiceID        int64      `json:"service,omitempty"`
	Kind             TaskKind   `json:"type"`
	Parameters       string     `json:"parameters"`
	DuringDeployment bool       `json:"during_deployment"`
	Start            *time.Time `json:"start,omitempty"`
	End              *time.Time `json:"end,omitempty"`
}

// EncodeStopCondition packs a StopIfTrue parameter payload. The wire form is
// a two-element JSON array, e.g. ["build-failed",2].
func EncodeStopCondition(message string, occurrence int64) string {
	raw, _ := json.Marshal([2]any{message, occurrence})
	return string(raw)
}

// DecodeStopCondition unpacks a StopIfTrue parameter payload.
func DecodeStopCondition(parameters string) (message string, occurrence int64, err error) {
	var pair [2]json.RawMessage
	if err := json.Unmarshal([]byte(parameters), &pair); err != nil {
		return "", 0, fmt.Errorf("decoding stop condition: %w", err)
	}
	if err := json.Unmarshal(pair[0], &message); err != nil {
		return "", 0, fmt.Errorf("decoding stop condition message: %w", err)
	}
	if err := json.Unmarshal(pair[1], &occurrence); err != nil {
		return "", 0, fmt.Errorf("decoding stop condition occurrence: %w", err)
	}
	return message, occurrence, nil
}
