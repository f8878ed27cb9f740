package boardsync

import (
	"context"
	"encoding/json"
	"errors"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
)

// Operation names one remote object-creation call the board platform supports.
type Operation string

const (
	OpCreateGroup   Operation = "create_group"
	OpCreateItem    Operation = "create_item"
	OpCreateSubitem Operation = "create_subitem"
	OpUpdateItem    Operation = "update_item"
)

// Payload is one record submitted to the board platform. Fields holds the
// remote column ids with already-coerced values; RefKey links the outcome back
// to the staged row (business key, line key or group key).
type Payload struct {
	RefKey   string         `json:"ref"`
	Name     string         `json:"name"`
	GroupId  string         `json:"group_id,omitempty"`
	ParentId string         `json:"parent_id,omitempty"`
	RemoteId string         `json:"remote_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Outcome is the per-record result of a remote call. Err is nil on success;
// Class is only meaningful when Err is set.
type Outcome struct {
	RefKey   string
	RemoteId string
	Err      error
	Class    models.ErrorClass
	Code     string
	Response []byte
}

// Remote executes object-creation and update calls against the board
// platform. Implementations must classify failures (retryable vs fatal),
// retry transient ones with backoff, and honor dryRun by returning synthetic
// success outcomes without any network call.
type Remote interface {
	Execute(ctx context.Context, op Operation, records []Payload, dryRun bool) ([]Outcome, error)
}

// DeltaKind classifies a source record against its previously recorded
// fingerprint.
type DeltaKind string

const (
	DeltaNew       DeltaKind = "NEW"
	DeltaChanged   DeltaKind = "CHANGED"
	DeltaUnchanged DeltaKind = "UNCHANGED"
	DeltaDeleted   DeltaKind = "DELETED"
)

// Delta is one classified source record. Order is nil for DeltaDeleted.
type Delta struct {
	Kind        DeltaKind
	BusinessKey string
	GroupKey    string
	Fingerprint string
	Order       *models.SourceOrder
}

// SyncOptions are the parameters of one delta sync invocation.
type SyncOptions struct {
	Customer    string
	Limit       int
	DryRun      bool
	TriggeredBy string
}

// PhaseReport aggregates one phase barrier of one customer batch.
type PhaseReport struct {
	Phase     models.SyncPhase `json:"phase"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// BatchReport aggregates one per-customer batch inside a run.
type BatchReport struct {
	Customer string        `json:"customer"`
	BatchId  uint          `json:"batch_id"`
	Staged   int           `json:"staged"`
	Skipped  int           `json:"skipped"`
	Promoted int           `json:"promoted"`
	Phases   []PhaseReport `json:"phases"`
}

// RunReport is the user-visible result of a completed run.
type RunReport struct {
	RunId      uint          `json:"run_id"`
	DryRun     bool          `json:"dry_run"`
	Batches    []BatchReport `json:"batches"`
	Synced     int           `json:"synced"`
	ErrorCount int           `json:"error_count"`
	Malformed  int           `json:"malformed"`
}

func (r *RunReport) statsJSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Error taxonomy of the sync engine. Remote-call classification lives on
// Outcome; these sentinels cover everything before and around the calls.
var (
	ErrMalformedRecord         = errors.New("malformed source record")
	ErrConcurrentBatchConflict = errors.New("business key already staged by an in-flight batch")
	ErrGroupResolutionFailed   = errors.New("group resolution failed")
	ErrNotConnected            = errors.New("board platform not connected")
)

// RemoteFailure carries everything needed to persist and later retry a failed
// remote call without re-querying the source.
type RemoteFailure struct {
	BusinessId  string
	SyncRunId   uint
	SyncBatchId uint
	EntityType  string
	RefKey      string
	Operation   Operation
	Request     Payload
	Outcome     Outcome
}
