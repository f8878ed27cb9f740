package models

// SyncStatus is the per-record lifecycle used on staged rows and board groups.
// Production rows never carry a status; a promoted record re-enters the
// lifecycle only through a new delta cycle.
type SyncStatus string

const (
	SyncStatusNew     SyncStatus = "NEW"
	SyncStatusPending SyncStatus = "PENDING"
	SyncStatusSyncing SyncStatus = "SYNCING"
	SyncStatusSynced  SyncStatus = "SYNCED"
	SyncStatusError   SyncStatus = "ERROR"
)

type SyncPhase string

const (
	SyncPhaseGroups SyncPhase = "GROUPS"
	SyncPhaseItems  SyncPhase = "ITEMS"
	SyncPhaseLines  SyncPhase = "LINES"
)

// ErrorClass partitions remote failures into retryable and fatal.
type ErrorClass string

const (
	ErrorClassRetryable ErrorClass = "RETRYABLE"
	ErrorClassFatal     ErrorClass = "FATAL"
)
