package models

import "time"

const (
	BoardProviderWorkboard = "workboard"
)

const (
	BoardStatusConnected    = "connected"
	BoardStatusDisconnected = "disconnected"
	BoardStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// BoardConnection holds the per-tenant link to the Workboard platform.
type BoardConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"index;not null" json:"business_id"`
	Provider          string     `gorm:"index;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	BoardId           string     `gorm:"size:100" json:"board_id"`
	BoardName         string     `gorm:"size:255" json:"board_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRun is one invocation of the delta sync, covering one or more
// per-customer batches.
type SyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	BusinessId    string     `gorm:"index;not null" json:"business_id"`
	ConnectionId  uint       `gorm:"index;not null" json:"connection_id"`
	Provider      string     `gorm:"index;size:50;not null" json:"provider"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	Customer      string     `gorm:"size:100" json:"customer"`
	Limit         int        `gorm:"column:record_limit" json:"limit"`
	DryRun        bool       `gorm:"default:false" json:"dry_run"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncBatch is one per-customer unit of work inside a run. Phases inside a
// batch run as sequential barriers; the phase rows carry the counts.
type SyncBatch struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	BusinessId string     `gorm:"index;not null" json:"business_id"`
	SyncRunId  uint       `gorm:"index;not null" json:"sync_run_id"`
	Customer   string     `gorm:"size:100;not null" json:"customer"`
	Status     string     `gorm:"size:20;not null" json:"status"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncBatchPhase records one phase barrier of a batch: opened when the phase
// starts, closed when every record in the phase reached a terminal status.
type SyncBatchPhase struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	SyncBatchId uint       `gorm:"index;not null" json:"sync_batch_id"`
	Phase       SyncPhase  `gorm:"size:16;not null" json:"phase"`
	Total       int        `json:"total"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// SyncErrorRecord captures a failed remote call with enough payload to retry
// without re-querying the source. Cleared when a retry succeeds.
type SyncErrorRecord struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	BusinessId   string     `gorm:"index;not null" json:"business_id"`
	SyncRunId    uint       `gorm:"index;not null" json:"sync_run_id"`
	SyncBatchId  uint       `gorm:"index" json:"sync_batch_id"`
	EntityType   string     `gorm:"size:50" json:"entity_type"`
	RefKey       string     `gorm:"size:255" json:"ref_key"`
	Operation    string     `gorm:"size:32" json:"operation"`
	ErrorCode    string     `gorm:"size:64" json:"error_code"`
	Message      string     `gorm:"type:text" json:"message"`
	RequestJSON  []byte     `gorm:"type:json" json:"request"`
	ResponseJSON []byte     `gorm:"type:json" json:"response"`
	Class        ErrorClass `gorm:"size:16;not null" json:"class"`
	RetryCount   int        `gorm:"default:0" json:"retry_count"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
