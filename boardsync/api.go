package boardsync

// Request and response shapes of the /integrations/workboard HTTP surface.

type ConnectRequest struct {
	BoardId   string `json:"boardId"`
	BoardName string `json:"boardName"`
	APIKey    string `json:"apiKey"`
}

type TriggerSyncRequest struct {
	Customer string `json:"customer"`
	Limit    int    `json:"limit"`
	DryRun   bool   `json:"dryRun"`
}

type RetryRequest struct {
	ErrorId  uint   `json:"errorId"`
	Customer string `json:"customer"`
}

type UpdateMappingsRequest struct {
	Mappings []FieldMappingInput `json:"mappings"`
}

type FieldMappingInput struct {
	EntityType   string `json:"entityType" validate:"required"`
	SourceField  string `json:"sourceField" validate:"required"`
	RemoteField  string `json:"remoteField" validate:"required"`
	CoercionRule string `json:"coercionRule"`
}

type ConnectionResponse struct {
	Status    string `json:"status"`
	BoardId   string `json:"boardId,omitempty"`
	BoardName string `json:"boardName,omitempty"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt,omitempty"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt,omitempty"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggeredBy"`
	Customer      string  `json:"customer,omitempty"`
	DryRun        bool    `json:"dryRun"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	RefKey     string `json:"refKey"`
	Operation  string `json:"operation"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Class      string `json:"class"`
	RetryCount int    `json:"retryCount"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Stats  map[string]any      `json:"stats,omitempty"`
	Errors []SyncErrorResponse `json:"errors"`
}
