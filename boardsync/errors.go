package boardsync

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
	"gorm.io/gorm"
)

// ErrorRepo persists failed remote calls and drives their retry. Each row
// carries the full request payload, so a retry replays the exact call without
// re-reading the source tables.
type ErrorRepo struct {
	db *gorm.DB
}

func NewErrorRepo(db *gorm.DB) *ErrorRepo {
	return &ErrorRepo{db: db}
}

func (r *ErrorRepo) RecordError(ctx context.Context, failure RemoteFailure) (uint, error) {
	requestJSON, _ := utils.MarshalToJSON(failure.Request)

	message := ""
	if failure.Outcome.Err != nil {
		message = failure.Outcome.Err.Error()
	}

	row := models.SyncErrorRecord{
		BusinessId:   failure.BusinessId,
		SyncRunId:    failure.SyncRunId,
		SyncBatchId:  failure.SyncBatchId,
		EntityType:   failure.EntityType,
		RefKey:       failure.RefKey,
		Operation:    string(failure.Operation),
		ErrorCode:    failure.Outcome.Code,
		Message:      message,
		RequestJSON:  []byte(requestJSON),
		ResponseJSON: failure.Outcome.Response,
		Class:        failure.Outcome.Class,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// RetryScope selects which error records a retry run replays. ErrorId narrows
// to a single record; Customer narrows to one customer's keys; empty scope
// means every retryable record of the tenant.
type RetryScope struct {
	ErrorId  uint
	Customer string
}

// RetryReport summarizes one retry pass.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RetryErrors replays stored retryable failures through the remote client.
// A successful replay clears the error row and advances the staged row it
// blocked; a failed replay bumps the retry counter and leaves the row for the
// next pass. Fatal-class rows are never replayed automatically; targeting one
// by ErrorId replays it anyway, for when the operator fixed the underlying
// data.
func (r *ErrorRepo) RetryErrors(ctx context.Context, businessId string, remote Remote, scope RetryScope) (*RetryReport, error) {
	logger := config.GetLogger()

	query := r.db.WithContext(ctx).Where("business_id = ?", businessId)
	if scope.ErrorId != 0 {
		query = query.Where("id = ?", scope.ErrorId)
	} else {
		query = query.Where("class = ?", models.ErrorClassRetryable)
		if scope.Customer != "" {
			query = query.Where("ref_key LIKE ?", scope.Customer+"|%")
		}
	}

	var rows []models.SyncErrorRecord
	if err := query.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	if scope.ErrorId != 0 && len(rows) == 0 {
		return nil, utils.ErrorRecordNotFound
	}

	report := &RetryReport{}
	for i := range rows {
		row := &rows[i]
		report.Attempted++

		if err := r.retryOne(ctx, businessId, remote, row); err != nil {
			report.Failed++
			config.LogError(logger, "boardsync", "RetryErrors", "retry failed", row.RefKey, err)
			_ = r.db.WithContext(ctx).Model(&models.SyncErrorRecord{}).
				Where("id = ?", row.ID).
				Update("retry_count", gorm.Expr("retry_count + 1")).Error
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

func (r *ErrorRepo) retryOne(ctx context.Context, businessId string, remote Remote, row *models.SyncErrorRecord) error {
	var payload Payload
	if err := json.Unmarshal(row.RequestJSON, &payload); err != nil {
		return fmt.Errorf("stored request unreadable: %w", err)
	}

	outcomes, err := remote.Execute(ctx, Operation(row.Operation), []Payload{payload}, false)
	if err != nil {
		return err
	}
	if len(outcomes) != 1 {
		return fmt.Errorf("expected one outcome, got %d", len(outcomes))
	}
	outcome := outcomes[0]
	if outcome.Err != nil {
		return outcome.Err
	}

	if err := r.advanceStagedRow(ctx, businessId, row, payload, outcome); err != nil {
		return err
	}

	// Clearing the row is what marks the failure resolved.
	return r.db.WithContext(ctx).Delete(&models.SyncErrorRecord{}, row.ID).Error
}

// advanceStagedRow moves the row the failure had parked in ERROR to SYNCED,
// recording the remote ids the replayed call produced.
func (r *ErrorRepo) advanceStagedRow(ctx context.Context, businessId string, row *models.SyncErrorRecord, payload Payload, outcome Outcome) error {
	switch row.EntityType {
	case "group":
		return r.db.WithContext(ctx).Model(&models.BoardGroup{}).
			Where("business_id = ? AND group_key = ?", businessId, row.RefKey).
			Updates(map[string]interface{}{
				"remote_group_id": outcome.RemoteId,
				"status":          models.SyncStatusSynced,
			}).Error
	case "header":
		return r.db.WithContext(ctx).Model(&models.OrderHeaderStage{}).
			Where("business_id = ? AND business_key = ? AND status = ?", businessId, row.RefKey, models.SyncStatusError).
			Updates(map[string]interface{}{
				"status":          models.SyncStatusSynced,
				"remote_group_id": payload.GroupId,
				"remote_item_id":  outcome.RemoteId,
				"error_id":        nil,
			}).Error
	case "line":
		return r.db.WithContext(ctx).Model(&models.OrderLineStage{}).
			Where("business_id = ? AND line_key = ? AND status = ?", businessId, row.RefKey, models.SyncStatusError).
			Updates(map[string]interface{}{
				"status":           models.SyncStatusSynced,
				"remote_parent_id": payload.ParentId,
				"remote_child_id":  outcome.RemoteId,
				"error_id":         nil,
			}).Error
	default:
		return fmt.Errorf("unknown entity type %q", row.EntityType)
	}
}
