package boardsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// LineWork is a pending staged line paired with its parent's remote item id.
// Only lines whose parent header has reached SYNCED are ever handed out.
type LineWork struct {
	Line           models.OrderLineStage
	ParentRemoteId string
}

// Staging is the staged-row store consumed by the orchestrator. The gorm
// implementation is StagingRepo; tests substitute an in-memory fake.
type Staging interface {
	PendingHeaders(ctx context.Context, businessId string, batchId uint, limit int) ([]models.OrderHeaderStage, error)
	PendingLines(ctx context.Context, businessId string, batchId uint, limit int) ([]LineWork, error)
	MarkHeaderSyncing(ctx context.Context, id uint) (bool, error)
	MarkHeaderSynced(ctx context.Context, id uint, remoteGroupId string, remoteItemId string) error
	MarkHeaderError(ctx context.Context, id uint, errorId uint) error
	MarkLineSyncing(ctx context.Context, id uint) (bool, error)
	MarkLineSynced(ctx context.Context, id uint, remoteParentId string, remoteChildId string) error
	MarkLineError(ctx context.Context, id uint, errorId uint) error
}

// StagingRepo persists staged delta rows in MySQL.
type StagingRepo struct {
	db *gorm.DB
}

func NewStagingRepo(db *gorm.DB) *StagingRepo {
	return &StagingRepo{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// StageDeltas writes NEW/CHANGED deltas into the staging tables for the given
// batch. The upsert is idempotent on (business key, fingerprint): re-staging
// an identical record never resets its status, so re-runs never create
// duplicate remote objects. Rows left behind by a terminal batch are adopted
// into this one; a business key claimed by a different in-flight batch is
// rejected with ErrConcurrentBatchConflict and reported in conflicts.
func (r *StagingRepo) StageDeltas(ctx context.Context, businessId string, batch *models.SyncBatch, deltas []Delta) (staged int, skipped int, conflicts []error, err error) {
	logger := config.GetLogger()

	for i := range deltas {
		delta := &deltas[i]
		switch delta.Kind {
		case DeltaUnchanged:
			skipped++
			continue
		case DeltaDeleted:
			// Deletion has no remote counterpart to create; report only.
			logger.WithField("business_key", delta.BusinessKey).Info("source record deleted upstream")
			skipped++
			continue
		}

		stageErr := r.stageOne(ctx, businessId, batch, delta)
		switch {
		case stageErr == nil:
			staged++
		case errors.Is(stageErr, ErrConcurrentBatchConflict):
			conflicts = append(conflicts, stageErr)
			config.LogError(logger, "boardsync", "StageDeltas", "concurrent batch conflict", delta.BusinessKey, stageErr)
		default:
			return staged, skipped, conflicts, stageErr
		}
	}

	// NEW -> PENDING once the whole batch is staged.
	if staged > 0 {
		if err := r.db.WithContext(ctx).Model(&models.OrderHeaderStage{}).
			Where("business_id = ? AND batch_id = ? AND status = ?", businessId, batch.ID, models.SyncStatusNew).
			Update("status", models.SyncStatusPending).Error; err != nil {
			return staged, skipped, conflicts, err
		}
		if err := r.db.WithContext(ctx).Model(&models.OrderLineStage{}).
			Where("business_id = ? AND batch_id = ? AND status = ?", businessId, batch.ID, models.SyncStatusNew).
			Update("status", models.SyncStatusPending).Error; err != nil {
			return staged, skipped, conflicts, err
		}
	}
	return staged, skipped, conflicts, nil
}

func (r *StagingRepo) stageOne(ctx context.Context, businessId string, batch *models.SyncBatch, delta *Delta) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.OrderHeaderStage
		err := tx.Where("business_id = ? AND business_key = ?", businessId, delta.BusinessKey).
			Take(&existing).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if found {
			if existing.Fingerprint == delta.Fingerprint &&
				(existing.Status == models.SyncStatusPending || existing.Status == models.SyncStatusSynced) {
				if existing.BatchId == batch.ID {
					// Idempotent re-stage: same key, same content.
					return nil
				}
				if r.batchInFlight(ctx, tx, existing.BatchId) {
					return fmt.Errorf("%w: %s held by batch %d", ErrConcurrentBatchConflict, delta.BusinessKey, existing.BatchId)
				}
				// Same content, but the owning batch is terminal. Adopt the
				// row so work the dead batch left unfinished resumes here
				// instead of stranding outside every batch's pending cursor.
				return r.adoptIntoBatch(ctx, tx, businessId, &existing, batch.ID)
			}
			if existing.BatchId != batch.ID && r.batchInFlight(ctx, tx, existing.BatchId) {
				return fmt.Errorf("%w: %s held by batch %d", ErrConcurrentBatchConflict, delta.BusinessKey, existing.BatchId)
			}
		}

		remoteGroupId, remoteItemId := r.priorRemoteIds(ctx, tx, businessId, delta)

		header := models.OrderHeaderStage{
			BusinessId:    businessId,
			BusinessKey:   delta.BusinessKey,
			BatchId:       batch.ID,
			Customer:      delta.Order.Customer,
			PoNumber:      delta.Order.PoNumber,
			Style:         delta.Order.Style,
			Color:         delta.Order.Color,
			Season:        delta.Order.Season,
			GroupKey:      delta.GroupKey,
			Fingerprint:   delta.Fingerprint,
			Status:        models.SyncStatusNew,
			RemoteGroupId: remoteGroupId,
			RemoteItemId:  remoteItemId,
		}
		if found {
			header.ID = existing.ID
			updates := map[string]interface{}{
				"batch_id":        batch.ID,
				"fingerprint":     delta.Fingerprint,
				"status":          models.SyncStatusNew,
				"group_key":       delta.GroupKey,
				"customer":        header.Customer,
				"po_number":       header.PoNumber,
				"style":           header.Style,
				"color":           header.Color,
				"season":          header.Season,
				"remote_group_id": remoteGroupId,
				"remote_item_id":  remoteItemId,
				"error_id":        nil,
			}
			if err := tx.Model(&models.OrderHeaderStage{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Create(&header).Error; err != nil {
				if isDuplicateKeyErr(err) {
					// Lost an insert race with another batch.
					return fmt.Errorf("%w: %s", ErrConcurrentBatchConflict, delta.BusinessKey)
				}
				return err
			}
		}

		return r.stageLines(ctx, tx, businessId, batch.ID, delta)
	})
}

func (r *StagingRepo) stageLines(ctx context.Context, tx *gorm.DB, businessId string, batchId uint, delta *Delta) error {
	prodChildren := r.priorChildIds(ctx, tx, businessId, delta.BusinessKey)

	for _, size := range delta.Order.Sizes {
		lineKey := models.BuildLineKey(delta.BusinessKey, size.SizeLabel)

		var remoteChildId *string
		if id, ok := prodChildren[lineKey]; ok && id != "" {
			childId := id
			remoteChildId = &childId
		}

		line := models.OrderLineStage{
			BusinessId:    businessId,
			LineKey:       lineKey,
			HeaderKey:     delta.BusinessKey,
			BatchId:       batchId,
			SizeLabel:     size.SizeLabel,
			Quantity:      size.Quantity,
			Status:        models.SyncStatusNew,
			RemoteChildId: remoteChildId,
		}

		var existing models.OrderLineStage
		err := tx.Where("business_id = ? AND line_key = ?", businessId, lineKey).Take(&existing).Error
		if err == nil {
			updates := map[string]interface{}{
				"batch_id":         batchId,
				"quantity":         size.Quantity,
				"status":           models.SyncStatusNew,
				"remote_parent_id": nil,
				"remote_child_id":  remoteChildId,
				"error_id":         nil,
			}
			if err := tx.Model(&models.OrderLineStage{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(&line).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return fmt.Errorf("%w: %s", ErrConcurrentBatchConflict, lineKey)
			}
			return err
		}
	}
	return nil
}

// adoptIntoBatch moves a header row and its lines from a terminal batch into
// the current one, preserving per-row status: a PENDING header from a failed
// run is handed out again, a SYNCED header whose lines never ran exposes them
// to the line phase, and a SYNCED-but-unpromoted header becomes promotable.
func (r *StagingRepo) adoptIntoBatch(ctx context.Context, tx *gorm.DB, businessId string, header *models.OrderHeaderStage, batchId uint) error {
	if err := tx.Model(&models.OrderHeaderStage{}).
		Where("id = ?", header.ID).
		Update("batch_id", batchId).Error; err != nil {
		return err
	}
	return tx.Model(&models.OrderLineStage{}).
		Where("business_id = ? AND header_key = ?", businessId, header.BusinessKey).
		Update("batch_id", batchId).Error
}

func (r *StagingRepo) batchInFlight(ctx context.Context, tx *gorm.DB, batchId uint) bool {
	if batchId == 0 {
		return false
	}
	var batch models.SyncBatch
	if err := tx.Where("id = ?", batchId).Take(&batch).Error; err != nil {
		return false
	}
	return batch.Status == models.SyncRunStatusQueued || batch.Status == models.SyncRunStatusRunning
}

// priorRemoteIds carries the production remote ids onto a CHANGED stage row so
// the orchestrator issues an update instead of creating a duplicate item.
func (r *StagingRepo) priorRemoteIds(ctx context.Context, tx *gorm.DB, businessId string, delta *Delta) (*string, *string) {
	if delta.Kind != DeltaChanged {
		return nil, nil
	}
	var prod models.OrderHeader
	if err := tx.Where("business_id = ? AND business_key = ?", businessId, delta.BusinessKey).
		Take(&prod).Error; err != nil {
		return nil, nil
	}
	var groupId, itemId *string
	if prod.RemoteGroupId != "" {
		g := prod.RemoteGroupId
		groupId = &g
	}
	if prod.RemoteItemId != "" {
		i := prod.RemoteItemId
		itemId = &i
	}
	return groupId, itemId
}

func (r *StagingRepo) priorChildIds(ctx context.Context, tx *gorm.DB, businessId string, businessKey string) map[string]string {
	var header models.OrderHeader
	if err := tx.Where("business_id = ? AND business_key = ?", businessId, businessKey).
		Preload("Lines").Take(&header).Error; err != nil {
		return nil
	}
	children := make(map[string]string, len(header.Lines))
	for _, line := range header.Lines {
		children[line.LineKey] = line.RemoteChildId
	}
	return children
}

// PendingHeaders returns the batch's PENDING headers in business-key order so
// interrupted runs resume deterministically.
func (r *StagingRepo) PendingHeaders(ctx context.Context, businessId string, batchId uint, limit int) ([]models.OrderHeaderStage, error) {
	query := r.db.WithContext(ctx).
		Where("business_id = ? AND batch_id = ? AND status = ?", businessId, batchId, models.SyncStatusPending).
		Order("business_key")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var headers []models.OrderHeaderStage
	err := query.Find(&headers).Error
	return headers, err
}

// PendingLines returns PENDING lines whose parent header is SYNCED, paired
// with the parent's remote item id, in line-key order. Lines under headers
// that failed stay PENDING and are simply not handed out.
func (r *StagingRepo) PendingLines(ctx context.Context, businessId string, batchId uint, limit int) ([]LineWork, error) {
	var headers []models.OrderHeaderStage
	if err := r.db.WithContext(ctx).
		Where("business_id = ? AND batch_id = ? AND status = ?", businessId, batchId, models.SyncStatusSynced).
		Find(&headers).Error; err != nil {
		return nil, err
	}
	parents := make(map[string]string, len(headers))
	for _, h := range headers {
		if h.RemoteItemId != nil && *h.RemoteItemId != "" {
			parents[h.BusinessKey] = *h.RemoteItemId
		}
	}

	query := r.db.WithContext(ctx).
		Where("business_id = ? AND batch_id = ? AND status = ?", businessId, batchId, models.SyncStatusPending).
		Order("line_key")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var lines []models.OrderLineStage
	if err := query.Find(&lines).Error; err != nil {
		return nil, err
	}

	work := make([]LineWork, 0, len(lines))
	for _, line := range lines {
		parentId, ok := parents[line.HeaderKey]
		if !ok {
			continue
		}
		work = append(work, LineWork{Line: line, ParentRemoteId: parentId})
	}
	return work, nil
}

// MarkHeaderSyncing is a single-row compare-and-set PENDING -> SYNCING; a
// false return means another worker or run already claimed the row.
func (r *StagingRepo) MarkHeaderSyncing(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.OrderHeaderStage{}).
		Where("id = ? AND status = ?", id, models.SyncStatusPending).
		Update("status", models.SyncStatusSyncing)
	return res.RowsAffected == 1, res.Error
}

func (r *StagingRepo) MarkHeaderSynced(ctx context.Context, id uint, remoteGroupId string, remoteItemId string) error {
	return r.db.WithContext(ctx).Model(&models.OrderHeaderStage{}).
		Where("id = ? AND status = ?", id, models.SyncStatusSyncing).
		Updates(map[string]interface{}{
			"status":          models.SyncStatusSynced,
			"remote_group_id": remoteGroupId,
			"remote_item_id":  remoteItemId,
			"error_id":        nil,
			"updated_at":      time.Now(),
		}).Error
}

func (r *StagingRepo) MarkHeaderError(ctx context.Context, id uint, errorId uint) error {
	return r.db.WithContext(ctx).Model(&models.OrderHeaderStage{}).
		Where("id = ? AND status = ?", id, models.SyncStatusSyncing).
		Updates(map[string]interface{}{
			"status":   models.SyncStatusError,
			"error_id": errorId,
		}).Error
}

func (r *StagingRepo) MarkLineSyncing(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.OrderLineStage{}).
		Where("id = ? AND status = ?", id, models.SyncStatusPending).
		Update("status", models.SyncStatusSyncing)
	return res.RowsAffected == 1, res.Error
}

func (r *StagingRepo) MarkLineSynced(ctx context.Context, id uint, remoteParentId string, remoteChildId string) error {
	return r.db.WithContext(ctx).Model(&models.OrderLineStage{}).
		Where("id = ? AND status = ?", id, models.SyncStatusSyncing).
		Updates(map[string]interface{}{
			"status":           models.SyncStatusSynced,
			"remote_parent_id": remoteParentId,
			"remote_child_id":  remoteChildId,
			"error_id":         nil,
		}).Error
}

func (r *StagingRepo) MarkLineError(ctx context.Context, id uint, errorId uint) error {
	return r.db.WithContext(ctx).Model(&models.OrderLineStage{}).
		Where("id = ? AND status = ?", id, models.SyncStatusSyncing).
		Updates(map[string]interface{}{
			"status":   models.SyncStatusError,
			"error_id": errorId,
		}).Error
}
