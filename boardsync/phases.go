package boardsync

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"gorm.io/gorm"
)

// PhaseRepo persists phase barrier rows.
type PhaseRepo struct {
	db *gorm.DB
}

func NewPhaseRepo(db *gorm.DB) *PhaseRepo {
	return &PhaseRepo{db: db}
}

func (r *PhaseRepo) BeginPhase(ctx context.Context, batchId uint, phase models.SyncPhase, total int) (uint, error) {
	now := time.Now()
	row := models.SyncBatchPhase{
		SyncBatchId: batchId,
		Phase:       phase,
		Total:       total,
		StartedAt:   &now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (r *PhaseRepo) ClosePhase(ctx context.Context, phaseId uint, succeeded int, failed int) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.SyncBatchPhase{}).
		Where("id = ?", phaseId).
		Updates(map[string]interface{}{
			"succeeded":   succeeded,
			"failed":      failed,
			"finished_at": now,
		}).Error
}
