package boardsync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type promotionDecision int

const (
	promoteInsert promotionDecision = iota
	promoteUpdate
	promoteSkipCurrent
	promoteSkipConflict
)

// decidePromotion compares a fully-synced staged header against the production
// row sharing its business key. Pure so the conflict rules are testable
// without a database.
//
// A production row that already carries the staged fingerprint means an
// earlier promotion (or a re-run) got here first: skipping is idempotence, not
// an error. A production row updated after the staged row was last touched
// means a concurrent run promoted newer content; overwriting it would roll the
// fingerprint backwards, so the stale promotion is skipped.
func decidePromotion(staged *models.OrderHeaderStage, prod *models.OrderHeader) promotionDecision {
	if prod == nil {
		return promoteInsert
	}
	if prod.Fingerprint == staged.Fingerprint {
		return promoteSkipCurrent
	}
	if prod.UpdatedAt.After(staged.UpdatedAt) {
		return promoteSkipConflict
	}
	return promoteUpdate
}

// Promoter copies fully-synced staged rows into the production tables. The
// production fingerprint is what the next delta pass compares against, so a
// header is promoted only once the header AND every one of its lines reached
// SYNCED: promoting around a failed line would make the next pass classify
// the record UNCHANGED and orphan the failure.
type Promoter struct {
	db *gorm.DB
}

func NewPromoter(db *gorm.DB) *Promoter {
	return &Promoter{db: db}
}

// PromoteBatch promotes every eligible header of the batch. Conflicts and
// per-header errors skip the header and move on; promotion is re-runnable.
func (p *Promoter) PromoteBatch(ctx context.Context, businessId string, batchId uint) (promoted int, skipped int, err error) {
	logger := config.GetLogger()

	var headers []models.OrderHeaderStage
	if err := p.db.WithContext(ctx).
		Where("business_id = ? AND batch_id = ? AND status = ?", businessId, batchId, models.SyncStatusSynced).
		Order("business_key").
		Find(&headers).Error; err != nil {
		return 0, 0, err
	}

	for i := range headers {
		header := &headers[i]
		ok, promoteErr := p.promoteOne(ctx, businessId, header)
		if promoteErr != nil {
			config.LogError(logger, "boardsync", "PromoteBatch", "promotion failed", header.BusinessKey, promoteErr)
			skipped++
			continue
		}
		if ok {
			promoted++
		} else {
			skipped++
		}
	}
	return promoted, skipped, nil
}

func (p *Promoter) promoteOne(ctx context.Context, businessId string, staged *models.OrderHeaderStage) (bool, error) {
	var lines []models.OrderLineStage
	if err := p.db.WithContext(ctx).
		Where("business_id = ? AND header_key = ?", businessId, staged.BusinessKey).
		Find(&lines).Error; err != nil {
		return false, err
	}
	for _, line := range lines {
		if line.Status != models.SyncStatusSynced {
			return false, nil
		}
	}

	promoted := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prod models.OrderHeader
		var existing *models.OrderHeader
		err := tx.Where("business_id = ? AND business_key = ?", businessId, staged.BusinessKey).
			Take(&prod).Error
		if err == nil {
			existing = &prod
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		switch decidePromotion(staged, existing) {
		case promoteSkipCurrent:
			return nil
		case promoteSkipConflict:
			config.GetLogger().WithFields(logrus.Fields{
				"business_key":       staged.BusinessKey,
				"staged_fingerprint": staged.Fingerprint,
				"prod_fingerprint":   existing.Fingerprint,
			}).Warn("promotion conflict: production row is newer, skipping")
			return nil
		case promoteInsert:
			prod = models.OrderHeader{
				BusinessId:  businessId,
				BusinessKey: staged.BusinessKey,
			}
		}

		prod.Customer = staged.Customer
		prod.PoNumber = staged.PoNumber
		prod.Style = staged.Style
		prod.Color = staged.Color
		prod.Season = staged.Season
		prod.Fingerprint = staged.Fingerprint
		prod.RemoteGroupId = utils.DereferencePtr(staged.RemoteGroupId, prod.RemoteGroupId)
		prod.RemoteItemId = utils.DereferencePtr(staged.RemoteItemId, prod.RemoteItemId)
		prod.Lines = nil
		if err := tx.Save(&prod).Error; err != nil {
			return err
		}

		// Replace the line set wholesale; line identity lives in line_key.
		if err := tx.Where("order_header_id = ?", prod.ID).
			Delete(&models.OrderLine{}).Error; err != nil {
			return err
		}
		for _, line := range lines {
			prodLine := models.OrderLine{
				OrderHeaderId: prod.ID,
				BusinessId:    businessId,
				LineKey:       line.LineKey,
				SizeLabel:     line.SizeLabel,
				Quantity:      line.Quantity,
				RemoteChildId: utils.DereferencePtr(line.RemoteChildId),
			}
			if err := tx.Create(&prodLine).Error; err != nil {
				return err
			}
		}
		promoted = true
		return nil
	})
	return promoted, err
}
