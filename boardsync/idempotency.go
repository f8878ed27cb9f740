package boardsync

import (
	"context"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"gorm.io/gorm"
)

// BeginIdempotency claims (businessId, handlerName, messageId) for processing.
// The unique constraint makes the claim race-free across instances: losing the
// insert means another worker saw the message first. A prior FAILED or stale
// STARTED claim is taken over so redelivered messages eventually succeed;
// SUCCEEDED short-circuits with process=false.
func BeginIdempotency(ctx context.Context, db *gorm.DB, businessId string, handlerName string, messageId string) (key *models.IdempotencyKey, process bool, err error) {
	row := models.IdempotencyKey{
		BusinessId:  businessId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	createErr := db.WithContext(ctx).Create(&row).Error
	if createErr == nil {
		return &row, true, nil
	}
	if !isDuplicateKeyErr(createErr) {
		return nil, false, createErr
	}

	var existing models.IdempotencyKey
	if err := db.WithContext(ctx).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Take(&existing).Error; err != nil {
		return nil, false, err
	}
	if existing.Status == models.IdempotencyStatusSucceeded {
		return &existing, false, nil
	}

	if err := db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Update("status", models.IdempotencyStatusStarted).Error; err != nil {
		return nil, false, err
	}
	existing.Status = models.IdempotencyStatusStarted
	return &existing, true, nil
}

// EndIdempotency records the terminal outcome of a claimed message.
func EndIdempotency(ctx context.Context, db *gorm.DB, key *models.IdempotencyKey, handlerErr error) error {
	updates := map[string]interface{}{
		"status":     models.IdempotencyStatusSucceeded,
		"last_error": nil,
	}
	if handlerErr != nil {
		msg := handlerErr.Error()
		updates["status"] = models.IdempotencyStatusFailed
		updates["last_error"] = msg
	}
	return db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("id = ?", key.ID).
		Updates(updates).Error
}
