package boardsync

import (
	"context"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"gorm.io/gorm"
)

// DetectDeltas loads the current source extraction and classifies every order
// against the fingerprints recorded in production. Malformed records are
// returned separately, never silently dropped. When the extraction is
// unbounded (no customer filter, no limit) production keys absent from the
// source are reported as DELETED.
func DetectDeltas(ctx context.Context, db *gorm.DB, businessId string, customer string, limit int) ([]Delta, []error, error) {
	logger := config.GetLogger()

	query := db.WithContext(ctx).
		Preload("Sizes").
		Where("business_id = ?", businessId).
		Order("customer, po_number, style, color")
	if customer != "" {
		query = query.Where("customer = ?", customer)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var sources []models.SourceOrder
	if err := query.Find(&sources).Error; err != nil {
		return nil, nil, err
	}

	prior, err := priorFingerprints(ctx, db, businessId, customer)
	if err != nil {
		return nil, nil, err
	}

	deltas := make([]Delta, 0, len(sources))
	malformed := make([]error, 0)
	seen := make(map[string]struct{}, len(sources))

	for i := range sources {
		src := &sources[i]
		fingerprint, err := FingerprintSourceOrder(src)
		if err != nil {
			malformed = append(malformed, err)
			config.LogError(logger, "boardsync", "DetectDeltas", "excluding malformed source record", src.ID, err)
			continue
		}

		key := src.BusinessKey()
		seen[key] = struct{}{}
		priorPrint, priorExists := prior[key]

		deltas = append(deltas, Delta{
			Kind:        Classify(fingerprint, true, priorPrint, priorExists),
			BusinessKey: key,
			GroupKey:    src.GroupKey(),
			Fingerprint: fingerprint,
			Order:       src,
		})
	}

	// A bounded extraction cannot distinguish "deleted" from "not fetched".
	if customer == "" && limit == 0 {
		for key, print := range prior {
			if _, ok := seen[key]; ok {
				continue
			}
			deltas = append(deltas, Delta{
				Kind:        DeltaDeleted,
				BusinessKey: key,
				Fingerprint: print,
			})
		}
	}

	return deltas, malformed, nil
}

func priorFingerprints(ctx context.Context, db *gorm.DB, businessId string, customer string) (map[string]string, error) {
	type keyPrint struct {
		BusinessKey string
		Fingerprint string
	}
	query := db.WithContext(ctx).
		Model(&models.OrderHeader{}).
		Select("business_key", "fingerprint").
		Where("business_id = ?", businessId)
	if customer != "" {
		query = query.Where("customer = ?", customer)
	}

	var rows []keyPrint
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	prior := make(map[string]string, len(rows))
	for _, row := range rows {
		prior[row.BusinessKey] = row.Fingerprint
	}
	return prior, nil
}
