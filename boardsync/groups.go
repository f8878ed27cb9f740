package boardsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
	"gorm.io/gorm"
)

// GroupResolver ensures a remote group exists for a customer-season key.
type GroupResolver interface {
	EnsureGroup(ctx context.Context, businessId string, groupKey string) (remoteGroupId string, created bool, err error)
}

// groupResolver resolves grouping keys against the board_groups table and
// creates missing remote groups through the Remote client. Creation per key is
// serialized across instances with a Redis lock so concurrent batches sharing
// a key never create duplicate remote groups.
type groupResolver struct {
	db     *gorm.DB
	remote Remote
}

func NewGroupResolver(db *gorm.DB, remote Remote) GroupResolver {
	return &groupResolver{db: db, remote: remote}
}

func (g *groupResolver) EnsureGroup(ctx context.Context, businessId string, groupKey string) (string, bool, error) {
	// Fast path: already synced.
	if id, ok := g.lookupSynced(ctx, businessId, groupKey); ok {
		return id, false, nil
	}

	lock, err := utils.ObtainResourceLock(ctx, "boardgroup", businessId+":"+groupKey, 30*time.Second, "boardsync", "EnsureGroup")
	if err != nil {
		return "", false, fmt.Errorf("%w: %s: %v", ErrGroupResolutionFailed, groupKey, err)
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	// Re-check under the lock: another batch may have just created it.
	if id, ok := g.lookupSynced(ctx, businessId, groupKey); ok {
		return id, false, nil
	}

	group, err := g.loadOrCreateRow(ctx, businessId, groupKey)
	if err != nil {
		return "", false, err
	}

	outcomes, err := g.remote.Execute(ctx, OpCreateGroup, []Payload{groupPayload(group)}, false)
	if err != nil {
		g.markError(ctx, group)
		return "", false, fmt.Errorf("%w: %s: %v", ErrGroupResolutionFailed, groupKey, err)
	}
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		g.markError(ctx, group)
		var cause error
		if len(outcomes) == 1 {
			cause = outcomes[0].Err
		} else {
			cause = errors.New("unexpected outcome count")
		}
		return "", false, fmt.Errorf("%w: %s: %v", ErrGroupResolutionFailed, groupKey, cause)
	}

	remoteId := outcomes[0].RemoteId
	if err := g.db.WithContext(ctx).Model(&models.BoardGroup{}).
		Where("id = ?", group.ID).
		Updates(map[string]interface{}{
			"remote_group_id": remoteId,
			"status":          models.SyncStatusSynced,
		}).Error; err != nil {
		return "", false, err
	}

	_ = config.SetRedisValue(groupCacheKey(businessId, groupKey), remoteId, 12*time.Hour)
	return remoteId, true, nil
}

func (g *groupResolver) lookupSynced(ctx context.Context, businessId string, groupKey string) (string, bool) {
	if cached, ok, _ := config.GetRedisValue(groupCacheKey(businessId, groupKey)); ok && cached != "" {
		return cached, true
	}

	var group models.BoardGroup
	err := g.db.WithContext(ctx).
		Where("business_id = ? AND group_key = ? AND status = ?", businessId, groupKey, models.SyncStatusSynced).
		Take(&group).Error
	if err != nil || group.RemoteGroupId == nil || *group.RemoteGroupId == "" {
		return "", false
	}
	_ = config.SetRedisValue(groupCacheKey(businessId, groupKey), *group.RemoteGroupId, 12*time.Hour)
	return *group.RemoteGroupId, true
}

func (g *groupResolver) loadOrCreateRow(ctx context.Context, businessId string, groupKey string) (*models.BoardGroup, error) {
	var group models.BoardGroup
	err := g.db.WithContext(ctx).
		Where("business_id = ? AND group_key = ?", businessId, groupKey).
		Take(&group).Error
	if err == nil {
		return &group, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	customer, season := splitGroupKey(groupKey)
	group = models.BoardGroup{
		BusinessId: businessId,
		GroupKey:   groupKey,
		Customer:   customer,
		Season:     season,
		Status:     models.SyncStatusPending,
	}
	if err := g.db.WithContext(ctx).Create(&group).Error; err != nil {
		if isDuplicateKeyErr(err) {
			// Lost the insert race; re-read the winner's row.
			if rerr := g.db.WithContext(ctx).
				Where("business_id = ? AND group_key = ?", businessId, groupKey).
				Take(&group).Error; rerr == nil {
				return &group, nil
			}
		}
		return nil, err
	}
	return &group, nil
}

func (g *groupResolver) markError(ctx context.Context, group *models.BoardGroup) {
	_ = g.db.WithContext(ctx).Model(&models.BoardGroup{}).
		Where("id = ?", group.ID).
		Update("status", models.SyncStatusError).Error
}

func groupCacheKey(businessId string, groupKey string) string {
	return "BoardGroup:" + businessId + ":" + groupKey
}

func splitGroupKey(groupKey string) (customer string, season string) {
	parts := strings.SplitN(groupKey, "|", 2)
	customer = parts[0]
	if len(parts) > 1 {
		season = parts[1]
	}
	return customer, season
}
