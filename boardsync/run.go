package boardsync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Service wires the full delta sync pipeline: detection, staging, the phased
// orchestrator, promotion, and the run/batch bookkeeping around them.
type Service struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, logger: config.GetLogger()}
}

// Connection loads the tenant's active board connection, cached in Redis.
// Connect/disconnect invalidate the cache key.
func (s *Service) Connection(ctx context.Context, businessId string) (*models.BoardConnection, error) {
	var conn models.BoardConnection
	cacheKey := connectionCacheKey(businessId)
	if ok, _ := config.GetRedisObject(cacheKey, &conn); !ok {
		err := s.db.WithContext(ctx).
			Where("business_id = ? AND provider = ?", businessId, models.BoardProviderWorkboard).
			Take(&conn).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotConnected
		}
		if err != nil {
			return nil, err
		}
		_ = config.SetRedisObject(cacheKey, conn, time.Hour)
	}
	if conn.Status != models.BoardStatusConnected {
		return nil, ErrNotConnected
	}
	return &conn, nil
}

func connectionCacheKey(businessId string) string {
	return "BoardConnection:" + businessId
}

// RunDeltaSync executes one full delta sync pass: detect changes, stage them,
// push them through the phased orchestrator per customer, and promote what
// fully synced. With opts.DryRun the pass detects, builds every payload and
// reports synthetic outcomes, but touches neither staging, production nor the
// remote platform.
func (s *Service) RunDeltaSync(ctx context.Context, businessId string, opts SyncOptions) (*RunReport, error) {
	conn, err := s.Connection(ctx, businessId)
	if err != nil {
		return nil, err
	}
	run, err := s.openRun(ctx, businessId, conn, opts)
	if err != nil {
		return nil, err
	}
	return s.executePipeline(ctx, businessId, conn, run, opts)
}

// ExecuteQueuedRun picks up a run created in QUEUED state (by the trigger
// endpoint) and executes it. The QUEUED -> RUNNING flip is a compare-and-set,
// so a redelivered message finds nothing to claim and returns without work.
func (s *Service) ExecuteQueuedRun(ctx context.Context, businessId string, runId uint) (*RunReport, error) {
	conn, err := s.Connection(ctx, businessId)
	if err != nil {
		return nil, err
	}

	var run models.SyncRun
	if err := s.db.WithContext(ctx).
		Where("id = ? AND business_id = ?", runId, businessId).
		Take(&run).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.SyncRun{}).
		Where("id = ? AND status = ?", run.ID, models.SyncRunStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.SyncRunStatusRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	run.StartedAt = &now

	opts := SyncOptions{
		Customer:    run.Customer,
		Limit:       run.Limit,
		DryRun:      run.DryRun,
		TriggeredBy: run.TriggeredBy,
	}
	return s.executePipeline(ctx, businessId, conn, &run, opts)
}

func (s *Service) executePipeline(ctx context.Context, businessId string, conn *models.BoardConnection, run *models.SyncRun, opts SyncOptions) (*RunReport, error) {
	remote, err := NewClient(conn)
	if err != nil {
		return nil, err
	}

	report := &RunReport{RunId: run.ID, DryRun: opts.DryRun}
	deltas, malformed, err := DetectDeltas(ctx, s.db, businessId, opts.Customer, opts.Limit)
	if err != nil {
		s.closeRun(ctx, run, conn, report, err)
		return nil, err
	}
	report.Malformed = len(malformed)

	fields, err := LoadFieldMap(ctx, s.db, businessId)
	if err != nil {
		s.closeRun(ctx, run, conn, report, err)
		return nil, err
	}

	byCustomer := groupByCustomer(deltas)
	customers := make([]string, 0, len(byCustomer))
	for customer := range byCustomer {
		customers = append(customers, customer)
	}
	sort.Strings(customers)

	if opts.DryRun {
		for _, customer := range customers {
			report.Batches = append(report.Batches, s.simulateBatch(ctx, customer, byCustomer[customer], fields, remote))
		}
		s.tallyReport(report)
		s.closeRun(ctx, run, conn, report, nil)
		return report, nil
	}

	staging := NewStagingRepo(s.db)
	engine := NewEngine(EngineConfig{
		Store:      staging,
		Groups:     NewGroupResolver(s.db, remote),
		Remote:     remote,
		Phases:     NewPhaseRepo(s.db),
		Errors:     NewErrorRepo(s.db),
		Fields:     fields,
		Logger:     s.logger,
		Workers:    utils.EnvInt("WORKBOARD_SYNC_WORKERS", 4),
		FetchLimit: opts.Limit,
	})
	promoter := NewPromoter(s.db)

	var runErr error
	for _, customer := range customers {
		batchReport, err := s.runBatch(ctx, businessId, run.ID, customer, byCustomer[customer], staging, engine, promoter)
		if batchReport != nil {
			report.Batches = append(report.Batches, *batchReport)
		}
		if err != nil {
			// One customer's failure never aborts the others.
			config.LogError(s.logger, "boardsync", "RunDeltaSync", "batch failed", customer, err)
			runErr = err
			if ctx.Err() != nil {
				break
			}
		}
	}

	s.tallyReport(report)
	s.closeRun(ctx, run, conn, report, runErr)
	return report, nil
}

func (s *Service) runBatch(ctx context.Context, businessId string, runId uint, customer string, deltas []Delta, staging *StagingRepo, engine *Engine, promoter *Promoter) (*BatchReport, error) {
	now := time.Now()
	batch := models.SyncBatch{
		BusinessId: businessId,
		SyncRunId:  runId,
		Customer:   customer,
		Status:     models.SyncRunStatusRunning,
		StartedAt:  &now,
	}
	if err := s.db.WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, err
	}

	batchReport := &BatchReport{Customer: customer, BatchId: batch.ID}

	staged, skipped, conflicts, err := staging.StageDeltas(ctx, businessId, &batch, deltas)
	batchReport.Staged = staged
	batchReport.Skipped = skipped + len(conflicts)
	if err != nil {
		s.closeBatch(ctx, &batch, models.SyncRunStatusFailed)
		return batchReport, err
	}

	phases, err := engine.SyncBatch(ctx, BatchContext{
		BusinessId: businessId,
		RunId:      runId,
		BatchId:    batch.ID,
		Customer:   customer,
	})
	batchReport.Phases = phases
	if err != nil {
		s.closeBatch(ctx, &batch, models.SyncRunStatusFailed)
		return batchReport, err
	}

	promoted, _, err := promoter.PromoteBatch(ctx, businessId, batch.ID)
	batchReport.Promoted = promoted
	if err != nil {
		s.closeBatch(ctx, &batch, models.SyncRunStatusFailed)
		return batchReport, err
	}

	status := models.SyncRunStatusSuccess
	for _, phase := range phases {
		if phase.Failed > 0 {
			status = models.SyncRunStatusPartial
			break
		}
	}
	if len(conflicts) > 0 && status == models.SyncRunStatusSuccess {
		status = models.SyncRunStatusPartial
	}
	s.closeBatch(ctx, &batch, status)
	return batchReport, nil
}

// simulateBatch builds every payload a real batch would submit and runs them
// through the client in dry-run mode, so a dry run exercises field mapping and
// payload construction end to end.
func (s *Service) simulateBatch(ctx context.Context, customer string, deltas []Delta, fields *FieldMap, remote Remote) BatchReport {
	batchReport := BatchReport{Customer: customer}

	groupKeys := make(map[string]struct{})
	groupPayloads := make([]Payload, 0)
	headerPayloads := make([]Payload, 0, len(deltas))
	linePayloads := make([]Payload, 0)

	for i := range deltas {
		delta := &deltas[i]
		if delta.Kind == DeltaUnchanged || delta.Kind == DeltaDeleted {
			batchReport.Skipped++
			continue
		}
		batchReport.Staged++

		if _, ok := groupKeys[delta.GroupKey]; !ok {
			groupKeys[delta.GroupKey] = struct{}{}
			groupCustomer, season := splitGroupKey(delta.GroupKey)
			groupPayloads = append(groupPayloads, groupPayload(&models.BoardGroup{
				GroupKey: delta.GroupKey,
				Customer: groupCustomer,
				Season:   season,
			}))
		}

		header := models.OrderHeaderStage{
			BusinessKey: delta.BusinessKey,
			Customer:    delta.Order.Customer,
			PoNumber:    delta.Order.PoNumber,
			Style:       delta.Order.Style,
			Color:       delta.Order.Color,
			Season:      delta.Order.Season,
		}
		headerPayloads = append(headerPayloads, headerPayload(fields, &header, "dry-run:"+delta.GroupKey))

		for _, size := range delta.Order.Sizes {
			line := models.OrderLineStage{
				LineKey:   models.BuildLineKey(delta.BusinessKey, size.SizeLabel),
				SizeLabel: size.SizeLabel,
				Quantity:  size.Quantity,
			}
			linePayloads = append(linePayloads, linePayload(fields, LineWork{
				Line:           line,
				ParentRemoteId: "dry-run:" + delta.BusinessKey,
			}))
		}
	}

	for _, phase := range []struct {
		phase   models.SyncPhase
		op      Operation
		records []Payload
	}{
		{models.SyncPhaseGroups, OpCreateGroup, groupPayloads},
		{models.SyncPhaseItems, OpCreateItem, headerPayloads},
		{models.SyncPhaseLines, OpCreateSubitem, linePayloads},
	} {
		outcomes, _ := remote.Execute(ctx, phase.op, phase.records, true)
		batchReport.Phases = append(batchReport.Phases, PhaseReport{
			Phase:     phase.phase,
			Total:     len(phase.records),
			Succeeded: len(outcomes),
		})
	}
	return batchReport
}

// RetrySync replays stored retryable failures as a child run. Headers whose
// last blocker cleared get promoted, so a successful retry finishes what the
// parent run could not.
func (s *Service) RetrySync(ctx context.Context, businessId string, scope RetryScope) (*RetryReport, uint, error) {
	conn, err := s.Connection(ctx, businessId)
	if err != nil {
		return nil, 0, err
	}
	remote, err := NewClient(conn)
	if err != nil {
		return nil, 0, err
	}

	parentRunId, batchIds, err := s.retryTargets(ctx, businessId, scope)
	if err != nil {
		return nil, 0, err
	}

	run, err := s.openRun(ctx, businessId, conn, SyncOptions{TriggeredBy: models.SyncTriggeredRetry})
	if err != nil {
		return nil, 0, err
	}
	if parentRunId != 0 {
		_ = s.db.WithContext(ctx).Model(&models.SyncRun{}).
			Where("id = ?", run.ID).
			Update("parent_run_id", parentRunId).Error
	}

	retryReport, err := NewErrorRepo(s.db).RetryErrors(ctx, businessId, remote, scope)
	report := &RunReport{RunId: run.ID}
	if err != nil {
		s.closeRun(ctx, run, conn, report, err)
		return nil, run.ID, err
	}

	promoter := NewPromoter(s.db)
	for _, batchId := range batchIds {
		promoted, _, promoteErr := promoter.PromoteBatch(ctx, businessId, batchId)
		if promoteErr != nil {
			config.LogError(s.logger, "boardsync", "RetrySync", "promotion after retry failed", batchId, promoteErr)
			continue
		}
		report.Synced += promoted
	}

	report.ErrorCount = retryReport.Failed
	var runErr error
	if retryReport.Attempted > 0 && retryReport.Succeeded == 0 {
		runErr = errors.New("no retried record succeeded")
	}
	s.closeRun(ctx, run, conn, report, runErr)
	return retryReport, run.ID, nil
}

func (s *Service) retryTargets(ctx context.Context, businessId string, scope RetryScope) (parentRunId uint, batchIds []uint, err error) {
	query := s.db.WithContext(ctx).Model(&models.SyncErrorRecord{}).
		Where("business_id = ?", businessId)
	if scope.ErrorId != 0 {
		query = query.Where("id = ?", scope.ErrorId)
	} else {
		query = query.Where("class = ?", models.ErrorClassRetryable)
		if scope.Customer != "" {
			query = query.Where("ref_key LIKE ?", scope.Customer+"|%")
		}
	}

	var rows []models.SyncErrorRecord
	if err := query.Find(&rows).Error; err != nil {
		return 0, nil, err
	}

	seen := make(map[uint]struct{})
	for _, row := range rows {
		if parentRunId == 0 {
			parentRunId = row.SyncRunId
		}
		if row.SyncBatchId == 0 {
			continue
		}
		if _, ok := seen[row.SyncBatchId]; ok {
			continue
		}
		seen[row.SyncBatchId] = struct{}{}
		batchIds = append(batchIds, row.SyncBatchId)
	}
	return parentRunId, batchIds, nil
}

func (s *Service) openRun(ctx context.Context, businessId string, conn *models.BoardConnection, opts SyncOptions) (*models.SyncRun, error) {
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredManual
	}
	now := time.Now()
	run := models.SyncRun{
		BusinessId:   businessId,
		ConnectionId: conn.ID,
		Provider:     conn.Provider,
		Status:       models.SyncRunStatusRunning,
		TriggeredBy:  triggeredBy,
		Customer:     opts.Customer,
		Limit:        opts.Limit,
		DryRun:       opts.DryRun,
		StartedAt:    &now,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Service) closeRun(ctx context.Context, run *models.SyncRun, conn *models.BoardConnection, report *RunReport, runErr error) {
	now := time.Now()
	status := models.SyncRunStatusSuccess
	switch {
	case runErr != nil && report.Synced == 0:
		status = models.SyncRunStatusFailed
	case runErr != nil || report.ErrorCount > 0:
		status = models.SyncRunStatusPartial
	}

	updates := map[string]interface{}{
		"status":         status,
		"stats_json":     report.statsJSON(),
		"records_synced": report.Synced,
		"error_count":    report.ErrorCount,
		"finished_at":    now,
	}
	if run.StartedAt != nil {
		updates["duration_ms"] = now.Sub(*run.StartedAt).Milliseconds()
	}
	if err := s.db.WithContext(ctx).Model(&models.SyncRun{}).
		Where("id = ?", run.ID).Updates(updates).Error; err != nil {
		config.LogError(s.logger, "boardsync", "closeRun", "failed to finalize run", run.ID, err)
	}

	connUpdates := map[string]interface{}{"last_sync_at": now}
	if status == models.SyncRunStatusSuccess && !run.DryRun {
		connUpdates["last_success_sync_at"] = now
	}
	_ = s.db.WithContext(ctx).Model(&models.BoardConnection{}).
		Where("id = ?", conn.ID).Updates(connUpdates).Error
	_ = config.RemoveRedisKey(connectionCacheKey(run.BusinessId))
}

func (s *Service) closeBatch(ctx context.Context, batch *models.SyncBatch, status string) {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.SyncBatch{}).
		Where("id = ?", batch.ID).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": now,
		}).Error; err != nil {
		config.LogError(s.logger, "boardsync", "closeBatch", "failed to finalize batch", batch.ID, err)
	}
}

func (s *Service) tallyReport(report *RunReport) {
	for _, batch := range report.Batches {
		if report.DryRun {
			report.Synced += batch.Staged
			continue
		}
		report.Synced += batch.Promoted
		for _, phase := range batch.Phases {
			report.ErrorCount += phase.Failed
		}
	}
	report.ErrorCount += report.Malformed
}

// groupByCustomer buckets deltas into per-customer batches. Deleted deltas
// carry no source row; their customer comes from the business key prefix.
func groupByCustomer(deltas []Delta) map[string][]Delta {
	byCustomer := make(map[string][]Delta)
	for _, delta := range deltas {
		customer := ""
		if delta.Order != nil {
			customer = strings.ToUpper(strings.TrimSpace(delta.Order.Customer))
		} else {
			customer = strings.SplitN(delta.BusinessKey, "|", 2)[0]
		}
		byCustomer[customer] = append(byCustomer[customer], delta)
	}
	return byCustomer
}
