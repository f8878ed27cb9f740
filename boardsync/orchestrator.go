package boardsync

import (
	"context"
	"sync"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
	"github.com/sirupsen/logrus"
)

// PhaseTracker records phase barriers: a row opened when a phase starts and
// closed once every record in the phase reached a terminal status.
type PhaseTracker interface {
	BeginPhase(ctx context.Context, batchId uint, phase models.SyncPhase, total int) (uint, error)
	ClosePhase(ctx context.Context, phaseId uint, succeeded int, failed int) error
}

// ErrorSink persists failed remote calls for later retry.
type ErrorSink interface {
	RecordError(ctx context.Context, failure RemoteFailure) (uint, error)
}

// BatchContext identifies the per-customer unit of work being synced.
type BatchContext struct {
	BusinessId string
	RunId      uint
	BatchId    uint
	Customer   string
}

// Engine drives one batch through the three ordered phases: group resolution,
// parent item creation, child line creation. Each phase is a barrier; the next
// phase never starts before the previous one's eligible work is terminal.
// Failures are isolated per record (per grouping key for phase one) and never
// roll back already-succeeded siblings.
type Engine struct {
	store      Staging
	groups     GroupResolver
	remote     Remote
	phases     PhaseTracker
	errorSink  ErrorSink
	fields     *FieldMap
	logger     *logrus.Logger
	workers    int
	fetchLimit int
	dryRun     bool
}

type EngineConfig struct {
	Store      Staging
	Groups     GroupResolver
	Remote     Remote
	Phases     PhaseTracker
	Errors     ErrorSink
	Fields     *FieldMap
	Logger     *logrus.Logger
	Workers    int
	FetchLimit int
	DryRun     bool
}

func NewEngine(cfg EngineConfig) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	fields := cfg.Fields
	if fields == nil {
		fields = NewFieldMap(nil)
	}
	return &Engine{
		store:      cfg.Store,
		groups:     cfg.Groups,
		remote:     cfg.Remote,
		phases:     cfg.Phases,
		errorSink:  cfg.Errors,
		fields:     fields,
		logger:     logger,
		workers:    workers,
		fetchLimit: cfg.FetchLimit,
		dryRun:     cfg.DryRun,
	}
}

// SyncBatch runs the three phases for one batch. Cancellation is cooperative:
// the context is checked between phases only, so in-flight calls of the
// current phase always drain and no parent is left in doubt.
func (e *Engine) SyncBatch(ctx context.Context, bc BatchContext) ([]PhaseReport, error) {
	reports := make([]PhaseReport, 0, 3)

	headers, err := e.store.PendingHeaders(ctx, bc.BusinessId, bc.BatchId, e.fetchLimit)
	if err != nil {
		return reports, err
	}

	groupReport, resolved, err := e.runGroupPhase(ctx, bc, headers)
	if err != nil {
		return reports, err
	}
	reports = append(reports, groupReport)
	if err := ctx.Err(); err != nil {
		return reports, err
	}

	itemReport, err := e.runItemPhase(ctx, bc, headers, resolved)
	if err != nil {
		return reports, err
	}
	reports = append(reports, itemReport)
	if err := ctx.Err(); err != nil {
		return reports, err
	}

	lineReport, err := e.runLinePhase(ctx, bc)
	if err != nil {
		return reports, err
	}
	reports = append(reports, lineReport)

	return reports, nil
}

// runGroupPhase resolves every distinct grouping key referenced by the batch.
// Keys resolve in a bounded worker pool; the phase does not advance until all
// of them either resolved or failed. A failed key soft-fails only the headers
// sharing it.
func (e *Engine) runGroupPhase(ctx context.Context, bc BatchContext, headers []models.OrderHeaderStage) (PhaseReport, map[string]string, error) {
	keys := make([]string, 0, len(headers))
	for _, h := range headers {
		keys = append(keys, h.GroupKey)
	}
	keys = utils.UniqueSlice(keys)

	report := PhaseReport{Phase: models.SyncPhaseGroups, Total: len(keys)}
	phaseId, err := e.phases.BeginPhase(ctx, bc.BatchId, models.SyncPhaseGroups, len(keys))
	if err != nil {
		return report, nil, err
	}

	var mu sync.Mutex
	resolved := make(map[string]string, len(keys))
	failed := make(map[string]error)

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			remoteId, _, err := e.groups.EnsureGroup(ctx, bc.BusinessId, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[key] = err
				return
			}
			resolved[key] = remoteId
		}(key)
	}
	// Phase barrier: every key terminal before items may start.
	wg.Wait()

	for key, keyErr := range failed {
		e.logger.WithFields(logrus.Fields{
			"customer":  bc.Customer,
			"group_key": key,
		}).Warn("group resolution failed; headers deferred to next run")
		_, _ = e.errorSink.RecordError(ctx, RemoteFailure{
			BusinessId:  bc.BusinessId,
			SyncRunId:   bc.RunId,
			SyncBatchId: bc.BatchId,
			EntityType:  "group",
			RefKey:      key,
			Operation:   OpCreateGroup,
			Outcome: Outcome{
				RefKey: key,
				Err:    keyErr,
				Class:  models.ErrorClassRetryable,
				Code:   "group_resolution_failed",
			},
		})
	}

	report.Succeeded = len(resolved)
	report.Failed = len(failed)
	return report, resolved, e.phases.ClosePhase(ctx, phaseId, report.Succeeded, report.Failed)
}

// runItemPhase submits item creation (or update, for headers that already
// carry a remote id) for every header whose group resolved. Headers under a
// failed grouping key are skipped and stay PENDING.
func (e *Engine) runItemPhase(ctx context.Context, bc BatchContext, headers []models.OrderHeaderStage, resolved map[string]string) (report PhaseReport, err error) {
	type headerWork struct {
		header  models.OrderHeaderStage
		groupId string
	}

	eligible := make([]headerWork, 0, len(headers))
	for _, h := range headers {
		groupId, ok := resolved[h.GroupKey]
		if !ok {
			continue
		}
		eligible = append(eligible, headerWork{header: h, groupId: groupId})
	}

	report = PhaseReport{Phase: models.SyncPhaseItems, Total: len(eligible)}
	phaseId, err := e.phases.BeginPhase(ctx, bc.BatchId, models.SyncPhaseItems, len(eligible))
	if err != nil {
		return report, err
	}
	// Close the phase row on every exit path; an aborted phase must not be
	// left open.
	defer func() {
		if closeErr := e.phases.ClosePhase(ctx, phaseId, report.Succeeded, report.Failed); err == nil {
			err = closeErr
		}
	}()

	creates := make([]Payload, 0, len(eligible))
	updates := make([]Payload, 0)
	claimed := make(map[string]headerWork, len(eligible))

	for _, w := range eligible {
		ok, err := e.store.MarkHeaderSyncing(ctx, w.header.ID)
		if err != nil {
			return report, err
		}
		if !ok {
			// Another run already owns this row.
			report.Total--
			continue
		}
		payload := headerPayload(e.fields, &w.header, w.groupId)
		claimed[payload.RefKey] = w
		if payload.RemoteId != "" {
			updates = append(updates, payload)
		} else {
			creates = append(creates, payload)
		}
	}

	outcomes := make([]Outcome, 0, len(claimed))
	for _, call := range []struct {
		op      Operation
		records []Payload
	}{
		{OpCreateItem, creates},
		{OpUpdateItem, updates},
	} {
		if len(call.records) == 0 {
			continue
		}
		result, err := e.remote.Execute(ctx, call.op, call.records, e.dryRun)
		if err != nil {
			return report, err
		}
		outcomes = append(outcomes, result...)
	}

	for _, outcome := range outcomes {
		w, ok := claimed[outcome.RefKey]
		if !ok {
			continue
		}
		if outcome.Err == nil {
			if err := e.store.MarkHeaderSynced(ctx, w.header.ID, w.groupId, outcome.RemoteId); err != nil {
				return report, err
			}
			report.Succeeded++
			continue
		}

		op := OpCreateItem
		payload := headerPayload(e.fields, &w.header, w.groupId)
		if payload.RemoteId != "" {
			op = OpUpdateItem
		}
		errorId, _ := e.errorSink.RecordError(ctx, RemoteFailure{
			BusinessId:  bc.BusinessId,
			SyncRunId:   bc.RunId,
			SyncBatchId: bc.BatchId,
			EntityType:  "header",
			RefKey:      outcome.RefKey,
			Operation:   op,
			Request:     payload,
			Outcome:     outcome,
		})
		if err := e.store.MarkHeaderError(ctx, w.header.ID, errorId); err != nil {
			return report, err
		}
		report.Failed++
	}

	return report, nil
}

// runLinePhase submits child creation for lines whose parent header reached
// SYNCED. The store only hands out such lines, so a line can never enter
// SYNCING while its parent is unsynced.
func (e *Engine) runLinePhase(ctx context.Context, bc BatchContext) (report PhaseReport, err error) {
	work, err := e.store.PendingLines(ctx, bc.BusinessId, bc.BatchId, e.fetchLimit)
	if err != nil {
		return PhaseReport{Phase: models.SyncPhaseLines}, err
	}

	report = PhaseReport{Phase: models.SyncPhaseLines, Total: len(work)}
	phaseId, err := e.phases.BeginPhase(ctx, bc.BatchId, models.SyncPhaseLines, len(work))
	if err != nil {
		return report, err
	}
	defer func() {
		if closeErr := e.phases.ClosePhase(ctx, phaseId, report.Succeeded, report.Failed); err == nil {
			err = closeErr
		}
	}()

	creates := make([]Payload, 0, len(work))
	updates := make([]Payload, 0)
	claimed := make(map[string]LineWork, len(work))

	for _, w := range work {
		ok, err := e.store.MarkLineSyncing(ctx, w.Line.ID)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Total--
			continue
		}
		payload := linePayload(e.fields, w)
		claimed[payload.RefKey] = w
		if payload.RemoteId != "" {
			updates = append(updates, payload)
		} else {
			creates = append(creates, payload)
		}
	}

	outcomes := make([]Outcome, 0, len(claimed))
	for _, call := range []struct {
		op      Operation
		records []Payload
	}{
		{OpCreateSubitem, creates},
		{OpUpdateItem, updates},
	} {
		if len(call.records) == 0 {
			continue
		}
		result, err := e.remote.Execute(ctx, call.op, call.records, e.dryRun)
		if err != nil {
			return report, err
		}
		outcomes = append(outcomes, result...)
	}

	for _, outcome := range outcomes {
		w, ok := claimed[outcome.RefKey]
		if !ok {
			continue
		}
		if outcome.Err == nil {
			if err := e.store.MarkLineSynced(ctx, w.Line.ID, w.ParentRemoteId, outcome.RemoteId); err != nil {
				return report, err
			}
			report.Succeeded++
			continue
		}

		op := OpCreateSubitem
		payload := linePayload(e.fields, w)
		if payload.RemoteId != "" {
			op = OpUpdateItem
		}
		errorId, _ := e.errorSink.RecordError(ctx, RemoteFailure{
			BusinessId:  bc.BusinessId,
			SyncRunId:   bc.RunId,
			SyncBatchId: bc.BatchId,
			EntityType:  "line",
			RefKey:      outcome.RefKey,
			Operation:   op,
			Request:     payload,
			Outcome:     outcome,
		})
		if err := e.store.MarkLineError(ctx, w.Line.ID, errorId); err != nil {
			return report, err
		}
		report.Failed++
	}

	return report, nil
}
