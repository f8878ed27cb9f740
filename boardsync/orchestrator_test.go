package boardsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/ordersync_backend/models"
	"github.com/shopspring/decimal"
)

// The engine tests are DB-free: the store, group resolver, remote, phase
// tracker and error sink are in-memory fakes. They validate the ordering
// contract (groups, then items, then lines under synced parents only) and
// per-record failure isolation.

type fakeStore struct {
	mu      sync.Mutex
	headers []models.OrderHeaderStage
	lines   []models.OrderLineStage
	status  map[string]models.SyncStatus // "h:<id>" / "l:<id>"
	remote  map[string]string            // header business key -> remote item id
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func newFakeStore(log *eventLog) *fakeStore {
	return &fakeStore{
		status: map[string]models.SyncStatus{},
		remote: map[string]string{},
		events: log,
	}
}

func (s *fakeStore) addHeader(id uint, businessKey, groupKey string) {
	s.headers = append(s.headers, models.OrderHeaderStage{
		ID:          id,
		BusinessKey: businessKey,
		GroupKey:    groupKey,
		Status:      models.SyncStatusPending,
	})
	s.status[fmt.Sprintf("h:%d", id)] = models.SyncStatusPending
}

func (s *fakeStore) addLine(id uint, lineKey, headerKey string) {
	s.lines = append(s.lines, models.OrderLineStage{
		ID:        id,
		LineKey:   lineKey,
		HeaderKey: headerKey,
		SizeLabel: "M",
		Quantity:  decimal.NewFromInt(10),
		Status:    models.SyncStatusPending,
	})
	s.status[fmt.Sprintf("l:%d", id)] = models.SyncStatusPending
}

func (s *fakeStore) headerStatus(id uint) models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[fmt.Sprintf("h:%d", id)]
}

func (s *fakeStore) lineStatus(id uint) models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[fmt.Sprintf("l:%d", id)]
}

func (s *fakeStore) PendingHeaders(ctx context.Context, businessId string, batchId uint, limit int) ([]models.OrderHeaderStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OrderHeaderStage, 0, len(s.headers))
	for _, h := range s.headers {
		if s.status[fmt.Sprintf("h:%d", h.ID)] == models.SyncStatusPending {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *fakeStore) PendingLines(ctx context.Context, businessId string, batchId uint, limit int) ([]LineWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.add("pending_lines")
	out := make([]LineWork, 0, len(s.lines))
	for _, l := range s.lines {
		if s.status[fmt.Sprintf("l:%d", l.ID)] != models.SyncStatusPending {
			continue
		}
		parentId, ok := s.remote[l.HeaderKey]
		if !ok {
			continue
		}
		out = append(out, LineWork{Line: l, ParentRemoteId: parentId})
	}
	return out, nil
}

func (s *fakeStore) cas(kind string, id uint, from, to models.SyncStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s:%d", kind, id)
	if s.status[key] != from {
		return false
	}
	s.status[key] = to
	return true
}

func (s *fakeStore) MarkHeaderSyncing(ctx context.Context, id uint) (bool, error) {
	return s.cas("h", id, models.SyncStatusPending, models.SyncStatusSyncing), nil
}

func (s *fakeStore) MarkHeaderSynced(ctx context.Context, id uint, remoteGroupId, remoteItemId string) error {
	if !s.cas("h", id, models.SyncStatusSyncing, models.SyncStatusSynced) {
		return errors.New("header not in SYNCING")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.headers {
		if h.ID == id {
			s.remote[h.BusinessKey] = remoteItemId
			s.events.add("header_synced:" + h.BusinessKey)
		}
	}
	return nil
}

func (s *fakeStore) MarkHeaderError(ctx context.Context, id uint, errorId uint) error {
	if !s.cas("h", id, models.SyncStatusSyncing, models.SyncStatusError) {
		return errors.New("header not in SYNCING")
	}
	return nil
}

func (s *fakeStore) MarkLineSyncing(ctx context.Context, id uint) (bool, error) {
	return s.cas("l", id, models.SyncStatusPending, models.SyncStatusSyncing), nil
}

func (s *fakeStore) MarkLineSynced(ctx context.Context, id uint, remoteParentId, remoteChildId string) error {
	if !s.cas("l", id, models.SyncStatusSyncing, models.SyncStatusSynced) {
		return errors.New("line not in SYNCING")
	}
	return nil
}

func (s *fakeStore) MarkLineError(ctx context.Context, id uint, errorId uint) error {
	if !s.cas("l", id, models.SyncStatusSyncing, models.SyncStatusError) {
		return errors.New("line not in SYNCING")
	}
	return nil
}

type fakeGroups struct {
	mu     sync.Mutex
	fail   map[string]bool
	calls  map[string]int
	events *eventLog
}

func (g *fakeGroups) EnsureGroup(ctx context.Context, businessId, groupKey string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[groupKey]++
	g.events.add("group:" + groupKey)
	if g.fail[groupKey] {
		return "", false, fmt.Errorf("%w: %s", ErrGroupResolutionFailed, groupKey)
	}
	return "grp-" + groupKey, true, nil
}

type fakeRemote struct {
	mu      sync.Mutex
	failRef map[string]models.ErrorClass
	execErr map[Operation]error
	events  *eventLog
}

func (r *fakeRemote) Execute(ctx context.Context, op Operation, records []Payload, dryRun bool) ([]Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.execErr[op]; ok {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(records))
	for _, rec := range records {
		r.events.add(string(op) + ":" + rec.RefKey)
		if class, ok := r.failRef[rec.RefKey]; ok {
			outcomes = append(outcomes, Outcome{
				RefKey: rec.RefKey,
				Err:    errors.New("remote rejected " + rec.RefKey),
				Class:  class,
				Code:   "rejected",
			})
			continue
		}
		outcomes = append(outcomes, Outcome{RefKey: rec.RefKey, RemoteId: "rid-" + rec.RefKey})
	}
	return outcomes, nil
}

type fakePhases struct {
	mu     sync.Mutex
	nextId uint
	begun  []models.SyncPhase
	closed map[models.SyncPhase][2]int
	byId   map[uint]models.SyncPhase
}

func newFakePhases() *fakePhases {
	return &fakePhases{
		closed: map[models.SyncPhase][2]int{},
		byId:   map[uint]models.SyncPhase{},
	}
}

func (p *fakePhases) BeginPhase(ctx context.Context, batchId uint, phase models.SyncPhase, total int) (uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextId++
	p.begun = append(p.begun, phase)
	p.byId[p.nextId] = phase
	return p.nextId, nil
}

func (p *fakePhases) ClosePhase(ctx context.Context, phaseId uint, succeeded, failed int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed[p.byId[phaseId]] = [2]int{succeeded, failed}
	return nil
}

type fakeErrorSink struct {
	mu     sync.Mutex
	nextId uint
	seen   []RemoteFailure
}

func (f *fakeErrorSink) RecordError(ctx context.Context, failure RemoteFailure) (uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	f.seen = append(f.seen, failure)
	return f.nextId, nil
}

type engineFixture struct {
	store  *fakeStore
	groups *fakeGroups
	remote *fakeRemote
	phases *fakePhases
	errs   *fakeErrorSink
	log    *eventLog
	engine *Engine
}

func newEngineFixture() *engineFixture {
	log := &eventLog{}
	f := &engineFixture{
		store:  newFakeStore(log),
		groups: &fakeGroups{fail: map[string]bool{}, calls: map[string]int{}, events: log},
		remote: &fakeRemote{failRef: map[string]models.ErrorClass{}, events: log},
		phases: newFakePhases(),
		errs:   &fakeErrorSink{},
		log:    log,
	}
	f.engine = NewEngine(EngineConfig{
		Store:   f.store,
		Groups:  f.groups,
		Remote:  f.remote,
		Phases:  f.phases,
		Errors:  f.errs,
		Workers: 3,
	})
	return f
}

func (f *engineFixture) run(t *testing.T) []PhaseReport {
	t.Helper()
	reports, err := f.engine.SyncBatch(context.Background(), BatchContext{
		BusinessId: "biz-1",
		RunId:      1,
		BatchId:    1,
		Customer:   "ACME",
	})
	if err != nil {
		t.Fatal(err)
	}
	return reports
}

func TestEngine_HappyPath(t *testing.T) {
	f := newEngineFixture()
	f.store.addHeader(1, "ACME|PO-1|ST-1|Navy", "ACME|SS26")
	f.store.addHeader(2, "ACME|PO-2|ST-2|Red", "ACME|FW26")
	f.store.addLine(10, "ACME|PO-1|ST-1|Navy|M", "ACME|PO-1|ST-1|Navy")
	f.store.addLine(11, "ACME|PO-1|ST-1|Navy|L", "ACME|PO-1|ST-1|Navy")
	f.store.addLine(12, "ACME|PO-2|ST-2|Red|M", "ACME|PO-2|ST-2|Red")

	reports := f.run(t)

	if len(reports) != 3 {
		t.Fatalf("expected 3 phase reports, got %d", len(reports))
	}
	wantPhases := []models.SyncPhase{models.SyncPhaseGroups, models.SyncPhaseItems, models.SyncPhaseLines}
	for i, want := range wantPhases {
		if reports[i].Phase != want {
			t.Errorf("phase %d: got %s want %s", i, reports[i].Phase, want)
		}
		if reports[i].Failed != 0 {
			t.Errorf("phase %s: unexpected failures %d", want, reports[i].Failed)
		}
	}
	if reports[0].Succeeded != 2 || reports[1].Succeeded != 2 || reports[2].Succeeded != 3 {
		t.Fatalf("unexpected phase counts: %+v", reports)
	}

	for _, id := range []uint{1, 2} {
		if got := f.store.headerStatus(id); got != models.SyncStatusSynced {
			t.Errorf("header %d: status %s", id, got)
		}
	}
	for _, id := range []uint{10, 11, 12} {
		if got := f.store.lineStatus(id); got != models.SyncStatusSynced {
			t.Errorf("line %d: status %s", id, got)
		}
	}
}

func TestEngine_LinesNeverPrecedeParent(t *testing.T) {
	f := newEngineFixture()
	f.store.addHeader(1, "ACME|PO-1|ST-1|Navy", "ACME|SS26")
	f.store.addLine(10, "ACME|PO-1|ST-1|Navy|M", "ACME|PO-1|ST-1|Navy")

	f.run(t)

	parentSyncedAt := -1
	for i, e := range f.log.list() {
		if e == "header_synced:ACME|PO-1|ST-1|Navy" {
			parentSyncedAt = i
		}
		if e == string(OpCreateSubitem)+":ACME|PO-1|ST-1|Navy|M" && parentSyncedAt == -1 {
			t.Fatal("line submitted before its parent reached SYNCED")
		}
	}
	if parentSyncedAt == -1 {
		t.Fatal("parent never synced")
	}
}

func TestEngine_GroupFailureIsolation(t *testing.T) {
	f := newEngineFixture()
	f.store.addHeader(1, "ACME|PO-1|ST-1|Navy", "ACME|SS26")
	f.store.addHeader(2, "ACME|PO-2|ST-2|Red", "ACME|FW26")
	f.store.addLine(10, "ACME|PO-1|ST-1|Navy|M", "ACME|PO-1|ST-1|Navy")
	f.store.addLine(12, "ACME|PO-2|ST-2|Red|M", "ACME|PO-2|ST-2|Red")
	f.groups.fail["ACME|FW26"] = true

	reports := f.run(t)

	if reports[0].Succeeded != 1 || reports[0].Failed != 1 {
		t.Fatalf("group phase counts: %+v", reports[0])
	}
	// Header under the failed group key stays PENDING for the next run.
	if got := f.store.headerStatus(2); got != models.SyncStatusPending {
		t.Errorf("header under failed group: status %s, want PENDING", got)
	}
	if got := f.store.headerStatus(1); got != models.SyncStatusSynced {
		t.Errorf("header under healthy group: status %s, want SYNCED", got)
	}
	if got := f.store.lineStatus(12); got != models.SyncStatusPending {
		t.Errorf("line under failed group: status %s, want PENDING", got)
	}
	if got := f.store.lineStatus(10); got != models.SyncStatusSynced {
		t.Errorf("line under healthy group: status %s, want SYNCED", got)
	}

	foundGroupError := false
	for _, failure := range f.errs.seen {
		if failure.EntityType == "group" && failure.RefKey == "ACME|FW26" {
			foundGroupError = true
		}
	}
	if !foundGroupError {
		t.Error("failed group key was not recorded in the error sink")
	}
}

func TestEngine_HeaderFailureIsolation(t *testing.T) {
	f := newEngineFixture()
	f.store.addHeader(1, "ACME|PO-1|ST-1|Navy", "ACME|SS26")
	f.store.addHeader(2, "ACME|PO-2|ST-2|Red", "ACME|SS26")
	f.store.addLine(10, "ACME|PO-1|ST-1|Navy|M", "ACME|PO-1|ST-1|Navy")
	f.store.addLine(12, "ACME|PO-2|ST-2|Red|M", "ACME|PO-2|ST-2|Red")
	f.remote.failRef["ACME|PO-2|ST-2|Red"] = models.ErrorClassRetryable

	reports := f.run(t)

	if reports[1].Succeeded != 1 || reports[1].Failed != 1 {
		t.Fatalf("item phase counts: %+v", reports[1])
	}
	if got := f.store.headerStatus(2); got != models.SyncStatusError {
		t.Errorf("failed header: status %s, want ERROR", got)
	}
	if got := f.store.headerStatus(1); got != models.SyncStatusSynced {
		t.Errorf("healthy header: status %s, want SYNCED", got)
	}
	// The failed header's line must not be submitted.
	if got := f.store.lineStatus(12); got != models.SyncStatusPending {
		t.Errorf("line of failed header: status %s, want PENDING", got)
	}
	if got := f.store.lineStatus(10); got != models.SyncStatusSynced {
		t.Errorf("line of healthy header: status %s, want SYNCED", got)
	}

	foundHeaderError := false
	for _, failure := range f.errs.seen {
		if failure.EntityType == "header" && failure.RefKey == "ACME|PO-2|ST-2|Red" {
			foundHeaderError = true
			if failure.Operation != OpCreateItem {
				t.Errorf("failure operation: got %s", failure.Operation)
			}
			if failure.Request.RefKey != "ACME|PO-2|ST-2|Red" {
				t.Error("failure request payload missing")
			}
		}
	}
	if !foundHeaderError {
		t.Error("failed header was not recorded in the error sink")
	}
}

func TestEngine_GroupsResolvedOncePerKey(t *testing.T) {
	f := newEngineFixture()
	for i := uint(1); i <= 6; i++ {
		f.store.addHeader(i, fmt.Sprintf("ACME|PO-%d|ST|C", i), "ACME|SS26")
	}

	f.run(t)

	if f.groups.calls["ACME|SS26"] != 1 {
		t.Fatalf("group key resolved %d times, want 1", f.groups.calls["ACME|SS26"])
	}
}

func TestEngine_UpdatePathForPriorRemoteIds(t *testing.T) {
	f := newEngineFixture()
	f.store.addHeader(1, "ACME|PO-1|ST-1|Navy", "ACME|SS26")
	remoteId := "itm-existing"
	f.store.headers[0].RemoteItemId = &remoteId

	f.run(t)

	sawUpdate := false
	for _, e := range f.log.list() {
		if e == string(OpUpdateItem)+":ACME|PO-1|ST-1|Navy" {
			sawUpdate = true
		}
		if e == string(OpCreateItem)+":ACME|PO-1|ST-1|Navy" {
			t.Fatal("header with prior remote id must go through the update path")
		}
	}
	if !sawUpdate {
		t.Fatal("update call never issued")
	}
}

func TestEngine_PhaseClosedOnAbort(t *testing.T) {
	f := newEngineFixture()
	f.store.addHeader(1, "ACME|PO-1|ST-1|Navy", "ACME|SS26")
	f.remote.execErr = map[Operation]error{OpCreateItem: errors.New("transport down")}

	_, err := f.engine.SyncBatch(context.Background(), BatchContext{
		BusinessId: "biz-1",
		RunId:      1,
		BatchId:    1,
		Customer:   "ACME",
	})
	if err == nil {
		t.Fatal("expected the batch to abort")
	}
	if _, ok := f.phases.closed[models.SyncPhaseItems]; !ok {
		t.Fatal("aborted item phase left its phase row open")
	}
}
