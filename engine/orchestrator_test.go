package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ioko18/magflow-erp-sub003/emag"
)

// --- fakes -----------------------------------------------------------------

type fetchCall struct {
	resource string
	page     int
	opts     emag.FetchOptions
}

// fakeRemote scripts paginated responses and error injection per page.
type fakeRemote struct {
	mu       sync.Mutex
	account  emag.AccountID
	pages    []emag.Page            // pages[i] answers page i+1
	pageErrs map[int]error          // overrides per page number
	ackErrs  map[string]error       // SubmitAck failures per external ID
	fetchGat func(page int) <-chan struct{} // optional per-page gate, for cancellation tests

	calls []fetchCall
	acked []string
}

func (f *fakeRemote) Account() emag.AccountID { return f.account }

func (f *fakeRemote) FetchPage(ctx context.Context, resource string, page, pageSize int, opts emag.FetchOptions) (*emag.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{resource: resource, page: page, opts: opts})
	gate := f.fetchGat
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate(page):
		case <-ctx.Done():
			return nil, &emag.TransportError{Method: "GET", Endpoint: resource, Err: ctx.Err()}
		}
	}
	if err, ok := f.pageErrs[page]; ok {
		return nil, err
	}
	if page-1 < len(f.pages) {
		p := f.pages[page-1]
		return &p, nil
	}
	return &emag.Page{HasMore: false}, nil
}

func (f *fakeRemote) SubmitAck(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.ackErrs[externalID]; ok {
		return err
	}
	f.acked = append(f.acked, externalID)
	return nil
}

type storedEntity struct {
	fields          map[string]any
	remoteUpdatedAt time.Time
	reviewPending   bool
}

// fakeMirror is an in-memory Mirror faithful to the store's accounting:
// poison external IDs simulate a record whose savepoint rolled back.
type fakeMirror struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*SyncRun
	entities map[string]map[string]*storedEntity // account/entity -> externalID
	needsAck map[string]bool
	poison   map[string]string // externalID -> failure reason
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{
		runs:     make(map[uuid.UUID]*SyncRun),
		entities: make(map[string]map[string]*storedEntity),
		needsAck: make(map[string]bool),
		poison:   make(map[string]string),
	}
}

func scope(account emag.AccountID, entity EntityType) string {
	return string(account) + "/" + string(entity)
}

func (m *fakeMirror) CreateRun(ctx context.Context, run *SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *fakeMirror) MarkRunning(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Status = RunRunning
	return nil
}

func (m *fakeMirror) UpdateProgress(ctx context.Context, id uuid.UUID, p Progress, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	run.PagesProcessed = p.PagesProcessed
	run.RecordsSeen = p.RecordsSeen
	run.RecordsCreated = p.RecordsCreated
	run.RecordsUpdated = p.RecordsUpdated
	run.RecordsSkipped = p.RecordsSkipped
	run.RecordsFailed = p.RecordsFailed
	run.LastError = lastError
	return nil
}

func (m *fakeMirror) FinalizeRun(ctx context.Context, id uuid.UUID, status RunStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already terminal (%s)", id, run.Status)
	}
	run.Status = status
	run.LastError = lastError
	now := time.Now().UTC()
	run.FinishedAt = &now
	return nil
}

func (m *fakeMirror) GetRun(ctx context.Context, id uuid.UUID) (*SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	cp := *run
	return &cp, nil
}

func (m *fakeMirror) RecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SyncRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run)
	}
	return out, nil
}

func (m *fakeMirror) LastCompletedRun(ctx context.Context, account emag.AccountID, entity EntityType) (*SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *SyncRun
	for _, run := range m.runs {
		if run.AccountID != account || run.EntityType != entity || run.Status != RunCompleted {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *fakeMirror) ApplyPage(ctx context.Context, runID uuid.UUID, account emag.AccountID, entity EntityType, records []emag.Record, resolve ResolveFunc) (PageOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scope(account, entity)
	if m.entities[key] == nil {
		m.entities[key] = make(map[string]*storedEntity)
	}
	table := m.entities[key]

	var outcome PageOutcome
	for _, record := range records {
		outcome.Seen++
		if reason, bad := m.poison[record.ExternalID]; bad {
			outcome.Failed++
			outcome.Failures = append(outcome.Failures, RecordFailure{ExternalID: record.ExternalID, Reason: reason})
			continue
		}

		var local *LocalRecord
		if existing, ok := table[record.ExternalID]; ok {
			local = &LocalRecord{
				ExternalID:      record.ExternalID,
				RemoteUpdatedAt: existing.remoteUpdatedAt,
				Fields:          existing.fields,
			}
		}

		decision, err := resolve(record, local)
		if err != nil {
			outcome.Failed++
			outcome.Failures = append(outcome.Failures, RecordFailure{ExternalID: record.ExternalID, Reason: err.Error()})
			continue
		}

		switch {
		case local == nil:
			table[record.ExternalID] = &storedEntity{fields: decision.Fields, remoteUpdatedAt: record.UpdatedAt}
			outcome.Created++
			if entity == EntityOrder {
				outcome.CreatedOrderIDs = append(outcome.CreatedOrderIDs, record.ExternalID)
				m.needsAck[record.ExternalID] = true
			}
		case !decision.Apply:
			if decision.ReviewPending {
				table[record.ExternalID].reviewPending = true
				outcome.Deferred++
			} else {
				outcome.Unchanged++
			}
		case fieldsEqual(decision.Fields, table[record.ExternalID].fields) && record.UpdatedAt.Equal(table[record.ExternalID].remoteUpdatedAt):
			outcome.Unchanged++
		default:
			table[record.ExternalID].fields = decision.Fields
			table[record.ExternalID].remoteUpdatedAt = record.UpdatedAt
			outcome.Updated++
		}
	}
	return outcome, nil
}

func fieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || fmt.Sprintf("%v", bv) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}

func (m *fakeMirror) OrdersNeedingAck(ctx context.Context, account emag.AccountID, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, pending := range m.needsAck {
		if pending {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *fakeMirror) MarkOrderAcked(ctx context.Context, account emag.AccountID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.needsAck[externalID] = false
	return nil
}

func (m *fakeMirror) RecoverInterruptedRuns(ctx context.Context) (int, error) { return 0, nil }

// --- helpers ---------------------------------------------------------------

func productPage(n int, start int, hasMore bool) emag.Page {
	page := emag.Page{HasMore: hasMore}
	for i := 0; i < n; i++ {
		page.Records = append(page.Records, emag.Record{
			ExternalID: fmt.Sprintf("SKU-%04d", start+i),
			UpdatedAt:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			Fields:     map[string]any{"name": fmt.Sprintf("Product %d", start+i), "price": 10.0},
		})
	}
	return page
}

func newTestEngine(t *testing.T, mirror Mirror, remotes ...RemoteSource) *Engine {
	t.Helper()
	eng, err := New(mirror, remotes, Config{RunTimeout: 30 * time.Second}, testLogger())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func runToCompletion(t *testing.T, eng *Engine, params Params) *SyncRun {
	t.Helper()
	id, err := eng.StartSync(context.Background(), params)
	require.NoError(t, err)
	eng.Wait(id)
	run, err := eng.Status(context.Background(), id)
	require.NoError(t, err)
	return run
}

// --- tests -----------------------------------------------------------------

// Two pages of 100 fresh records: run completes with 200 creates.
func TestRunFullProductSyncAllNew(t *testing.T) {
	remote := &fakeRemote{account: emag.AccountMain, pages: []emag.Page{
		productPage(100, 0, true),
		productPage(100, 100, false),
	}}
	mirror := newFakeMirror()
	eng := newTestEngine(t, mirror, remote)

	run := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull, Strategy: StrategyEmagPriority})

	require.Equal(t, RunCompleted, run.Status)
	require.Equal(t, 2, run.PagesProcessed)
	require.Equal(t, 200, run.RecordsSeen)
	require.Equal(t, 200, run.RecordsCreated)
	require.Equal(t, 0, run.RecordsFailed)
	require.NotNil(t, run.FinishedAt)
}

// A poison record on page two fails alone; the other 199 commit.
func TestRunPoisonRecordDoesNotAbortPage(t *testing.T) {
	remote := &fakeRemote{account: emag.AccountMain, pages: []emag.Page{
		productPage(100, 0, true),
		productPage(100, 100, false),
	}}
	mirror := newFakeMirror()
	mirror.poison["SKU-0136"] = "simulated constraint violation" // 37th record of page 2
	eng := newTestEngine(t, mirror, remote)

	run := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull, Strategy: StrategyEmagPriority})

	require.Equal(t, RunCompleted, run.Status)
	require.Equal(t, 199, run.RecordsCreated)
	require.Equal(t, 1, run.RecordsFailed)
	require.Contains(t, run.LastError, "SKU-0136")
}

// Rate limiting on every request: the consecutive page-failure ceiling trips
// and the run fails with the rate-limit message.
func TestRunFailsAfterConsecutiveRateLimitedPages(t *testing.T) {
	rateLimited := fmt.Errorf("fetch product_offer page 1 failed after 5 attempts: %w", &emag.RateLimitError{Endpoint: "/product_offer"})
	remote := &fakeRemote{account: emag.AccountMain, pageErrs: map[int]error{
		1: rateLimited, 2: rateLimited, 3: rateLimited,
	}}
	mirror := newFakeMirror()
	eng := newTestEngine(t, mirror, remote)

	run := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull})

	require.Equal(t, RunFailed, run.Status)
	require.Contains(t, run.LastError, "rate limit exceeded")
}

// An isolated failed page below the ceiling is skipped; the run completes.
func TestRunSkipsIsolatedFailedPage(t *testing.T) {
	remote := &fakeRemote{
		account: emag.AccountMain,
		pages: []emag.Page{
			productPage(10, 0, true),
			{}, // replaced by injected error
			productPage(10, 20, false),
		},
		pageErrs: map[int]error{2: &emag.ValidationError{Status: 422, Endpoint: "/product_offer", Body: "bad page"}},
	}
	mirror := newFakeMirror()
	eng := newTestEngine(t, mirror, remote)

	run := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull})

	require.Equal(t, RunCompleted, run.Status)
	require.Equal(t, 20, run.RecordsCreated)
	require.Contains(t, run.LastError, "bad page")
}

// AuthError aborts the run immediately without touching later pages.
func TestRunAuthErrorIsFatal(t *testing.T) {
	remote := &fakeRemote{account: emag.AccountMain, pageErrs: map[int]error{
		1: &emag.AuthError{Status: 401, Endpoint: "/product_offer", Account: emag.AccountMain},
	}}
	mirror := newFakeMirror()
	eng := newTestEngine(t, mirror, remote)

	run := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull})

	require.Equal(t, RunFailed, run.Status)
	require.Contains(t, run.LastError, "authentication rejected")
	require.Len(t, remote.calls, 1)
}

// Running the same sync twice against unchanged remote data creates and
// updates nothing the second time.
func TestRunIsIdempotent(t *testing.T) {
	pages := []emag.Page{productPage(50, 0, false)}
	mirror := newFakeMirror()
	remote := &fakeRemote{account: emag.AccountMain, pages: pages}
	eng := newTestEngine(t, mirror, remote)

	first := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull, Strategy: StrategyEmagPriority})
	require.Equal(t, 50, first.RecordsCreated)

	second := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull, Strategy: StrategyEmagPriority})
	require.Equal(t, RunCompleted, second.Status)
	require.Equal(t, 0, second.RecordsCreated)
	require.Equal(t, 0, second.RecordsUpdated)
	require.Equal(t, 50, second.RecordsSkipped)
}

// A MAIN auth failure leaves a concurrent FBE run untouched.
func TestRunAccountIsolation(t *testing.T) {
	main := &fakeRemote{account: emag.AccountMain, pageErrs: map[int]error{
		1: &emag.AuthError{Status: 403, Endpoint: "/product_offer", Account: emag.AccountMain},
	}}
	fbe := &fakeRemote{account: emag.AccountFBE, pages: []emag.Page{productPage(30, 0, false)}}
	mirror := newFakeMirror()
	eng := newTestEngine(t, mirror, main, fbe)

	mainID, err := eng.StartSync(context.Background(), Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull})
	require.NoError(t, err)
	fbeID, err := eng.StartSync(context.Background(), Params{Account: emag.AccountFBE, Entity: EntityProduct, Mode: ModeFull})
	require.NoError(t, err)
	eng.Wait(mainID)
	eng.Wait(fbeID)

	mainRun, err := eng.Status(context.Background(), mainID)
	require.NoError(t, err)
	fbeRun, err := eng.Status(context.Background(), fbeID)
	require.NoError(t, err)

	require.Equal(t, RunFailed, mainRun.Status)
	require.Equal(t, RunCompleted, fbeRun.Status)
	require.Equal(t, 30, fbeRun.RecordsCreated)
	require.Len(t, mirror.entities[scope(emag.AccountFBE, EntityProduct)], 30)
	require.Empty(t, mirror.entities[scope(emag.AccountMain, EntityProduct)])
}

// Cancellation between pages finalizes the run as CANCELLED.
func TestRunCancellationBetweenPages(t *testing.T) {
	pageOneDone := make(chan struct{})
	releasePageTwo := make(chan struct{})
	remote := &fakeRemote{
		account: emag.AccountMain,
		pages:   []emag.Page{productPage(5, 0, true), productPage(5, 5, false)},
		fetchGat: func(page int) <-chan struct{} {
			if page == 1 {
				closed := make(chan struct{})
				close(closed)
				return closed
			}
			close(pageOneDone)
			return releasePageTwo
		},
	}
	mirror := newFakeMirror()
	eng := newTestEngine(t, mirror, remote)

	id, err := eng.StartSync(context.Background(), Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull})
	require.NoError(t, err)

	<-pageOneDone
	require.NoError(t, eng.Cancel(id))
	eng.Wait(id)

	run, err := eng.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, RunCancelled, run.Status)
	require.Equal(t, 5, run.RecordsCreated) // page 1 stayed committed
}

// The wall-clock timeout finalizes a stuck run as FAILED with a clear reason.
func TestRunWallClockTimeout(t *testing.T) {
	never := make(chan struct{})
	remote := &fakeRemote{
		account:  emag.AccountMain,
		fetchGat: func(page int) <-chan struct{} { return never },
	}
	mirror := newFakeMirror()
	eng, err := New(mirror, []RemoteSource{remote}, Config{RunTimeout: 50 * time.Millisecond}, testLogger())
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	id, err := eng.StartSync(context.Background(), Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull})
	require.NoError(t, err)
	eng.Wait(id)

	run, err := eng.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, RunFailed, run.Status)
	require.Contains(t, run.LastError, "timed out")
}

// The page ceiling bounds the loop even while the remote keeps claiming more.
func TestRunHonorsMaxPages(t *testing.T) {
	remote := &fakeRemote{account: emag.AccountMain, pages: []emag.Page{
		productPage(10, 0, true), productPage(10, 10, true), productPage(10, 20, true),
		productPage(10, 30, true), productPage(10, 40, true),
	}}
	mirror := newFakeMirror()
	eng := newTestEngine(t, mirror, remote)

	run := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull, MaxPages: 3})

	require.Equal(t, RunCompleted, run.Status)
	require.Equal(t, 3, run.PagesProcessed)
	require.Len(t, remote.calls, 3)
}

// New orders are acknowledged after commit; a failed ack leaves the order
// flagged and AckPending sweeps it later.
func TestRunOrderAckWriteBack(t *testing.T) {
	orders := emag.Page{Records: []emag.Record{
		{ExternalID: "ORD-1", Fields: map[string]any{"status": "new", "total": 10.0}},
		{ExternalID: "ORD-2", Fields: map[string]any{"status": "new", "total": 20.0}},
	}}
	remote := &fakeRemote{
		account: emag.AccountMain,
		pages:   []emag.Page{orders},
		ackErrs: map[string]error{"ORD-2": &emag.ServerError{Status: 503, Endpoint: "/order/ORD-2/ack"}},
	}
	mirror := newFakeMirror()
	eng := newTestEngine(t, mirror, remote)

	run := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityOrder, Mode: ModeFull})
	require.Equal(t, RunCompleted, run.Status)
	require.Equal(t, 2, run.RecordsCreated)

	require.Equal(t, []string{"ORD-1"}, remote.acked)
	require.True(t, mirror.needsAck["ORD-2"])
	require.False(t, mirror.needsAck["ORD-1"])

	// The re-ack sweep picks up the flagged order once the remote recovers.
	delete(remote.ackErrs, "ORD-2")
	acked, err := eng.AckPending(context.Background(), emag.AccountMain)
	require.NoError(t, err)
	require.Equal(t, 1, acked)
	require.False(t, mirror.needsAck["ORD-2"])
}

// INCREMENTAL mode passes the last completed run's start time as watermark.
func TestRunIncrementalWatermark(t *testing.T) {
	mirror := newFakeMirror()
	remote := &fakeRemote{account: emag.AccountMain, pages: []emag.Page{productPage(5, 0, false)}}
	eng := newTestEngine(t, mirror, remote)

	first := runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeFull})
	require.Equal(t, RunCompleted, first.Status)

	_ = runToCompletion(t, eng, Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeIncremental})

	last := remote.calls[len(remote.calls)-1]
	require.True(t, last.opts.UpdatedAfter.Equal(first.StartedAt),
		"expected watermark %s, got %s", first.StartedAt, last.opts.UpdatedAfter)
}

func TestStartSyncValidation(t *testing.T) {
	mirror := newFakeMirror()
	remote := &fakeRemote{account: emag.AccountMain}
	eng := newTestEngine(t, mirror, remote)

	_, err := eng.StartSync(context.Background(), Params{Account: "NOPE", Entity: EntityProduct})
	require.ErrorContains(t, err, "no remote source")

	_, err = eng.StartSync(context.Background(), Params{Account: emag.AccountMain, Entity: "INVOICE"})
	require.ErrorContains(t, err, "unknown entity type")

	_, err = eng.StartSync(context.Background(), Params{Account: emag.AccountMain, Entity: EntityProduct, Strategy: "COIN_FLIP"})
	require.ErrorContains(t, err, "unknown conflict strategy")

	_, err = eng.StartSync(context.Background(), Params{Account: emag.AccountMain, Entity: EntityProduct, Mode: ModeSelective})
	require.ErrorContains(t, err, "requires external IDs")
}
