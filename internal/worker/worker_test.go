package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dbsentinel/internal/baseline"
	"dbsentinel/internal/connector"
	"dbsentinel/internal/queue"
	"dbsentinel/internal/store"
)

type fakeRepo struct {
	mu      sync.Mutex
	tests   map[string]store.TestRecord
	conns   map[string]connector.Config
	history []baseline.Sample
	records map[string]store.ExecutionRecord

	testErr     error
	claimErr    error
	finishFails int
	finishSeen  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tests:   map[string]store.TestRecord{},
		conns:   map[string]connector.Config{"conn-1": {Kind: "postgres"}},
		records: map[string]store.ExecutionRecord{},
	}
}

func (f *fakeRepo) GetTest(ctx context.Context, id string) (store.TestRecord, error) {
	if f.testErr != nil {
		return store.TestRecord{}, f.testErr
	}
	rec, ok := f.tests[id]
	if !ok {
		return store.TestRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRepo) GetConnection(ctx context.Context, id string) (connector.Config, error) {
	cfg, ok := f.conns[id]
	if !ok {
		return connector.Config{}, store.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeRepo) ClaimRunning(ctx context.Context, executionID, testID string, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if existing, ok := f.records[executionID]; ok && existing.Status.Terminal() {
		return false, nil
	}
	f.records[executionID] = store.ExecutionRecord{
		ExecutionID: executionID, TestID: testID, Status: store.StatusRunning, StartedAt: startedAt,
	}
	return true, nil
}

// Finish mirrors the store's upsert: inserts when no claim landed, updates
// only while the row is non-terminal.
func (f *fakeRepo) Finish(ctx context.Context, rec store.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishFails > 0 {
		f.finishFails--
		return errors.New("connection reset by peer")
	}
	if existing, ok := f.records[rec.ExecutionID]; ok && existing.Status.Terminal() {
		return nil // terminal records are immutable
	}
	f.finishSeen++
	f.records[rec.ExecutionID] = rec
	return nil
}

func (f *fakeRepo) History(ctx context.Context, testID string, before time.Time, lookback time.Duration) ([]baseline.Sample, error) {
	return f.history, nil
}

type fakeLeaser struct {
	mu       sync.Mutex
	held     map[string]string
	attempts map[string]int
	released int
}

func newFakeLeaser() *fakeLeaser {
	return &fakeLeaser{held: map[string]string{}, attempts: map[string]int{}}
}

func (f *fakeLeaser) Acquire(ctx context.Context, testID, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[testID]; ok {
		return false, nil
	}
	f.held[testID] = token
	return true, nil
}

func (f *fakeLeaser) Release(ctx context.Context, testID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[testID] == token {
		delete(f.held, testID)
		f.released++
	}
	return nil
}

func (f *fakeLeaser) Attempts(ctx context.Context, executionID string, window time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[executionID]++
	return f.attempts[executionID], nil
}

type alertCall struct {
	rec      store.ExecutionRecord
	severity string
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls []alertCall
}

func (f *fakeAlerter) Dispatch(ctx context.Context, rec store.ExecutionRecord, severity, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alertCall{rec: rec, severity: severity})
}

type queryStep struct {
	rows []connector.Row
	err  error
}

type scriptedConnector struct {
	mu    sync.Mutex
	steps []queryStep
}

func (s *scriptedConnector) Ping(ctx context.Context) error { return nil }

func (s *scriptedConnector) Query(ctx context.Context, text string, args ...any) ([]connector.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return nil, errors.New("no scripted response left")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.rows, step.err
}

func (s *scriptedConnector) Close() error { return nil }

var triggerTime = time.Date(2026, 2, 2, 6, 0, 0, 0, time.UTC)

// obsDate is the last complete day before triggerTime, a Sunday.
var obsDate = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func sundayHistory(values ...float64) []baseline.Sample {
	samples := make([]baseline.Sample, 0, len(values))
	for i, v := range values {
		samples = append(samples, baseline.Sample{LogicalDate: obsDate.AddDate(0, 0, -7*(len(values)-i)), Value: v})
	}
	return samples
}

func testDefinition() store.TestRecord {
	return store.TestRecord{
		ID:             "test-1",
		Name:           "daily rounds",
		Query:          "SELECT playdatekey, cnt FROM rounds WHERE playdatekey = '{start_date}'",
		ConnectionID:   "conn-1",
		Strategy:       string(baseline.StrategyDayOfWeekZScore),
		StrategyParams: []byte(`{"z_threshold":-2.5}`),
		Enabled:        true,
	}
}

func newTestWorker(repo *fakeRepo, leaser *fakeLeaser, alerter *fakeAlerter, conn connector.Connector) *Worker {
	cfg := Config{
		QueryTimeout:     time.Second,
		TaskTimeout:      5 * time.Second,
		LeaseTTL:         10 * time.Second,
		MaxAttempts:      4,
		RetryBackoff:     time.Second,
		BusyRequeueDelay: 2 * time.Second,
		Lookback:         365 * 24 * time.Hour,
	}
	w := New(repo, leaser, alerter, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.open = func(connector.Config) (connector.Connector, error) { return conn, nil }
	return w
}

func task() queue.Task {
	return queue.Task{ExecutionID: "exec-1", TestID: "test-1", TriggerTime: triggerTime}
}

func TestProcessPassingExecution(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.history = sundayHistory(100, 120, 110, 130, 90)
	leaser := newFakeLeaser()
	alerter := &fakeAlerter{}
	conn := &scriptedConnector{steps: []queryStep{{rows: []connector.Row{{"20260201", int64(108)}}}}}

	w := newTestWorker(repo, leaser, alerter, conn)
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("expected ack, got requeue")
	}
	rec := repo.records["exec-1"]
	if rec.Status != store.StatusPassed {
		t.Fatalf("expected passed, got %s", rec.Status)
	}
	if rec.ObservedValue == nil || *rec.ObservedValue != 108 {
		t.Fatalf("unexpected observed value: %#v", rec.ObservedValue)
	}
	if rec.LogicalDate == nil || !rec.LogicalDate.Equal(obsDate) {
		t.Fatalf("unexpected logical date: %#v", rec.LogicalDate)
	}
	if rec.BaselineSampleSize != 5 {
		t.Fatalf("unexpected sample size: %d", rec.BaselineSampleSize)
	}
	if leaser.released != 1 {
		t.Fatalf("expected lease released once, got %d", leaser.released)
	}
}

func TestProcessAnomalyDispatchesAlert(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.history = sundayHistory(100, 120, 110, 130, 90)
	alerter := &fakeAlerter{}
	conn := &scriptedConnector{steps: []queryStep{{rows: []connector.Row{{"20260201", int64(60)}}}}}

	w := newTestWorker(repo, newFakeLeaser(), alerter, conn)
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("expected ack, got requeue")
	}
	rec := repo.records["exec-1"]
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if len(alerter.calls) != 1 {
		t.Fatalf("expected one alert dispatch, got %d", len(alerter.calls))
	}
	if alerter.calls[0].severity != baseline.SeverityHigh {
		t.Fatalf("unexpected severity: %s", alerter.calls[0].severity)
	}
}

func TestProcessInsufficientHistoryIsDistinct(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.history = sundayHistory(100) // one sample only
	conn := &scriptedConnector{steps: []queryStep{{rows: []connector.Row{{"20260201", int64(90)}}}}}

	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, conn)
	w.Process(context.Background(), task())
	rec := repo.records["exec-1"]
	if rec.Status != store.StatusNoBaseline {
		t.Fatalf("expected no_baseline, got %s", rec.Status)
	}
}

func TestProcessDuplicateDeliveryIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.history = sundayHistory(100, 120, 110, 130, 90)
	conn := &scriptedConnector{steps: []queryStep{
		{rows: []connector.Row{{"20260201", int64(108)}}},
		{rows: []connector.Row{{"20260201", int64(108)}}},
	}}

	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, conn)
	w.Process(context.Background(), task())
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("duplicate delivery must ack, not requeue")
	}
	if repo.finishSeen != 1 {
		t.Fatalf("expected exactly one terminal write, got %d", repo.finishSeen)
	}
}

func TestProcessLeaseHeldRequeues(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	leaser := newFakeLeaser()
	leaser.held["test-1"] = "other-execution"

	w := newTestWorker(repo, leaser, &fakeAlerter{}, &scriptedConnector{})
	disp := w.Process(context.Background(), task())
	if !disp.Requeue {
		t.Fatalf("expected requeue while lease is held")
	}
	if disp.Delay != 2*time.Second {
		t.Fatalf("expected busy requeue delay, got %v", disp.Delay)
	}
	if _, ok := repo.records["exec-1"]; ok {
		t.Fatalf("task must not claim the execution while lease is held")
	}
	if leaser.attempts["exec-1"] != 0 {
		t.Fatalf("busy requeue must not charge the retry budget, got %d attempts", leaser.attempts["exec-1"])
	}
}

func TestProcessTransientFaultsThenSuccess(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.history = sundayHistory(100, 120, 110, 130, 90)
	refused := connector.NewFault(connector.FaultConnection, errors.New("connection refused"))
	conn := &scriptedConnector{steps: []queryStep{
		{err: refused},
		{err: refused},
		{err: refused},
		{rows: []connector.Row{{"20260201", int64(108)}}},
	}}

	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, conn)
	for i := 0; i < 3; i++ {
		disp := w.Process(context.Background(), task())
		if !disp.Requeue {
			t.Fatalf("delivery %d: expected requeue for transient fault", i+1)
		}
	}
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("expected final delivery to ack")
	}
	rec := repo.records["exec-1"]
	if rec.Status != store.StatusPassed {
		t.Fatalf("expected exactly one terminal passed record, got %s", rec.Status)
	}
	if repo.finishSeen != 1 {
		t.Fatalf("expected one terminal write, got %d", repo.finishSeen)
	}
}

func TestProcessPermanentFaultNotRetried(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	alerter := &fakeAlerter{}
	conn := &scriptedConnector{steps: []queryStep{
		{err: connector.NewFault(connector.FaultQuery, errors.New("syntax error"))},
	}}

	w := newTestWorker(repo, newFakeLeaser(), alerter, conn)
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("permanent faults must not requeue")
	}
	rec := repo.records["exec-1"]
	if rec.Status != store.StatusErrored {
		t.Fatalf("expected errored, got %s", rec.Status)
	}
	if rec.ErrorMessage == nil {
		t.Fatalf("expected error message recorded")
	}
	if len(alerter.calls) != 1 {
		t.Fatalf("expected errored execution to alert")
	}
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	timedOut := connector.NewFault(connector.FaultTimeout, context.DeadlineExceeded)
	conn := &scriptedConnector{steps: []queryStep{
		{err: timedOut}, {err: timedOut}, {err: timedOut}, {err: timedOut},
	}}

	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, conn)
	for i := 0; i < 3; i++ {
		disp := w.Process(context.Background(), task())
		if !disp.Requeue {
			t.Fatalf("delivery %d: expected requeue for transient fault", i+1)
		}
	}
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("expected terminal ack at retry budget")
	}
	if repo.records["exec-1"].Status != store.StatusErrored {
		t.Fatalf("expected errored at budget exhaustion, got %s", repo.records["exec-1"].Status)
	}
}

func TestProcessPreClaimFaultStillWritesRecord(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.testErr = errors.New("dial tcp: connection refused")

	// the fault hits before ClaimRunning ever inserts a row; spending the
	// retry budget must still leave a terminal errored record behind
	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, &scriptedConnector{})
	for i := 0; i < 3; i++ {
		disp := w.Process(context.Background(), task())
		if !disp.Requeue {
			t.Fatalf("delivery %d: expected requeue for transient fault", i+1)
		}
	}
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("expected terminal ack at retry budget")
	}
	rec, ok := repo.records["exec-1"]
	if !ok {
		t.Fatalf("expected a record even though the execution was never claimed")
	}
	if rec.Status != store.StatusErrored {
		t.Fatalf("expected errored, got %s", rec.Status)
	}
	if rec.ErrorMessage == nil {
		t.Fatalf("expected error message recorded")
	}
}

func TestProcessResultWriteFaultRetriesSameExecution(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.history = sundayHistory(100, 120, 110, 130, 90)
	repo.finishFails = 1
	conn := &scriptedConnector{steps: []queryStep{
		{rows: []connector.Row{{"20260201", int64(108)}}},
		{rows: []connector.Row{{"20260201", int64(108)}}},
	}}

	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, conn)
	disp := w.Process(context.Background(), task())
	if !disp.Requeue {
		t.Fatalf("expected requeue when the result write fails")
	}
	disp = w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("expected redelivery to ack")
	}
	if repo.records["exec-1"].Status != store.StatusPassed {
		t.Fatalf("expected passed after retry, got %s", repo.records["exec-1"].Status)
	}
	if repo.finishSeen != 1 {
		t.Fatalf("expected one terminal write, got %d", repo.finishSeen)
	}
}

func TestProcessResultWriteBudgetLeavesErroredNotRunning(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.history = sundayHistory(100, 120, 110, 130, 90)
	repo.finishFails = 4
	row := queryStep{rows: []connector.Row{{"20260201", int64(108)}}}
	conn := &scriptedConnector{steps: []queryStep{row, row, row, row}}

	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, conn)
	for i := 0; i < 3; i++ {
		disp := w.Process(context.Background(), task())
		if !disp.Requeue {
			t.Fatalf("delivery %d: expected requeue for failed result write", i+1)
		}
	}
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("expected terminal ack at retry budget")
	}
	rec := repo.records["exec-1"]
	if rec.Status != store.StatusErrored {
		t.Fatalf("a spent write budget must not leave the row running, got %s", rec.Status)
	}
}

func TestProcessDisabledTestDropped(t *testing.T) {
	repo := newFakeRepo()
	def := testDefinition()
	def.Enabled = false
	repo.tests["test-1"] = def

	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, &scriptedConnector{})
	disp := w.Process(context.Background(), task())
	if disp.Requeue {
		t.Fatalf("disabled test must ack")
	}
	if len(repo.records) != 0 {
		t.Fatalf("disabled test must not produce a record")
	}
}

func TestProcessFutureDatedObservationErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	conn := &scriptedConnector{steps: []queryStep{
		{rows: []connector.Row{{"20260215", int64(100)}}}, // after trigger time
	}}

	w := newTestWorker(repo, newFakeLeaser(), &fakeAlerter{}, conn)
	w.Process(context.Background(), task())
	if repo.records["exec-1"].Status != store.StatusErrored {
		t.Fatalf("expected future-dated observation to error, got %s", repo.records["exec-1"].Status)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	w := &Worker{cfg: Config{RetryBackoff: time.Second}}
	if got := w.backoff(1); got != time.Second {
		t.Fatalf("attempt 1: %v", got)
	}
	if got := w.backoff(2); got != 2*time.Second {
		t.Fatalf("attempt 2: %v", got)
	}
	if got := w.backoff(3); got != 4*time.Second {
		t.Fatalf("attempt 3: %v", got)
	}
	if got := w.backoff(20); got != 10*time.Second {
		t.Fatalf("expected cap at 10x base, got %v", got)
	}
}

func TestConcurrentTriggersSingleFlight(t *testing.T) {
	repo := newFakeRepo()
	repo.tests["test-1"] = testDefinition()
	repo.history = sundayHistory(100, 120, 110, 130, 90)
	leaser := newFakeLeaser()
	conn := &scriptedConnector{steps: []queryStep{
		{rows: []connector.Row{{"20260201", int64(108)}}},
		{rows: []connector.Row{{"20260201", int64(108)}}},
	}}
	w := newTestWorker(repo, leaser, &fakeAlerter{}, conn)

	first := task()
	second := queue.Task{ExecutionID: "exec-2", TestID: "test-1", TriggerTime: triggerTime}

	var wg sync.WaitGroup
	results := make([]Disposition, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = w.Process(context.Background(), first) }()
	go func() { defer wg.Done(); results[1] = w.Process(context.Background(), second) }()
	wg.Wait()

	running := 0
	for _, rec := range repo.records {
		if rec.Status == store.StatusRunning {
			running++
		}
	}
	if running > 0 {
		t.Fatalf("no record may remain running, found %d", running)
	}
	terminal := 0
	for _, rec := range repo.records {
		if rec.Status.Terminal() {
			terminal++
		}
	}
	requeued := 0
	for _, disp := range results {
		if disp.Requeue {
			requeued++
		}
	}
	// either both ran serially (lease free by the time the second started) or
	// one was requeued; both reaching running concurrently is the violation
	if terminal+requeued != 2 {
		t.Fatalf("expected every trigger terminal or requeued: terminal=%d requeued=%d", terminal, requeued)
	}
}
