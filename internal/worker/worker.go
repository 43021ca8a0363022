// Package worker drives one execution task through its state machine:
// pending -> running -> {passed, failed, errored, no_baseline}. Every fault
// is converted to a terminal record at this boundary; a bad test never takes
// the process down with it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dbsentinel/internal/baseline"
	"dbsentinel/internal/connector"
	"dbsentinel/internal/executor"
	"dbsentinel/internal/queue"
	"dbsentinel/internal/store"
)

type Repository interface {
	GetTest(ctx context.Context, id string) (store.TestRecord, error)
	GetConnection(ctx context.Context, id string) (connector.Config, error)
	ClaimRunning(ctx context.Context, executionID, testID string, startedAt time.Time) (bool, error)
	Finish(ctx context.Context, rec store.ExecutionRecord) error
	History(ctx context.Context, testID string, before time.Time, lookback time.Duration) ([]baseline.Sample, error)
}

type Leaser interface {
	Acquire(ctx context.Context, testID, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, testID, token string) error
	Attempts(ctx context.Context, executionID string, window time.Duration) (int, error)
}

// attemptWindow bounds the fault-attempt counter's lifetime; it must outlive
// the longest retry chain of one execution.
const attemptWindow = 24 * time.Hour

type Alerter interface {
	Dispatch(ctx context.Context, rec store.ExecutionRecord, severity, message string)
}

// Config carries the worker's timeout tiers and retry budget. The caller is
// responsible for QueryTimeout < TaskTimeout < the queue's ack wait.
type Config struct {
	QueryTimeout     time.Duration
	TaskTimeout      time.Duration
	LeaseTTL         time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	BusyRequeueDelay time.Duration
	Lookback         time.Duration
}

type Worker struct {
	repo    Repository
	leaser  Leaser
	alerter Alerter
	cfg     Config
	logger  *slog.Logger

	open func(connector.Config) (connector.Connector, error)
	now  func() time.Time
}

func New(repo Repository, leaser Leaser, alerter Alerter, cfg Config, logger *slog.Logger) *Worker {
	return &Worker{
		repo:    repo,
		leaser:  leaser,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger,
		open:    connector.New,
		now:     time.Now,
	}
}

// Disposition tells the queue what to do with the delivery.
type Disposition struct {
	Requeue bool
	Delay   time.Duration
}

var ack = Disposition{}

func requeue(delay time.Duration) Disposition {
	return Disposition{Requeue: true, Delay: delay}
}

// Run consumes tasks with a bounded goroutine pool, each worker pulling
// independently; nothing serializes unrelated tests.
func (w *Worker) Run(ctx context.Context, consumer *queue.Consumer, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	deliveries := make(chan *queue.Delivery, workers)
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case delivery := <-deliveries:
					w.handle(delivery)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return consumer.Subscribe(func(delivery *queue.Delivery) {
		select {
		case deliveries <- delivery:
		case <-ctx.Done():
			_ = delivery.Retry(0)
		}
	})
}

func (w *Worker) handle(delivery *queue.Delivery) {
	disposition := w.Process(context.Background(), delivery.Task)
	if disposition.Requeue {
		if err := delivery.Retry(disposition.Delay); err != nil {
			w.logger.Error("requeue failed",
				slog.String("execution_id", delivery.Task.ExecutionID),
				slog.Int("deliveries", delivery.Deliveries),
				slog.String("error", err.Error()))
		}
		return
	}
	if err := delivery.Ack(); err != nil {
		w.logger.Error("ack failed", slog.String("execution_id", delivery.Task.ExecutionID), slog.String("error", err.Error()))
	}
}

// Process runs one delivery of a task. Fault retries requeue the same
// execution_id, never mint a new one; the retry budget is a per-execution
// counter the busy-lease requeue path does not touch.
func (w *Worker) Process(ctx context.Context, task queue.Task) Disposition {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()
	logger := w.logger.With(slog.String("execution_id", task.ExecutionID), slog.String("test_id", task.TestID))

	test, err := w.repo.GetTest(ctx, task.TestID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("test definition not found, dropping task")
		return ack
	}
	if err != nil {
		return w.retryTransient(ctx, logger, task, w.now().UTC(), fmt.Errorf("load test definition: %w", err))
	}
	if !test.Enabled {
		logger.Info("test disabled, dropping task")
		return ack
	}

	evalTime := task.TriggerTime.UTC()
	if evalTime.IsZero() {
		evalTime = w.now().UTC()
	}

	acquired, err := w.leaser.Acquire(ctx, task.TestID, task.ExecutionID, w.cfg.LeaseTTL)
	if err != nil {
		logger.Error("lease acquire failed", slog.String("error", err.Error()))
		return requeue(w.cfg.BusyRequeueDelay)
	}
	if !acquired {
		logger.Info("single-flight lease held elsewhere, requeueing")
		return requeue(w.cfg.BusyRequeueDelay)
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := w.leaser.Release(releaseCtx, task.TestID, task.ExecutionID); err != nil {
			logger.Error("lease release failed", slog.String("error", err.Error()))
		}
	}()

	startedAt := w.now().UTC()
	claimed, err := w.repo.ClaimRunning(ctx, task.ExecutionID, task.TestID, startedAt)
	if err != nil {
		return w.retryTransient(ctx, logger, task, startedAt, fmt.Errorf("claim execution: %w", err))
	}
	if !claimed {
		logger.Info("execution already terminal, dropping duplicate delivery")
		return ack
	}

	obs, eval, err := w.execute(ctx, test, evalTime)
	if err != nil {
		if connector.IsTransient(err) {
			return w.retryTransient(ctx, logger, task, startedAt, err)
		}
		w.finishErrored(ctx, logger, task, startedAt, err)
		return ack
	}

	completedAt := w.now().UTC()
	rec := store.ExecutionRecord{
		ExecutionID:        task.ExecutionID,
		TestID:             task.TestID,
		Status:             statusForOutcome(eval.Outcome),
		StartedAt:          startedAt,
		CompletedAt:        &completedAt,
		LogicalDate:        &obs.LogicalDate,
		ObservedValue:      &obs.Value,
		ExpectedValue:      eval.Expected,
		BaselineSampleSize: eval.SampleSize,
	}
	if err := w.repo.Finish(ctx, rec); err != nil {
		return w.retryTransient(ctx, logger, task, startedAt, fmt.Errorf("persist result: %w", err))
	}
	logger.Info("execution finished",
		slog.String("status", string(rec.Status)),
		slog.Float64("observed", obs.Value),
		slog.Int("baseline_samples", eval.SampleSize))
	w.alerter.Dispatch(ctx, rec, eval.Severity, eval.Detail)
	return ack
}

func (w *Worker) execute(ctx context.Context, test store.TestRecord, evalTime time.Time) (executor.Observation, baseline.Evaluation, error) {
	var params baseline.Params
	if len(test.StrategyParams) > 0 {
		if err := json.Unmarshal(test.StrategyParams, &params); err != nil {
			return executor.Observation{}, baseline.Evaluation{}, connector.NewFault(connector.FaultQuery, fmt.Errorf("parse strategy params: %w", err))
		}
	}

	cfg, err := w.repo.GetConnection(ctx, test.ConnectionID)
	if err != nil {
		return executor.Observation{}, baseline.Evaluation{}, fmt.Errorf("resolve connection %s: %w", test.ConnectionID, err)
	}
	conn, err := w.open(cfg)
	if err != nil {
		return executor.Observation{}, baseline.Evaluation{}, fmt.Errorf("open connector: %w", err)
	}
	defer conn.Close()

	// the subject is the last complete day before evaluation time
	subjectDay := evalTime.AddDate(0, 0, -1).Format("20060102")
	obs, err := executor.Run(ctx, conn, executor.Request{
		Query:     test.Query,
		StartDate: subjectDay,
		EndDate:   subjectDay,
	}, w.cfg.QueryTimeout)
	if err != nil {
		return executor.Observation{}, baseline.Evaluation{}, err
	}

	history, err := w.repo.History(ctx, test.ID, evalTime, w.cfg.Lookback)
	if err != nil {
		// sink reads ride the same retry path as any connectivity fault
		return executor.Observation{}, baseline.Evaluation{}, connector.NewFault(connector.FaultConnection, err)
	}

	eval, err := baseline.Evaluate(
		baseline.Sample{LogicalDate: obs.LogicalDate, Value: obs.Value},
		history,
		baseline.Strategy(test.Strategy),
		params,
		evalTime,
	)
	if err != nil {
		return executor.Observation{}, baseline.Evaluation{}, fmt.Errorf("evaluate: %w", err)
	}
	return obs, eval, nil
}

func (w *Worker) finishErrored(ctx context.Context, logger *slog.Logger, task queue.Task, startedAt time.Time, cause error) {
	completedAt := w.now().UTC()
	message := cause.Error()
	rec := store.ExecutionRecord{
		ExecutionID:  task.ExecutionID,
		TestID:       task.TestID,
		Status:       store.StatusErrored,
		StartedAt:    startedAt,
		CompletedAt:  &completedAt,
		ErrorMessage: &message,
	}
	if err := w.repo.Finish(ctx, rec); err != nil {
		logger.Error("errored record write failed", slog.String("error", err.Error()))
	}
	logger.Error("execution errored", slog.String("error", message))
	w.alerter.Dispatch(ctx, rec, baseline.SeverityHigh, message)
}

// retryTransient charges one fault attempt against the execution's budget and
// requeues with backoff, or terminates as errored once the budget is spent.
// Only fault paths land here; a busy lease requeues without charging.
func (w *Worker) retryTransient(ctx context.Context, logger *slog.Logger, task queue.Task, startedAt time.Time, cause error) Disposition {
	attempt, err := w.leaser.Attempts(ctx, task.ExecutionID, attemptWindow)
	if err != nil {
		logger.Error("attempt counter unavailable, requeueing",
			slog.String("error", err.Error()))
		return requeue(w.cfg.BusyRequeueDelay)
	}
	if attempt < w.cfg.MaxAttempts {
		logger.Warn("transient fault, scheduling retry",
			slog.Int("attempt", attempt), slog.String("error", cause.Error()))
		return requeue(w.backoff(attempt))
	}
	// budget exhausted: terminate as errored rather than losing the task
	w.finishErrored(ctx, logger, task, startedAt, cause)
	return ack
}

// backoff doubles per attempt from the configured base, capped at ten times
// the base.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 10*w.cfg.RetryBackoff {
			return 10 * w.cfg.RetryBackoff
		}
	}
	return delay
}

func statusForOutcome(outcome baseline.Outcome) store.Status {
	switch outcome {
	case baseline.OutcomeAnomaly:
		return store.StatusFailed
	case baseline.OutcomeInsufficientHistory:
		return store.StatusNoBaseline
	default:
		return store.StatusPassed
	}
}
