// Package alert turns failing execution outcomes into debounced notifications
// for an external notifier. Delivery problems are logged and swallowed; they
// never roll back the execution record or retrigger the execution.
package alert

import (
	"context"
	"log/slog"
	"time"

	"dbsentinel/internal/store"
)

// Event is the payload handed to the external notifier. It is derived, not
// persisted here.
type Event struct {
	TestID        string   `json:"test_id"`
	ExecutionID   string   `json:"execution_id"`
	Severity      string   `json:"severity"`
	ObservedValue *float64 `json:"observed_value,omitempty"`
	ExpectedValue *float64 `json:"expected_value,omitempty"`
	Message       string   `json:"message"`
	Recipients    []string `json:"recipients"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Cooldown gates repeat alerts for a test. Mark returns true when the caller
// may alert and false while the previous mark is still cooling down.
type Cooldown interface {
	Mark(ctx context.Context, testID string, window time.Duration) (bool, error)
}

type Policy struct {
	Window       time.Duration
	Recipients   []string
	OnNoBaseline bool
}

type Dispatcher struct {
	notifier Notifier
	cooldown Cooldown
	policy   Policy
	logger   *slog.Logger
}

func NewDispatcher(notifier Notifier, cooldown Cooldown, policy Policy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, cooldown: cooldown, policy: policy, logger: logger}
}

// Dispatch raises an alert for rec when its status is alertable and the test
// is outside its cool-down window.
func (d *Dispatcher) Dispatch(ctx context.Context, rec store.ExecutionRecord, severity, message string) {
	if !d.alertable(rec.Status) {
		return
	}
	if d.policy.Window > 0 {
		ok, err := d.cooldown.Mark(ctx, rec.TestID, d.policy.Window)
		if err != nil {
			d.logger.Error("cooldown check failed, alerting anyway",
				slog.String("test_id", rec.TestID), slog.String("error", err.Error()))
		} else if !ok {
			d.logger.Info("alert suppressed by cooldown", slog.String("test_id", rec.TestID))
			return
		}
	}
	event := Event{
		TestID:        rec.TestID,
		ExecutionID:   rec.ExecutionID,
		Severity:      severity,
		ObservedValue: rec.ObservedValue,
		ExpectedValue: rec.ExpectedValue,
		Message:       message,
		Recipients:    d.policy.Recipients,
	}
	if err := d.notifier.Notify(ctx, event); err != nil {
		d.logger.Error("alert delivery failed",
			slog.String("test_id", rec.TestID),
			slog.String("execution_id", rec.ExecutionID),
			slog.String("error", err.Error()))
		return
	}
	d.logger.Info("alert dispatched",
		slog.String("test_id", rec.TestID),
		slog.String("execution_id", rec.ExecutionID),
		slog.String("severity", severity))
}

func (d *Dispatcher) alertable(status store.Status) bool {
	switch status {
	case store.StatusFailed, store.StatusErrored:
		return true
	case store.StatusNoBaseline:
		return d.policy.OnNoBaseline
	}
	return false
}
