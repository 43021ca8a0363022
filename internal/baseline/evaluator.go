// Package baseline scores a new observation against a test's historical
// sample set. Evaluation is pure: the caller supplies the history and the
// evaluation time, nothing here reads a clock or touches storage.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Strategy string

const (
	StrategyAbsolute         Strategy = "absolute_threshold"
	StrategyPeriodOverPeriod Strategy = "period_over_period"
	StrategyDayOfWeekZScore  Strategy = "day_of_week_zscore"
)

// One comparison strategy per test; strategies are mutually exclusive.
type Params struct {
	MinExpected       *float64 `json:"min_expected,omitempty"`
	MaxExpected       *float64 `json:"max_expected,omitempty"`
	Period            string   `json:"period,omitempty"` // day | week | year
	ThresholdPercent  float64  `json:"threshold_percent,omitempty"`
	ZThreshold        float64  `json:"z_threshold,omitempty"`
	MinCountThreshold float64  `json:"min_count_threshold,omitempty"`
}

type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeAnomaly Outcome = "anomaly"
	// OutcomeInsufficientHistory is neither a pass nor an anomaly: the
	// grouping key has too little history for a meaningful comparison.
	OutcomeInsufficientHistory Outcome = "insufficient_history"
)

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Sample is one prior observation: the logical date the value pertains to,
// not the time the query ran.
type Sample struct {
	LogicalDate time.Time
	Value       float64
}

type Evaluation struct {
	Outcome    Outcome
	Severity   string
	Expected   *float64
	SampleSize int
	Detail     string
}

const defaultZThreshold = -2.5

// yearWindowDays bounds the search around the exact prior-year date when the
// same calendar day does not exist in history.
const yearWindowDays = 3

var (
	ErrThresholdConfig   = errors.New("invalid threshold configuration")
	ErrUnknownStrategy   = errors.New("unknown comparison strategy")
	ErrFutureObservation = errors.New("observation is future-dated")
)

// Evaluate scores obs against history using the given strategy. Only samples
// whose logical date precedes evalTime are eligible; a future-dated subject
// is an error, never silently evaluated.
func Evaluate(obs Sample, history []Sample, strategy Strategy, params Params, evalTime time.Time) (Evaluation, error) {
	if !obs.LogicalDate.Before(evalTime) {
		return Evaluation{}, fmt.Errorf("%w: %s", ErrFutureObservation, obs.LogicalDate.Format("2006-01-02"))
	}
	eligible := eligibleHistory(history, evalTime)
	switch strategy {
	case StrategyAbsolute:
		return evaluateAbsolute(obs, params)
	case StrategyPeriodOverPeriod:
		return evaluatePeriodOverPeriod(obs, eligible, params)
	case StrategyDayOfWeekZScore:
		return evaluateDayOfWeek(obs, eligible, params)
	default:
		return Evaluation{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

func eligibleHistory(history []Sample, evalTime time.Time) []Sample {
	eligible := make([]Sample, 0, len(history))
	for _, sample := range history {
		if sample.LogicalDate.Before(evalTime) {
			eligible = append(eligible, sample)
		}
	}
	return eligible
}

func evaluateAbsolute(obs Sample, params Params) (Evaluation, error) {
	if params.MinExpected == nil && params.MaxExpected == nil {
		return Evaluation{}, fmt.Errorf("%w: absolute_threshold requires min_expected or max_expected", ErrThresholdConfig)
	}
	if params.MinExpected != nil && params.MaxExpected != nil && *params.MinExpected > *params.MaxExpected {
		return Evaluation{}, fmt.Errorf("%w: min_expected %.2f exceeds max_expected %.2f", ErrThresholdConfig, *params.MinExpected, *params.MaxExpected)
	}
	if params.MinExpected != nil && obs.Value < *params.MinExpected {
		return Evaluation{
			Outcome:  OutcomeAnomaly,
			Severity: SeverityHigh,
			Expected: params.MinExpected,
			Detail:   fmt.Sprintf("observed %.2f below minimum %.2f", obs.Value, *params.MinExpected),
		}, nil
	}
	if params.MaxExpected != nil && obs.Value > *params.MaxExpected {
		return Evaluation{
			Outcome:  OutcomeAnomaly,
			Severity: SeverityHigh,
			Expected: params.MaxExpected,
			Detail:   fmt.Sprintf("observed %.2f above maximum %.2f", obs.Value, *params.MaxExpected),
		}, nil
	}
	return Evaluation{Outcome: OutcomePass, Detail: fmt.Sprintf("observed %.2f within bounds", obs.Value)}, nil
}

// evaluatePeriodOverPeriod flags drops of at least threshold_percent against
// the comparable prior period. Increases never flag.
func evaluatePeriodOverPeriod(obs Sample, history []Sample, params Params) (Evaluation, error) {
	if params.ThresholdPercent <= 0 {
		return Evaluation{}, fmt.Errorf("%w: threshold_percent must be > 0", ErrThresholdConfig)
	}
	switch params.Period {
	case "day", "week", "year":
	default:
		return Evaluation{}, fmt.Errorf("%w: unsupported period %q", ErrThresholdConfig, params.Period)
	}
	prior, ok := priorPeriodSample(obs.LogicalDate, history, params.Period)
	if !ok {
		return Evaluation{
			Outcome:    OutcomeInsufficientHistory,
			SampleSize: 0,
			Detail:     fmt.Sprintf("no prior-%s observation to compare against", params.Period),
		}, nil
	}
	if prior.Value == 0 {
		return Evaluation{
			Outcome:    OutcomeInsufficientHistory,
			SampleSize: 1,
			Detail:     fmt.Sprintf("prior-%s observation on %s is zero", params.Period, prior.LogicalDate.Format("2006-01-02")),
		}, nil
	}
	expected := prior.Value
	change := (obs.Value - prior.Value) / prior.Value * 100
	detail := fmt.Sprintf("%.1f%% vs %s on %s", change, params.Period, prior.LogicalDate.Format("2006-01-02"))
	if change <= -params.ThresholdPercent {
		return Evaluation{
			Outcome:    OutcomeAnomaly,
			Severity:   SeverityHigh,
			Expected:   &expected,
			SampleSize: 1,
			Detail:     detail,
		}, nil
	}
	return Evaluation{Outcome: OutcomePass, Expected: &expected, SampleSize: 1, Detail: detail}, nil
}

func priorPeriodSample(date time.Time, history []Sample, period string) (Sample, bool) {
	switch period {
	case "day":
		return sampleOn(history, date.AddDate(0, 0, -1))
	case "week":
		return sampleOn(history, date.AddDate(0, 0, -7))
	case "year":
		base := date.AddDate(-1, 0, 0)
		aligned := nearestWeekday(base, date.Weekday())
		if sample, ok := sampleOn(history, aligned); ok {
			return sample, true
		}
		return nearestSample(history, base, yearWindowDays)
	}
	return Sample{}, false
}

func sampleOn(history []Sample, date time.Time) (Sample, bool) {
	key := dayKey(date)
	for _, sample := range history {
		if dayKey(sample.LogicalDate) == key {
			return sample, true
		}
	}
	return Sample{}, false
}

// nearestWeekday shifts base to the closest date carrying the wanted weekday,
// at most three days away in either direction.
func nearestWeekday(base time.Time, weekday time.Weekday) time.Time {
	delta := (int(weekday) - int(base.Weekday()) + 7) % 7
	if delta > 3 {
		delta -= 7
	}
	return base.AddDate(0, 0, delta)
}

func nearestSample(history []Sample, base time.Time, windowDays int) (Sample, bool) {
	best := Sample{}
	bestDiff := math.MaxFloat64
	found := false
	for _, sample := range history {
		diff := math.Abs(sample.LogicalDate.Sub(base).Hours() / 24)
		if diff > float64(windowDays) {
			continue
		}
		if diff < bestDiff {
			best = sample
			bestDiff = diff
			found = true
		}
	}
	return best, found
}

// evaluateDayOfWeek partitions history by weekday and z-scores the new
// observation against its weekday's mean and sample stdev. The z trigger and
// the min-count floor are independent; either flags the observation.
func evaluateDayOfWeek(obs Sample, history []Sample, params Params) (Evaluation, error) {
	zThreshold := params.ZThreshold
	if zThreshold == 0 {
		zThreshold = defaultZThreshold
	}
	if zThreshold > 0 {
		return Evaluation{}, fmt.Errorf("%w: z_threshold must be negative", ErrThresholdConfig)
	}
	weekday := obs.LogicalDate.Weekday()
	values := []float64{}
	for _, sample := range history {
		if sample.LogicalDate.Weekday() == weekday {
			values = append(values, sample.Value)
		}
	}
	if len(values) < 2 {
		return Evaluation{
			Outcome:    OutcomeInsufficientHistory,
			SampleSize: len(values),
			Detail:     fmt.Sprintf("only %d %s sample(s) in history, need at least 2", len(values), weekday),
		}, nil
	}
	mean := Mean(values)
	sigma := StdDev(values)
	expected := mean

	z := 0.0
	maximal := false
	if sigma == 0 {
		// identical historical values: any deviation is maximally anomalous
		if obs.Value != mean {
			maximal = true
		}
	} else {
		z = (obs.Value - mean) / sigma
	}

	lowZ := maximal || z < zThreshold
	belowFloor := obs.Value < params.MinCountThreshold

	var detail string
	if maximal {
		detail = fmt.Sprintf("zero-variance %s baseline at %.2f, observed %.2f", weekday, mean, obs.Value)
	} else {
		detail = fmt.Sprintf("z=%.2f mean=%.2f stdev=%.2f over %d %s samples", z, mean, sigma, len(values), weekday)
	}

	if lowZ || belowFloor {
		severity := SeverityHigh
		if !lowZ {
			severity = SeverityMedium
			detail = fmt.Sprintf("observed %.2f below minimum count %.2f; %s", obs.Value, params.MinCountThreshold, detail)
		}
		return Evaluation{
			Outcome:    OutcomeAnomaly,
			Severity:   severity,
			Expected:   &expected,
			SampleSize: len(values),
			Detail:     detail,
		}, nil
	}
	return Evaluation{Outcome: OutcomePass, Expected: &expected, SampleSize: len(values), Detail: detail}, nil
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
