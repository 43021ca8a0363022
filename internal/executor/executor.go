// Package executor runs one diagnostic query through a connector and reduces
// the result set to a single dated numeric observation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dbsentinel/internal/connector"
)

// Placeholders the query text may carry for date-range filtering. Values are
// validated day keys, so substitution cannot widen the query beyond what the
// test author already wrote.
const (
	placeholderStart = "{start_date}"
	placeholderEnd   = "{end_date}"
)

var dayKeyPattern = regexp.MustCompile(`^\d{8}$`)

// Request describes one query run. StartDate/EndDate are optional YYYYMMDD
// day keys bound to the corresponding placeholders.
type Request struct {
	Query     string
	StartDate string
	EndDate   string
}

// Observation is the reduced result: the logical date the row pertains to and
// its numeric value.
type Observation struct {
	LogicalDate time.Time
	Value       float64
}

// Run renders the query, executes it with the given timeout and expects
// exactly one (date, numeric) row back. More than one row is a configuration
// fault, never silently averaged.
func Run(ctx context.Context, conn connector.Connector, req Request, timeout time.Duration) (Observation, error) {
	text, err := render(req)
	if err != nil {
		return Observation{}, connector.NewFault(connector.FaultQuery, err)
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rows, err := conn.Query(queryCtx, text)
	if err != nil {
		return Observation{}, err
	}
	switch len(rows) {
	case 0:
		return Observation{}, connector.NewFault(connector.FaultQuery, errors.New("query returned no rows"))
	case 1:
	default:
		return Observation{}, connector.NewFault(connector.FaultQuery, fmt.Errorf("query returned %d rows, expected exactly one", len(rows)))
	}
	obs, err := reduceRow(rows[0])
	if err != nil {
		return Observation{}, connector.NewFault(connector.FaultQuery, err)
	}
	return obs, nil
}

func render(req Request) (string, error) {
	text := req.Query
	if strings.TrimSpace(text) == "" {
		return "", errors.New("query text is empty")
	}
	for placeholder, value := range map[string]string{
		placeholderStart: req.StartDate,
		placeholderEnd:   req.EndDate,
	} {
		if !strings.Contains(text, placeholder) {
			continue
		}
		if value == "" {
			return "", fmt.Errorf("query references %s but no value was provided", placeholder)
		}
		key, err := normalizeDayKey(value)
		if err != nil {
			return "", fmt.Errorf("invalid value for %s: %w", placeholder, err)
		}
		text = strings.ReplaceAll(text, placeholder, key)
	}
	return text, nil
}

func normalizeDayKey(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if dayKeyPattern.MatchString(trimmed) {
		return trimmed, nil
	}
	if t, err := time.Parse("2006-01-02", trimmed); err == nil {
		return t.Format("20060102"), nil
	}
	return "", fmt.Errorf("expected YYYYMMDD or YYYY-MM-DD day key, got %q", value)
}

func reduceRow(row connector.Row) (Observation, error) {
	if len(row) != 2 {
		return Observation{}, fmt.Errorf("expected a (date, numeric) row, got %d columns", len(row))
	}
	logicalDate, err := parseLogicalDate(row[0])
	if err != nil {
		return Observation{}, err
	}
	value, err := toFloat(row[1])
	if err != nil {
		return Observation{}, err
	}
	return Observation{LogicalDate: logicalDate, Value: value}, nil
}

// parseLogicalDate accepts the day-key shapes the monitored schemas use:
// integer keys like 20240101, YYYYMMDD / YYYY-MM-DD strings and native dates.
func parseLogicalDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case string:
		return parseDayKey(t)
	case []byte:
		return parseDayKey(string(t))
	case int64:
		return parseDayKey(strconv.FormatInt(t, 10))
	case int:
		return parseDayKey(strconv.Itoa(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported logical date value %v (%T)", v, v)
	}
}

func parseDayKey(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if t, err := time.Parse("20060102", trimmed); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", trimmed); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse date %q, expected YYYYMMDD or YYYY-MM-DD", s)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric observation %q", t)
		}
		return f, nil
	case []byte:
		return toFloat(string(t))
	default:
		return 0, fmt.Errorf("unsupported observation value %v (%T)", v, v)
	}
}
