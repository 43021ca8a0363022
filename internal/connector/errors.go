package connector

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// FaultClass tags a connector error for the worker's retry policy.
// Connection and timeout faults are transient; query faults (malformed SQL,
// schema mismatch) are permanent and never retried.
type FaultClass string

const (
	FaultConnection FaultClass = "connection"
	FaultTimeout    FaultClass = "timeout"
	FaultQuery      FaultClass = "query"
)

type Fault struct {
	Class FaultClass
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %v", f.Class, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func (f *Fault) Transient() bool {
	return f.Class == FaultConnection || f.Class == FaultTimeout
}

// NewFault wraps err with an explicit class. Used by callers that already
// know the classification (e.g. the executor's shape checks).
func NewFault(class FaultClass, err error) *Fault {
	return &Fault{Class: class, Err: err}
}

// IsTransient reports whether err carries a retryable fault class.
func IsTransient(err error) bool {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Transient()
	}
	return false
}

// classify maps a driver error onto the fault taxonomy. A context deadline is
// a query timeout, network-level failures are connection faults, anything
// else the driver rejects is a permanent query fault.
func classify(err error) *Fault {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Class: FaultTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Class: FaultTimeout, Err: err}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Fault{Class: FaultConnection, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Fault{Class: FaultTimeout, Err: err}
		}
		return &Fault{Class: FaultConnection, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Fault{Class: FaultConnection, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return &Fault{Class: FaultConnection, Err: err}
	}
	return &Fault{Class: FaultQuery, Err: err}
}
