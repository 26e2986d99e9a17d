package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a record that no longer exists upstream. Aggregation
// treats it as "skip this item", not a failure.
var ErrNotFound = errors.New("record not found")

// ErrCacheUnavailable and ErrLedgerUnavailable mark infrastructure
// degradation. Both layers fail open: the errors are logged, never
// propagated to business callers.
var (
	ErrCacheUnavailable  = errors.New("dedup cache unavailable")
	ErrLedgerUnavailable = errors.New("idempotency ledger unavailable")
)

// UpstreamFetchError wraps a failure to read the CRM. Transient; the
// resilient executor retries it.
type UpstreamFetchError struct {
	Op  string
	Err error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("upstream fetch %s: %v", e.Op, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// DownstreamWriteError wraps a failure to write to the ERP after retries and
// the circuit breaker are exhausted. Escalated via the notifier and returned
// to the caller.
type DownstreamWriteError struct {
	Service string
	Err     error
}

func (e *DownstreamWriteError) Error() string {
	return fmt.Sprintf("downstream write to %s: %v", e.Service, e.Err)
}

func (e *DownstreamWriteError) Unwrap() error { return e.Err }
