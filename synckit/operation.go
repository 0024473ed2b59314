package synckit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/storefront-sync/cache"
)

// RemoteOperation performs the authoritative write for a pending operation.
//
// On success it returns the confirmed payload: a cache.Document, a Response,
// any JSON-encodable value, or nil to confirm the optimistic payload as is.
// On failure it returns an error; conflicts must be reported with
// errors.NewConflict (or an error satisfying errors.StatusCoder with 409)
// so the engine routes them to a resolver. Errors wrapped with errors.Fatal
// are not retried. Implementations honour op.Options.Force by bypassing the
// server's conflict check.
type RemoteOperation interface {
	Execute(ctx context.Context, op *PendingOperation) (any, error)
}

// RemoteFunc adapts a function to RemoteOperation.
type RemoteFunc func(ctx context.Context, op *PendingOperation) (any, error)

func (f RemoteFunc) Execute(ctx context.Context, op *PendingOperation) (any, error) {
	return f(ctx, op)
}

// Response is the {data: ...} envelope a remote operation may return.
type Response struct {
	Data cache.Document `json:"data"`
}

// OperationOptions is the configuration bag attached to a pending operation.
type OperationOptions struct {
	// Force asks the remote operation to bypass the server's conflict check.
	// The engine sets it when a resolver picks client_wins.
	Force bool

	// MaxRetries overrides the engine default when RetryLimitSet is true.
	MaxRetries    int
	RetryLimitSet bool

	// RetryDelay overrides the engine's base backoff delay when positive.
	RetryDelay time.Duration

	// RestoreOnRollback makes the engine restore the cache entry captured
	// before the optimistic write whenever the operation is rolled back.
	RestoreOnRollback bool

	Metadata map[string]any
}

// OperationOption configures a single OptimisticUpdate call.
type OperationOption func(*OperationOptions)

// Force sets the force flag from the first attempt.
func Force() OperationOption {
	return func(o *OperationOptions) { o.Force = true }
}

// RetryLimit overrides the number of retries for this operation.
func RetryLimit(n int) OperationOption {
	return func(o *OperationOptions) {
		o.MaxRetries = n
		o.RetryLimitSet = true
	}
}

// RetryBackoff overrides the base backoff delay for this operation.
func RetryBackoff(d time.Duration) OperationOption {
	return func(o *OperationOptions) { o.RetryDelay = d }
}

// RestoreOnRollback restores the pre-write cache entry on rollback, in
// addition to calling the rollback function.
func RestoreOnRollback() OperationOption {
	return func(o *OperationOptions) { o.RestoreOnRollback = true }
}

// WithMetadata attaches a metadata value to the operation.
func WithMetadata(key string, value any) OperationOption {
	return func(o *OperationOptions) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]any)
		}
		o.Metadata[key] = value
	}
}

// PendingOperation is a submitted mutation that has not reached a terminal
// state. Fields are owned by the engine; remote operations may read them
// during Execute.
type PendingOperation struct {
	ID        string
	Key       string
	Data      cache.Document
	Remote    RemoteOperation
	Rollback  func()
	Retries   int
	CreatedAt time.Time
	Options   OperationOptions

	seq              uint64
	attempts         int
	conflictAttempts int
	previous         cache.Entry
	hadPrevious      bool

	running    atomic.Bool
	rolledBack atomic.Bool

	done     chan struct{}
	finish   sync.Once
	result   cache.Document
	finalErr error
}

func (op *PendingOperation) complete(data cache.Document, err error) {
	op.finish.Do(func() {
		op.result = cache.Clone(data)
		op.finalErr = err
		close(op.done)
	})
}

// OperationInfo is a read-only snapshot of a pending operation.
type OperationInfo struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	Data      cache.Document `json:"data"`
	Retries   int            `json:"retries"`
	Attempts  int            `json:"attempts"`
	Force     bool           `json:"force"`
	CreatedAt time.Time      `json:"createdAt"`
	InFlight  bool           `json:"inFlight"`
}

func (op *PendingOperation) info() OperationInfo {
	return OperationInfo{
		ID:        op.ID,
		Key:       op.Key,
		Data:      cache.Clone(op.Data),
		Retries:   op.Retries,
		Attempts:  op.attempts,
		Force:     op.Options.Force,
		CreatedAt: op.CreatedAt,
		InFlight:  op.running.Load(),
	}
}

// Result is returned by OptimisticUpdate.
//
// Data is set when the first attempt succeeded. Queued is set when the
// engine was offline and deferred the operation; Retrying when the first
// attempt failed transiently and a retry is scheduled. In both cases the
// final outcome is reported on the event bus and through Wait.
type Result struct {
	OperationID string
	Data        cache.Document
	Queued      bool
	Retrying    bool

	op *PendingOperation
}

// Done is closed when the operation reaches a terminal state. Operations
// parked for manual conflict resolution stay open until resolved.
func (r *Result) Done() <-chan struct{} {
	return r.op.done
}

// Wait blocks until the operation reaches a terminal state or ctx is done.
func (r *Result) Wait(ctx context.Context) (cache.Document, error) {
	select {
	case <-r.op.done:
		return cache.Clone(r.op.result), r.op.finalErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
