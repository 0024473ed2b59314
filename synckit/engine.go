// Package synckit implements the optimistic operation lifecycle: a mutation is
// applied to the cache immediately, sent to the remote store, and driven
// through retry, conflict resolution or rollback until it reaches a terminal
// state. Every transition is published on the event bus.
package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/storefront-sync/cache"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/network"
	"github.com/c0deZ3R0/storefront-sync/schedule"
)

const component = "engine"

var (
	errInFlight   = errors.New("attempt already in flight")
	errNotPending = errors.New("operation no longer pending")
	errOffline    = errors.New("network is offline")
)

// Engine owns the pending set, the manual-conflict set and the resolver
// registry. Its mutex is never held across remote calls, rollbacks,
// resolvers or event listeners.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	pending  map[string]*PendingOperation
	manual   map[string]*manualConflict
	retries  map[string]retryTask
	seq      uint64
	closed   bool
	periodic periodicState

	cache     *cache.Store
	bus       *events.Bus
	net       *network.Monitor
	resolvers *Registry
	sched     schedule.Scheduler
	metrics   MetricsCollector
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time

	initialOnline bool
	fallback      ConflictResolver
	rules         []Rule
	ownedTimers   *schedule.TimerScheduler

	ctx     context.Context
	cancel  context.CancelFunc
	stopNet func()
}

// retryTask is a retry registered by a failed attempt. task stays nil until
// the attempt releases the operation, so the timer cannot fire while that
// attempt is still in flight.
type retryTask struct {
	task  schedule.Task
	token uint64
	delay time.Duration
}

type manualConflict struct {
	op       *PendingOperation
	conflict *syncErrors.ConflictError
	at       time.Time
}

// ManualConflict describes a conflict waiting for ResolveConflict.
type ManualConflict struct {
	OperationID string         `json:"operationId"`
	Key         string         `json:"key"`
	LocalData   cache.Document `json:"localData"`
	ServerData  cache.Document `json:"serverData"`
	Error       string         `json:"error"`
	DetectedAt  time.Time      `json:"detectedAt"`
}

// SyncStatus is a point-in-time view for diagnostics.
type SyncStatus struct {
	Online            bool          `json:"isOnline"`
	PendingOperations int           `json:"pendingOperations"`
	CacheSize         int           `json:"cacheSize"`
	RetryQueueSize    int           `json:"retryQueueSize"`
	ManualConflicts   int           `json:"manualConflicts"`
	PeriodicSync      bool          `json:"periodicSync"`
	SyncInterval      time.Duration `json:"syncInterval"`
}

// Fetcher reads the authoritative payload for a key.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (any, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, key string) (any, error)

func (f FetchFunc) Fetch(ctx context.Context, key string) (any, error) { return f(ctx, key) }

// New constructs an Engine. Collaborators not supplied through options are
// created with defaults: an online network monitor, a fresh bus and cache,
// and a wall-clock scheduler.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:           DefaultConfig(),
		pending:       make(map[string]*PendingOperation),
		manual:        make(map[string]*manualConflict),
		retries:       make(map[string]retryTask),
		metrics:       NoOpMetricsCollector{},
		logger:        slog.Default(),
		newID:         uuid.NewString,
		now:           time.Now,
		initialOnline: true,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpConfig, err)
		}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, err)
	}

	e.logger = e.logger.With("component", logging.Component(component))
	if e.bus == nil {
		e.bus = events.NewBus(events.WithLogger(e.logger), events.WithClock(e.now))
	}
	if e.cache == nil {
		e.cache = cache.New(e.bus, cache.WithClock(e.now))
	}
	if e.net == nil {
		e.net = network.NewMonitor(e.initialOnline, network.WithLogger(e.logger))
	}
	if e.sched == nil {
		e.ownedTimers = schedule.NewTimerScheduler()
		e.sched = e.ownedTimers
	}
	e.resolvers = NewRegistry(e.fallback)
	for _, r := range e.rules {
		if err := e.resolvers.AddRule(r); err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpConfig, err)
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.stopNet = e.net.OnChange(e.onNetworkChange)

	e.logger.Debug("Sync engine created",
		"max_retries", e.cfg.MaxRetries,
		"retry_delay", e.cfg.RetryDelay,
		"online", e.net.Online())
	return e, nil
}

// OptimisticUpdate applies data to the cache under key and synchronises it
// through remote. rollback, which may be nil, undoes the local mutation if
// the operation is abandoned.
//
// When online the first attempt runs before OptimisticUpdate returns. A
// transient failure leaves the operation pending and returns an error
// matching errors.ErrRetrying alongside a Result with Retrying set. When
// offline the operation is queued and the Result has Queued set.
func (e *Engine) OptimisticUpdate(ctx context.Context, key string, data cache.Document, remote RemoteOperation, rollback func(), opts ...OperationOption) (*Result, error) {
	if key == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpOptimisticUpdate, errors.New("key must not be empty"))
	}
	if remote == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpOptimisticUpdate, errors.New("remote operation must not be nil"))
	}
	if e.isClosed() {
		return nil, closedError(syncErrors.OpOptimisticUpdate)
	}

	op := &PendingOperation{
		ID:        e.newID(),
		Key:       key,
		Data:      cache.Clone(data),
		Remote:    remote,
		Rollback:  rollback,
		CreatedAt: e.now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&op.Options)
	}

	op.previous, op.hadPrevious = e.cache.Read(key)
	e.cache.ApplyOptimistic(key, op.Data)
	e.bus.Publish(events.OptimisticUpdate{OperationID: op.ID, Key: key, Data: cache.Clone(op.Data)})

	e.mu.Lock()
	e.seq++
	op.seq = e.seq
	e.pending[op.ID] = op
	depth := len(e.pending)
	e.mu.Unlock()
	e.metrics.RecordPending(depth)

	result := &Result{OperationID: op.ID, op: op}
	if !e.net.Online() {
		e.logger.Info("Operation queued while offline", "operation_id", op.ID, "key", key)
		e.bus.Publish(events.Queued{OperationID: op.ID, Key: key})
		result.Queued = true
		return result, nil
	}

	out, err := e.execute(ctx, op)
	if err != nil {
		result.Retrying = errors.Is(err, syncErrors.ErrRetrying)
		return result, err
	}
	result.Data = out
	return result, nil
}

// execute runs one attempt chain for op. A second attempt for an id that is
// already executing, or for an id that left the pending set, is skipped.
func (e *Engine) execute(ctx context.Context, op *PendingOperation) (cache.Document, error) {
	if !op.running.CompareAndSwap(false, true) {
		e.logger.Debug("Attempt already in flight, skipping", "operation_id", op.ID)
		return nil, errInFlight
	}
	defer e.release(op)

	e.mu.Lock()
	if _, ok := e.pending[op.ID]; !ok {
		e.mu.Unlock()
		return nil, errNotPending
	}
	e.cancelRetryLocked(op.ID)
	e.mu.Unlock()

	return e.attempt(ctx, op)
}

// attempt invokes the remote operation and routes the outcome. Conflict
// resolutions that re-send the operation loop here.
func (e *Engine) attempt(ctx context.Context, op *PendingOperation) (cache.Document, error) {
	for {
		e.mu.Lock()
		op.attempts++
		n := op.attempts
		e.mu.Unlock()

		e.logger.Debug("Executing remote operation", "operation_id", op.ID, "key", op.Key, "attempt", n, "force", op.Options.Force)
		start := time.Now()
		res, err := e.invoke(ctx, op)
		e.metrics.RecordSyncDuration(string(syncErrors.OpExecute), time.Since(start))
		if err == nil {
			return e.succeed(op, res)
		}

		kind := syncErrors.KindOf(err)
		e.metrics.RecordSyncErrors(string(syncErrors.OpExecute), string(kind))
		switch kind {
		case syncErrors.KindConflict:
			conflict, ok := syncErrors.AsConflict(err)
			if !ok {
				conflict = &syncErrors.ConflictError{Err: err}
			}
			again, data, cerr := e.handleConflict(ctx, op, conflict)
			if again {
				continue
			}
			return data, cerr
		case syncErrors.KindFatal, syncErrors.KindInvalid:
			return nil, e.fail(op, err)
		default:
			return nil, e.retryOrFail(op, err)
		}
	}
}

func (e *Engine) invoke(ctx context.Context, op *PendingOperation) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = syncErrors.NewFatal(syncErrors.OpExecute, fmt.Errorf("remote operation panicked: %v", r))
		}
	}()
	return op.Remote.Execute(ctx, op)
}

func (e *Engine) succeed(op *PendingOperation, res any) (cache.Document, error) {
	data, err := confirmedData(res, op.Data)
	if err != nil {
		return nil, e.fail(op, syncErrors.NewFatal(syncErrors.OpExecute, err))
	}

	e.cache.Confirm(op.Key, data)
	e.remove(op)
	e.logger.Info("Operation synced", "operation_id", op.ID, "key", op.Key, "attempts", op.attempts)
	e.bus.Publish(events.SyncSuccess{OperationID: op.ID, Key: op.Key, Data: cache.Clone(data), Attempts: op.attempts})
	op.complete(data, nil)
	return cache.Clone(data), nil
}

func (e *Engine) retryOrFail(op *PendingOperation, cause error) error {
	limit := e.cfg.MaxRetries
	if op.Options.RetryLimitSet {
		limit = op.Options.MaxRetries
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return syncErrors.WrapOpComponentKind(cause, syncErrors.OpRetry, component, syncErrors.KindClosed)
	}
	if op.Retries < limit {
		op.Retries++
		retry := op.Retries
		delay := e.backoffFor(op).NextDelay(retry - 1)
		e.seq++
		token := e.seq
		e.retries[op.ID] = retryTask{token: token, delay: delay}
		e.mu.Unlock()

		e.metrics.RecordRetry(delay)
		e.logger.Warn("Remote operation failed, retry scheduled",
			"operation_id", op.ID,
			"key", op.Key,
			"retry", retry,
			"max_retries", limit,
			"delay", delay,
			"error", cause)
		e.bus.Publish(events.RetryScheduled{OperationID: op.ID, Key: op.Key, Retry: retry, Delay: delay, Err: cause})
		return fmt.Errorf("%w (retry %d of %d in %s): %w", syncErrors.ErrRetrying, retry, limit, delay, cause)
	}
	e.mu.Unlock()

	err := &syncErrors.SyncError{
		Op:        syncErrors.OpRetry,
		Component: component,
		Kind:      syncErrors.KindFatal,
		Code:      syncErrors.ErrCodeRetriesExhausted,
		Err:       cause,
		Metadata:  map[string]any{"operation_id": op.ID, "key": op.Key, "retries": op.Retries},
	}
	e.rollback(op, err)
	e.remove(op)
	logging.LogError(e.ctx, e.logger, err, "Retries exhausted, operation rolled back")
	e.bus.Publish(events.SyncFailed{OperationID: op.ID, Key: op.Key, Retries: op.Retries, Err: err})
	op.complete(nil, err)
	return err
}

func (e *Engine) backoffFor(op *PendingOperation) ExponentialBackoff {
	base := e.cfg.RetryDelay
	if op.Options.RetryDelay > 0 {
		base = op.Options.RetryDelay
	}
	return ExponentialBackoff{InitialDelay: base, MaxDelay: e.cfg.MaxRetryDelay, Multiplier: 2}
}

// release clears the in-flight guard on op and then arms the retry its
// attempt registered, if any.
func (e *Engine) release(op *PendingOperation) {
	op.running.Store(false)

	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.retries[op.ID]
	if !ok || rt.task != nil {
		return
	}
	if _, pending := e.pending[op.ID]; !pending || e.closed {
		delete(e.retries, op.ID)
		return
	}
	// A newer attempt that already holds the guard arms its own registration.
	if op.running.Load() {
		return
	}
	id, token := op.ID, rt.token
	rt.task = e.sched.Schedule(rt.delay, func() { e.retry(id, token) })
	e.retries[id] = rt
}

// retry is the body of a scheduled retry. token guards against a stale
// timer clearing a newer registration.
func (e *Engine) retry(id string, token uint64) {
	e.mu.Lock()
	if rt, ok := e.retries[id]; ok && rt.token == token {
		delete(e.retries, id)
	}
	op, ok := e.pending[id]
	closed := e.closed
	e.mu.Unlock()

	if !ok || closed {
		return
	}
	if !e.net.Online() {
		e.logger.Debug("Skipping retry while offline", "operation_id", id)
		return
	}
	if _, err := e.execute(e.ctx, op); err != nil && !quiet(err) {
		e.logger.Debug("Retry attempt ended with error", "operation_id", id, "error", err)
	}
}

// fail rolls back op after a non-retryable error.
func (e *Engine) fail(op *PendingOperation, cause error) error {
	err := cause
	var se *syncErrors.SyncError
	if !errors.As(cause, &se) {
		err = syncErrors.WrapOpComponentKind(cause, syncErrors.OpExecute, component, syncErrors.KindFatal)
	}
	e.rollback(op, err)
	e.remove(op)
	logging.LogError(e.ctx, e.logger, err, "Remote operation failed, operation rolled back",
		slog.String("operation_id", op.ID), slog.String("key", op.Key))
	op.complete(nil, err)
	return err
}

// rollback runs at most once per operation.
func (e *Engine) rollback(op *PendingOperation, cause error) {
	if !op.rolledBack.CompareAndSwap(false, true) {
		return
	}
	if op.Rollback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Rollback function panicked", "operation_id", op.ID, "panic", r)
				}
			}()
			op.Rollback()
		}()
	}
	if op.Options.RestoreOnRollback {
		e.cache.Restore(op.Key, op.previous, op.hadPrevious)
	}
	e.metrics.RecordRollback()
	e.bus.Publish(events.Rollback{OperationID: op.ID, Key: op.Key, Err: cause})
}

func (e *Engine) remove(op *PendingOperation) {
	e.mu.Lock()
	delete(e.pending, op.ID)
	delete(e.manual, op.ID)
	e.cancelRetryLocked(op.ID)
	depth := len(e.pending)
	e.mu.Unlock()
	e.metrics.RecordPending(depth)
}

func (e *Engine) cancelRetryLocked(id string) {
	if rt, ok := e.retries[id]; ok {
		if rt.task != nil {
			rt.task.Cancel()
		}
		delete(e.retries, id)
	}
}

func (e *Engine) handleConflict(ctx context.Context, op *PendingOperation, conflict *syncErrors.ConflictError) (bool, cache.Document, error) {
	e.mu.Lock()
	op.conflictAttempts++
	n := op.conflictAttempts
	e.mu.Unlock()

	if n > e.cfg.MaxConflictAttempts {
		return false, nil, e.failConflict(op, fmt.Errorf("conflict persisted after %d resolutions: %w", n-1, conflict))
	}

	resolver, source := e.resolvers.Lookup(op)
	e.logger.Info("Resolving conflict", "operation_id", op.ID, "key", op.Key, "resolver", source)
	res, err := resolve(ctx, resolver, op, conflict)
	if err != nil {
		return false, nil, e.failConflict(op, err)
	}
	e.metrics.RecordConflict(string(res.Strategy))
	return e.applyResolution(op, conflict, res)
}

func resolve(ctx context.Context, r ConflictResolver, op *PendingOperation, conflict *syncErrors.ConflictError) (res Resolution, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("conflict resolver panicked: %v", p)
		}
	}()
	return r.Resolve(ctx, op, conflict)
}

// applyResolution carries out a decision. It reports whether the operation
// must be sent again.
func (e *Engine) applyResolution(op *PendingOperation, conflict *syncErrors.ConflictError, res Resolution) (bool, cache.Document, error) {
	switch res.Strategy {
	case StrategyServerWins:
		data := res.Data
		if data == nil {
			data = conflict.ServerData
		}
		e.rollback(op, conflict)
		if data != nil {
			e.cache.Confirm(op.Key, data)
		} else {
			e.cache.Invalidate(op.Key)
		}
		e.remove(op)
		e.logger.Info("Conflict resolved with server data", "operation_id", op.ID, "key", op.Key)
		e.bus.Publish(events.ConflictResolved{OperationID: op.ID, Key: op.Key, Strategy: string(res.Strategy), Data: cache.Clone(data)})
		op.complete(data, nil)
		return false, cache.Clone(data), nil

	case StrategyClientWins:
		e.mu.Lock()
		op.Options.Force = true
		e.mu.Unlock()
		e.logger.Info("Conflict resolved for client, re-sending with force", "operation_id", op.ID, "key", op.Key)
		return true, nil, nil

	case StrategyMerge:
		if res.Data == nil {
			return false, nil, e.failConflict(op, errors.New("merge resolution carried no data"))
		}
		e.mu.Lock()
		op.Data = cache.Clone(res.Data)
		e.mu.Unlock()
		e.cache.ApplyOptimistic(op.Key, res.Data)
		e.logger.Info("Conflict merged, re-sending", "operation_id", op.ID, "key", op.Key)
		return true, nil, nil

	case StrategyManual:
		err := &syncErrors.SyncError{
			Op:        syncErrors.OpConflictResolve,
			Component: component,
			Kind:      syncErrors.KindConflict,
			Code:      syncErrors.ErrCodeConflict,
			Err:       fmt.Errorf("%w: %w", syncErrors.ErrManualResolution, conflict),
			Metadata:  map[string]any{"operation_id": op.ID, "key": op.Key},
		}
		e.mu.Lock()
		delete(e.pending, op.ID)
		e.cancelRetryLocked(op.ID)
		e.manual[op.ID] = &manualConflict{op: op, conflict: conflict, at: e.now()}
		depth := len(e.pending)
		e.mu.Unlock()
		e.metrics.RecordPending(depth)

		e.logger.Warn("Conflict requires manual resolution", "operation_id", op.ID, "key", op.Key)
		e.bus.Publish(events.ConflictManual{
			OperationID: op.ID,
			Key:         op.Key,
			LocalData:   cache.Clone(op.Data),
			ServerData:  cache.Clone(conflict.ServerData),
			Err:         err,
		})
		return false, nil, err

	default:
		return false, nil, e.failConflict(op, fmt.Errorf("unknown resolution strategy %q", res.Strategy))
	}
}

func (e *Engine) failConflict(op *PendingOperation, cause error) error {
	err := &syncErrors.SyncError{
		Op:        syncErrors.OpConflictResolve,
		Component: component,
		Kind:      syncErrors.KindFatal,
		Code:      syncErrors.ErrCodeResolverFailure,
		Err:       cause,
		Metadata:  map[string]any{"operation_id": op.ID, "key": op.Key},
	}
	e.rollback(op, err)
	e.remove(op)
	e.metrics.RecordSyncErrors(string(syncErrors.OpConflictResolve), string(syncErrors.KindFatal))
	logging.LogError(e.ctx, e.logger, err, "Conflict resolution failed, operation rolled back")
	e.bus.Publish(events.ConflictFailed{OperationID: op.ID, Key: op.Key, Err: err})
	op.complete(nil, err)
	return err
}

// ResolveConflict settles a conflict parked by the manual strategy. The
// resolution is applied as if a resolver had returned it: server_wins
// confirms the server's data, client_wins re-sends with force and merge
// re-sends res.Data.
func (e *Engine) ResolveConflict(ctx context.Context, operationID string, res Resolution) (cache.Document, error) {
	if !res.Strategy.Valid() || res.Strategy == StrategyManual {
		return nil, syncErrors.NewValidationError(syncErrors.OpConflictResolve,
			fmt.Errorf("strategy %q cannot settle a manual conflict", res.Strategy))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, closedError(syncErrors.OpConflictResolve)
	}
	mc, ok := e.manual[operationID]
	e.mu.Unlock()
	if !ok {
		return nil, notFoundError(operationID)
	}

	op := mc.op
	if !op.running.CompareAndSwap(false, true) {
		return nil, syncErrors.WrapOpComponentKind(errInFlight, syncErrors.OpConflictResolve, component, syncErrors.KindTransient)
	}
	defer e.release(op)

	e.mu.Lock()
	if _, ok := e.manual[operationID]; !ok {
		e.mu.Unlock()
		return nil, notFoundError(operationID)
	}
	delete(e.manual, operationID)
	op.conflictAttempts = 0
	if res.Strategy != StrategyServerWins {
		e.pending[op.ID] = op
	}
	e.mu.Unlock()

	e.metrics.RecordConflict(string(res.Strategy))
	e.logger.Info("Applying manual resolution", "operation_id", op.ID, "key", op.Key, "strategy", res.Strategy)
	again, data, err := e.applyResolution(op, mc.conflict, res)
	if !again {
		return data, err
	}
	return e.attempt(ctx, op)
}

// Conflicts lists the conflicts waiting for ResolveConflict, oldest first.
func (e *Engine) Conflicts() []ManualConflict {
	e.mu.Lock()
	out := make([]ManualConflict, 0, len(e.manual))
	for _, mc := range e.manual {
		out = append(out, ManualConflict{
			OperationID: mc.op.ID,
			Key:         mc.op.Key,
			LocalData:   cache.Clone(mc.op.Data),
			ServerData:  cache.Clone(mc.conflict.ServerData),
			Error:       mc.conflict.Error(),
			DetectedAt:  mc.at,
		})
	}
	seqs := make(map[string]uint64, len(e.manual))
	for id, mc := range e.manual {
		seqs[id] = mc.op.seq
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return seqs[out[i].OperationID] < seqs[out[j].OperationID] })
	return out
}

// Pending returns the pending operations in submission order.
func (e *Engine) Pending() []OperationInfo {
	e.mu.Lock()
	ops := e.pendingLocked()
	out := make([]OperationInfo, len(ops))
	for i, op := range ops {
		out[i] = op.info()
	}
	e.mu.Unlock()
	return out
}

func (e *Engine) pendingLocked() []*PendingOperation {
	ops := make([]*PendingOperation, 0, len(e.pending))
	for _, op := range e.pending {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].seq < ops[j].seq })
	return ops
}

// Flush attempts every pending operation now. Keys are flushed concurrently;
// operations sharing a key run in submission order. Per-operation failures
// are logged and joined into the returned error; operations that scheduled
// a retry are not reported.
func (e *Engine) Flush(ctx context.Context) error {
	if e.isClosed() {
		return closedError(syncErrors.OpFlush)
	}
	if !e.net.Online() {
		return syncErrors.NewNetworkError(syncErrors.OpFlush, errOffline)
	}
	return e.flush(ctx)
}

func (e *Engine) flush(ctx context.Context) error {
	groups := e.pendingByKey()
	if len(groups) == 0 {
		return nil
	}

	start := time.Now()
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(e.cfg.FlushConcurrency)
	for _, ops := range groups {
		ops := ops
		g.Go(func() error {
			for _, op := range ops {
				if ctx.Err() != nil {
					return nil
				}
				if _, err := e.execute(ctx, op); err != nil && !quiet(err) {
					e.logger.Warn("Flush attempt failed", "operation_id", op.ID, "key", op.Key, "error", err)
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	e.metrics.RecordSyncDuration(string(syncErrors.OpFlush), time.Since(start))

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// pendingByKey groups pending operations by key. Groups are ordered by their
// oldest operation, operations within a group by submission.
func (e *Engine) pendingByKey() [][]*PendingOperation {
	e.mu.Lock()
	ops := e.pendingLocked()
	e.mu.Unlock()

	index := make(map[string]int)
	var groups [][]*PendingOperation
	for _, op := range ops {
		i, ok := index[op.Key]
		if !ok {
			i = len(groups)
			index[op.Key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], op)
	}
	return groups
}

func (e *Engine) onNetworkChange(online bool) {
	e.bus.Publish(events.Network{Online: online})
	if !online || e.isClosed() {
		return
	}
	e.logger.Info("Network restored, flushing pending operations", "pending", e.pendingCount())
	if err := e.flush(e.ctx); err != nil {
		logging.LogError(e.ctx, e.logger, err, "Reconnect flush finished with errors")
	}
}

// Refresh reads the authoritative payload for key and confirms it into the
// cache, replacing any optimistic state.
func (e *Engine) Refresh(ctx context.Context, key string, fetcher Fetcher) (cache.Document, error) {
	if key == "" || fetcher == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpRefresh, errors.New("refresh needs a key and a fetcher"))
	}
	if e.isClosed() {
		return nil, closedError(syncErrors.OpRefresh)
	}

	e.bus.Publish(events.RefreshStarted{Key: key})
	start := time.Now()
	res, err := fetcher.Fetch(ctx, key)
	e.metrics.RecordSyncDuration(string(syncErrors.OpRefresh), time.Since(start))

	var data cache.Document
	if err == nil {
		data, err = confirmedData(res, nil)
		if err == nil && data == nil {
			err = syncErrors.NewFatal(syncErrors.OpRefresh, fmt.Errorf("fetch for %q returned no data", key))
		}
	}
	if err != nil {
		kind := syncErrors.KindOf(err)
		wrapped := syncErrors.WrapOpComponentKind(err, syncErrors.OpRefresh, component, kind)
		e.metrics.RecordSyncErrors(string(syncErrors.OpRefresh), string(kind))
		logging.LogError(ctx, e.logger, wrapped, "Refresh failed", slog.String("key", key))
		e.bus.Publish(events.RefreshFailed{Key: key, Err: wrapped})
		return nil, wrapped
	}

	e.cache.Confirm(key, data)
	e.bus.Publish(events.RefreshCompleted{Key: key, Data: cache.Clone(data)})
	return data, nil
}

// RegisterConflictResolver binds r to key.
func (e *Engine) RegisterConflictResolver(key string, r ConflictResolver) error {
	return e.resolvers.Register(key, r)
}

// UnregisterConflictResolver removes the resolver bound to key.
func (e *Engine) UnregisterConflictResolver(key string) bool {
	return e.resolvers.Unregister(key)
}

// RegisterConflictRule appends a matcher-based rule, consulted after exact
// key registrations.
func (e *Engine) RegisterConflictRule(name string, m Matcher, r ConflictResolver) error {
	return e.resolvers.AddRule(Rule{Name: name, Matcher: m, Resolver: r})
}

// Read returns the cache entry for key.
func (e *Engine) Read(key string) (cache.Entry, bool) { return e.cache.Read(key) }

// Invalidate drops the cache entry for key.
func (e *Engine) Invalidate(key string) bool { return e.cache.Invalidate(key) }

// ClearCache drops every cache entry.
func (e *Engine) ClearCache() { e.cache.Clear() }

// Subscribe registers a listener on the engine's bus.
func (e *Engine) Subscribe(fn events.Listener) (unsubscribe func()) { return e.bus.Subscribe(fn) }

// SetOnline feeds a connectivity signal into the network monitor.
func (e *Engine) SetOnline(online bool) bool { return e.net.SetOnline(online) }

func (e *Engine) Cache() *cache.Store       { return e.cache }
func (e *Engine) Bus() *events.Bus          { return e.bus }
func (e *Engine) Network() *network.Monitor { return e.net }
func (e *Engine) Resolvers() *Registry      { return e.resolvers }
func (e *Engine) Config() Config            { return e.cfg }

// Status reports the engine's current state.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	st := SyncStatus{
		PendingOperations: len(e.pending),
		RetryQueueSize:    len(e.retries),
		ManualConflicts:   len(e.manual),
		PeriodicSync:      e.periodic.running,
		SyncInterval:      e.cfg.SyncInterval,
	}
	if e.periodic.running {
		st.SyncInterval = e.periodic.interval
	}
	e.mu.Unlock()

	st.Online = e.net.Online()
	st.CacheSize = e.cache.Len()
	return st
}

// Close stops retries and the periodic sweep and detaches from the network
// monitor. Operations that never reached a terminal state complete with
// errors.ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id := range e.retries {
		e.cancelRetryLocked(id)
	}
	e.stopPeriodicLocked()
	abandoned := e.pendingLocked()
	for _, mc := range e.manual {
		abandoned = append(abandoned, mc.op)
	}
	e.mu.Unlock()

	e.stopNet()
	e.cancel()
	if e.ownedTimers != nil {
		e.ownedTimers.Stop()
	}

	err := closedError(syncErrors.OpClose)
	for _, op := range abandoned {
		op.complete(nil, err)
	}
	e.logger.Info("Sync engine closed", "abandoned_operations", len(abandoned))
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func closedError(op syncErrors.Operation) error {
	return &syncErrors.SyncError{Op: op, Component: component, Kind: syncErrors.KindClosed, Err: syncErrors.ErrClosed}
}

func notFoundError(id string) error {
	return &syncErrors.SyncError{
		Op:        syncErrors.OpConflictResolve,
		Component: component,
		Kind:      syncErrors.KindNotFound,
		Err:       fmt.Errorf("%w: %s", syncErrors.ErrOperationNotFound, id),
	}
}

// quiet reports errors that are expected outcomes of a background attempt.
func quiet(err error) bool {
	return errors.Is(err, syncErrors.ErrRetrying) || errors.Is(err, errInFlight) || errors.Is(err, errNotPending)
}

// confirmedData turns a remote result into the payload to confirm. A nil
// result confirms fallback. A map whose only field is a "data" object is
// unwrapped, as is Response.
func confirmedData(res any, fallback cache.Document) (cache.Document, error) {
	switch v := res.(type) {
	case nil:
		return cache.Clone(fallback), nil
	case map[string]any:
		if inner, ok := v["data"].(map[string]any); ok && len(v) == 1 {
			return cache.Clone(inner), nil
		}
		return cache.Clone(v), nil
	case Response:
		if v.Data == nil {
			return cache.Clone(fallback), nil
		}
		return cache.Clone(v.Data), nil
	case *Response:
		if v == nil || v.Data == nil {
			return cache.Clone(fallback), nil
		}
		return cache.Clone(v.Data), nil
	case json.RawMessage:
		return decodeDocument(v)
	case []byte:
		return decodeDocument(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode remote result: %w", err)
		}
		return decodeDocument(raw)
	}
}

func decodeDocument(raw []byte) (cache.Document, error) {
	var doc cache.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("remote result is not a JSON object: %w", err)
	}
	if inner, ok := doc["data"].(map[string]any); ok && len(doc) == 1 {
		return inner, nil
	}
	return doc, nil
}
