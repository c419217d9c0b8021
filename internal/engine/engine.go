// Package engine runs the workspace authority as a single goroutine. Every operation is a
// typed request handled strictly in arrival order, so the canonical store needs no locks and
// each reply reflects exactly the state produced by its own request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/metrics"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/journal"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/kv"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/mirror"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/scheduler"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/session"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/state"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

var (
	ErrClosed = errors.New("engine: closed")
	// ErrInternal wraps a panic recovered from an operation.
	ErrInternal = errors.New("engine: internal error")
)

type Config struct {
	Settings workspace.Settings
	Limits   validation.Limits
	// SaveWindow is the coalescing window for debounced writes.
	SaveWindow time.Duration

	// Session defaults to an in-memory store.
	Session *session.Repo
	Journal *journal.Journal
	Mirror  *mirror.Mirror
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	// ShutdownFlushTimeout bounds the final write on shutdown.
	ShutdownFlushTimeout time.Duration
}

type Engine struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	store *state.Store
	sched *scheduler.Scheduler

	reqs    chan request
	writes  chan writeJob
	results chan writeResult
	done    chan struct{}

	runOnce sync.Once

	lmu       sync.Mutex
	listeners map[int]func(SaveEvent)
	nextL     int

	// loop-owned
	lastSave    SaveEvent
	savesOK     uint64
	savesFailed uint64
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Session == nil {
		cfg.Session = session.New(kv.NewMemory(), logger)
	}
	if cfg.ShutdownFlushTimeout <= 0 {
		cfg.ShutdownFlushTimeout = 10 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		log:       logger.With("component", "engine"),
		now:       now,
		reqs:      make(chan request),
		writes:    make(chan writeJob, 1),
		results:   make(chan writeResult, 1),
		done:      make(chan struct{}),
		listeners: map[int]func(SaveEvent){},
	}
	e.sched = scheduler.New(scheduler.Config{
		Window:   cfg.SaveWindow,
		AutoSave: cfg.Settings.EnableAutoSave,
		Logger:   logger,
		OnState: func(st scheduler.State) {
			if cfg.Metrics != nil {
				cfg.Metrics.SchedulerState.Set(float64(st))
			}
		},
	})
	e.store = state.New(state.Options{
		Settings: cfg.Settings,
		Limits:   cfg.Limits,
		Trigger:  e.sched,
		Now:      now,
	})
	return e
}

// Run serves requests until ctx ends. On the way out it performs one best-effort write of
// unsaved changes when auto-save is on.
func (e *Engine) Run(ctx context.Context) error {
	first := false
	e.runOnce.Do(func() { first = true })
	if !first {
		return errors.New("engine: Run called twice")
	}
	defer close(e.done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.writer()
	}()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			close(e.writes)
			wg.Wait()
			return ctx.Err()
		case req := <-e.reqs:
			e.handle(req)
		case gen := <-e.sched.Due():
			if e.sched.Fire(gen) {
				e.startWrite(reasonAuto)
			}
		case res := <-e.results:
			e.finishWrite(res)
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

type op interface {
	name() string
	run(e *Engine) (any, error)
}

type request struct {
	op   op
	resp chan response
}

type response struct {
	val any
	err error
}

func (e *Engine) do(ctx context.Context, o op) (any, error) {
	if e == nil {
		return nil, ErrClosed
	}
	start := time.Now()
	req := request{op: o, resp: make(chan response, 1)}
	select {
	case e.reqs <- req:
	case <-e.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var r response
	select {
	case r = <-req.resp:
	case <-e.done:
		select {
		case r = <-req.resp:
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.observeCall(o.name(), start, r.err)
	return r.val, r.err
}

func call[T any](ctx context.Context, e *Engine, o op) (T, error) {
	var zero T
	v, err := e.do(ctx, o)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (e *Engine) handle(req request) {
	resp := response{}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("op panicked", "op", req.op.name(), "panic", r, "stack", string(debug.Stack()))
			resp = response{err: fmt.Errorf("%w: %s: %v", ErrInternal, req.op.name(), r)}
		}
		select {
		case req.resp <- resp:
		default:
		}
	}()
	v, err := req.op.run(e)
	resp = response{val: v, err: err}
}

func (e *Engine) observeCall(name string, start time.Time, err error) {
	m := e.cfg.Metrics
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RPCRequests.WithLabelValues(name, result).Inc()
	m.RPCDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func (e *Engine) observeValidation(start time.Time, items int) {
	m := e.cfg.Metrics
	if m == nil {
		return
	}
	m.ValidationDuration.Observe(time.Since(start).Seconds())
	m.ValidatedItems.Observe(float64(items))
}

func (e *Engine) activeItemCount() int {
	snap := e.store.Snapshot()
	if sc := snap.ActiveScheme(); sc != nil {
		return len(sc.Items)
	}
	return 0
}
