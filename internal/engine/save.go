package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/journal"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/mirror"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/scheduler"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/snapshot"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
)

const (
	reasonAuto     = "auto"
	reasonFlush    = "flush"
	reasonShutdown = "shutdown"
)

const writeTimeout = 30 * time.Second

// SaveEvent is published after every durable write attempt.
type SaveEvent struct {
	At      time.Time
	Reason  string
	OK      bool
	Bytes   int
	Schemes int
	Items   int
	Err     string
}

type writeJob struct {
	at      time.Time
	reason  string
	body    []byte
	schemes int
	items   int
}

type writeResult struct {
	job writeJob
	err error
	dur time.Duration
}

// Subscribe registers fn for save events. fn runs on the engine goroutine and must not
// block. The returned func unregisters it.
func (e *Engine) Subscribe(fn func(SaveEvent)) (cancel func()) {
	e.lmu.Lock()
	id := e.nextL
	e.nextL++
	e.listeners[id] = fn
	e.lmu.Unlock()
	return func() {
		e.lmu.Lock()
		delete(e.listeners, id)
		e.lmu.Unlock()
	}
}

func (e *Engine) publish(ev SaveEvent) {
	e.lmu.Lock()
	fns := make([]func(SaveEvent), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.lmu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// encode captures the current snapshot; it runs on the engine goroutine so the bytes are a
// consistent view.
func (e *Engine) encode(reason string) (writeJob, error) {
	snap := e.store.Snapshot()
	job := writeJob{
		at:      e.now(),
		reason:  reason,
		schemes: len(snap.Editor.Schemes),
		items:   snap.ItemCount(),
	}
	b, err := snapshot.Marshal(&snap)
	if err != nil {
		return job, fmt.Errorf("encode snapshot: %w", err)
	}
	job.body = b
	return job, nil
}

func (e *Engine) startWrite(reason string) {
	job, err := e.encode(reason)
	if err != nil {
		e.finishWrite(writeResult{job: job, err: err})
		return
	}
	e.writes <- job
}

func (e *Engine) writer() {
	for job := range e.writes {
		e.results <- e.persist(job, writeTimeout)
	}
}

func (e *Engine) persist(job writeJob, timeout time.Duration) writeResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := e.cfg.Session.SaveEncoded(ctx, job.body, job.schemes)
	return writeResult{job: job, err: err, dur: time.Since(start)}
}

func (e *Engine) finishWrite(res writeResult) {
	e.sched.Finish(res.err)

	ev := SaveEvent{
		At:      res.job.at,
		Reason:  res.job.reason,
		OK:      res.err == nil,
		Bytes:   len(res.job.body),
		Schemes: res.job.schemes,
		Items:   res.job.items,
	}
	result := "ok"
	if res.err != nil {
		ev.Err = res.err.Error()
		result = "error"
		e.savesFailed++
		e.log.Error("workspace save failed", "reason", res.job.reason, "err", res.err)
	} else {
		e.savesOK++
		e.log.Debug("workspace saved", "reason", res.job.reason, "bytes", ev.Bytes,
			"schemes", ev.Schemes, "items", ev.Items, "took", res.dur)
	}
	if m := e.cfg.Metrics; m != nil {
		m.Saves.WithLabelValues(result).Inc()
		if ev.OK {
			m.SaveBytes.Observe(float64(ev.Bytes))
		}
	}
	if j := e.cfg.Journal; j != nil {
		if err := j.Append(journal.Entry{
			At:      ev.At.UnixMilli(),
			Reason:  ev.Reason,
			OK:      ev.OK,
			Bytes:   ev.Bytes,
			Schemes: ev.Schemes,
			Items:   ev.Items,
			Err:     ev.Err,
			Millis:  res.dur.Milliseconds(),
		}); err != nil {
			e.log.Warn("journal append failed", "err", err)
		}
	}
	if ev.OK && e.cfg.Mirror != nil {
		e.cfg.Mirror.Enqueue(ev.At, res.job.body)
	}
	e.lastSave = ev
	e.publish(ev)
}

// awaitInFlight blocks until a write handed to the writer has completed.
func (e *Engine) awaitInFlight() {
	if !e.writing() {
		return
	}
	e.finishWrite(<-e.results)
}

func (e *Engine) writing() bool { return e.sched.State() == scheduler.Writing }

// writeNow performs a synchronous write on the engine goroutine.
func (e *Engine) writeNow(reason string, timeout time.Duration) (SaveEvent, bool) {
	e.awaitInFlight()
	if !e.sched.Take() {
		return SaveEvent{}, false
	}
	job, err := e.encode(reason)
	if err != nil {
		e.finishWrite(writeResult{job: job, err: err})
		return e.lastSave, true
	}
	e.finishWrite(e.persist(job, timeout))
	return e.lastSave, true
}

func (e *Engine) shutdown() {
	e.awaitInFlight()
	if e.sched.Dirty() && e.store.Settings().EnableAutoSave {
		ev, _ := e.writeNow(reasonShutdown, e.cfg.ShutdownFlushTimeout)
		if ev.OK {
			e.log.Info("flushed workspace on shutdown", "bytes", ev.Bytes)
		}
	}
	e.sched.Stop()
}

type FlushResult struct {
	Wrote bool   `json:"wrote"`
	OK    bool   `json:"ok"`
	Bytes int    `json:"bytes"`
	Err   string `json:"err,omitempty"`
}

type flushOp struct{}

func (flushOp) name() string { return "flush" }

func (flushOp) run(e *Engine) (any, error) {
	ev, wrote := e.writeNow(reasonFlush, writeTimeout)
	if !wrote {
		return FlushResult{}, nil
	}
	return FlushResult{Wrote: true, OK: ev.OK, Bytes: ev.Bytes, Err: ev.Err}, nil
}

// Flush writes unsaved changes now, regardless of auto-save. It waits for any write already
// in flight first.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	return call[FlushResult](ctx, e, flushOp{})
}

type RestoreResult struct {
	Restored bool `json:"restored"`
	Schemes  int  `json:"schemes"`
	Items    int  `json:"items"`
}

type restoreOp struct{ ctx context.Context }

func (restoreOp) name() string { return "restore" }

func (o restoreOp) run(e *Engine) (any, error) {
	snap, ok, err := e.cfg.Session.Load(o.ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return RestoreResult{}, nil
	}
	e.store.Init(snap)
	e.sched.Reset()
	e.log.Info("restored workspace", "schemes", len(snap.Editor.Schemes), "items", snap.ItemCount())
	return RestoreResult{Restored: true, Schemes: len(snap.Editor.Schemes), Items: snap.ItemCount()}, nil
}

// Restore loads the persisted session. A snapshot from another schema version is discarded
// and reported as not restored.
func (e *Engine) Restore(ctx context.Context) (RestoreResult, error) {
	return call[RestoreResult](ctx, e, restoreOp{ctx: ctx})
}

type Status struct {
	SchedulerState string        `json:"schedulerState"`
	Dirty          bool          `json:"dirty"`
	AutoSave       bool          `json:"autoSave"`
	Schemes        int           `json:"schemes"`
	Items          int           `json:"items"`
	ActiveSchemeID *string       `json:"activeSchemeId"`
	UpdatedAt      int64         `json:"updatedAt"`
	SavesOK        uint64        `json:"savesOk"`
	SavesFailed    uint64        `json:"savesFailed"`
	LastSaveAt     int64         `json:"lastSaveAt,omitempty"`
	LastSaveErr    string        `json:"lastSaveErr,omitempty"`
	Mirror         *mirror.Stats `json:"mirror,omitempty"`

	// Validation inputs currently in force.
	BuildableAreas int               `json:"buildableAreas"`
	Limits         validation.Limits `json:"limits"`
}

type statusOp struct{}

func (statusOp) name() string { return "status" }

func (statusOp) run(e *Engine) (any, error) {
	snap := e.store.Snapshot()
	st := Status{
		SchedulerState: e.sched.State().String(),
		Dirty:          e.sched.Dirty(),
		AutoSave:       e.sched.AutoSave(),
		Schemes:        len(snap.Editor.Schemes),
		Items:          snap.ItemCount(),
		ActiveSchemeID: snap.Editor.ActiveSchemeID,
		UpdatedAt:      snap.UpdatedAt,
		SavesOK:        e.savesOK,
		SavesFailed:    e.savesFailed,
		LastSaveErr:    e.lastSave.Err,
		BuildableAreas: len(e.store.Areas()),
		Limits:         e.store.Limits(),
	}
	if !e.lastSave.At.IsZero() {
		st.LastSaveAt = e.lastSave.At.UnixMilli()
	}
	if e.cfg.Mirror != nil {
		ms := e.cfg.Mirror.Stats()
		st.Mirror = &ms
	}
	return st, nil
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	return call[Status](ctx, e, statusOp{})
}
