// Package mirror copies every successfully written snapshot to object storage in the
// background. Uploads never block the caller for longer than a short enqueue wait; when the
// queue stays full the snapshot is dropped and counted.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader stores one object.
type Uploader interface {
	Put(ctx context.Context, key string, body []byte) error
}

type Stats struct {
	QueueDepth          int    `json:"queueDepth"`
	QueueCapacity       int    `json:"queueCapacity"`
	EnqueuedTotal       uint64 `json:"enqueuedTotal"`
	QueueSaturatedTotal uint64 `json:"queueSaturatedTotal"`
	DroppedTotal        uint64 `json:"droppedTotal"`
	UploadSuccessTotal  uint64 `json:"uploadSuccessTotal"`
	UploadFailTotal     uint64 `json:"uploadFailTotal"`
	LastSuccessUnix     int64  `json:"lastSuccessUnix"`
	LastErrorUnix       int64  `json:"lastErrorUnix"`
}

type Config struct {
	Prefix        string
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	Logger        *slog.Logger
	// OnResult observes each finished upload ("ok" or "error"). Optional.
	OnResult func(result string)
}

type job struct {
	at   time.Time
	body []byte
}

type Mirror struct {
	up     Uploader
	prefix string
	log    *slog.Logger
	onRes  func(string)

	jobs        chan job
	enqueueWait time.Duration
	backoff     func(attempt int) time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once

	// latestMu serializes writes of the latest key; latestAt is the snapshot time it holds.
	latestMu sync.Mutex
	latestAt time.Time

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func New(up Uploader, cfg Config) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		up:          up,
		prefix:      strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/"),
		log:         logger.With("component", "mirror"),
		onRes:       cfg.OnResult,
		jobs:        make(chan job, cfg.QueueCapacity),
		enqueueWait: cfg.EnqueueWait,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * 200 * time.Millisecond
		},
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for j := range m.jobs {
				m.uploadOne(j)
			}
		}()
	}
	return m
}

// Enqueue schedules an encoded snapshot for upload. The body must not be modified
// afterwards.
func (m *Mirror) Enqueue(at time.Time, body []byte) {
	if m == nil || m.up == nil {
		return
	}
	m.enqueuedTotal.Add(1)
	j := job{at: at, body: body}

	select {
	case m.jobs <- j:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- j:
		return
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.log.Warn("mirror drop", "reason", "queue_saturated",
			"wait_ms", m.enqueueWait.Milliseconds(), "dropped_total", dropped)
	}
}

// Close drains the queue and waits for in-flight uploads.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		close(m.jobs)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

// Each snapshot is written under a timestamped history key and the stable latest key.
func (m *Mirror) latestKey() string { return m.key("latest.snap.zst") }

func (m *Mirror) historyKey(at time.Time) string {
	return m.key(fmt.Sprintf("%d.snap.zst", at.UnixMilli()))
}

func (m *Mirror) key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func (m *Mirror) uploadOne(j job) {
	if err := m.upload(j); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.log.Error("mirror upload failed", "at", j.at.UnixMilli(), "err", err)
		m.observe("error")
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.log.Debug("mirror uploaded", "at", j.at.UnixMilli(), "bytes", len(j.body))
	m.observe("ok")
}

// upload writes the history key, then moves latest forward. Workers run in parallel, so a
// snapshot older than the one latest already holds leaves it alone.
func (m *Mirror) upload(j job) error {
	if err := m.uploadWithRetry(m.historyKey(j.at), j.body); err != nil {
		return err
	}
	m.latestMu.Lock()
	defer m.latestMu.Unlock()
	if j.at.Before(m.latestAt) {
		m.log.Debug("mirror latest skipped", "at", j.at.UnixMilli(), "latest", m.latestAt.UnixMilli())
		return nil
	}
	if err := m.uploadWithRetry(m.latestKey(), j.body); err != nil {
		return err
	}
	m.latestAt = j.at
	return nil
}

func (m *Mirror) uploadWithRetry(key string, body []byte) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.up.Put(ctx, key, body)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(m.backoff(attempt))
		}
	}
	return lastErr
}

func (m *Mirror) observe(result string) {
	if m.onRes != nil {
		m.onRes(result)
	}
}
