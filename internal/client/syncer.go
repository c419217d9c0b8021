package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/engine"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

// DefaultSyncWindow is the quiet period after the last edit before state is sent.
const DefaultSyncWindow = 300 * time.Millisecond

const syncTimeout = 30 * time.Second

// Updater is the single operation the syncer needs; *Client implements it.
type Updater interface {
	UpdateState(ctx context.Context, p workspace.UpdatePayload) (engine.UpdateStateResult, error)
}

type SyncerConfig struct {
	Window   time.Duration
	OnResult func(engine.UpdateStateResult)
	Logger   *slog.Logger
}

// Syncer coalesces rapid edits into one UpdateState call. Only the latest payload is kept;
// the immediate flag is sticky until the next send. Failed sends are logged and dropped.
type Syncer struct {
	up     Updater
	window time.Duration
	onRes  func(engine.UpdateStateResult)
	log    *slog.Logger

	mu        sync.Mutex
	pending   *workspace.UpdatePayload
	immediate bool
	timer     *time.Timer

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewSyncer(up Updater, cfg SyncerConfig) *Syncer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultSyncWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		up:     up,
		window: cfg.Window,
		onRes:  cfg.OnResult,
		log:    logger.With("component", "syncer"),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Push records the latest state. It never blocks on the network.
func (s *Syncer) Push(p workspace.UpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &p
	s.immediate = s.immediate || p.Immediate
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.immediate {
		s.signal()
		return
	}
	s.timer = time.AfterFunc(s.window, s.signal)
}

// Flush sends any pending payload without waiting for the window.
func (s *Syncer) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.signal()
}

// Close sends what is pending and stops the syncer.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		s.Flush()
		close(s.stop)
	})
	<-s.done
}

func (s *Syncer) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Syncer) take() (workspace.UpdatePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return workspace.UpdatePayload{}, false
	}
	p := *s.pending
	p.Immediate = s.immediate
	s.pending = nil
	s.immediate = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return p, true
}

func (s *Syncer) run() {
	defer close(s.done)
	for {
		select {
		case <-s.kick:
			s.send()
		case <-s.stop:
			// Drain a kick that raced with Close.
			s.send()
			return
		}
	}
}

func (s *Syncer) send() {
	p, ok := s.take()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	res, err := s.up.UpdateState(ctx, p)
	if err != nil {
		s.log.Warn("state sync failed", "err", err)
		return
	}
	if s.onRes != nil {
		s.onRes(res)
	}
}
