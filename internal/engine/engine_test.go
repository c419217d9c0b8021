package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/kv"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/session"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/snapshot"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/state"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

func startEngine(t *testing.T, cfg Config) (*Engine, context.CancelFunc) {
	t.Helper()
	e := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-e.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("engine did not stop")
		}
	})
	return e, cancel
}

func saveEvents(e *Engine) <-chan SaveEvent {
	ch := make(chan SaveEvent, 16)
	e.Subscribe(func(ev SaveEvent) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitSave(t *testing.T, ch <-chan SaveEvent, within time.Duration) SaveEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(within):
		t.Fatalf("no save event within %s", within)
		return SaveEvent{}
	}
}

func expectNoSave(t *testing.T, ch <-chan SaveEvent, d time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected save: %+v", ev)
	case <-time.After(d):
	}
}

func ptr(s string) *string { return &s }

func item(id string, x float64) workspace.Item {
	return workspace.Item{ID: id, GameID: 3, X: x, Scale: workspace.Scale{X: 1, Y: 1, Z: 1}}
}

func payload(scheme string, immediate bool, items ...workspace.Item) workspace.UpdatePayload {
	return workspace.UpdatePayload{
		Meta: workspace.SyncMeta{
			Schemes:        []workspace.SchemeMeta{{ID: scheme, Name: scheme}},
			ActiveSchemeID: ptr(scheme),
			Tabs:           []workspace.TabMeta{},
		},
		ActiveSchemeData: &workspace.SchemeContent{ID: scheme, Items: items, SelectedItemIDs: []string{}},
		Immediate:        immediate,
	}
}

func TestUpdateStateRepliesMatchOwnPayload(t *testing.T) {
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour})
	ctx := context.Background()

	r1, err := e.UpdateState(ctx, payload("A", false, item("a", 1), item("b", 1)))
	if err != nil {
		t.Fatalf("update 1: %v", err)
	}
	r2, err := e.UpdateState(ctx, payload("A", false, item("a", 1), item("b", 2)))
	if err != nil {
		t.Fatalf("update 2: %v", err)
	}
	if len(r1.Validation.DuplicateGroups) != 1 || len(r2.Validation.DuplicateGroups) != 0 {
		t.Fatalf("r1=%v r2=%v", r1.Validation.DuplicateGroups, r2.Validation.DuplicateGroups)
	}
}

func TestConcurrentCallersAreSerialised(t *testing.T) {
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dup := i%2 == 0
			items := []workspace.Item{item("a", 1), item("b", 2)}
			if dup {
				items[1].X = 1
			}
			res, err := e.UpdateState(ctx, payload("A", false, items...))
			if err != nil {
				errs <- err
				return
			}
			if got := len(res.Validation.DuplicateGroups) == 1; got != dup {
				errs <- errors.New("reply reflects another caller's payload")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestDebouncedSavePersists(t *testing.T) {
	store := kv.NewMemory()
	repo := session.New(store, nil)
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: 30 * time.Millisecond, Session: repo})
	events := saveEvents(e)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := e.UpdateState(ctx, payload("A", false, item("a", float64(i)))); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	ev := waitSave(t, events, 2*time.Second)
	if !ev.OK || ev.Reason != reasonAuto || ev.Schemes != 1 {
		t.Fatalf("event: %+v", ev)
	}
	expectNoSave(t, events, 100*time.Millisecond)

	snap, ok, err := repo.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got := snap.Scheme("A").Items[0].X; got != 4 {
		t.Fatalf("persisted stale content, x=%v", got)
	}
}

func TestImmediateSaveSkipsWindow(t *testing.T) {
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour})
	events := saveEvents(e)
	if _, err := e.UpdateState(context.Background(), payload("A", true)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ev := waitSave(t, events, time.Second); !ev.OK {
		t.Fatalf("event: %+v", ev)
	}
}

func TestAutoSaveToggle(t *testing.T) {
	settings := workspace.DefaultSettings()
	settings.EnableAutoSave = false
	e, _ := startEngine(t, Config{Settings: settings, SaveWindow: 20 * time.Millisecond})
	events := saveEvents(e)
	ctx := context.Background()

	if _, err := e.UpdateState(ctx, payload("A", true)); err != nil {
		t.Fatalf("update: %v", err)
	}
	expectNoSave(t, events, 100*time.Millisecond)

	on := true
	if _, err := e.UpdateSettings(ctx, workspace.SettingsPatch{EnableAutoSave: &on}); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if ev := waitSave(t, events, time.Second); !ev.OK {
		t.Fatalf("event: %+v", ev)
	}
}

func TestUpdateSettingsNullWhenDisabled(t *testing.T) {
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour})
	off := false
	res, err := e.UpdateSettings(context.Background(), workspace.SettingsPatch{
		EnableDuplicateDetection: &off,
		EnableLimitDetection:     &off,
	})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if res.Validation != nil {
		t.Fatalf("expected nil validation, got %+v", res.Validation)
	}
}

func TestRestoreVersionGate(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	old := workspace.NewSnapshot(time.Now())
	old.Version = workspace.SchemaVersion - 1
	old.Editor.Schemes = []workspace.HomeScheme{{ID: "A", Items: []workspace.Item{item("x", 1)}}}
	b, err := snapshot.Marshal(&old)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = store.Put(ctx, session.SnapshotKey, b)
	_ = store.Put(ctx, session.FlagKey, []byte("1"))

	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), Session: session.New(store, nil)})
	res, err := e.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Restored {
		t.Fatalf("old snapshot restored")
	}
	snap, _ := e.Snapshot(ctx)
	if len(snap.Editor.Schemes) != 0 || snap.Version != workspace.SchemaVersion {
		t.Fatalf("expected empty workspace, got %+v", snap)
	}
}

func TestRestoreDoesNotRewrite(t *testing.T) {
	ctx := context.Background()
	repo := session.New(kv.NewMemory(), nil)
	saved := workspace.NewSnapshot(time.Now())
	saved.Editor.ActiveSchemeID = ptr("A")
	saved.Editor.Schemes = []workspace.HomeScheme{{ID: "A", Items: []workspace.Item{item("x", 1), item("y", 1)}}}
	if _, err := repo.Save(ctx, &saved); err != nil {
		t.Fatalf("seed: %v", err)
	}

	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: 10 * time.Millisecond, Session: repo})
	events := saveEvents(e)
	res, err := e.Restore(ctx)
	if err != nil || !res.Restored || res.Items != 2 {
		t.Fatalf("restore: %+v err=%v", res, err)
	}
	v, err := e.Revalidate(ctx)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if len(v.DuplicateGroups) != 1 {
		t.Fatalf("restored content not validated: %+v", v)
	}
	expectNoSave(t, events, 100*time.Millisecond)
}

func TestShutdownFlushesPendingEdit(t *testing.T) {
	ctx := context.Background()
	repo := session.New(kv.NewMemory(), nil)
	e := New(Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour, Session: repo})
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = e.Run(runCtx) }()

	if _, err := e.UpdateState(ctx, payload("A", false, item("last", 7))); err != nil {
		t.Fatalf("update: %v", err)
	}
	cancel()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not stop")
	}
	snap, ok, err := repo.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if snap.Scheme("A").Items[0].ID != "last" {
		t.Fatalf("last edit lost: %+v", snap.Scheme("A"))
	}
	if _, err := e.Revalidate(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestShutdownSkipsFlushWithAutoSaveOff(t *testing.T) {
	ctx := context.Background()
	repo := session.New(kv.NewMemory(), nil)
	settings := workspace.DefaultSettings()
	settings.EnableAutoSave = false
	e := New(Config{Settings: settings, Session: repo})
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = e.Run(runCtx) }()
	if _, err := e.UpdateState(ctx, payload("A", true)); err != nil {
		t.Fatalf("update: %v", err)
	}
	cancel()
	<-e.Done()
	if has, _ := repo.HasSession(ctx); has {
		t.Fatalf("auto-save off must not write on shutdown")
	}
}

type failingKV struct {
	*kv.Memory
	mu   sync.Mutex
	fail bool
}

func (f *failingKV) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("quota exceeded")
	}
	return f.Memory.Put(ctx, key, value)
}

func TestWriteFailureKeepsStateAndRetriesOnNextTrigger(t *testing.T) {
	ctx := context.Background()
	store := &failingKV{Memory: kv.NewMemory(), fail: true}
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: 20 * time.Millisecond, Session: session.New(store, nil)})
	events := saveEvents(e)

	if _, err := e.UpdateState(ctx, payload("A", true, item("a", 1))); err != nil {
		t.Fatalf("update: %v", err)
	}
	ev := waitSave(t, events, time.Second)
	if ev.OK || ev.Err == "" {
		t.Fatalf("expected failed save, got %+v", ev)
	}
	expectNoSave(t, events, 100*time.Millisecond)

	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Dirty || st.SavesFailed != 1 || st.Items != 1 {
		t.Fatalf("status: %+v", st)
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	if _, err := e.UpdateState(ctx, payload("A", false, item("a", 2))); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ev := waitSave(t, events, time.Second); !ev.OK {
		t.Fatalf("retry failed: %+v", ev)
	}
}

func TestFlushWritesRegardlessOfAutoSave(t *testing.T) {
	ctx := context.Background()
	repo := session.New(kv.NewMemory(), nil)
	settings := workspace.DefaultSettings()
	settings.EnableAutoSave = false
	e, _ := startEngine(t, Config{Settings: settings, Session: repo})

	res, err := e.Flush(ctx)
	if err != nil || res.Wrote {
		t.Fatalf("flush with nothing pending: %+v err=%v", res, err)
	}
	if _, err := e.UpdateState(ctx, payload("A", false, item("a", 1))); err != nil {
		t.Fatalf("update: %v", err)
	}
	res, err = e.Flush(ctx)
	if err != nil || !res.Wrote || !res.OK || res.Bytes == 0 {
		t.Fatalf("flush: %+v err=%v", res, err)
	}
	if has, _ := repo.HasSession(ctx); !has {
		t.Fatalf("flush did not persist")
	}
}

func TestInitWithForeignVersionStaysRestorable(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour, Session: session.New(store, nil)})

	snap := workspace.NewSnapshot(time.Now())
	snap.Version = workspace.SchemaVersion + 1
	if err := e.InitWorkspace(ctx, snap); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := e.UpdateState(ctx, payload("A", false, item("a", 1))); err != nil {
		t.Fatalf("update: %v", err)
	}
	if res, err := e.Flush(ctx); err != nil || !res.OK {
		t.Fatalf("flush: %+v err=%v", res, err)
	}

	fresh, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), Session: session.New(store, nil)})
	res, err := fresh.Restore(ctx)
	if err != nil || !res.Restored || res.Items != 1 {
		t.Fatalf("restore after foreign-version init: %+v err=%v", res, err)
	}
}

func TestStatusReportsValidationInputs(t *testing.T) {
	ctx := context.Background()
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour})
	yard := workspace.BuildableAreaSet{"yard": {{0, 0}, {10, 0}, {10, 10}, {0, 10}}}
	if _, err := e.UpdateBuildableAreas(ctx, yard); err != nil {
		t.Fatalf("areas: %v", err)
	}
	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.BuildableAreas != 1 || st.Limits.MaxGroupSize != 50 {
		t.Fatalf("status: %+v", st)
	}
}

func TestRejectedUpdateIsAnError(t *testing.T) {
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour})
	p := payload("A", false)
	p.ActiveSchemeData.ID = "ghost"
	_, err := e.UpdateState(context.Background(), p)
	if !errors.Is(err, state.ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
}

func TestValidateLeavesStateAlone(t *testing.T) {
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour})
	ctx := context.Background()
	before, _ := e.Snapshot(ctx)
	res, err := e.Validate(ctx, []workspace.Item{item("p", 1), item("q", 1)}, nil)
	if err != nil || len(res.DuplicateGroups) != 1 {
		t.Fatalf("validate: %+v err=%v", res, err)
	}
	after, _ := e.Snapshot(ctx)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("validate mutated state")
	}
	st, _ := e.Status(ctx)
	if st.Dirty {
		t.Fatalf("validate armed persistence")
	}
}

type panicOp struct{}

func (panicOp) name() string { return "panic" }

func (panicOp) run(*Engine) (any, error) { panic("boom") }

func TestPanicIsContainedToOneCall(t *testing.T) {
	e, _ := startEngine(t, Config{Settings: workspace.DefaultSettings(), SaveWindow: time.Hour})
	ctx := context.Background()
	if _, err := e.do(ctx, panicOp{}); err == nil {
		t.Fatalf("expected error from panicking op")
	}
	if _, err := e.Revalidate(ctx); err != nil {
		t.Fatalf("engine stopped serving after panic: %v", err)
	}
}

func TestCallerContextCancellation(t *testing.T) {
	e := New(Config{Settings: workspace.DefaultSettings()})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Run was never started, so the request cannot be delivered.
	if _, err := e.Revalidate(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
