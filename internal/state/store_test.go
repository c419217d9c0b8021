package state

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/geometry"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

type recordingTrigger struct {
	calls []bool
}

func (r *recordingTrigger) Trigger(immediate bool) { r.calls = append(r.calls, immediate) }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) (*Store, *recordingTrigger) {
	t.Helper()
	trig := &recordingTrigger{}
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := New(Options{
		Settings: workspace.DefaultSettings(),
		Trigger:  trig,
		Now:      clk.Now,
	})
	return s, trig
}

func ptr(s string) *string { return &s }

func item(id string, x float64) workspace.Item {
	return workspace.Item{ID: id, GameID: 1, X: x, Scale: workspace.Scale{X: 1, Y: 1, Z: 1}}
}

func meta(active string, ids ...string) workspace.SyncMeta {
	m := workspace.SyncMeta{ActiveSchemeID: ptr(active), Tabs: []workspace.TabMeta{}}
	for _, id := range ids {
		m.Schemes = append(m.Schemes, workspace.SchemeMeta{ID: id, Name: "scheme " + id})
	}
	return m
}

func TestUpdateState_SequentialResultsMatchOwnPayload(t *testing.T) {
	s, _ := newTestStore(t)

	dupes := []workspace.Item{item("a", 1), item("b", 1)}
	res1, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("A", "A"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "A", Items: dupes},
	})
	if err != nil {
		t.Fatalf("update 1: %v", err)
	}
	clean := []workspace.Item{item("a", 1), item("b", 2)}
	res2, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("A", "A"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "A", Items: clean},
	})
	if err != nil {
		t.Fatalf("update 2: %v", err)
	}
	if !reflect.DeepEqual(res1.DuplicateGroups, [][]string{{"a", "b"}}) {
		t.Fatalf("first result: %v", res1.DuplicateGroups)
	}
	if len(res2.DuplicateGroups) != 0 {
		t.Fatalf("second result leaked first payload: %v", res2.DuplicateGroups)
	}
	if !reflect.DeepEqual(res1.DuplicateGroups, [][]string{{"a", "b"}}) {
		t.Fatalf("first result mutated by second call: %v", res1.DuplicateGroups)
	}
}

func TestUpdateState_InactiveSchemeKeepsItems(t *testing.T) {
	s, _ := newTestStore(t)
	bItems := []workspace.Item{item("b1", 1), item("b2", 2)}

	if _, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("B", "A", "B"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "B", Items: bItems},
	}); err != nil {
		t.Fatalf("seed B: %v", err)
	}
	if _, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("A", "A", "B"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "A", Items: []workspace.Item{item("a1", 0)}},
	}); err != nil {
		t.Fatalf("edit A: %v", err)
	}
	// Switch to B without content.
	if _, err := s.UpdateState(workspace.UpdatePayload{Meta: meta("B", "A", "B")}); err != nil {
		t.Fatalf("switch: %v", err)
	}

	snap := s.Snapshot()
	b := snap.Scheme("B")
	if b == nil || !reflect.DeepEqual(b.Items, bItems) {
		t.Fatalf("B items changed: %+v", b)
	}
	if a := snap.Scheme("A"); a == nil || len(a.Items) != 1 {
		t.Fatalf("A items: %+v", a)
	}
}

func TestUpdateState_ReconcileCreateRenameDrop(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("A", "A", "B"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "A", Items: []workspace.Item{item("a1", 0)}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := workspace.SyncMeta{
		ActiveSchemeID: ptr("C"),
		Schemes: []workspace.SchemeMeta{
			{ID: "C", Name: "new"},
			{ID: "A", Name: "renamed", FilePath: "/tmp/a.json"},
		},
		Tabs:        []workspace.TabMeta{{ID: "t1", SchemeID: "C"}},
		ActiveTabID: ptr("t1"),
	}
	if _, err := s.UpdateState(workspace.UpdatePayload{Meta: m, Immediate: true}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Editor.Schemes) != 2 {
		t.Fatalf("expected 2 schemes, got %d", len(snap.Editor.Schemes))
	}
	if snap.Editor.Schemes[0].ID != "C" || snap.Editor.Schemes[1].ID != "A" {
		t.Fatalf("scheme order does not follow meta: %+v", snap.Editor.Schemes)
	}
	c := snap.Scheme("C")
	if c.Items == nil || len(c.Items) != 0 || c.SelectedItemIDs == nil {
		t.Fatalf("new scheme should start empty: %+v", c)
	}
	a := snap.Scheme("A")
	if a.Name != "renamed" || a.FilePath != "/tmp/a.json" || len(a.Items) != 1 {
		t.Fatalf("renamed scheme lost content or metadata: %+v", a)
	}
	if snap.Scheme("B") != nil {
		t.Fatalf("B should be dropped")
	}
	if snap.Tab.ActiveTabID == nil || *snap.Tab.ActiveTabID != "t1" || len(snap.Tab.Tabs) != 1 {
		t.Fatalf("tabs not applied: %+v", snap.Tab)
	}
}

func TestUpdateState_StampsTimes(t *testing.T) {
	s, _ := newTestStore(t)
	before := s.Snapshot().UpdatedAt
	if _, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("A", "A"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "A"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap := s.Snapshot()
	if snap.UpdatedAt <= before {
		t.Fatalf("updatedAt not advanced: %d <= %d", snap.UpdatedAt, before)
	}
	if snap.Scheme("A").LastModified == 0 {
		t.Fatalf("lastModified not stamped")
	}
}

func TestUpdateState_ArmsTrigger(t *testing.T) {
	s, trig := newTestStore(t)
	_, _ = s.UpdateState(workspace.UpdatePayload{Meta: meta("A", "A")})
	_, _ = s.UpdateState(workspace.UpdatePayload{Meta: meta("A", "A"), Immediate: true})
	if !reflect.DeepEqual(trig.calls, []bool{false, true}) {
		t.Fatalf("trigger calls: %v", trig.calls)
	}
}

func TestUpdateState_RejectsWithoutMutation(t *testing.T) {
	s, trig := newTestStore(t)
	if _, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("A", "A"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "A", Items: []workspace.Item{item("a1", 0)}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := s.Snapshot()

	_, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("X", "X"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "missing"},
	})
	if !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
	_, err = s.UpdateState(workspace.UpdatePayload{Meta: meta("A", "A", "A")})
	if !errors.Is(err, ErrDuplicateScheme) {
		t.Fatalf("expected ErrDuplicateScheme, got %v", err)
	}
	if !reflect.DeepEqual(before, s.Snapshot()) {
		t.Fatalf("rejected update mutated state")
	}
	if len(trig.calls) != 1 {
		t.Fatalf("rejected update armed persistence: %v", trig.calls)
	}
}

func TestUpdateState_NoActiveSchemeReturnsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	m := meta("", "A")
	m.ActiveSchemeID = nil
	res, err := s.UpdateState(workspace.UpdatePayload{Meta: m})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !reflect.DeepEqual(res, validation.Empty()) {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestInit_ReplacesWithoutArming(t *testing.T) {
	s, trig := newTestStore(t)
	snap := workspace.Snapshot{
		Version: workspace.SchemaVersion,
		Editor: workspace.EditorState{
			Schemes:        []workspace.HomeScheme{{ID: "A", Items: []workspace.Item{item("x", 1), item("y", 1)}}},
			ActiveSchemeID: ptr("A"),
		},
	}
	s.Init(snap)
	if len(trig.calls) != 0 {
		t.Fatalf("init armed persistence")
	}
	res := s.Revalidate()
	if len(res.DuplicateGroups) != 1 {
		t.Fatalf("expected restored duplicates, got %v", res.DuplicateGroups)
	}
	if s.Snapshot().Tab.Tabs == nil {
		t.Fatalf("expected tabs normalized to empty list")
	}
}

func TestInit_StampsSchemaVersion(t *testing.T) {
	s, _ := newTestStore(t)
	for _, v := range []int{0, workspace.SchemaVersion + 1, workspace.SchemaVersion - 1} {
		s.Init(workspace.Snapshot{Version: v})
		if got := s.Snapshot().Version; got != workspace.SchemaVersion {
			t.Fatalf("init with version %d: stored version %d, want %d", v, got, workspace.SchemaVersion)
		}
	}
}

func TestUpdateSettings_NilWhenBothChecksOff(t *testing.T) {
	s, _ := newTestStore(t)
	off := false
	if res := s.UpdateSettings(workspace.SettingsPatch{EnableDuplicateDetection: &off}); res == nil {
		t.Fatalf("expected result while limit detection still on")
	}
	if res := s.UpdateSettings(workspace.SettingsPatch{EnableLimitDetection: &off}); res != nil {
		t.Fatalf("expected nil result with both checks off, got %+v", res)
	}
	if !s.Settings().EnableAutoSave {
		t.Fatalf("unrelated setting changed")
	}
}

func TestUpdateBuildableAreas_AffectsRevalidate(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.UpdateState(workspace.UpdatePayload{
		Meta:             meta("A", "A"),
		ActiveSchemeData: &workspace.SchemeContent{ID: "A", Items: []workspace.Item{item("in", 5), item("out", 50)}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res := s.UpdateBuildableAreas(workspace.BuildableAreaSet{
		"yard": geometry.Polygon{{0, -10}, {10, -10}, {10, 10}, {0, 10}},
	})
	if !reflect.DeepEqual(res.LimitIssues.OutOfBoundsItemIDs, []string{"out"}) {
		t.Fatalf("got %v", res.LimitIssues.OutOfBoundsItemIDs)
	}
	res = s.UpdateBuildableAreas(nil)
	if len(res.LimitIssues.OutOfBoundsItemIDs) != 0 {
		t.Fatalf("clearing areas should leave only the z check, got %v", res.LimitIssues.OutOfBoundsItemIDs)
	}
}

func TestValidate_DoesNotTouchCanonicalState(t *testing.T) {
	s, trig := newTestStore(t)
	before := s.Snapshot()
	onlyDup := workspace.Settings{EnableDuplicateDetection: true}
	res := s.Validate([]workspace.Item{item("p", 1), item("q", 1)}, &onlyDup)
	if len(res.DuplicateGroups) != 1 {
		t.Fatalf("expected one group, got %v", res.DuplicateGroups)
	}
	if !reflect.DeepEqual(before, s.Snapshot()) || len(trig.calls) != 0 {
		t.Fatalf("validate touched canonical state")
	}
}
