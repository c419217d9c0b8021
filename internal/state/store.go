// Package state holds the canonical in-memory workspace. A Store is owned by exactly one
// goroutine (the engine loop); none of its methods lock.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

var (
	ErrUnknownScheme   = errors.New("active scheme data targets a scheme missing from meta")
	ErrDuplicateScheme = errors.New("duplicate scheme id in meta")
)

// Trigger is the persistence hook armed by every incremental update.
type Trigger interface {
	Trigger(immediate bool)
}

type Options struct {
	Settings workspace.Settings
	Limits   validation.Limits
	// Trigger may be nil, in which case updates are never persisted.
	Trigger Trigger
	Now     func() time.Time
}

// Store is the single authority over the workspace snapshot, settings and buildable areas.
// Published slices are never mutated in place; every update builds fresh ones, so a value
// returned by Snapshot stays consistent after later updates.
type Store struct {
	snap     workspace.Snapshot
	settings workspace.Settings
	areas    workspace.BuildableAreaSet
	limits   validation.Limits
	trigger  Trigger
	now      func() time.Time
}

func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limits := opts.Limits
	if limits == (validation.Limits{}) {
		limits = validation.DefaultLimits()
	}
	return &Store{
		snap:     workspace.NewSnapshot(now()),
		settings: opts.Settings,
		limits:   limits,
		trigger:  opts.Trigger,
		now:      now,
	}
}

// Init replaces the whole snapshot. It does not arm persistence. The snapshot is stamped
// with the current schema version so that later saves stay restorable.
func (s *Store) Init(snap workspace.Snapshot) {
	snap.Version = workspace.SchemaVersion
	if snap.Editor.Schemes == nil {
		snap.Editor.Schemes = []workspace.HomeScheme{}
	}
	for i := range snap.Editor.Schemes {
		normalizeScheme(&snap.Editor.Schemes[i])
	}
	if snap.Tab.Tabs == nil {
		snap.Tab.Tabs = []workspace.TabMeta{}
	}
	s.snap = snap
}

// UpdateState merges one incremental sync and validates the resulting active scheme.
// A rejected payload leaves the store untouched.
func (s *Store) UpdateState(p workspace.UpdatePayload) (validation.Result, error) {
	seen := make(map[string]struct{}, len(p.Meta.Schemes))
	for _, m := range p.Meta.Schemes {
		if _, dup := seen[m.ID]; dup {
			return validation.Result{}, fmt.Errorf("%w: %q", ErrDuplicateScheme, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	if p.ActiveSchemeData != nil {
		if _, ok := seen[p.ActiveSchemeData.ID]; !ok {
			return validation.Result{}, fmt.Errorf("%w: %q", ErrUnknownScheme, p.ActiveSchemeData.ID)
		}
	}

	now := s.now()
	s.snap.Editor.ActiveSchemeID = cloneID(p.Meta.ActiveSchemeID)
	s.snap.Tab.ActiveTabID = cloneID(p.Meta.ActiveTabID)
	tabs := make([]workspace.TabMeta, len(p.Meta.Tabs))
	copy(tabs, p.Meta.Tabs)
	s.snap.Tab.Tabs = tabs

	s.snap.Editor.Schemes = reconcile(s.snap.Editor.Schemes, p.Meta.Schemes)

	if d := p.ActiveSchemeData; d != nil {
		sc := s.snap.Scheme(d.ID)
		sc.Items = d.Items
		sc.SelectedItemIDs = d.SelectedItemIDs
		sc.CurrentViewConfig = d.CurrentViewConfig
		sc.ViewState = d.ViewState
		sc.LastModified = now.UnixMilli()
		normalizeScheme(sc)
	}

	s.snap.UpdatedAt = now.UnixMilli()
	if s.trigger != nil {
		s.trigger.Trigger(p.Immediate)
	}
	return s.Revalidate(), nil
}

// reconcile rebuilds the scheme list in meta order. Known schemes keep their stored content,
// new ids start empty and ids missing from meta are dropped.
func reconcile(current []workspace.HomeScheme, metas []workspace.SchemeMeta) []workspace.HomeScheme {
	byID := make(map[string]workspace.HomeScheme, len(current))
	for _, sc := range current {
		byID[sc.ID] = sc
	}
	out := make([]workspace.HomeScheme, 0, len(metas))
	for _, m := range metas {
		sc, ok := byID[m.ID]
		if !ok {
			sc = workspace.HomeScheme{
				ID:              m.ID,
				Items:           []workspace.Item{},
				SelectedItemIDs: []string{},
			}
		}
		sc.Name = m.Name
		sc.FilePath = m.FilePath
		sc.LastModified = m.LastModified
		out = append(out, sc)
	}
	return out
}

// UpdateSettings applies a partial settings update. The result is nil when both checks are
// now disabled, telling the caller to clear whatever it displays.
func (s *Store) UpdateSettings(p workspace.SettingsPatch) *validation.Result {
	s.settings = s.settings.Apply(p)
	if !s.settings.ValidationEnabled() {
		return nil
	}
	res := s.Revalidate()
	return &res
}

// UpdateBuildableAreas replaces the area cache. Nil clears it.
func (s *Store) UpdateBuildableAreas(areas workspace.BuildableAreaSet) validation.Result {
	if len(areas) == 0 {
		s.areas = nil
	} else {
		cp := make(workspace.BuildableAreaSet, len(areas))
		for name, poly := range areas {
			cp[name] = poly
		}
		s.areas = cp
	}
	return s.Revalidate()
}

// Revalidate runs both checks against the active scheme without mutating anything.
func (s *Store) Revalidate() validation.Result {
	sc := s.snap.ActiveScheme()
	if sc == nil {
		return validation.Empty()
	}
	return validation.Run(sc.Items, s.settings, s.areas, s.limits)
}

// Validate checks an arbitrary item list. Canonical items and settings are not consulted;
// the cached buildable areas and configured limits are. A nil override uses the current
// settings.
func (s *Store) Validate(items []workspace.Item, override *workspace.Settings) validation.Result {
	settings := s.settings
	if override != nil {
		settings = *override
	}
	return validation.Run(items, settings, s.areas, s.limits)
}

// Snapshot returns the current snapshot. See Store for the sharing rules.
func (s *Store) Snapshot() workspace.Snapshot { return s.snap }

func (s *Store) Settings() workspace.Settings { return s.settings }

func (s *Store) Areas() workspace.BuildableAreaSet { return s.areas }

func (s *Store) Limits() validation.Limits { return s.limits }

func normalizeScheme(sc *workspace.HomeScheme) {
	if sc.Items == nil {
		sc.Items = []workspace.Item{}
	}
	if sc.SelectedItemIDs == nil {
		sc.SelectedItemIDs = []string{}
	}
}

func cloneID(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
