package engine

import (
	"context"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/protocol"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

type UpdateStateResult struct {
	Validation validation.Result `json:"validation"`
}

// UpdateSettingsResult carries a nil Validation when both checks are disabled.
type UpdateSettingsResult struct {
	Validation *validation.Result `json:"validation"`
}

type UpdateBuildableAreasResult struct {
	Validation validation.Result `json:"validation"`
}

type initOp struct{ snap workspace.Snapshot }

func (initOp) name() string { return protocol.OpInitWorkspace }

func (o initOp) run(e *Engine) (any, error) {
	e.store.Init(o.snap)
	e.sched.Reset()
	return struct{}{}, nil
}

// InitWorkspace replaces the canonical snapshot without scheduling a write.
func (e *Engine) InitWorkspace(ctx context.Context, snap workspace.Snapshot) error {
	_, err := e.do(ctx, initOp{snap: snap})
	return err
}

type updateStateOp struct{ p workspace.UpdatePayload }

func (updateStateOp) name() string { return protocol.OpUpdateState }

func (o updateStateOp) run(e *Engine) (any, error) {
	start := time.Now()
	res, err := e.store.UpdateState(o.p)
	if err != nil {
		return nil, err
	}
	e.observeValidation(start, e.activeItemCount())
	return UpdateStateResult{Validation: res}, nil
}

// UpdateState merges one incremental sync and returns validation for the resulting active
// scheme.
func (e *Engine) UpdateState(ctx context.Context, p workspace.UpdatePayload) (UpdateStateResult, error) {
	return call[UpdateStateResult](ctx, e, updateStateOp{p: p})
}

type updateSettingsOp struct{ patch workspace.SettingsPatch }

func (updateSettingsOp) name() string { return protocol.OpUpdateSettings }

func (o updateSettingsOp) run(e *Engine) (any, error) {
	start := time.Now()
	res := e.store.UpdateSettings(o.patch)
	e.sched.SetAutoSave(e.store.Settings().EnableAutoSave)
	if res != nil {
		e.observeValidation(start, e.activeItemCount())
	}
	return UpdateSettingsResult{Validation: res}, nil
}

func (e *Engine) UpdateSettings(ctx context.Context, patch workspace.SettingsPatch) (UpdateSettingsResult, error) {
	return call[UpdateSettingsResult](ctx, e, updateSettingsOp{patch: patch})
}

type updateAreasOp struct{ areas workspace.BuildableAreaSet }

func (updateAreasOp) name() string { return protocol.OpUpdateBuildableAreas }

func (o updateAreasOp) run(e *Engine) (any, error) {
	start := time.Now()
	res := e.store.UpdateBuildableAreas(o.areas)
	e.observeValidation(start, e.activeItemCount())
	return UpdateBuildableAreasResult{Validation: res}, nil
}

// UpdateBuildableAreas replaces the buildable areas shared by every scheme. Nil clears them.
func (e *Engine) UpdateBuildableAreas(ctx context.Context, areas workspace.BuildableAreaSet) (UpdateBuildableAreasResult, error) {
	return call[UpdateBuildableAreasResult](ctx, e, updateAreasOp{areas: areas})
}

type revalidateOp struct{}

func (revalidateOp) name() string { return protocol.OpRevalidate }

func (revalidateOp) run(e *Engine) (any, error) {
	start := time.Now()
	res := e.store.Revalidate()
	e.observeValidation(start, e.activeItemCount())
	return res, nil
}

func (e *Engine) Revalidate(ctx context.Context) (validation.Result, error) {
	return call[validation.Result](ctx, e, revalidateOp{})
}

type validateOp struct {
	items    []workspace.Item
	settings *workspace.Settings
}

func (validateOp) name() string { return protocol.OpValidate }

func (o validateOp) run(e *Engine) (any, error) {
	start := time.Now()
	res := e.store.Validate(o.items, o.settings)
	e.observeValidation(start, len(o.items))
	return res, nil
}

// Validate checks an arbitrary item list without touching canonical state. A nil settings
// uses the current ones.
func (e *Engine) Validate(ctx context.Context, items []workspace.Item, settings *workspace.Settings) (validation.Result, error) {
	return call[validation.Result](ctx, e, validateOp{items: items, settings: settings})
}

type snapshotOp struct{}

func (snapshotOp) name() string { return "snapshot" }

func (snapshotOp) run(e *Engine) (any, error) { return e.store.Snapshot(), nil }

// Snapshot returns the current canonical snapshot.
func (e *Engine) Snapshot(ctx context.Context) (workspace.Snapshot, error) {
	return call[workspace.Snapshot](ctx, e, snapshotOp{})
}

type settingsOp struct{}

func (settingsOp) name() string { return "settings" }

func (settingsOp) run(e *Engine) (any, error) { return e.store.Settings(), nil }

func (e *Engine) Settings(ctx context.Context) (workspace.Settings, error) {
	return call[workspace.Settings](ctx, e, settingsOp{})
}
