package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

// Operation names.
const (
	OpInitWorkspace        = "initWorkspace"
	OpUpdateState          = "updateState"
	OpUpdateSettings       = "updateSettings"
	OpUpdateBuildableAreas = "updateBuildableAreas"
	OpRevalidate           = "revalidate"
	OpValidate             = "validate"
)

// Ops lists every operation in a stable order.
var Ops = []string{
	OpInitWorkspace,
	OpUpdateState,
	OpUpdateSettings,
	OpUpdateBuildableAreas,
	OpRevalidate,
	OpValidate,
}

// Request is the tagged union of operation parameters, discriminated by Op.
type Request interface {
	Op() string
}

type InitWorkspaceParams struct {
	Snapshot workspace.Snapshot `json:"snapshot"`
}

type UpdateStateParams workspace.UpdatePayload

type UpdateSettingsParams workspace.SettingsPatch

type UpdateBuildableAreasParams struct {
	Areas workspace.BuildableAreaSet `json:"areas"`
}

type RevalidateParams struct{}

type ValidateParams struct {
	Items  []workspace.Item    `json:"items"`
	Config *workspace.Settings `json:"config,omitempty"`
}

func (InitWorkspaceParams) Op() string        { return OpInitWorkspace }
func (UpdateStateParams) Op() string          { return OpUpdateState }
func (UpdateSettingsParams) Op() string       { return OpUpdateSettings }
func (UpdateBuildableAreasParams) Op() string { return OpUpdateBuildableAreas }
func (RevalidateParams) Op() string           { return OpRevalidate }
func (ValidateParams) Op() string             { return OpValidate }

func newParams(op string) Request {
	switch op {
	case OpInitWorkspace:
		return &InitWorkspaceParams{}
	case OpUpdateState:
		return &UpdateStateParams{}
	case OpUpdateSettings:
		return &UpdateSettingsParams{}
	case OpUpdateBuildableAreas:
		return &UpdateBuildableAreasParams{}
	case OpRevalidate:
		return &RevalidateParams{}
	case OpValidate:
		return &ValidateParams{}
	default:
		return nil
	}
}

// DecodeRequest checks params against the operation's schema and decodes them into the
// matching parameter type. Absent params decode as an empty object. The returned Request
// is a pointer to one of the *Params types.
func DecodeRequest(op string, params json.RawMessage) (Request, error) {
	dst := newParams(op)
	if dst == nil {
		return nil, Errorf(ErrUnknownOp, "unknown op %q", op)
	}
	if len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		params = json.RawMessage("{}")
	}
	if err := defaultSchemas().ValidateParams(op, params); err != nil {
		return nil, Errorf(ErrBadRequest, "%s: %v", op, err)
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return nil, Errorf(ErrBadRequest, "%s: %v", op, err)
	}
	return dst, nil
}
