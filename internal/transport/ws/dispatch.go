package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/engine"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/protocol"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/state"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

// serve turns one inbound frame into exactly one RES.
func (s *Server) serve(msg []byte) protocol.ResMsg {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return protocol.ErrorResponse("", protocol.Errorf(protocol.ErrProtoBadRequest, "invalid json"))
	}
	if base.Type != protocol.TypeReq {
		return protocol.ErrorResponse("", protocol.Errorf(protocol.ErrProtoBadRequest, "unexpected message type %q", base.Type))
	}
	var req protocol.ReqMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		return protocol.ErrorResponse("", protocol.Errorf(protocol.ErrProtoBadRequest, "invalid REQ"))
	}
	if err := protocol.ValidateReq(msg); err != nil {
		return protocol.ErrorResponse(req.ID, protocol.Errorf(protocol.ErrProtoBadRequest, "%v", err))
	}

	params, err := protocol.DecodeRequest(req.Op, req.Params)
	if err != nil {
		return protocol.ErrorResponse(req.ID, wireError(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := s.dispatch(ctx, params)
	if err != nil {
		we := wireError(err)
		if we.Code == protocol.ErrInternal {
			s.log.Error("request failed", "id", req.ID, "op", req.Op, "err", err)
		}
		return protocol.ErrorResponse(req.ID, we)
	}
	res, err := protocol.OKResponse(req.ID, result)
	if err != nil {
		return protocol.ErrorResponse(req.ID, protocol.Errorf(protocol.ErrInternal, "encode result: %v", err))
	}
	return res
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) (any, error) {
	switch p := req.(type) {
	case *protocol.InitWorkspaceParams:
		if err := s.eng.InitWorkspace(ctx, p.Snapshot); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case *protocol.UpdateStateParams:
		return s.eng.UpdateState(ctx, workspace.UpdatePayload(*p))
	case *protocol.UpdateSettingsParams:
		return s.eng.UpdateSettings(ctx, workspace.SettingsPatch(*p))
	case *protocol.UpdateBuildableAreasParams:
		return s.eng.UpdateBuildableAreas(ctx, p.Areas)
	case *protocol.RevalidateParams:
		return s.eng.Revalidate(ctx)
	case *protocol.ValidateParams:
		return s.eng.Validate(ctx, p.Items, p.Config)
	default:
		return nil, protocol.Errorf(protocol.ErrUnknownOp, "unknown op %q", req.Op())
	}
}

func wireError(err error) *protocol.Error {
	var pe *protocol.Error
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, state.ErrUnknownScheme), errors.Is(err, state.ErrDuplicateScheme):
		return protocol.Errorf(protocol.ErrBadRequest, "%v", err)
	case errors.Is(err, engine.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return protocol.Errorf(protocol.ErrUnavailable, "%v", err)
	default:
		return protocol.Errorf(protocol.ErrInternal, "%v", err)
	}
}
