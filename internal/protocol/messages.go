package protocol

import (
	"encoding/json"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocolVersion"`
	ClientName      string `json:"clientName,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocolVersion"`
	SessionID       string             `json:"sessionId"`
	SchemaVersion   int                `json:"schemaVersion"`
	Settings        workspace.Settings `json:"settings"`
}

// REQ (client -> server)
type ReqMsg struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RES (server -> client). Result is set when OK; Code and Message otherwise.
type ResMsg struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SAVED (server -> client), best-effort save-completion notification.
type SavedMsg struct {
	Type   string `json:"type"`
	At     int64  `json:"at"`
	OK     bool   `json:"ok"`
	Bytes  int    `json:"bytes,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// OKResponse marshals result into a successful RES.
func OKResponse(id string, result any) (ResMsg, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return ResMsg{}, err
	}
	return ResMsg{Type: TypeRes, ID: id, OK: true, Result: b}, nil
}

func ErrorResponse(id string, e *Error) ResMsg {
	return ResMsg{Type: TypeRes, ID: id, OK: false, Code: e.Code, Message: e.Message}
}
