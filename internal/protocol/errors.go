package protocol

import "fmt"

const (
	// Transport/envelope validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Operation layer.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrUnknownOp   = "E_UNKNOWN_OP"
	ErrInternal    = "E_INTERNAL"
	ErrUnavailable = "E_UNAVAILABLE"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrUnknownOp:       {},
	ErrInternal:        {},
	ErrUnavailable:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a coded failure that is sent back to the caller verbatim.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
