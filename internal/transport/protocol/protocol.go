// Package protocol is the websocket wire format shared by the server controller and the client transport.
package protocol

import (
	"errors"
	"fmt"

	"github.com/sharetube/syncwatch/internal/domain"
)

const (
	TypeProbe        = "PROBE"
	TypeReadState    = "READ_STATE"
	TypeUpdateState  = "UPDATE_STATE"
	TypeClaimHost    = "CLAIM_HOST"
	TypeTransferHost = "TRANSFER_HOST"
	TypeRenewHost    = "RENEW_HOST"
	TypeReleaseHost  = "RELEASE_HOST"

	TypeResponse     = "RESPONSE"
	TypeStateUpdated = "STATE_UPDATED"
)

// Output is every server to client message. RESPONSE carries the request_id it answers.
type Output struct {
	Type      string `json:"type"`
	RequestId string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Error     *Error `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

const (
	CodePermissionDenied   = "permission_denied"
	CodeInvalidPatch       = "invalid_patch"
	CodeInvalidTransition  = "invalid_transition"
	CodeRoomNotFound       = "room_not_found"
	CodeRoomDisabled       = "room_disabled"
	CodeRoomFull           = "room_full"
	CodeStateNotFound      = "state_not_found"
	CodeMemberNotFound     = "member_not_found"
	CodeValidationFailed   = "validation_failed"
	CodeUnknownMessageType = "unknown_message_type"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal"
)

var codeErrors = map[string]error{
	CodePermissionDenied:  domain.ErrPermissionDenied,
	CodeInvalidPatch:      domain.ErrInvalidPatch,
	CodeInvalidTransition: domain.ErrInvalidTransition,
	CodeRoomNotFound:      domain.ErrRoomNotFound,
	CodeRoomDisabled:      domain.ErrRoomDisabled,
	CodeRoomFull:          domain.ErrRoomFull,
	CodeStateNotFound:     domain.ErrStateNotFound,
}

// CodeFor maps err to the code of the first known domain error it wraps.
func CodeFor(err error) (string, bool) {
	for code, target := range codeErrors {
		if errors.Is(err, target) {
			return code, true
		}
	}

	return "", false
}

// Err turns a wire error back into an error that matches the domain sentinel for its code.
func (e *Error) Err() error {
	if target, ok := codeErrors[e.Code]; ok {
		return fmt.Errorf("%w: %s", target, e.Message)
	}

	return e
}

type ProbeInput struct {
	ClientSentAt int64 `json:"client_sent_at_us"`
}

type ProbeOutput struct {
	ClientSentAt int64 `json:"client_sent_at_us"`
	ServerNow    int64 `json:"server_now_us"`
}

type TransferHostInput struct {
	ToId string `json:"to_id" validate:"required"`
}

type LockOutput struct {
	Ok bool `json:"ok"`
}

type StateOutput = domain.CanonicalState
