package fetcherr

import "fmt"

// Stage identifies which step of a remote fetch failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageAccept   Stage = "accept"
	StageFetch    Stage = "fetch"
	StageDecode   Stage = "decode"
	StageTask     Stage = "task"
	StageClose    Stage = "close"
)

// Code is a stable, programmatic error identifier for user-facing operations.
type Code string

const (
	CodeTimeout               Code = "timeout"
	CodeCanceled              Code = "canceled"
	CodeInvalidInput          Code = "invalid_input"
	CodeInvalidRequest        Code = "invalid_request"
	CodeUnauthorized          Code = "unauthorized"
	CodeRateLimited           Code = "rate_limited"
	CodeTooManyConnections    Code = "too_many_connections"
	CodeUpgradeFailed         Code = "upgrade_failed"
	CodeTooManyPending        Code = "too_many_pending"
	CodeDuplicateID           Code = "duplicate_id"
	CodeNotConnected          Code = "not_connected"
	CodeSendFailed            Code = "send_failed"
	CodeDecodeFailed          Code = "decode_failed"
	CodeUpstreamDialFailed    Code = "upstream_dial_failed"
	CodeUpstreamRequestFailed Code = "upstream_request_failed"
	CodeTaskFailed            Code = "task_failed"
)

// Error is a structured, programmatically identifiable error for user-facing operations.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}
