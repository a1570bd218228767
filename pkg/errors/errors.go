// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeSessionNotFound  Code = "coordinator.session.get.not_found"
	CodeSessionDeleted   Code = "coordinator.session.get.deleted"
	CodeTurnBusy         Code = "coordinator.turn.start.busy"
	CodeTurnStartFailure Code = "coordinator.turn.start.failure"
	CodeApprovalStale    Code = "coordinator.approval.resolve.stale"
	CodeSubscriberClosed Code = "coordinator.subscribe.sink.closed"
	CodeInterruptTimeout Code = "coordinator.interrupt.timeout"

	CodeRunnerStartFailure   Code = "runner.run.start.failure"
	CodeRunnerStartInvalid   Code = "runner.run.start.invalid_input"
	CodeRunnerRunFailure     Code = "runner.run.failure"
	CodeRunnerRespondInvalid Code = "runner.respond.invalid_input"
	CodeRunnerConfigInvalid  Code = "runner.config.invalid_value"
	CodeRunnerUnsupported    Code = "runner.backend.unsupported"

	CodeStoreMessageAppendInvalid Code = "store.message.append.invalid_input"
	CodeStoreMessageNotFound      Code = "store.message.get.not_found"
	CodeStoreDatabaseFailure      Code = "store.database.failure"
	CodeStoreBackendUnsupported   Code = "store.backend.unsupported"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid   Code = "server.request.invalid"
	CodeServerAuthUnauthorized Code = "server.auth.unauthorized"
	CodeServerInternalFailure  Code = "server.internal.failure"
	CodeServerStartFailure     Code = "server.start.failure"

	CodeClientNotRunning      Code = "client.daemon.not_running"
	CodeClientRequestFailure  Code = "client.request.failure"
	CodeClientResponseInvalid Code = "client.response.invalid"
	CodeClientStreamClosed    Code = "client.stream.closed"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldTurnID(value string) Attr {
	return Field("turn_id", value)
}

func FieldToolCallID(value string) Attr {
	return Field("tool_call_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsBusy(err error) bool {
	return reason(CodeOf(err)) == "busy"
}

// IsStale reports whether err is a stale-approval style rejection: the
// referenced entity was valid once but is no longer pending.
func IsStale(err error) bool {
	return reason(CodeOf(err)) == "stale"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsUnauthorized(err error) bool {
	r := reason(CodeOf(err))
	return r == "unauthorized" || r == "forbidden" || r == "denied"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err) || IsStale(err) || IsBusy(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
