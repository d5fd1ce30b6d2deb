// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case serverError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

// CodeName 返回错误码对应的稳定名称，用于日志与监控标签。
func CodeName(err error) string {
	if err == nil {
		return "ok"
	}
	cause := errors.Cause(err)
	if specificErr, ok := cause.(serverError); ok {
		name, ok := codeNames[specificErr.code()]
		if ok {
			return name
		}
	}
	switch Code(err) {
	case CanceledCode:
		return "canceled"
	case TimeoutCode:
		return "timeout"
	}
	return "unexpected"
}

var codeNames = map[int32]string{
	ErrServiceNotReady.errCode:        "service_not_ready",
	ErrServiceUnavailable.errCode:     "service_unavailable",
	ErrServiceInternal.errCode:        "service_internal",
	ErrUnknownMessageType.errCode:     "unknown_message_type",
	ErrEncodingMismatch.errCode:       "encoding_mismatch",
	ErrMalformedPayload.errCode:       "malformed_payload",
	ErrHandlerFailed.errCode:          "handler_failed",
	ErrSessionNotFound.errCode:        "session_not_found",
	ErrSessionAlreadyExists.errCode:   "session_already_exists",
	ErrSessionInactive.errCode:        "session_inactive",
	ErrTimerInvalidInterval.errCode:   "timer_invalid_interval",
	ErrTimerCallbackFailed.errCode:    "timer_callback_failed",
	ErrTransportUnavailable.errCode:   "transport_unavailable",
	ErrTransportQueueFull.errCode:     "transport_queue_full",
	ErrComponentNotFound.errCode:      "component_not_found",
	ErrComponentAlreadyExists.errCode: "component_already_exists",
	ErrParameterInvalid.errCode:       "parameter_invalid",
	ErrParameterMissing.errCode:       "parameter_missing",
	ErrOperationNotSupported.errCode:  "operation_not_supported",
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(serverError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func WrapErrAsInputError(err error) error {
	if merr, ok := err.(serverError); ok {
		WithErrorType(InputError)(&merr)
		return merr
	}
	return err
}

func GetErrorType(err error) ErrorType {
	if merr, ok := errors.Cause(err).(serverError); ok {
		return merr.errType
	}

	return SystemError
}

// Service 相关错误封装。
func WrapErrServiceNotReady(role string, state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady,
		state,
		value("role", role),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceUnavailable, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Message 相关错误封装。
func WrapErrUnknownMessageType(typeName string, msg ...string) error {
	err := wrapFields(ErrUnknownMessageType, value("type", typeName))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrEncodingMismatch(typeName string, expected, actual any, msg ...string) error {
	err := wrapFields(ErrEncodingMismatch,
		value("type", typeName),
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrMalformedPayload(typeName string, reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrMalformedPayload, reason, value("type", typeName))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// WrapErrHandlerFailed 将业务 Handler 返回的错误包装为 ErrHandlerFailed，
// 原始错误以 desc 形式保留在错误信息中。
func WrapErrHandlerFailed(typeName string, cause error) error {
	if cause == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrHandlerFailed, cause.Error(), value("type", typeName))
}

// Session 相关错误封装。
func WrapErrSessionNotFound(id any, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionAlreadyExists(id any, msg ...string) error {
	err := wrapFields(ErrSessionAlreadyExists, value("session", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionInactive(id any, state any, msg ...string) error {
	err := wrapFields(ErrSessionInactive, value("session", id), value("state", state))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Timer 相关错误封装。
func WrapErrTimerInvalidInterval(interval any, msg ...string) error {
	err := wrapFields(ErrTimerInvalidInterval, value("interval", interval))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTimerCallbackFailed(timerID any, cause error) error {
	if cause == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrTimerCallbackFailed, cause.Error(), value("timer", timerID))
}

// Transport 相关错误封装。
func WrapErrTransportUnavailable(msg ...string) error {
	err := error(ErrTransportUnavailable)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTransportQueueFull(id any, size int) error {
	return wrapFields(ErrTransportQueueFull, value("session", id), value("size", size))
}

// Component 相关错误封装。
func WrapErrComponentNotFound(name string, msg ...string) error {
	err := wrapFields(ErrComponentNotFound, value("component", name))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrComponentAlreadyExists(name string, msg ...string) error {
	err := wrapFields(ErrComponentAlreadyExists, value("component", name))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Parameter 相关错误封装。
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmt string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmt, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err serverError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err serverError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
