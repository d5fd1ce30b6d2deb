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
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// 在此处定义叶子错误。
// WARN: 新增错误前请先确认下面已有的错误是否可以复用。
// 命名规则：Err + 相关前缀 + 错误名
var (
	// Service 相关
	ErrServiceNotReady    = newServerError("service not ready", 1, true) // 服务仍在初始化中
	ErrServiceUnavailable = newServerError("service unavailable", 2, true)
	ErrServiceInternal    = newServerError("service internal error", 5, false) // 不应向对端暴露

	// Message 相关
	ErrUnknownMessageType = newServerError("unknown message type", 100, false)
	ErrEncodingMismatch   = newServerError("message encoding mismatch", 101, false)
	ErrMalformedPayload   = newServerError("malformed message payload", 102, false)
	ErrHandlerFailed      = newServerError("message handler failed", 103, false)

	// Session 相关
	ErrSessionNotFound      = newServerError("session not found", 200, false)
	ErrSessionAlreadyExists = newServerError("session already exists", 201, false)
	// 会话处于 CLOSING/CLOSED 状态，重试无意义。
	ErrSessionInactive = newServerError("send to inactive session", 202, false)

	// Timer 相关
	ErrTimerInvalidInterval = newServerError("invalid timer interval", 300, false)
	ErrTimerCallbackFailed  = newServerError("timer callback failed", 301, false)

	// Transport 相关
	ErrTransportUnavailable = newServerError("transport unavailable", 400, true)
	ErrTransportQueueFull   = newServerError("transport send queue is full", 401, true)

	// Component 相关
	ErrComponentNotFound      = newServerError("component not found", 500, false)
	ErrComponentAlreadyExists = newServerError("component already exists", 501, false)

	// Parameter 相关
	ErrParameterInvalid = newServerError("invalid parameter", 1100, false)
	ErrParameterMissing = newServerError("missing parameter", 1101, false)

	// General
	ErrOperationNotSupported = newServerError("unsupported operation", 3000, false)

	// 不要导出该错误，
	// 仅用于将未知错误转换为 serverError。
	errUnexpected = newServerError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*serverError)

func WithDetail(detail string) errorOption {
	return func(err *serverError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *serverError) {
		err.errType = etype
	}
}

type serverError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newServerError(msg string, code int32, retriable bool, options ...errorOption) serverError {
	err := serverError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e serverError) code() int32 {
	return e.errCode
}

func (e serverError) Error() string {
	return e.msg
}

func (e serverError) Detail() string {
	return e.detail
}

func (e serverError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(serverError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// 多错误的 cause 定义为最后一个错误，保证 merr 的 Code 等函数可用。
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
