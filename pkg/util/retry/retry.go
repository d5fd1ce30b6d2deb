// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

// Do 反复执行 fn 直到成功、遇到不可恢复错误、次数用尽或 ctx 结束。
// 每次失败后的等待时间从 Sleep 开始翻倍，不超过 MaxSleepTime。
// 返回最后一次 fn 的错误；ctx 结束时若已有失败记录，返回该记录而不是 ctx 的错误。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	logger := log.Ctx(ctx)
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	var lastErr error
	for i := uint(0); c.attempts == 0 || i < c.attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if i%4 == 0 {
			logger.Warn("retry func failed",
				zap.Uint("retried", i),
				zap.Error(err),
				zap.String("caller", getCaller(2)))
		}

		if !IsRecoverable(err) {
			isContextErr := errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
			logger.Warn("retry func failed, not be recoverable",
				zap.Uint("retried", i),
				zap.Uint("attempt", c.attempts),
				zap.Bool("isContextErr", isContextErr),
				zap.String("caller", getCaller(2)))
			if isContextErr && lastErr != nil {
				return lastErr
			}
			return err
		}
		if c.isRetryErr != nil && !c.isRetryErr(err) {
			logger.Warn("retry func failed, not be retryable",
				zap.Uint("retried", i),
				zap.Uint("attempt", c.attempts),
				zap.String("caller", getCaller(2)))
			return err
		}

		lastErr = err
		if c.attempts != 0 && i+1 == c.attempts {
			break
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.sleep {
			logger.Warn("retry func failed, deadline",
				zap.Uint("retried", i),
				zap.Uint("attempt", c.attempts),
				zap.String("caller", getCaller(2)))
			return err
		}

		timer := time.NewTimer(c.sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("retry func failed, ctx done",
				zap.Uint("retried", i),
				zap.Uint("attempt", c.attempts),
				zap.String("caller", getCaller(2)))
			return lastErr
		}

		c.sleep *= 2
		if c.sleep > c.maxSleepTime {
			c.sleep = c.maxSleepTime
		}
	}
	logger.Warn("retry func failed, reach max retry",
		zap.Uint("attempt", c.attempts),
		zap.String("caller", getCaller(2)))
	return lastErr
}

// errUnrecoverable 为不可恢复错误的标记。
var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 将错误标记为不可恢复，Do 遇到后立即返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

// IsRecoverable 判断错误是否可以重试。
func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
