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

package conc

import (
	"fmt"
	"runtime"
	"sync"

	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Pool 是对 ants.Pool 的泛型封装，提交的任务以 Future 形式返回结果。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的协程池。
// 配置非法时直接 panic，仅应在初始化阶段调用。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// NewDefaultPool 创建一个容量为 GOMAXPROCS 的协程池。
func NewDefaultPool[T any]() *Pool[T] {
	return NewPool[T](runtime.GOMAXPROCS(0))
}

// Submit 提交一个任务并返回对应的 Future。
// 池已关闭或非阻塞模式下池已满时，Future 直接以错误完成。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	return submit(pool.inner, pool.opt, method)
}

func submit[T any](inner *ants.Pool, opt *poolOption, method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := inner.Submit(func() {
		defer close(future.ch)
		defer func() {
			if x := recover(); x != nil {
				future.err = fmt.Errorf("panicked with error: %v", x)
				panic(x) // 交由 ants 的 panic handler 处理
			}
		}()
		if opt.preHandler != nil {
			opt.preHandler()
		}
		res, err := method()
		if err != nil {
			future.err = err
		} else {
			future.value = res
		}
	})
	if err != nil {
		future.err = merr.WrapErrServiceUnavailable(err.Error(), "submit task to pool")
		close(future.ch)
	}

	return future
}

// Cap 返回协程池容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在运行任务的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 关闭协程池，已提交的任务仍会执行完毕。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}

// Resize 调整协程池容量。
func (pool *Pool[T]) Resize(size int) error {
	if pool.opt.preAlloc {
		return merr.WrapErrServiceInternal("cannot resize pre-alloc pool")
	}
	if size <= 0 {
		return merr.WrapErrParameterInvalid[any]("positive size", size)
	}
	pool.inner.Tune(size)
	return nil
}

var (
	defaultPoolOnce sync.Once
	defaultPool     *Pool[any]
)

func getDefaultPool() *Pool[any] {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool[any](runtime.GOMAXPROCS(0)*8, WithConcealPanic(true))
	})
	return defaultPool
}
