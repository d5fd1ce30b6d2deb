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

package metrics

import (
	// #nosec
	_ "net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// namespace 是当前项目所有 Prometheus 指标使用的命名空间。
	namespace = "paper_soldier"

	sessionSubsystem = "session"
	messageSubsystem = "message"
	timerSubsystem   = "timer"

	// 以下为当前使用的通用标签名。
	typeNameLabelName = "type_name"
	resultLabelName   = "result"
	reasonLabelName   = "reason"
	stageLabelName    = "stage"
	codeLabelName     = "code"
	kindLabelName     = "kind"

	SuccessLabel = "success"
	FailLabel    = "fail"
	DropLabel    = "drop"
)

var (
	// buckets 为耗时直方图的桶划分，单位为秒。
	// [0.00005 0.0001 0.0002 ... 0.4096]
	buckets = prometheus.ExponentialBuckets(0.00005, 2, 14)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "active",
			Help:      "number of sessions currently open",
		})

	SessionOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "opened_total",
			Help:      "count of sessions opened",
		})

	SessionClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sessionSubsystem,
			Name:      "closed_total",
			Help:      "count of sessions closed, partitioned by close reason",
		}, []string{reasonLabelName})

	MessageDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: messageSubsystem,
			Name:      "dispatched_total",
			Help:      "count of inbound messages, partitioned by type name and result",
		}, []string{typeNameLabelName, resultLabelName})

	HandlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: messageSubsystem,
			Name:      "handler_latency_seconds",
			Help:      "latency of message handler invocations in seconds",
			Buckets:   buckets,
		}, []string{typeNameLabelName})

	MessageSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: messageSubsystem,
			Name:      "sent_total",
			Help:      "count of outbound envelopes handed to the transport, partitioned by result",
		}, []string{resultLabelName})

	ActiveTimers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: timerSubsystem,
			Name:      "active",
			Help:      "number of timers currently scheduled",
		})

	TimerFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: timerSubsystem,
			Name:      "fired_total",
			Help:      "count of timer callback invocations, partitioned by kind and result",
		}, []string{kindLabelName, resultLabelName})

	ReportedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reported_events_total",
			Help:      "count of reported failures, partitioned by stage and error code",
		}, []string{stageLabelName, codeLabelName})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(ActiveSessions)
		r.MustRegister(SessionOpened)
		r.MustRegister(SessionClosed)
		r.MustRegister(MessageDispatched)
		r.MustRegister(HandlerLatency)
		r.MustRegister(MessageSent)
		r.MustRegister(ActiveTimers)
		r.MustRegister(TimerFired)
		r.MustRegister(ReportedEvents)
		RegisterLoggingMetrics(r)
		metricRegisterer = r
	})
}
