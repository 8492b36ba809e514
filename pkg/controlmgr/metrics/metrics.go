/*
Copyright 2025 The controlmgr Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the Prometheus instrumentation of the controller
// manager core: realtime cycle timing, per-controller trigger accounting,
// switch outcomes, and the error/fallback policy's activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Subsystem names.
	ManagerComponent   = "controller_manager"
	SchedulerComponent = "rt_scheduler"
	SwitchComponent    = "switch_engine"

	// Label values for SwitchesTotal.
	SwitchResultApplied  = "applied"
	SwitchResultRejected = "rejected"
	SwitchResultTimeout  = "timeout"

	// Label values for HardwareErrorsTotal.
	HardwareOpRead  = "read"
	HardwareOpWrite = "write"
)

// CycleLatencyBuckets covers realtime cycle and update durations from 1us
// to 100ms; anything beyond the top bucket is an overrun at any supported
// manager rate.
var CycleLatencyBuckets = []float64{
	0.000001, 0.000002, 0.000005, 0.00001, 0.00002, 0.00005, 0.0001, 0.0002,
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// Metrics bundles every collector of the core. It is registered on an
// injected `prometheus.Registerer`, never on the process-global default.
type Metrics struct {
	// CycleDuration observes the wall time of one full
	// read-trigger-write-switch realtime cycle.
	CycleDuration prometheus.Histogram

	// ControllerExecTime observes per-controller update execution time.
	ControllerExecTime *prometheus.HistogramVec

	// TriggersTotal counts update triggers per controller.
	TriggersTotal *prometheus.CounterVec

	// UpdateErrorsTotal counts failed or erroring updates per controller.
	UpdateErrorsTotal *prometheus.CounterVec

	// SwitchesTotal counts switch requests by result.
	SwitchesTotal *prometheus.CounterVec

	// FallbackActivationsTotal counts fallback controllers activated by the
	// error policy.
	FallbackActivationsTotal prometheus.Counter

	// HardwareErrorsTotal counts hardware read/write failures by operation.
	HardwareErrorsTotal *prometheus.CounterVec

	// ActiveControllers tracks the number of controllers currently Active.
	ActiveControllers prometheus.Gauge
}

// New creates and registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: SchedulerComponent,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one realtime read-trigger-write cycle.",
			Buckets:   CycleLatencyBuckets,
		}),
		ControllerExecTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: SchedulerComponent,
			Name:      "controller_execution_seconds",
			Help:      "Execution time of a single controller update.",
			Buckets:   CycleLatencyBuckets,
		}, []string{"controller"}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SchedulerComponent,
			Name:      "controller_triggers_total",
			Help:      "Number of update triggers issued per controller.",
		}, []string{"controller"}),
		UpdateErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SchedulerComponent,
			Name:      "controller_update_errors_total",
			Help:      "Number of failed or erroring controller updates.",
		}, []string{"controller"}),
		SwitchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SwitchComponent,
			Name:      "switches_total",
			Help:      "Switch requests by final result.",
		}, []string{"result"}),
		FallbackActivationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: SwitchComponent,
			Name:      "fallback_activations_total",
			Help:      "Fallback controllers activated by the error policy.",
		}),
		HardwareErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SchedulerComponent,
			Name:      "hardware_errors_total",
			Help:      "Hardware read/write cycles that reported a failure.",
		}, []string{"operation"}),
		ActiveControllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: ManagerComponent,
			Name:      "active_controllers",
			Help:      "Number of controllers currently in the Active state.",
		}),
	}
	reg.MustRegister(
		m.CycleDuration,
		m.ControllerExecTime,
		m.TriggersTotal,
		m.UpdateErrorsTotal,
		m.SwitchesTotal,
		m.FallbackActivationsTotal,
		m.HardwareErrorsTotal,
		m.ActiveControllers,
	)
	return m
}

// NewUnregistered returns a Metrics bundle on a throwaway registry, for
// tests and for callers that opt out of metrics entirely.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
