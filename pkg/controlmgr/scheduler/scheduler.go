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

// Package scheduler drives the realtime update cycle: hardware read,
// per-controller triggering at heterogeneous rates, fault-driven fallback
// activation, the switch engine's apply phase, and hardware write.
//
// The loop runs on a single goroutine. It never takes a control-side lock
// (the switch engine is entered only through a TryLock), never lets a
// controller panic escape, and translates every runtime failure into a
// deactivation rather than an error return.
package scheduler

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/kinematix/controlmgr/pkg/controlmgr/contracts"
	"github.com/kinematix/controlmgr/pkg/controlmgr/metrics"
	"github.com/kinematix/controlmgr/pkg/controlmgr/registry"
	"github.com/kinematix/controlmgr/pkg/controlmgr/switching"
	logutil "github.com/kinematix/controlmgr/pkg/controlmgr/util/logging"
)

// warnBurst bounds how many overrun/failure warnings the realtime loop may
// emit back to back before throttling kicks in.
const warnBurst = 5

// Scheduler owns the realtime loop.
type Scheduler struct {
	// --- Immutable dependencies (set at construction) ---

	rm      contracts.ResourceManager
	store   *registry.Store
	engine  *switching.Engine
	metrics *metrics.Metrics
	diag    contracts.DiagnosticsSink
	logger  logr.Logger
	clock   clock.WithTicker

	updateRate uint
	period     time.Duration

	// warnLimiter throttles realtime-path warnings so a controller failing
	// at 1 kHz cannot flood the log.
	warnLimiter *rate.Limiter

	// --- Realtime-only state ---

	lastCycle time.Time

	// componentCache maps a hardware component to the controllers whose
	// interfaces touch it, split by command-side involvement. Rebuilt
	// whenever the roster generation changes, so read/write error handling
	// never scans interfaces in the hot path.
	cacheGeneration  uint64
	componentAll     map[string][]*registry.Record
	componentCommand map[string][]*registry.Record

	// failed collects this cycle's erroring controllers; reused across
	// cycles to avoid allocation.
	failed []*registry.Record
}

// New wires a realtime scheduler. `updateRate` is the manager rate in Hz.
func New(
	rm contracts.ResourceManager,
	store *registry.Store,
	engine *switching.Engine,
	m *metrics.Metrics,
	diag contracts.DiagnosticsSink,
	logger logr.Logger,
	clk clock.WithTicker,
	updateRate uint,
) *Scheduler {
	if diag == nil {
		diag = contracts.NullDiagnosticsSink{}
	}
	return &Scheduler{
		rm:          rm,
		store:       store,
		engine:      engine,
		metrics:     m,
		diag:        diag,
		logger:      logger.WithName("rt-scheduler"),
		clock:       clk,
		updateRate:  updateRate,
		period:      time.Duration(float64(time.Second) / float64(updateRate)),
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), warnBurst),
		failed:      make([]*registry.Record, 0, 16),
	}
}

// UpdateRate returns the manager rate in Hz.
func (s *Scheduler) UpdateRate() uint { return s.updateRate }

// Run blocks, executing cycles at the manager rate until the context is
// cancelled. It is the realtime thread; callers are expected to pin it to a
// high-priority OS thread if the platform allows.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting realtime update loop", "updateRate", s.updateRate, "period", s.period)
	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Realtime update loop stopping")
			return ctx.Err()
		case now := <-ticker.C():
			s.Cycle(now)
		}
	}
}

// Cycle executes one full realtime cycle at the given time. Exposed so
// tests (and external executors with their own timing source) can step the
// loop deterministically.
func (s *Scheduler) Cycle(now time.Time) {
	period := s.period
	if !s.lastCycle.IsZero() {
		period = now.Sub(s.lastCycle)
	}
	s.lastCycle = now

	cycleStart := s.clock.Now()

	// 1. Hardware read. The hardware is the fault domain: controllers on a
	// failed component are deactivated without fallbacks.
	if status, failedComponents := s.rm.Read(now, period); status == contracts.HardwareError {
		s.metrics.HardwareErrorsTotal.WithLabelValues(metrics.HardwareOpRead).Inc()
		s.handleComponentFailure(failedComponents, false)
	}

	// 2+3. Trigger the active set in topological order.
	snap := s.store.Roster().SnapshotForRT()
	s.refreshComponentCache(snap)
	s.failed = s.failed[:0]
	switchArmed := s.engine.Armed()
	for _, r := range snap {
		if !r.IsActive() {
			continue
		}
		// Asynchronous controllers being deactivated are draining; touching
		// them here would race the cooperative drain.
		if switchArmed && r.Async && s.engine.DeactivationPending(r.Name) {
			continue
		}
		due, ctrlPeriod := r.DueForUpdate(now, s.updateRate, period)
		if !due {
			continue
		}
		res := s.safeTrigger(r, now, ctrlPeriod)
		r.MarkTriggered(now, ctrlPeriod)
		s.metrics.TriggersTotal.WithLabelValues(r.Name).Inc()
		if !res.Successful || !res.OK {
			s.metrics.UpdateErrorsTotal.WithLabelValues(r.Name).Inc()
			if s.warnLimiter.Allow() {
				s.logger.Error(nil, "Controller update failed", "controller", r.Name)
			}
			s.failed = append(s.failed, r)
			continue
		}
		if res.ExecutionTime != nil {
			secs := res.ExecutionTime.Seconds()
			r.ExecTimeStats.AddSample(secs)
			s.metrics.ControllerExecTime.WithLabelValues(r.Name).Observe(secs)
		}
	}

	// 4. Mid-cycle failover for erroring controllers, with fallbacks.
	if len(s.failed) > 0 {
		s.engine.Failover(s.failed, true)
		s.publishActivity(snap)
	}

	// 5. Command limits.
	s.rm.EnforceCommandLimits(period)

	// 6. Pending switch apply at the cycle boundary.
	if s.engine.ApplyPending() {
		s.publishActivity(snap)
	}

	// 7. Hardware write.
	status, failedComponents := s.rm.Write(now, period)
	switch status {
	case contracts.HardwareError:
		s.metrics.HardwareErrorsTotal.WithLabelValues(metrics.HardwareOpWrite).Inc()
		s.handleComponentFailure(failedComponents, false)
	case contracts.HardwareDeactivate:
		// A soft request: only controllers commanding the deactivating
		// components are taken down; read-only consumers keep running.
		s.handleComponentDeactivate(failedComponents)
	}

	s.metrics.CycleDuration.Observe(s.clock.Since(cycleStart).Seconds())
}

// safeTrigger invokes the controller update, trapping panics from
// controller code: a panic is a failed update, never a crashed loop.
func (s *Scheduler) safeTrigger(r *registry.Record, now time.Time, period time.Duration) (res contracts.UpdateResult) {
	defer func() {
		if rec := recover(); rec != nil {
			if s.warnLimiter.Allow() {
				s.logger.Error(nil, "Controller update panicked", "controller", r.Name, "panic", rec)
			}
			res = contracts.UpdateResult{Successful: false}
		}
	}()
	return r.Controller.TriggerUpdate(now, period)
}

// handleComponentFailure deactivates every controller cached against the
// failed components. No fallbacks: the hardware itself is down.
func (s *Scheduler) handleComponentFailure(components []string, withFallbacks bool) {
	if len(components) == 0 {
		return
	}
	s.logger.Error(nil, "Hardware components failed, deactivating dependent controllers",
		"components", components)
	var doomed []*registry.Record
	for _, comp := range components {
		doomed = append(doomed, s.componentAll[comp]...)
	}
	s.engine.Failover(doomed, withFallbacks)
	s.publishActivity(s.store.Roster().SnapshotForRT())
}

// handleComponentDeactivate honors a hardware DEACTIVATE request:
// controllers whose command interfaces touch the components are
// deactivated, without fallbacks.
func (s *Scheduler) handleComponentDeactivate(components []string) {
	if len(components) == 0 {
		return
	}
	s.logger.V(logutil.DEFAULT).Info("Hardware requested controller deactivation", "components", components)
	var doomed []*registry.Record
	for _, comp := range components {
		doomed = append(doomed, s.componentCommand[comp]...)
	}
	s.engine.Failover(doomed, false)
	s.publishActivity(s.store.Roster().SnapshotForRT())
}

// refreshComponentCache rebuilds the component-to-controllers index when
// the roster generation has moved.
func (s *Scheduler) refreshComponentCache(snap []*registry.Record) {
	gen := s.store.Roster().Generation()
	if gen == s.cacheGeneration && s.componentAll != nil {
		return
	}
	s.cacheGeneration = gen
	s.componentAll = make(map[string][]*registry.Record)
	s.componentCommand = make(map[string][]*registry.Record)
	for _, r := range snap {
		// Claimed names cover ALL-type configurations; the declaration is
		// the fallback for controllers that are not currently active.
		cmdNames := r.ClaimedInterfaceNames()
		if len(cmdNames) == 0 {
			cmdNames = r.CmdCfg.Names
		}
		for _, itf := range cmdNames {
			if comp, ok := s.rm.ComponentForInterface(itf); ok {
				s.componentAll[comp] = appendUnique(s.componentAll[comp], r)
				s.componentCommand[comp] = appendUnique(s.componentCommand[comp], r)
			}
		}
		for _, itf := range r.StateCfg.Names {
			if comp, ok := s.rm.ComponentForInterface(itf); ok {
				s.componentAll[comp] = appendUnique(s.componentAll[comp], r)
			}
		}
	}
}

func appendUnique(list []*registry.Record, r *registry.Record) []*registry.Record {
	for _, x := range list {
		if x == r {
			return list
		}
	}
	return append(list, r)
}

// publishActivity hands the diagnostics sink a snapshot of the current
// roster's state.
func (s *Scheduler) publishActivity(snap []*registry.Record) {
	out := make([]contracts.ControllerActivity, 0, len(snap))
	for _, r := range snap {
		out = append(out, contracts.ControllerActivity{
			Name:          r.Name,
			PluginType:    r.PluginType,
			State:         r.State(),
			ChainedMode:   r.Chained(),
			UpdateRate:    r.UpdateRate,
			LastUpdate:    r.LastUpdateTime(),
			PeriodicityHz: r.PeriodicityStats.Mean(),
			ExecTimeMean:  time.Duration(r.ExecTimeStats.Mean() * float64(time.Second)),
		})
	}
	s.diag.PublishActivity(out)
}
