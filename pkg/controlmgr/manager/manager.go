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

// Package manager assembles the controller manager core: the record store,
// the switch engine, and the realtime scheduler, behind the non-realtime
// control API (load, unload, configure, cleanup, switch, shutdown) and the
// read-only introspection surface.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/kinematix/controlmgr/pkg/controlmgr/contracts"
	"github.com/kinematix/controlmgr/pkg/controlmgr/metrics"
	"github.com/kinematix/controlmgr/pkg/controlmgr/registry"
	"github.com/kinematix/controlmgr/pkg/controlmgr/scheduler"
	"github.com/kinematix/controlmgr/pkg/controlmgr/switching"
	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
	logutil "github.com/kinematix/controlmgr/pkg/controlmgr/util/logging"
)

// activityPublishInterval paces the periodic diagnostics snapshot; event
// driven snapshots are published in addition, from the paths that change
// controller state.
const activityPublishInterval = time.Second

// ControllerManager is the facade over the controller manager core.
//
// All control-side operations serialize on the switch engine's lock; the
// realtime loop runs on its own goroutine started by Run and communicates
// with the control side only through the double-buffered roster and the
// switch engine's request slot.
type ControllerManager struct {
	cfg     Config
	rm      contracts.ResourceManager
	store   *registry.Store
	engine  *switching.Engine
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
	diag    contracts.DiagnosticsSink
	logger  logr.Logger
	clock   clock.WithTicker
}

// Option configures a ControllerManager during construction.
type Option func(*ControllerManager)

// WithDiagnosticsSink injects the activity snapshot consumer.
func WithDiagnosticsSink(sink contracts.DiagnosticsSink) Option {
	return func(cm *ControllerManager) { cm.diag = sink }
}

// WithClock substitutes the time source for deterministic tests.
func WithClock(c clock.WithTicker) Option {
	return func(cm *ControllerManager) { cm.clock = c }
}

// New assembles a controller manager on the given hardware abstraction.
// Metrics collectors register on `reg`; pass nil to opt out.
func New(rm contracts.ResourceManager, logger logr.Logger, cfg Config, reg prometheus.Registerer, opts ...Option) (*ControllerManager, error) {
	validated, err := cfg.ValidateAndApplyDefaults()
	if err != nil {
		return nil, fmt.Errorf("manager config validation failed: %w", err)
	}
	cm := &ControllerManager{
		cfg:    *validated,
		rm:     rm,
		store:  registry.NewStore(),
		diag:   contracts.NullDiagnosticsSink{},
		logger: logger.WithName("controller-manager"),
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(cm)
	}
	if reg == nil {
		cm.metrics = metrics.NewUnregistered()
	} else {
		cm.metrics = metrics.New(reg)
	}
	cm.engine = switching.NewEngine(rm, cm.store, cm.metrics, cm.logger, cm.clock)
	cm.sched = scheduler.New(rm, cm.store, cm.engine, cm.metrics, cm.diag, cm.logger, cm.clock, cm.cfg.UpdateRate)
	return cm, nil
}

// UpdateRate returns the manager rate in Hz.
func (cm *ControllerManager) UpdateRate() uint { return cm.cfg.UpdateRate }

// Scheduler exposes the realtime loop, for executors that drive cycles
// from their own timing source instead of Run.
func (cm *ControllerManager) Scheduler() *scheduler.Scheduler { return cm.sched }

// Run starts the realtime loop and the periodic diagnostics publisher and
// blocks until the context is cancelled.
func (cm *ControllerManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cm.sched.Run(ctx) })
	g.Go(func() error {
		ticker := cm.clock.NewTicker(activityPublishInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C():
				cm.publishActivity()
			}
		}
	})
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Load registers a controller implementation under a unique name. The
// controller's one-time initialization hook runs here; the record starts
// Unconfigured.
func (cm *ControllerManager) Load(name, pluginType string, c contracts.Controller, fallbacks []string) error {
	cm.engine.Lock()
	defer cm.engine.Unlock()

	rec := registry.NewRecord(name, pluginType, c, fallbacks)
	if err := rec.Init(); err != nil {
		return err
	}
	if err := cm.store.Add(rec); err != nil {
		return err
	}
	if err := cm.store.Rebuild(); err != nil {
		// A freshly loaded, unconfigured controller has no chain edges; a
		// rebuild failure here means pre-existing state is inconsistent.
		return fmt.Errorf("roster rebuild after load: %w", err)
	}
	cm.logger.V(logutil.DEFAULT).Info("Loaded controller", "controller", name, "type", pluginType)
	return nil
}

// Unload removes a controller. Active controllers must be deactivated
// first; Inactive controllers are cleaned up on the way out.
func (cm *ControllerManager) Unload(name string) error {
	cm.engine.Lock()
	defer cm.engine.Unlock()

	rec, err := cm.store.Get(name)
	if err != nil {
		return err
	}
	if rec.IsActive() {
		return fmt.Errorf("cannot unload active controller %q: %w", name, types.ErrInvalidState)
	}
	if rec.IsInactive() {
		if err := rec.Cleanup(); err != nil {
			return err
		}
	}
	if err := rec.Shutdown(); err != nil {
		cm.logger.Error(err, "Controller shutdown reported an error during unload", "controller", name)
	}
	cm.rm.RemoveControllerExportedInterfaces(name)
	if err := cm.store.Remove(name); err != nil {
		return err
	}
	if err := cm.store.Rebuild(); err != nil {
		return fmt.Errorf("roster rebuild after unload: %w", err)
	}
	cm.logger.V(logutil.DEFAULT).Info("Unloaded controller", "controller", name)
	return nil
}

// Configure drives a controller to Inactive, records its interface
// declarations in the chain graph, and exports its reference and state
// interfaces when it is chainable.
func (cm *ControllerManager) Configure(name string) error {
	cm.engine.Lock()
	defer cm.engine.Unlock()

	rec, err := cm.store.Get(name)
	if err != nil {
		return err
	}

	declaredRate := rec.Controller.UpdateRate()
	if err := rec.Configure(cm.cfg.UpdateRate); err != nil {
		return err
	}
	if declaredRate > cm.cfg.UpdateRate {
		cm.logger.Info("Controller rate exceeds manager rate; clamping to manager rate",
			"controller", name, "controllerRate", declaredRate, "managerRate", cm.cfg.UpdateRate)
	} else if declaredRate != 0 && cm.cfg.UpdateRate%declaredRate != 0 {
		cm.logger.Info("Controller rate does not divide the manager rate; triggering is best effort",
			"controller", name, "controllerRate", declaredRate, "managerRate", cm.cfg.UpdateRate)
	}

	if rec.Chainable {
		if cc, ok := rec.Controller.(contracts.ChainableController); ok {
			cm.rm.ImportControllerReferenceInterfaces(name, cc.ExportedReferenceInterfaceNames())
			cm.rm.ImportControllerExportedStateInterfaces(name, cc.ExportedStateInterfaceNames())
		}
	}

	if err := cm.store.Rebuild(); err != nil {
		// The new configuration closed a cycle in the chain graph; undo it.
		cm.logger.Error(err, "Configuration rejected: chain graph has a cycle", "controller", name)
		if cleanupErr := rec.Cleanup(); cleanupErr != nil {
			cm.logger.Error(cleanupErr, "Cleanup after rejected configuration failed", "controller", name)
		}
		cm.rm.RemoveControllerExportedInterfaces(name)
		if rebuildErr := cm.store.Rebuild(); rebuildErr != nil {
			return fmt.Errorf("roster rebuild after rejected configuration: %w", rebuildErr)
		}
		return err
	}
	cm.publishActivity()
	cm.logger.V(logutil.DEFAULT).Info("Configured controller",
		"controller", name, "updateRate", rec.UpdateRate)
	return nil
}

// Cleanup returns an Inactive controller to Unconfigured and withdraws its
// exported interfaces.
func (cm *ControllerManager) Cleanup(name string) error {
	cm.engine.Lock()
	defer cm.engine.Unlock()

	rec, err := cm.store.Get(name)
	if err != nil {
		return err
	}
	if err := rec.Cleanup(); err != nil {
		return err
	}
	cm.rm.RemoveControllerExportedInterfaces(name)
	if err := cm.store.Rebuild(); err != nil {
		return fmt.Errorf("roster rebuild after cleanup: %w", err)
	}
	cm.publishActivity()
	return nil
}

// SwitchControllers validates and executes one atomic activate/deactivate
// request. Zero strictness resolves to the configured default.
func (cm *ControllerManager) SwitchControllers(ctx context.Context, spec switching.Spec) error {
	if spec.Strictness == 0 {
		spec.Strictness = cm.cfg.DefaultStrictness
	}
	err := cm.engine.Switch(ctx, spec)
	cm.publishActivity()
	return err
}

// Shutdown finalizes every loaded controller. Active controllers are
// deactivated through a best-effort switch first so hardware sees one
// final consistent command mode.
func (cm *ControllerManager) Shutdown(ctx context.Context) error {
	var active []string
	for _, r := range cm.store.All() {
		if r.IsActive() {
			active = append(active, r.Name)
		}
	}
	if len(active) > 0 {
		if err := cm.SwitchControllers(ctx, switching.Spec{
			Deactivate: active,
			Strictness: types.StrictnessBestEffort,
		}); err != nil {
			cm.logger.Error(err, "Deactivation during shutdown failed; finalizing anyway")
		}
	}

	cm.engine.Lock()
	defer cm.engine.Unlock()
	for _, r := range cm.store.All() {
		if r.State() == types.StateFinalized {
			continue
		}
		if err := r.Shutdown(); err != nil {
			cm.logger.Error(err, "Controller errored during shutdown", "controller", r.Name)
		}
		cm.rm.RemoveControllerExportedInterfaces(r.Name)
	}
	cm.publishActivity()
	return nil
}

func (cm *ControllerManager) publishActivity() {
	all := cm.store.All()
	out := make([]contracts.ControllerActivity, 0, len(all))
	for _, r := range all {
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
	cm.diag.PublishActivity(out)
}
