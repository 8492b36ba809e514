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

package switching

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kinematix/controlmgr/pkg/controlmgr/metrics"
	"github.com/kinematix/controlmgr/pkg/controlmgr/registry"
	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
	testutil "github.com/kinematix/controlmgr/pkg/controlmgr/util/testing"
)

const testManagerRate = 100

// --- Test Harness ---

type engineHarness struct {
	t      *testing.T
	rm     *testutil.FakeResourceManager
	store  *registry.Store
	engine *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	rm := testutil.NewFakeResourceManager("arm_hw",
		[]string{"joint1/position", "joint1/effort", "joint2/position"},
		[]string{"joint1/position", "joint1/velocity", "joint2/position"})
	store := registry.NewStore()
	return &engineHarness{
		t:      t,
		rm:     rm,
		store:  store,
		engine: NewEngine(rm, store, metrics.NewUnregistered(), logr.Discard(), clock.RealClock{}),
	}
}

func newEngineHarnessWithClock(t *testing.T, clk clock.Clock) *engineHarness {
	t.Helper()
	h := newEngineHarness(t)
	h.engine = NewEngine(h.rm, h.store, metrics.NewUnregistered(), logr.Discard(), clk)
	return h
}

// loadConfigured loads a controller and drives it to Inactive, mirroring
// the manager's configure path including chained-interface export.
func (h *engineHarness) loadConfigured(name string, fc *testutil.FakeController, fallbacks ...string) *registry.Record {
	h.t.Helper()
	rec := registry.NewRecord(name, "test_type", fc, fallbacks)
	require.NoError(h.t, h.store.Add(rec))
	require.NoError(h.t, rec.Configure(testManagerRate))
	if rec.Chainable {
		h.rm.ImportControllerReferenceInterfaces(name, fc.ExportedReferenceInterfaceNames())
		h.rm.ImportControllerExportedStateInterfaces(name, fc.ExportedStateInterfaceNames())
	}
	require.NoError(h.t, h.store.Rebuild())
	return rec
}

// doSwitch arms the request on the control goroutine and pumps the apply
// phase the way the realtime loop would.
func (h *engineHarness) doSwitch(spec Spec) error {
	h.t.Helper()
	result := make(chan error, 1)
	go func() { result <- h.engine.Switch(context.Background(), spec) }()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-result:
			return err
		case <-deadline:
			h.t.Fatal("switch did not finish; the apply pump may be stuck")
		default:
			h.engine.ApplyPending()
			time.Sleep(200 * time.Microsecond)
		}
	}
}

func positionController() *testutil.FakeController {
	return &testutil.FakeController{
		CmdCfg: types.InterfaceConfig{
			Type:  types.InterfaceConfigIndividual,
			Names: []string{"joint1/position"},
		},
		StateCfg: types.InterfaceConfig{
			Type:  types.InterfaceConfigIndividual,
			Names: []string{"joint1/velocity"},
		},
	}
}

// --- Activation and Round Trips ---

func TestSwitch_SingleControllerActivate(t *testing.T) {
	h := newEngineHarness(t)
	rec := h.loadConfigured("pos", positionController())

	require.NoError(t, h.doSwitch(Spec{Activate: []string{"pos"}, Strictness: types.StrictnessStrict}))

	assert.Equal(t, types.StateActive, rec.State())
	assert.Equal(t, []string{"joint1/position"}, rec.ClaimedInterfaceNames())
	assert.True(t, h.rm.CommandInterfaceIsClaimed("joint1/position"))
	require.Len(t, h.rm.PrepareCalls, 1)
	assert.Equal(t, []string{"joint1/position"}, h.rm.PrepareCalls[0][0])
	require.Len(t, h.rm.PerformCalls, 1)
}

func TestSwitch_ActivateDeactivateRoundTrip(t *testing.T) {
	h := newEngineHarness(t)
	rec := h.loadConfigured("pos", positionController())

	require.NoError(t, h.doSwitch(Spec{Activate: []string{"pos"}, Strictness: types.StrictnessStrict}))
	require.NoError(t, h.doSwitch(Spec{Deactivate: []string{"pos"}, Strictness: types.StrictnessStrict}))

	assert.Equal(t, types.StateInactive, rec.State())
	assert.Empty(t, rec.ClaimedInterfaceNames(),
		"activate followed by deactivate must leave the claimed set unchanged")
	assert.True(t, h.rm.CommandInterfaceIsAvailable("joint1/position"),
		"the command interface must return to availability")
}

func TestSwitch_EmptyRequestIsNoOp(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.doSwitch(Spec{Strictness: types.StrictnessStrict}))
	assert.Empty(t, h.rm.PrepareCalls, "an empty request must not reach the hardware")
}

// --- Strictness ---

func TestSwitch_StrictUnknownNameRejectsWholeRequest(t *testing.T) {
	h := newEngineHarness(t)
	rec := h.loadConfigured("pos", positionController())

	err := h.engine.Switch(context.Background(), Spec{
		Activate:   []string{"pos", "ghost"},
		Strictness: types.StrictnessStrict,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, types.StateInactive, rec.State(), "a rejected request must change nothing")
	assert.Empty(t, h.rm.PrepareCalls)
}

func TestSwitch_BestEffortDropsUnknownName(t *testing.T) {
	h := newEngineHarness(t)
	rec := h.loadConfigured("pos", positionController())

	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"pos", "ghost"},
		Strictness: types.StrictnessBestEffort,
	}))
	assert.Equal(t, types.StateActive, rec.State())
}

func TestSwitch_DoubleActivation(t *testing.T) {
	h := newEngineHarness(t)
	h.loadConfigured("pos", positionController())
	require.NoError(t, h.doSwitch(Spec{Activate: []string{"pos"}, Strictness: types.StrictnessStrict}))

	err := h.engine.Switch(context.Background(), Spec{
		Activate:   []string{"pos"},
		Strictness: types.StrictnessStrict,
	})
	assert.ErrorIs(t, err, types.ErrInvalidState, "STRICT must reject activating an active controller")

	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"pos"},
		Strictness: types.StrictnessBestEffort,
	}), "BEST_EFFORT must drop the duplicate and succeed as a no-op")
}

func TestSwitch_DoubleDeactivation(t *testing.T) {
	h := newEngineHarness(t)
	h.loadConfigured("pos", positionController())

	err := h.engine.Switch(context.Background(), Spec{
		Deactivate: []string{"pos"},
		Strictness: types.StrictnessStrict,
	})
	assert.ErrorIs(t, err, types.ErrInvalidState)

	require.NoError(t, h.doSwitch(Spec{
		Deactivate: []string{"pos"},
		Strictness: types.StrictnessBestEffort,
	}))
}

func TestSwitch_AutoStrictnessBehavesAsBestEffort(t *testing.T) {
	h := newEngineHarness(t)
	rec := h.loadConfigured("pos", positionController())

	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"pos", "ghost"},
		Strictness: types.StrictnessAuto,
	}))
	assert.Equal(t, types.StateActive, rec.State())
}

// --- Chained Controllers ---

func trajController() *testutil.FakeController {
	return &testutil.FakeController{
		Chainable:    true,
		ExportedRefs: []string{"traj/joint1/position"},
		CmdCfg:       types.InterfaceConfig{Type: types.InterfaceConfigNone},
		StateCfg:     types.InterfaceConfig{Type: types.InterfaceConfigNone},
	}
}

func pidController() *testutil.FakeController {
	return &testutil.FakeController{
		CmdCfg: types.InterfaceConfig{
			Type:  types.InterfaceConfigIndividual,
			Names: []string{"traj/joint1/position", "joint1/effort"},
		},
	}
}

func TestSwitch_ChainedPairActivation(t *testing.T) {
	h := newEngineHarness(t)
	trajFC := trajController()
	traj := h.loadConfigured("traj", trajFC)
	pid := h.loadConfigured("pid", pidController())

	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"traj", "pid"},
		Strictness: types.StrictnessStrict,
	}))

	assert.Equal(t, types.StateActive, traj.State())
	assert.Equal(t, types.StateActive, pid.State())
	assert.True(t, trajFC.IsInChainedMode(), "the producer must enter chained mode")
	assert.Contains(t, pid.ClaimedInterfaceNames(), "traj/joint1/position")

	snap := h.store.Roster().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "traj", snap[0].Name, "the producer must update before its consumer")
}

func TestSwitch_StrictConflictOnClaimedInterface(t *testing.T) {
	h := newEngineHarness(t)
	traj := h.loadConfigured("traj", trajController())
	pid := h.loadConfigured("pid", pidController())
	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"traj", "pid"},
		Strictness: types.StrictnessStrict,
	}))

	other := h.loadConfigured("other_pid", &testutil.FakeController{
		CmdCfg: types.InterfaceConfig{
			Type:  types.InterfaceConfigIndividual,
			Names: []string{"joint1/effort"},
		},
	})

	err := h.engine.Switch(context.Background(), Spec{
		Activate:   []string{"other_pid"},
		Strictness: types.StrictnessStrict,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, types.StateInactive, other.State())
	assert.Equal(t, types.StateActive, traj.State())
	assert.Equal(t, types.StateActive, pid.State())
	assert.Contains(t, pid.ClaimedInterfaceNames(), "joint1/effort",
		"the rejected request must not disturb existing claims")
}

func TestSwitch_DeactivateProducerWithActiveConsumer(t *testing.T) {
	h := newEngineHarness(t)
	traj := h.loadConfigured("traj", trajController())
	pid := h.loadConfigured("pid", pidController())
	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"traj", "pid"},
		Strictness: types.StrictnessStrict,
	}))

	err := h.engine.Switch(context.Background(), Spec{
		Deactivate: []string{"traj"},
		Strictness: types.StrictnessStrict,
	})
	assert.ErrorIs(t, err, types.ErrConflict,
		"STRICT must refuse to deactivate a producer while its consumer runs")

	require.NoError(t, h.doSwitch(Spec{
		Deactivate: []string{"traj"},
		Strictness: types.StrictnessBestEffort,
	}), "BEST_EFFORT drops the deactivation instead")
	assert.Equal(t, types.StateActive, traj.State())
	assert.Equal(t, types.StateActive, pid.State())
}

func TestSwitch_DeactivateWholeChainLeavesChainedMode(t *testing.T) {
	h := newEngineHarness(t)
	trajFC := trajController()
	traj := h.loadConfigured("traj", trajFC)
	pid := h.loadConfigured("pid", pidController())
	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"traj", "pid"},
		Strictness: types.StrictnessStrict,
	}))

	require.NoError(t, h.doSwitch(Spec{
		Deactivate: []string{"traj", "pid"},
		Strictness: types.StrictnessStrict,
	}))

	assert.Equal(t, types.StateInactive, traj.State())
	assert.Equal(t, types.StateInactive, pid.State())
	assert.False(t, trajFC.IsInChainedMode(),
		"a producer with no remaining consumers must leave chained mode")
}

func TestSwitch_ActiveProducerRestartsWhenConsumerActivates(t *testing.T) {
	h := newEngineHarness(t)
	trajFC := trajController()
	traj := h.loadConfigured("traj", trajFC)
	require.NoError(t, h.doSwitch(Spec{Activate: []string{"traj"}, Strictness: types.StrictnessStrict}))
	require.False(t, trajFC.IsInChainedMode())

	pid := h.loadConfigured("pid", pidController())
	require.NoError(t, h.doSwitch(Spec{Activate: []string{"pid"}, Strictness: types.StrictnessStrict}))

	assert.Equal(t, types.StateActive, traj.State(), "the producer must be restarted, not left down")
	assert.Equal(t, types.StateActive, pid.State())
	assert.True(t, trajFC.IsInChainedMode())
}

// --- Hardware and Timeout Failures ---

func TestSwitch_HardwareRejectionAbortsBeforeArming(t *testing.T) {
	h := newEngineHarness(t)
	rec := h.loadConfigured("pos", positionController())
	h.rm.PrepareResult = false

	err := h.engine.Switch(context.Background(), Spec{
		Activate:   []string{"pos"},
		Strictness: types.StrictnessStrict,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrHardwareRejected)
	assert.Equal(t, types.StateInactive, rec.State())
	assert.Empty(t, h.rm.PerformCalls)
	assert.False(t, h.engine.Armed(), "a rejected request must not stay armed")
}

func TestSwitch_TimesOutWithoutRealtimeThread(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(time.Now())
	h := newEngineHarnessWithClock(t, fakeClock)
	rec := h.loadConfigured("pos", positionController())

	result := make(chan error, 1)
	go func() {
		result <- h.engine.Switch(context.Background(), Spec{
			Activate:   []string{"pos"},
			Strictness: types.StrictnessStrict,
			Timeout:    0, // resolves to the 1 s default
		})
	}()

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond,
		"the switch must block on its timeout timer")
	fakeClock.Step(DefaultSwitchTimeout)

	select {
	case err := <-result:
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("switch did not return after the timeout fired")
	}
	assert.Equal(t, types.StateInactive, rec.State())
	assert.False(t, h.engine.Armed(), "a timed-out request must be withdrawn")
}

// --- Fallback Validation ---

func TestSwitch_FallbackValidation(t *testing.T) {
	t.Run("unknown fallback rejects activation", func(t *testing.T) {
		h := newEngineHarness(t)
		h.loadConfigured("pos", positionController(), "ghost")
		err := h.engine.Switch(context.Background(), Spec{
			Activate:   []string{"pos"},
			Strictness: types.StrictnessStrict,
		})
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("unconfigured fallback rejects activation", func(t *testing.T) {
		h := newEngineHarness(t)
		fb := &testutil.FakeController{}
		require.NoError(t, h.store.Add(registry.NewRecord("safe_hold", "test_type", fb, nil)))
		h.loadConfigured("pos", positionController(), "safe_hold")
		err := h.engine.Switch(context.Background(), Spec{
			Activate:   []string{"pos"},
			Strictness: types.StrictnessStrict,
		})
		assert.ErrorIs(t, err, types.ErrInvalidState)
	})

	t.Run("fallback interfaces may come from fallback peers", func(t *testing.T) {
		h := newEngineHarness(t)
		h.loadConfigured("helper", &testutil.FakeController{
			Chainable:    true,
			ExportedRefs: []string{"helper/cmd"},
		})
		h.loadConfigured("consumer", &testutil.FakeController{
			CmdCfg: types.InterfaceConfig{
				Type:  types.InterfaceConfigIndividual,
				Names: []string{"helper/cmd"},
			},
		})
		rec := h.loadConfigured("pos", positionController(), "helper", "consumer")
		require.NoError(t, h.doSwitch(Spec{Activate: []string{"pos"}, Strictness: types.StrictnessStrict}))
		assert.Equal(t, types.StateActive, rec.State())
	})

	t.Run("fallback with unavailable interface rejects activation", func(t *testing.T) {
		h := newEngineHarness(t)
		h.loadConfigured("safe_hold", &testutil.FakeController{
			CmdCfg: types.InterfaceConfig{
				Type:  types.InterfaceConfigIndividual,
				Names: []string{"nonexistent/position"},
			},
		})
		h.loadConfigured("pos", positionController(), "safe_hold")
		err := h.engine.Switch(context.Background(), Spec{
			Activate:   []string{"pos"},
			Strictness: types.StrictnessStrict,
		})
		assert.ErrorIs(t, err, types.ErrInterfaceUnavailable)
	})
}

// --- Failover ---

func TestFailover_ActivatesFallbacks(t *testing.T) {
	h := newEngineHarness(t)
	pos := h.loadConfigured("pos", positionController(), "safe_hold")
	safeHold := h.loadConfigured("safe_hold", positionController())
	require.NoError(t, h.doSwitch(Spec{Activate: []string{"pos"}, Strictness: types.StrictnessStrict}))
	performsBefore := len(h.rm.PerformCalls)

	h.engine.Failover([]*registry.Record{pos}, true)

	assert.Equal(t, types.StateInactive, pos.State())
	assert.Equal(t, types.StateActive, safeHold.State())
	assert.Equal(t, []string{"joint1/position"}, safeHold.ClaimedInterfaceNames(),
		"the fallback must reclaim the primary's interfaces")
	assert.Len(t, h.rm.PerformCalls, performsBefore+1,
		"the failover must perform exactly one command mode switch")
}

func TestFailover_NoFallbacksOnHardwareFault(t *testing.T) {
	h := newEngineHarness(t)
	pos := h.loadConfigured("pos", positionController(), "safe_hold")
	safeHold := h.loadConfigured("safe_hold", positionController())
	require.NoError(t, h.doSwitch(Spec{Activate: []string{"pos"}, Strictness: types.StrictnessStrict}))

	h.engine.Failover([]*registry.Record{pos}, false)

	assert.Equal(t, types.StateInactive, pos.State())
	assert.Equal(t, types.StateInactive, safeHold.State(),
		"hardware faults must not trigger fallback activation")
}

func TestFailover_DeactivatesPeersConflictingWithFallback(t *testing.T) {
	h := newEngineHarness(t)
	pos := h.loadConfigured("pos", &testutil.FakeController{
		CmdCfg: types.InterfaceConfig{
			Type:  types.InterfaceConfigIndividual,
			Names: []string{"joint1/position"},
		},
	}, "wide_hold")
	peer := h.loadConfigured("peer", &testutil.FakeController{
		CmdCfg: types.InterfaceConfig{
			Type:  types.InterfaceConfigIndividual,
			Names: []string{"joint2/position"},
		},
	})
	wideHold := h.loadConfigured("wide_hold", &testutil.FakeController{
		CmdCfg: types.InterfaceConfig{
			Type:  types.InterfaceConfigIndividual,
			Names: []string{"joint1/position", "joint2/position"},
		},
	})
	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"pos", "peer"},
		Strictness: types.StrictnessStrict,
	}))

	h.engine.Failover([]*registry.Record{pos}, true)

	assert.Equal(t, types.StateInactive, pos.State())
	assert.Equal(t, types.StateInactive, peer.State(),
		"a peer holding an interface the fallback needs must be deactivated")
	assert.Equal(t, types.StateActive, wideHold.State())
}

func TestFailover_DeactivatesTransitiveConsumers(t *testing.T) {
	h := newEngineHarness(t)
	trajFC := trajController()
	traj := h.loadConfigured("traj", trajFC)
	pid := h.loadConfigured("pid", pidController())
	require.NoError(t, h.doSwitch(Spec{
		Activate:   []string{"traj", "pid"},
		Strictness: types.StrictnessStrict,
	}))

	h.engine.Failover([]*registry.Record{traj}, true)

	assert.Equal(t, types.StateInactive, traj.State())
	assert.Equal(t, types.StateInactive, pid.State(),
		"consumers of a failed producer cannot keep running")
	assert.False(t, trajFC.IsInChainedMode(),
		"chained mode must not outlive the last active consumer")
}
