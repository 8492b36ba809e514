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

// Package testing provides the fake hardware abstraction and fake
// controller shared by the package tests. The fakes favor explicit,
// overridable function fields over generated mocks, so tests read as plain
// Go.
package testing

import (
	"fmt"
	"sync"
	"time"

	"github.com/kinematix/controlmgr/pkg/controlmgr/contracts"
	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// --- Fake ResourceManager ---

type fakeCommandInterface struct {
	available bool
	claimed   bool
}

// FakeResourceManager is an in-memory hardware abstraction. Interfaces are
// registered up front (or imported by chainable controllers) and claims are
// tracked with real exclusivity semantics.
type FakeResourceManager struct {
	mu sync.Mutex

	command map[string]*fakeCommandInterface
	state   map[string]bool

	// componentOf maps interface names to their owning hardware component.
	componentOf map[string]string

	// exported tracks the interfaces imported per chainable controller.
	exported map[string][]string

	// PrepareResult and PerformResult control the mode-switch outcomes.
	PrepareResult bool
	PerformResult bool

	// ReadFunc and WriteFunc, when set, override the default OK results.
	ReadFunc  func(t time.Time, period time.Duration) (contracts.HardwareStatus, []string)
	WriteFunc func(t time.Time, period time.Duration) (contracts.HardwareStatus, []string)

	// Call records for assertions.
	PrepareCalls [][2][]string
	PerformCalls [][2][]string
	ReadCalls    int
	WriteCalls   int
	LimitCalls   int
}

// NewFakeResourceManager registers the given command and state interfaces,
// all owned by the named component.
func NewFakeResourceManager(component string, commandItfs, stateItfs []string) *FakeResourceManager {
	rm := &FakeResourceManager{
		command:       make(map[string]*fakeCommandInterface),
		state:         make(map[string]bool),
		componentOf:   make(map[string]string),
		exported:      make(map[string][]string),
		PrepareResult: true,
		PerformResult: true,
	}
	rm.AddComponent(component, commandItfs, stateItfs)
	return rm
}

// AddComponent registers further interfaces owned by another component.
func (rm *FakeResourceManager) AddComponent(component string, commandItfs, stateItfs []string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, n := range commandItfs {
		rm.command[n] = &fakeCommandInterface{available: true}
		rm.componentOf[n] = component
	}
	for _, n := range stateItfs {
		rm.state[n] = true
		rm.componentOf[n] = component
	}
}

func (rm *FakeResourceManager) AvailableCommandInterfaces() []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	var out []string
	for n, itf := range rm.command {
		if itf.available && !itf.claimed {
			out = append(out, n)
		}
	}
	return out
}

func (rm *FakeResourceManager) AvailableStateInterfaces() []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	var out []string
	for n, ok := range rm.state {
		if ok {
			out = append(out, n)
		}
	}
	return out
}

func (rm *FakeResourceManager) CommandInterfaceIsAvailable(name string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	itf, ok := rm.command[name]
	return ok && itf.available && !itf.claimed
}

func (rm *FakeResourceManager) StateInterfaceIsAvailable(name string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state[name]
}

func (rm *FakeResourceManager) CommandInterfaceIsClaimed(name string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	itf, ok := rm.command[name]
	return ok && itf.claimed
}

func (rm *FakeResourceManager) ClaimCommandInterface(name string) (contracts.Loan, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	itf, ok := rm.command[name]
	if !ok || !itf.available {
		return nil, fmt.Errorf("command interface %q: %w", name, types.ErrInterfaceUnavailable)
	}
	if itf.claimed {
		return nil, fmt.Errorf("command interface %q already claimed: %w", name, types.ErrConflict)
	}
	itf.claimed = true
	return &fakeLoan{rm: rm, name: name, command: true}, nil
}

func (rm *FakeResourceManager) ClaimStateInterface(name string) (contracts.Loan, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.state[name] {
		return nil, fmt.Errorf("state interface %q: %w", name, types.ErrInterfaceUnavailable)
	}
	return &fakeLoan{rm: rm, name: name}, nil
}

func (rm *FakeResourceManager) PrepareCommandModeSwitch(activate, deactivate []string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.PrepareCalls = append(rm.PrepareCalls, [2][]string{activate, deactivate})
	return rm.PrepareResult
}

func (rm *FakeResourceManager) PerformCommandModeSwitch(activate, deactivate []string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.PerformCalls = append(rm.PerformCalls, [2][]string{activate, deactivate})
	return rm.PerformResult
}

func (rm *FakeResourceManager) Read(t time.Time, period time.Duration) (contracts.HardwareStatus, []string) {
	rm.mu.Lock()
	rm.ReadCalls++
	f := rm.ReadFunc
	rm.mu.Unlock()
	if f != nil {
		return f(t, period)
	}
	return contracts.HardwareOK, nil
}

func (rm *FakeResourceManager) Write(t time.Time, period time.Duration) (contracts.HardwareStatus, []string) {
	rm.mu.Lock()
	rm.WriteCalls++
	f := rm.WriteFunc
	rm.mu.Unlock()
	if f != nil {
		return f(t, period)
	}
	return contracts.HardwareOK, nil
}

func (rm *FakeResourceManager) EnforceCommandLimits(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.LimitCalls++
}

func (rm *FakeResourceManager) ComponentForInterface(name string) (string, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	c, ok := rm.componentOf[name]
	return c, ok
}

func (rm *FakeResourceManager) ImportControllerReferenceInterfaces(controller string, names []string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, n := range names {
		// Imported references start unavailable until the exporter is
		// activated.
		rm.command[n] = &fakeCommandInterface{available: false}
		rm.componentOf[n] = controller
		rm.exported[controller] = append(rm.exported[controller], n)
	}
}

func (rm *FakeResourceManager) ImportControllerExportedStateInterfaces(controller string, names []string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, n := range names {
		rm.state[n] = true
		rm.componentOf[n] = controller
		rm.exported[controller] = append(rm.exported[controller], n)
	}
}

func (rm *FakeResourceManager) RemoveControllerExportedInterfaces(controller string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, n := range rm.exported[controller] {
		delete(rm.command, n)
		delete(rm.state, n)
		delete(rm.componentOf, n)
	}
	delete(rm.exported, controller)
}

func (rm *FakeResourceManager) MakeControllerExportedInterfacesAvailable(controller string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, n := range rm.exported[controller] {
		if itf, ok := rm.command[n]; ok {
			itf.available = true
		}
	}
}

func (rm *FakeResourceManager) MakeControllerExportedInterfacesUnavailable(controller string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, n := range rm.exported[controller] {
		if itf, ok := rm.command[n]; ok {
			itf.available = false
		}
	}
}

var _ contracts.ResourceManager = &FakeResourceManager{}

type fakeLoan struct {
	rm       *FakeResourceManager
	name     string
	command  bool
	released bool
	mu       sync.Mutex
}

func (l *fakeLoan) InterfaceName() string { return l.name }

func (l *fakeLoan) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	if !l.command {
		return
	}
	l.rm.mu.Lock()
	defer l.rm.mu.Unlock()
	if itf, ok := l.rm.command[l.name]; ok {
		itf.claimed = false
	}
}

// --- Fake Controller ---

// FakeController satisfies both Controller and ChainableController with
// overridable hooks, for driving the core from tests.
type FakeController struct {
	mu sync.Mutex

	CmdCfg   types.InterfaceConfig
	StateCfg types.InterfaceConfig

	Chainable bool
	Async     bool
	Rate      uint

	ExportedRefs   []string
	ExportedStates []string

	chained bool

	// Hook results default to success; override per test.
	ConfigureResult  types.CallbackResult
	ActivateResult   types.CallbackResult
	DeactivateResult types.CallbackResult
	CleanupResult    types.CallbackResult
	ErrorResult      types.CallbackResult

	// TriggerFunc, when set, replaces the default successful update.
	TriggerFunc func(t time.Time, period time.Duration) contracts.UpdateResult

	// Recorded activity.
	TriggerTimes   []time.Time
	TriggerPeriods []time.Duration
	AssignedCmd    []contracts.Loan
	AssignedState  []contracts.Loan
	DrainRequests  int
}

func (f *FakeController) CommandInterfaceConfiguration() types.InterfaceConfig { return f.CmdCfg }
func (f *FakeController) StateInterfaceConfiguration() types.InterfaceConfig   { return f.StateCfg }
func (f *FakeController) IsChainable() bool                                    { return f.Chainable }
func (f *FakeController) IsAsync() bool                                        { return f.Async }
func (f *FakeController) UpdateRate() uint                                     { return f.Rate }

func (f *FakeController) AssignInterfaces(command, state []contracts.Loan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AssignedCmd = command
	f.AssignedState = state
}

func (f *FakeController) ReleaseInterfaces() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AssignedCmd = nil
	f.AssignedState = nil
}

func (f *FakeController) OnInit() types.CallbackResult      { return types.CallbackSuccess }
func (f *FakeController) OnConfigure() types.CallbackResult { return f.ConfigureResult }
func (f *FakeController) OnActivate() types.CallbackResult  { return f.ActivateResult }
func (f *FakeController) OnDeactivate() types.CallbackResult {
	return f.DeactivateResult
}
func (f *FakeController) OnCleanup() types.CallbackResult  { return f.CleanupResult }
func (f *FakeController) OnShutdown() types.CallbackResult { return types.CallbackSuccess }
func (f *FakeController) OnError() types.CallbackResult    { return f.ErrorResult }

func (f *FakeController) TriggerUpdate(t time.Time, period time.Duration) contracts.UpdateResult {
	f.mu.Lock()
	f.TriggerTimes = append(f.TriggerTimes, t)
	f.TriggerPeriods = append(f.TriggerPeriods, period)
	fn := f.TriggerFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(t, period)
	}
	exec := time.Microsecond
	return contracts.UpdateResult{Successful: true, OK: true, ExecutionTime: &exec}
}

func (f *FakeController) PrepareForDeactivation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DrainRequests++
}

func (f *FakeController) ExportedReferenceInterfaceNames() []string {
	if !f.Chainable {
		return nil
	}
	return f.ExportedRefs
}

func (f *FakeController) ExportedStateInterfaceNames() []string {
	if !f.Chainable {
		return nil
	}
	return f.ExportedStates
}

func (f *FakeController) SetChainedMode(chained bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chained = chained
	return true
}

func (f *FakeController) IsInChainedMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chained
}

// TriggerCount returns how many updates have been triggered so far.
func (f *FakeController) TriggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.TriggerTimes)
}

var (
	_ contracts.Controller          = &FakeController{}
	_ contracts.ChainableController = &FakeController{}
)
