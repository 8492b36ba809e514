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

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/kinematix/controlmgr/pkg/controlmgr/contracts"
	"github.com/kinematix/controlmgr/pkg/controlmgr/manager"
	"github.com/kinematix/controlmgr/pkg/controlmgr/switching"
	"github.com/kinematix/controlmgr/pkg/controlmgr/types"
)

// simJoints are the joints exposed by the simulated hardware.
var simJoints = []string{"joint1", "joint2"}

// simulatedHardware is a minimal in-process ResourceManager: one component,
// position command and position/velocity state per joint, no dynamics.
type simulatedHardware struct {
	mu     sync.Mutex
	logger logr.Logger

	command  map[string]*simInterface
	state    map[string]bool
	owner    map[string]string
	exported map[string][]string
}

type simInterface struct {
	available bool
	claimed   bool
}

const simComponent = "sim_arm"

func newSimulatedHardware(logger logr.Logger) *simulatedHardware {
	s := &simulatedHardware{
		logger:   logger.WithName("sim-hardware"),
		command:  make(map[string]*simInterface),
		state:    make(map[string]bool),
		owner:    make(map[string]string),
		exported: make(map[string][]string),
	}
	for _, j := range simJoints {
		cmd := j + "/position"
		s.command[cmd] = &simInterface{available: true}
		s.owner[cmd] = simComponent
		for _, suffix := range []string{"/position", "/velocity"} {
			s.state[j+suffix] = true
			s.owner[j+suffix] = simComponent
		}
	}
	return s
}

func (s *simulatedHardware) AvailableCommandInterfaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for n, itf := range s.command {
		if itf.available && !itf.claimed {
			out = append(out, n)
		}
	}
	return out
}

func (s *simulatedHardware) AvailableStateInterfaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.state))
	for n := range s.state {
		out = append(out, n)
	}
	return out
}

func (s *simulatedHardware) CommandInterfaceIsAvailable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	itf, ok := s.command[name]
	return ok && itf.available && !itf.claimed
}

func (s *simulatedHardware) StateInterfaceIsAvailable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[name]
}

func (s *simulatedHardware) CommandInterfaceIsClaimed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	itf, ok := s.command[name]
	return ok && itf.claimed
}

func (s *simulatedHardware) ClaimCommandInterface(name string) (contracts.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	itf, ok := s.command[name]
	if !ok || !itf.available {
		return nil, fmt.Errorf("command interface %q: %w", name, types.ErrInterfaceUnavailable)
	}
	if itf.claimed {
		return nil, fmt.Errorf("command interface %q already claimed: %w", name, types.ErrConflict)
	}
	itf.claimed = true
	return &simLoan{hw: s, name: name, command: true}, nil
}

func (s *simulatedHardware) ClaimStateInterface(name string) (contracts.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state[name] {
		return nil, fmt.Errorf("state interface %q: %w", name, types.ErrInterfaceUnavailable)
	}
	return &simLoan{hw: s, name: name}, nil
}

func (s *simulatedHardware) PrepareCommandModeSwitch(activate, deactivate []string) bool { return true }
func (s *simulatedHardware) PerformCommandModeSwitch(activate, deactivate []string) bool { return true }

func (s *simulatedHardware) Read(t time.Time, period time.Duration) (contracts.HardwareStatus, []string) {
	return contracts.HardwareOK, nil
}

func (s *simulatedHardware) Write(t time.Time, period time.Duration) (contracts.HardwareStatus, []string) {
	return contracts.HardwareOK, nil
}

func (s *simulatedHardware) EnforceCommandLimits(period time.Duration) {}

func (s *simulatedHardware) ComponentForInterface(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.owner[name]
	return c, ok
}

func (s *simulatedHardware) ImportControllerReferenceInterfaces(controller string, names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.command[n] = &simInterface{}
		s.owner[n] = controller
		s.exported[controller] = append(s.exported[controller], n)
	}
}

func (s *simulatedHardware) ImportControllerExportedStateInterfaces(controller string, names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.state[n] = true
		s.owner[n] = controller
		s.exported[controller] = append(s.exported[controller], n)
	}
}

func (s *simulatedHardware) RemoveControllerExportedInterfaces(controller string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.exported[controller] {
		delete(s.command, n)
		delete(s.state, n)
		delete(s.owner, n)
	}
	delete(s.exported, controller)
}

func (s *simulatedHardware) MakeControllerExportedInterfacesAvailable(controller string) {
	s.setExportedAvailability(controller, true)
}

func (s *simulatedHardware) MakeControllerExportedInterfacesUnavailable(controller string) {
	s.setExportedAvailability(controller, false)
}

func (s *simulatedHardware) setExportedAvailability(controller string, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.exported[controller] {
		if itf, ok := s.command[n]; ok {
			itf.available = available
		}
	}
}

var _ contracts.ResourceManager = &simulatedHardware{}

type simLoan struct {
	hw       *simulatedHardware
	name     string
	command  bool
	released bool
	mu       sync.Mutex
}

func (l *simLoan) InterfaceName() string { return l.name }

func (l *simLoan) Release() {
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
	l.hw.mu.Lock()
	defer l.hw.mu.Unlock()
	if itf, ok := l.hw.command[l.name]; ok {
		itf.claimed = false
	}
}

// holdController keeps the last commanded position on its joint.
type holdController struct {
	joint string
	loans []contracts.Loan
}

func (h *holdController) CommandInterfaceConfiguration() types.InterfaceConfig {
	return types.InterfaceConfig{
		Type:  types.InterfaceConfigIndividual,
		Names: []string{h.joint + "/position"},
	}
}

func (h *holdController) StateInterfaceConfiguration() types.InterfaceConfig {
	return types.InterfaceConfig{
		Type:  types.InterfaceConfigIndividual,
		Names: []string{h.joint + "/position"},
	}
}

func (h *holdController) IsChainable() bool { return false }
func (h *holdController) IsAsync() bool     { return false }
func (h *holdController) UpdateRate() uint  { return 0 }

func (h *holdController) AssignInterfaces(command, state []contracts.Loan) {
	h.loans = append(command, state...)
}
func (h *holdController) ReleaseInterfaces() { h.loans = nil }

func (h *holdController) OnInit() types.CallbackResult       { return types.CallbackSuccess }
func (h *holdController) OnConfigure() types.CallbackResult  { return types.CallbackSuccess }
func (h *holdController) OnActivate() types.CallbackResult   { return types.CallbackSuccess }
func (h *holdController) OnDeactivate() types.CallbackResult { return types.CallbackSuccess }
func (h *holdController) OnCleanup() types.CallbackResult    { return types.CallbackSuccess }
func (h *holdController) OnShutdown() types.CallbackResult   { return types.CallbackSuccess }
func (h *holdController) OnError() types.CallbackResult      { return types.CallbackSuccess }

func (h *holdController) TriggerUpdate(t time.Time, period time.Duration) contracts.UpdateResult {
	return contracts.UpdateResult{Successful: true, OK: true}
}

func (h *holdController) PrepareForDeactivation() {}

// loadDemoControllers loads and activates one hold controller per joint.
func loadDemoControllers(cm *manager.ControllerManager) error {
	var names []string
	for _, j := range simJoints {
		name := j + "_hold"
		if err := cm.Load(name, "hold_controller", &holdController{joint: j}, nil); err != nil {
			return err
		}
		if err := cm.Configure(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	go func() {
		// Activation waits for the realtime loop to apply it, so the switch
		// runs in its own goroutine while Run starts ticking.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = cm.SwitchControllers(ctx, switching.Spec{
			Activate:   names,
			Strictness: types.StrictnessStrict,
			Timeout:    5 * time.Second,
		})
	}()
	return nil
}
