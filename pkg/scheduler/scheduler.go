// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler implements the cooperative scheduler of spec.md
// §4.4/§5: a process table stepped round-robin, interleaved with one
// poll pass over registered network devices. Nothing here spawns a
// goroutine per connection — every subsystem is an explicit state
// machine advanced by Step, matching the single-threaded model spec.md
// §5 requires.
package scheduler

import "github.com/netboot-go/ipxecore/pkg/metrics"

// Process is a zero-arg step function. It must return quickly and
// never block; long operations are expressed as state retained by the
// closure and advanced incrementally across calls.
type Process func()

// Pollable is anything the scheduler advances once per pass outside
// the process table — in practice, a net device's TX-completion reap
// and RX-queue drain (pkg/netdev.Device implements this).
type Pollable interface {
	Poll()
}

// Scheduler holds the permanent process table and the set of
// registered pollables (net devices, retry timers surfaced via
// timer.RetryTimer.Poll wrapped as a Process).
type Scheduler struct {
	processes []Process
	pollables []Pollable
	stopped   bool
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// AddProcess registers a permanent process. Processes are never
// removed individually; cancellation is performed by shutting down
// the interface graph upstream of the work (spec.md §5), which makes
// the process a no-op on its next Step.
func (s *Scheduler) AddProcess(p Process) {
	s.processes = append(s.processes, p)
}

// AddPollable registers a device (or anything else with Poll) to be
// stepped once per scheduler pass.
func (s *Scheduler) AddPollable(p Pollable) {
	s.pollables = append(s.pollables, p)
}

// Step traverses the process table once, in registration order, then
// polls every registered pollable once — "one pass over processes and
// one pass over network devices" (spec.md §4.4), giving drivers
// priority over downstream processing within each pass.
func (s *Scheduler) Step() {
	for _, p := range s.processes {
		p()
	}
	for _, d := range s.pollables {
		d.Poll()
	}
	metrics.SchedulerSteps.Inc()
}

// Run steps the scheduler until Stop is called or until is nil but a
// cooperative idle-wait loop (spec.md §4.4's "idle wait") is wanted —
// callers that need to block until a condition holds should instead
// call Step in their own loop and check the condition, mirroring the
// explicit `wait` loops spec.md §5 describes; Run is provided for the
// common case of "run forever until shut down".
func (s *Scheduler) Run() {
	for !s.stopped {
		s.Step()
	}
}

// Stop marks the scheduler as stopped; the current Run loop exits
// after finishing its in-flight Step.
func (s *Scheduler) Stop() {
	s.stopped = true
}

// WaitFor repeatedly Steps the scheduler until cond returns true or
// maxSteps passes have elapsed (a bound so a stalled condition cannot
// hang a caller forever); it is the "explicit wait loop that spins on
// a condition while calling step()" named in spec.md §5.
func WaitFor(s *Scheduler, maxSteps int, cond func() bool) bool {
	for i := 0; i < maxSteps; i++ {
		if cond() {
			return true
		}
		s.Step()
	}
	return cond()
}
