// Copyright 2024 the profiler authors.
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

// Package profiler is a function-level CPU profiler for instrumented
// programs. An entry and an exit hook are invoked around every
// instrumented function call; the runtime keeps per-thread call stacks
// with thread-CPU time bookkeeping and a process-wide
// function-by-caller index, and writes a compact textual trace at
// shutdown. The same package post-processes that trace into reports:
// top functions by calls or CPU, per-thread statistics, call trees and
// a summary, with symbol names resolved through an external
// addr2line-compatible resolver.
//
// Configuration is taken from the environment: PROFILE_LOG_FILE,
// PROFILE_FUNC_POOL, PROFILE_CALLER_POOL, PROFILE_STACK_SIZE,
// PROFILE_DAEMON, PROFILE_DISABLE, PROFILE_STRICT and PROFILE_DEBUG.
//
// Goroutines running instrumented code must be locked to their OS
// thread (runtime.LockOSThread) so that the per-thread CPU clock and
// the per-thread call stack stay attached to the code being measured.
// The hooks cannot survive control flow that skips the exit hook:
// panicking across instrumented frames loses their CPU usage, and in
// strict mode the resulting stack mismatch is a terminal error.
package profiler

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Profile is one instrumentation runtime: the record pools, the
// function/caller index, the thread table and the latched error state.
// A process normally uses the Default instance; tests create their
// own.
type Profile struct {
	cfg Config
	log zerolog.Logger

	funcPool   []funcRecord
	callerPool []callerRecord
	fpoolUsed  int
	cpoolUsed  int

	// poolMu guards function pool allocation and function tree
	// insertion; callerMu does the same for caller records so the two
	// do not serialize each other.
	poolMu   sync.Mutex
	callerMu sync.Mutex

	root    [funcTableSize]atomic.Pointer[funcRecord]
	threads [threadTableSize]atomic.Pointer[threadRecord]

	threadMu   sync.Mutex
	numThreads atomic.Int32
	maxThreads atomic.Int32

	// stackLimit is the configured stack size plus one; a push that
	// reaches it is a terminal error.
	stackLimit int
	threadSize int

	errState        atomic.Bool
	funcExhausted   atomic.Bool
	callerExhausted atomic.Bool
	stackExhausted  atomic.Bool
	timeError       atomic.Bool

	disabled bool
	pid      int

	startWall unix.Timespec

	threadClock  func() (unix.Timespec, error)
	processClock func() (unix.Timespec, error)
	wallClock    func() (unix.Timespec, error)

	dumpOnce sync.Once
}

// Option configures a Profile created by New.
type Option func(*Profile)

// TimeFunc overrides the per-thread CPU clock with a nanosecond
// counter, for deterministic tests.
func TimeFunc(f func() int64) Option {
	return func(p *Profile) {
		p.threadClock = func() (unix.Timespec, error) {
			return unix.NsecToTimespec(f()), nil
		}
	}
}

// ProcessTimeFunc overrides the process CPU clock.
func ProcessTimeFunc(f func() int64) Option {
	return func(p *Profile) {
		p.processClock = func() (unix.Timespec, error) {
			return unix.NsecToTimespec(f()), nil
		}
	}
}

// WallTimeFunc overrides the monotonic wall clock.
func WallTimeFunc(f func() int64) Option {
	return func(p *Profile) {
		p.wallClock = func() (unix.Timespec, error) {
			return unix.NsecToTimespec(f()), nil
		}
	}
}

var (
	frameSize        = unsafe.Sizeof(stackFrame{})
	threadRecordSize = unsafe.Sizeof(threadRecord{})
)

// New builds a Profile. It preallocates both pools, captures the PID
// and the initial wall clock sample and, on any failure, latches the
// error state so that every hook becomes a no-op and the dump reports
// what went wrong.
func New(cfg Config, opts ...Option) *Profile {
	cfg.normalize()

	p := &Profile{
		cfg:          cfg,
		log:          cfg.logger(),
		threadClock:  threadTime,
		processClock: processTime,
		wallClock:    wallTime,
		pid:          os.Getpid(),
	}
	for _, o := range opts {
		o(p)
	}

	if cfg.Disable {
		p.disabled = true
		p.errState.Store(true)
		return p
	}

	p.stackLimit = cfg.StackSize + 1
	p.threadSize = p.stackLimit*int(frameSize) + int(threadRecordSize)
	p.allocPools()

	ts, err := p.wallClock()
	if err != nil {
		p.timeError.Store(true)
		p.funcPool = nil
		p.callerPool = nil
		p.fail("monotonic clock unavailable")
		return p
	}
	p.startWall = ts

	p.log.Debug().
		Str("file", cfg.LogFile).
		Int("func-pool", cfg.FuncPool).
		Int("caller-pool", cfg.CallerPool).
		Int("stack-size", cfg.StackSize).
		Msg("instrumentation runtime ready")
	return p
}

// fail latches the terminal error state. All hooks return immediately
// from then on; the dumper reports the reason.
func (p *Profile) fail(reason string) {
	if !p.errState.Swap(true) {
		p.log.Debug().Str("reason", reason).Msg("profiling disabled")
	}
}

// failTime latches a clock access failure.
func (p *Profile) failTime() {
	p.timeError.Store(true)
	p.fail("time access failure")
}

var (
	defaultOnce    sync.Once
	defaultProfile *Profile
)

// The default profile is initialized from the environment at package
// init, before any user code runs.
func init() {
	Default()
}

// Default returns the process-wide Profile, initialized from the
// environment exactly once.
func Default() *Profile {
	defaultOnce.Do(func() {
		defaultProfile = New(ConfigFromEnv())
	})
	return defaultProfile
}

// FuncEnter is the package-level entry hook bound to the default
// profile. Instrumented code calls it at every function prologue with
// the callee address and the return site address.
func FuncEnter(fn, caller uintptr) {
	Default().FuncEnter(fn, caller)
}

// FuncExit is the package-level exit hook bound to the default
// profile.
func FuncExit(fn, caller uintptr) {
	Default().FuncExit(fn, caller)
}

// Dump writes the default profile's trace, honoring the daemon/PID
// write policy. Call it once at process exit.
func Dump() error {
	return Default().Dump()
}
