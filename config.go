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

package profiler

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/xyproto/env/v2"
)

// Defaults applied by Config.normalize for unset or nonsense values.
const (
	DefaultLogFile    = "instrumentation.out"
	DefaultFuncPool   = 1000
	DefaultCallerPool = 5000
	DefaultStackSize  = 100
)

// Config controls a Profile instance. The zero value is usable after
// normalize fills in the defaults; ConfigFromEnv builds one from the
// PROFILE_* environment variables.
type Config struct {
	// LogFile is the path the trace is written to at shutdown.
	LogFile string
	// FuncPool is the capacity of the function record pool.
	FuncPool int
	// CallerPool is the capacity of the caller record pool.
	CallerPool int
	// StackSize is the per-thread call stack depth. The internal
	// limit is one larger.
	StackSize int
	// Daemon selects which side of a fork writes the trace: when set,
	// only a child process dumps; otherwise only the process whose PID
	// was captured at initialization does.
	Daemon bool
	// Disable turns the whole runtime into no-ops.
	Disable bool
	// Strict enables defensive checks: clock read failures and
	// entry/exit frame mismatches become terminal profiling errors.
	Strict bool
	// Debug enables diagnostic logging on stderr. The hook hot path
	// never logs regardless.
	Debug bool
}

// ConfigFromEnv reads the recognized PROFILE_* variables.
func ConfigFromEnv() Config {
	return Config{
		LogFile:    env.Str("PROFILE_LOG_FILE", DefaultLogFile),
		FuncPool:   env.Int("PROFILE_FUNC_POOL", DefaultFuncPool),
		CallerPool: env.Int("PROFILE_CALLER_POOL", DefaultCallerPool),
		StackSize:  env.Int("PROFILE_STACK_SIZE", DefaultStackSize),
		Daemon:     env.Has("PROFILE_DAEMON"),
		Disable:    env.Has("PROFILE_DISABLE"),
		Strict:     env.Has("PROFILE_STRICT"),
		Debug:      env.Has("PROFILE_DEBUG"),
	}
}

// normalize replaces unset and nonpositive limits with the defaults,
// the same way the environment parser treats bad values.
func (c *Config) normalize() {
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}
	if c.FuncPool <= 0 {
		c.FuncPool = DefaultFuncPool
	}
	if c.CallerPool <= 0 {
		c.CallerPool = DefaultCallerPool
	}
	if c.StackSize <= 0 {
		c.StackSize = DefaultStackSize
	}
}

// logger builds the diagnostic logger: a console writer on stderr when
// Debug is set, a no-op otherwise.
func (c *Config) logger() zerolog.Logger {
	if !c.Debug {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).Level(zerolog.DebugLevel).With().Timestamp().Str("component", "profiler").Logger()
}
