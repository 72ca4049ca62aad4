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

// The wasm-profiler command runs a WebAssembly binary with the
// instrumentation hooks attached to every function, then writes the
// usual trace file at exit. Configuration comes from the PROFILE_*
// environment variables; the function addresses in the trace are
// synthetic, derived from the module's function indexes.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/not1337/profiler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: wasm-profiler </path/to/app.wasm>")
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()

	wasmPath := args[0]
	wasmName := filepath.Base(wasmPath)
	wasmCode, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("loading wasm module: %w", err)
	}

	prof := profiler.Default()
	ctx = context.WithValue(ctx,
		experimental.FunctionListenerFactoryKey{},
		profiler.NewListener(prof),
	)

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithDebugInfoEnabled(true))
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, wasmCode)
	if err != nil {
		return fmt.Errorf("compiling wasm module: %w", err)
	}

	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	config := wazero.NewModuleConfig().
		WithStdout(os.Stdout).
		WithStderr(os.Stderr).
		WithStdin(os.Stdin).
		WithRandSource(rand.Reader).
		WithSysNanosleep().
		WithSysNanotime().
		WithSysWalltime().
		WithArgs(wasmName)

	ctx, cause := context.WithCancelCause(ctx)
	go func() {
		// The per-thread CPU clock must stay attached to the module's
		// execution.
		runtime.LockOSThread()
		defer cause(nil)

		instance, err := rt.InstantiateModule(ctx, compiled, config)
		if err != nil {
			cause(fmt.Errorf("instantiating module: %w", err))
			return
		}
		if err := instance.Close(ctx); err != nil {
			cause(fmt.Errorf("closing module: %w", err))
		}
	}()

	<-ctx.Done()
	if err := prof.Dump(); err != nil {
		log.Error().Err(err).Msg("writing trace")
	}
	err = context.Cause(ctx)
	if err == context.Canceled {
		err = nil
	}
	return err
}
