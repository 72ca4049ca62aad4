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
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// Synthetic address space for wasm functions. Function indexes are
// spread by the same shift the bucket selection uses; call sites are
// faked a few bytes into the calling function's body.
const (
	listenerAddrBase = uintptr(0x00400000)
	listenerHostSite = listenerAddrBase - 0x10
	callSiteOffset   = 0x4
)

// Listener adapts the instrumentation hooks to wazero's function
// listener interface so WebAssembly modules can be profiled into the
// same trace format. Install it with
// context.WithValue(ctx, experimental.FunctionListenerFactoryKey{}, l)
// before compiling the module.
//
// One Listener tracks one module invocation at a time: the shadow
// stack mapping wasm frames to synthetic call sites is shared across
// the module's functions. Run the module on a single goroutine locked
// to its OS thread.
type Listener struct {
	prof *Profile

	mu    sync.Mutex
	stack []uintptr
}

// NewListener returns a listener factory feeding p.
func NewListener(p *Profile) *Listener {
	return &Listener{prof: p}
}

// NewFunctionListener implements experimental.FunctionListenerFactory.
func (l *Listener) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	return &wasmHook{l: l, addr: wasmFuncAddr(def.Index())}
}

// wasmFuncAddr maps a module function index into the synthetic
// address space.
func wasmFuncAddr(index uint32) uintptr {
	return listenerAddrBase + uintptr(index)<<4
}

type wasmHook struct {
	l    *Listener
	addr uintptr
}

// Before implements experimental.FunctionListener.
func (h *wasmHook) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) {
	l := h.l
	l.mu.Lock()
	caller := listenerHostSite
	if n := len(l.stack); n > 0 {
		caller = l.stack[n-1] + callSiteOffset
	}
	l.stack = append(l.stack, h.addr)
	l.mu.Unlock()

	l.prof.FuncEnter(h.addr, caller)
}

// After implements experimental.FunctionListener.
func (h *wasmHook) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, results []uint64) {
	h.exit()
}

// Abort implements experimental.FunctionListener. A trapped function
// still leaves through the exit hook so the instrumentation stack
// stays aligned with the wasm stack.
func (h *wasmHook) Abort(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error) {
	h.exit()
}

func (h *wasmHook) exit() {
	l := h.l
	l.mu.Lock()
	n := len(l.stack) - 1
	if n < 0 {
		l.mu.Unlock()
		return
	}
	caller := listenerHostSite
	if n > 0 {
		caller = l.stack[n-1] + callSiteOffset
	}
	l.stack = l.stack[:n]
	l.mu.Unlock()

	l.prof.FuncExit(h.addr, caller)
}
