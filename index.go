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

// Process-wide function/caller index: a fixed bucket table of binary
// search trees keyed by address. Lookups are lock-free pointer chases;
// insertion takes the pool mutex, re-checks the slot (a racing thread
// may have published a node there) and bump-allocates from the pool.
// Published nodes are immutable except for their counters, so a node
// observed through an atomic load is always fully initialized.

// lookupFunc returns the function record for addr, inserting it on
// first sight. Returns nil after latching the terminal error state
// when the function pool is exhausted.
func (p *Profile) lookupFunc(addr uintptr) *funcRecord {
	slot := &p.root[(addr>>4)&(funcTableSize-1)]
	for {
		e := slot.Load()
		if e != nil {
			if e.addr < addr {
				slot = &e.left
				continue
			}
			if e.addr > addr {
				slot = &e.right
				continue
			}
			return e
		}
		p.poolMu.Lock()
		if slot.Load() != nil {
			p.poolMu.Unlock()
			continue
		}
		if p.fpoolUsed == p.cfg.FuncPool {
			p.funcExhausted.Store(true)
			p.poolMu.Unlock()
			p.fail("function pool exhausted")
			return nil
		}
		e = &p.funcPool[p.fpoolUsed]
		p.fpoolUsed++
		e.addr = addr
		slot.Store(e)
		p.poolMu.Unlock()
		return e
	}
}

// lookupCaller returns the caller record for addr under function e,
// inserting it on first sight, with the same protocol as lookupFunc
// but a distinct mutex so function and caller insertion do not
// serialize each other.
func (p *Profile) lookupCaller(e *funcRecord, addr uintptr) *callerRecord {
	slot := &e.caller[(addr>>4)&(callerTableSize-1)]
	for {
		c := slot.Load()
		if c != nil {
			if c.addr < addr {
				slot = &c.left
				continue
			}
			if c.addr > addr {
				slot = &c.right
				continue
			}
			return c
		}
		p.callerMu.Lock()
		if slot.Load() != nil {
			p.callerMu.Unlock()
			continue
		}
		if p.cpoolUsed == p.cfg.CallerPool {
			p.callerExhausted.Store(true)
			p.callerMu.Unlock()
			p.fail("caller pool exhausted")
			return nil
		}
		c = &p.callerPool[p.cpoolUsed]
		p.cpoolUsed++
		c.addr = addr
		slot.Store(c)
		p.callerMu.Unlock()
		return c
	}
}

// updateDepth installs d as the function's peak stack depth if it
// exceeds the current value.
func updateDepth(e *funcRecord, d uint32) {
	for {
		cur := e.depth.Load()
		if d <= cur || e.depth.CompareAndSwap(cur, d) {
			return
		}
	}
}
