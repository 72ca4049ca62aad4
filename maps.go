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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// procMapping is one executable region of the process address space,
// with the start/end kept as the raw hex strings from the map file so
// the dump reproduces them byte for byte.
type procMapping struct {
	start string
	end   string
	path  string
}

// readProcMaps parses a /proc/<pid>/maps stream and keeps the regions
// that are executable (mode r-xp) and backed by a real file. Malformed
// lines are skipped.
func readProcMaps(r io.Reader) []procMapping {
	var out []procMapping
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		mode := fields[1]
		path := fields[5]
		if mode != "r-xp" || !strings.HasPrefix(path, "/") {
			continue
		}
		start, end, ok := strings.Cut(fields[0], "-")
		if !ok || start == "" || end == "" {
			continue
		}
		out = append(out, procMapping{start: start, end: end, path: path})
	}
	return out
}

// dumpMaps emits one MAP: line per executable file-backed region of
// the current process.
func dumpMaps(w io.Writer, pid int) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return
	}
	defer f.Close()
	for _, m := range readProcMaps(f) {
		fmt.Fprintf(w, "MAP: 0x%s 0x%s %s\n", m.start, m.end, m.path)
	}
}
