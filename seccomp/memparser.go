//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package seccomp

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// procMemParser recovers pointer/string syscall arguments by reading the
// tracee's own /proc/<pid>/mem, adapted directly from the teacher's
// seccomp/memParserProcfs.go processMemParse.
type procMemParser struct {
	pid uint32
}

func newProcMemParser(pid uint32) *procMemParser {
	return &procMemParser{pid: pid}
}

// ReadCString reads a NUL-terminated string at addr in the tracee's
// address space. addr == 0 returns an empty string, matching a NULL
// pointer argument.
func (p *procMemParser) ReadCString(addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	name := fmt.Sprintf("/proc/%d/mem", p.pid)
	f, err := os.Open(name)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(addr), 0); err != nil {
		return "", fmt.Errorf("seek of %s failed: %w", name, err)
	}
	line, err := bufio.NewReader(f).ReadString('\x00')
	if err != nil {
		return "", fmt.Errorf("read of %s at offset %d failed: %w", name, addr, err)
	}
	return strings.TrimSuffix(line, "\x00"), nil
}

// ReadBytes reads exactly n bytes at addr, for fixed-size struct
// arguments (e.g. a stat buffer destination) rather than NUL-terminated
// strings.
func (p *procMemParser) ReadBytes(addr uint64, n int) ([]byte, error) {
	if addr == 0 || n == 0 {
		return nil, nil
	}
	name := fmt.Sprintf("/proc/%d/mem", p.pid)
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("read of %s at offset %d failed: %w", name, addr, err)
	}
	return buf, nil
}

// WriteBytes writes data into the tracee's address space at addr, the
// other half of the register-level argument recovery SPEC_FULL.md §3
// describes: syscalls like read/getdents64/fstat/getcwd hand their result
// back to the jail by filling a buffer the jail itself allocated, rather
// than by returning a payload over RPCSOCK.
func (p *procMemParser) WriteBytes(addr uint64, data []byte) error {
	if addr == 0 || len(data) == 0 {
		return nil
	}
	name := fmt.Sprintf("/proc/%d/mem", p.pid)
	f, err := os.OpenFile(name, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("write of %s at offset %d failed: %w", name, addr, err)
	}
	return nil
}
