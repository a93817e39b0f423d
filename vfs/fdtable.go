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

package vfs

import (
	"os"
	"sync"
	"syscall"

	"github.com/skizzerz/pysandbox-go/domain"
)

// fdTable is the broker's descriptor table, spec.md §3/§4.4. Slots 0-3 are
// reserved (stdin/stdout/stderr/RPCSOCK); allocation starts at
// domain.FirstFreeFD.
type fdTable struct {
	mu    sync.Mutex
	slots map[int]*domain.FDEntry
	nodes ionodeMap
}

// ionodeMap tracks the real domain.IOnode backing an FDKindReal slot.
// Kept out of domain.FDEntry itself so that package domain stays free of a
// dependency on the IOnode interface's implementations.
type ionodeMap map[int]domain.IOnode

func (m ionodeMap) set(fd int, n domain.IOnode) { m[fd] = n }
func (m ionodeMap) get(fd int) (domain.IOnode, bool) {
	n, ok := m[fd]
	return n, ok
}
func (m ionodeMap) delete(fd int) { delete(m, fd) }

func newFDTable() *fdTable {
	t := &fdTable{slots: make(map[int]*domain.FDEntry), nodes: make(ionodeMap)}
	t.slots[domain.FDStdin] = &domain.FDEntry{Kind: domain.FDKindFixed, Name: "stdin", Flags: domain.NOCLOSE}
	t.slots[domain.FDStdout] = &domain.FDEntry{Kind: domain.FDKindFixed, Name: "stdout", Flags: domain.NOCLOSE | domain.WRITABLE}
	t.slots[domain.FDStderr] = &domain.FDEntry{Kind: domain.FDKindFixed, Name: "stderr", Flags: domain.NOCLOSE | domain.WRITABLE}
	return t
}

// alloc picks the lowest free slot >= FirstFreeFD, or -1 if the table is
// full (EMFILE).
func (t *fdTable) alloc() int {
	for i := domain.FirstFreeFD; i < domain.MaxFDs; i++ {
		if _, used := t.slots[i]; !used {
			return i
		}
	}
	return -1
}

func (t *fdTable) Lookup(fd int) (*domain.FDEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[fd]
	return e, ok
}

func (t *fdTable) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[fd]
	if !ok {
		return syscall.EBADF
	}
	if e.Flags.Has(domain.NOCLOSE) {
		return nil
	}
	delete(t.slots, fd)
	return nil
}

// OpenNode implements spec.md §4.4's open_node rule order (first match
// wins) and allocates the lowest free jail-visible slot >= 4.
func (r *Resolver) OpenNode(path string, cwd string, flags int, mode os.FileMode) (int, error) {
	node, err := r.Resolve(path, cwd)
	writeRequested := flags&(os.O_WRONLY|os.O_RDWR) != 0

	switch {
	case err != nil && flags&os.O_CREATE != 0:
		// Rule 1: node absent and O_CREAT -> EROFS (writes never create
		// new virtual nodes).
		return -1, syscall.EROFS
	case err != nil:
		// Rule 2: node absent -> ENOENT.
		return -1, syscall.ENOENT
	case node.Flags.Has(domain.DIRECTORY) && writeRequested:
		// Rule 3: DIRECTORY node but write requested -> EISDIR.
		return -1, syscall.EISDIR
	case flags&(os.O_CREATE|os.O_EXCL) == (os.O_CREATE | os.O_EXCL):
		// Rule 4: O_CREAT|O_EXCL on an existing node -> EEXIST.
		return -1, syscall.EEXIST
	case writeRequested && !node.Flags.Has(domain.WRITABLE):
		// Rule 5: write requested on a non-WRITABLE node -> EROFS.
		return -1, syscall.EROFS
	case node.Flags.Has(domain.DIRECTORY) && flags&syscall.O_DIRECTORY == 0:
		// Rule 6: DIRECTORY node but O_DIRECTORY absent -> ENOTDIR.
		return -1, syscall.ENOTDIR
	}

	slot := r.fds.alloc()
	if slot < 0 {
		return -1, syscall.EMFILE
	}

	entry := &domain.FDEntry{
		Name:     node.Name,
		RealPath: node.RealPath,
		Flags:    node.Flags,
	}
	if flags&os.O_CLOEXEC != 0 {
		entry.Flags |= domain.CLOEXEC
	}

	if node.RealPath != "" {
		// Rule 7a: real backing -> open it directly (broker-side; the
		// jail never touches the resulting descriptor number).
		ion := r.ios.NewIOnode(node.RealPath)
		if err := ion.Open(flags, mode); err != nil {
			return -1, err
		}
		entry.Kind = domain.FDKindReal
		r.fds.mu.Lock()
		r.fds.slots[slot] = entry
		r.fds.nodes.set(slot, ion)
		r.fds.mu.Unlock()
		return slot, nil
	}

	// Rule 7b: no real backing -> escalate to Host, which returns a
	// positive virtual token; store its negation-minus-one so every
	// jail-visible fd is distinguishable from a real one by sign
	// (spec.md §4.4).
	if r.host == nil {
		return -1, syscall.ENOENT
	}
	token, err := r.host.OpenVirtual(node.Path(), flags)
	if err != nil {
		return -1, err
	}
	entry.Kind = domain.FDKindVirtual
	entry.VirtualToken = domain.EncodeVirtualToken(token)
	r.fds.mu.Lock()
	r.fds.slots[slot] = entry
	r.fds.mu.Unlock()
	return slot, nil
}

func (r *Resolver) Close(fd int) error {
	r.fds.mu.Lock()
	entry, ok := r.fds.slots[fd]
	ion, hasIon := r.fds.nodes.get(fd)
	r.fds.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	if entry.Flags.Has(domain.NOCLOSE) {
		return nil
	}
	if entry.Kind == domain.FDKindReal && hasIon {
		_ = ion.Close()
		r.fds.mu.Lock()
		r.fds.nodes.delete(fd)
		r.fds.mu.Unlock()
	} else if entry.Kind == domain.FDKindVirtual && r.host != nil {
		_ = r.host.CloseVirtual(domain.DecodeVirtualToken(entry.VirtualToken))
	}
	return r.fds.Close(fd)
}

func (r *Resolver) Lookup(fd int) (*domain.FDEntry, bool) {
	return r.fds.Lookup(fd)
}

// IOnode returns the real IOnode backing a real (not virtual, not fixed)
// fd, for the SYS dispatch layer to perform read/write/stat against.
func (r *Resolver) IOnode(fd int) (domain.IOnode, bool) {
	r.fds.mu.Lock()
	defer r.fds.mu.Unlock()
	return r.fds.nodes.get(fd)
}
