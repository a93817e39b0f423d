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

package domain

import "os"

// IOServiceType mirrors the teacher's domain/ionode.go split between a
// real-OS backend and an in-memory one used only by tests.
type IOServiceType int

const (
	IOOsFileService IOServiceType = iota
	IOMemFileService
)

// IOnode is the file-handle abstraction the vfs/resolver and the broker's
// SYS dispatch use to touch real backing paths, generalized from the
// teacher's domain.IOnodeIface.
type IOnode interface {
	Open(flags int, mode os.FileMode) error
	Read(p []byte) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Write(p []byte) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Close() error
	Stat() (os.FileInfo, error)
	Lstat() (os.FileInfo, error)
	ReadDirNames() ([]string, error)
	Seek(offset int64, whence int) (int64, error)
	Path() string

	// Fd returns the kernel-level descriptor backing an open node, when
	// one exists: the real-OS service's afero handle is a bare *os.File
	// underneath and exposes it directly, while the mem-backed service
	// (used by tests) has no kernel fd to give and reports ok=false.
	Fd() (uintptr, bool)
}

// IOService constructs IOnodes against either the real filesystem or an
// afero-backed memory filesystem (ioservice package), generalized from the
// teacher's domain.IOServiceIface.
type IOService interface {
	NewIOnode(path string) IOnode
	ServiceType() IOServiceType
}

// VFS is the broker's virtual filesystem resolver + descriptor table,
// spec.md §4.3/§4.4.
type VFS interface {
	// Resolve walks path (relative paths are resolved against cwd) to a
	// VNode, per the algorithm in spec.md §4.3.
	Resolve(path string, cwd string) (*VNode, error)

	// OpenNode applies spec.md §4.4's open_node rule order and allocates
	// the lowest free slot >= 4. Returns the jail-visible fd.
	OpenNode(path string, cwd string, flags int, mode os.FileMode) (int, error)

	// Close releases a jail-visible descriptor.
	Close(fd int) error

	// Lookup returns the FDEntry for a previously opened jail-visible fd.
	Lookup(fd int) (*FDEntry, bool)
}

// HostEscalator is the subset of Host behavior the broker calls into via
// the outer JSON-RPC channel: policy delivery at startup and the
// escalations spec.md §4.5 lists (PROXY walks, virtual-fd I/O, getcwd).
// Implemented by rpc.HostClient on the broker's side of the wire; on the
// Host's side, host.Service answers the matching sb.* JSON-RPC methods.
type HostEscalator interface {
	GetLimits() (Limits, error)
	GetFS() ([]*VNode, error)
	GetVirtualPythonPath() (string, error)
	GetCwd() (string, error)
	GetNode(parentName, parentRealPath, component, fullPath string) (*VNode, error)

	// Virtual (host-hosted) descriptor operations, keyed by the token the
	// host returned from OpenVirtual.
	OpenVirtual(path string, flags int) (token int64, err error)
	ReadVirtual(token int64, length int, offset int64) ([]byte, error)
	WriteVirtual(token int64, data []byte, offset int64) (int, error)
	CloseVirtual(token int64) error
	StatVirtual(token int64) (*Stat, error)

	// App forwards a bare "app.<name>" escalation verbatim; used for
	// operations spec.md leaves to external collaborators (out of scope
	// §1) but that still must round-trip through the wire per §4.5.
	App(method string, params interface{}) (interface{}, error)
}

// Stat is the wire-portable subset of a POSIX stat buffer the protocol
// carries back for getattr-shaped responses.
type Stat struct {
	Mode  uint32
	Size  int64
	Uid   uint32
	Gid   uint32
	Ino   uint64
	Mtime int64
}
