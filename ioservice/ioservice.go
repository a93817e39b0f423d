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

// Package ioservice provides the broker's file-handle abstraction over
// real backing paths, generalized from the teacher's sysio package (itself
// split into domain.IOOsFileService / domain.IOMemFileService via
// spf13/afero). The broker never lets the jail touch one of these handles
// directly — every read/write/stat arrives as a trapped syscall on the
// seccomp notification fd, which the broker services against an IOnode,
// copying any result bytes into the jail's memory through a MemParser.
package ioservice

import (
	"os"

	"github.com/spf13/afero"

	"github.com/skizzerz/pysandbox-go/domain"
)

type service struct {
	kind domain.IOServiceType
	fs   afero.Fs
}

// NewOSService backs IOnodes with the real host filesystem.
func NewOSService() domain.IOService {
	return &service{kind: domain.IOOsFileService, fs: afero.NewOsFs()}
}

// NewMemService backs IOnodes with an in-memory filesystem, for tests that
// must not touch the real host (domain.IOMemFileService equivalent).
func NewMemService() domain.IOService {
	return &service{kind: domain.IOMemFileService, fs: afero.NewMemMapFs()}
}

func (s *service) ServiceType() domain.IOServiceType { return s.kind }

func (s *service) NewIOnode(path string) domain.IOnode {
	return &ioNode{svc: s, path: path}
}

type ioNode struct {
	svc  *service
	path string
	file afero.File
}

func (n *ioNode) Path() string { return n.path }

func (n *ioNode) Open(flags int, mode os.FileMode) error {
	f, err := n.svc.fs.OpenFile(n.path, flags, mode)
	if err != nil {
		return err
	}
	n.file = f
	return nil
}

func (n *ioNode) Read(p []byte) (int, error) {
	if n.file == nil {
		return 0, os.ErrClosed
	}
	return n.file.Read(p)
}

func (n *ioNode) ReadAt(p []byte, off int64) (int, error) {
	if n.file == nil {
		return 0, os.ErrClosed
	}
	return n.file.ReadAt(p, off)
}

func (n *ioNode) Write(p []byte) (int, error) {
	if n.file == nil {
		return 0, os.ErrClosed
	}
	return n.file.Write(p)
}

func (n *ioNode) WriteAt(p []byte, off int64) (int, error) {
	if n.file == nil {
		return 0, os.ErrClosed
	}
	return n.file.WriteAt(p, off)
}

func (n *ioNode) Close() error {
	if n.file == nil {
		return nil
	}
	err := n.file.Close()
	n.file = nil
	return err
}

func (n *ioNode) Seek(offset int64, whence int) (int64, error) {
	if n.file == nil {
		return 0, os.ErrClosed
	}
	return n.file.Seek(offset, whence)
}

func (n *ioNode) Stat() (os.FileInfo, error) {
	return n.svc.fs.Stat(n.path)
}

// Lstat falls back to Stat on the memory backend, which has no symlink
// concept; the OS backend uses os.Lstat directly since afero.Fs doesn't
// expose lstat semantics.
func (n *ioNode) Lstat() (os.FileInfo, error) {
	if n.svc.kind == domain.IOMemFileService {
		return n.svc.fs.Stat(n.path)
	}
	return os.Lstat(n.path)
}

// Fd reports the kernel descriptor backing the open handle, when there is
// one. afero's real-OS backend hands back a bare *os.File as its File
// value, so the type assertion recovers it directly; the mem-backed
// service's handle has no such method and Fd reports ok=false.
func (n *ioNode) Fd() (uintptr, bool) {
	if n.file == nil {
		return 0, false
	}
	fder, ok := n.file.(interface{ Fd() uintptr })
	if !ok {
		return 0, false
	}
	return fder.Fd(), true
}

func (n *ioNode) ReadDirNames() ([]string, error) {
	entries, err := afero.ReadDir(n.svc.fs, n.path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}
