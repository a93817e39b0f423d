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
	"golang.org/x/sys/unix"

	"github.com/skizzerz/pysandbox-go/domain"
)

// descriptorTable is the per-syscall metadata spec.md §3's
// SyscallDescriptor describes: every syscall the filesystem/fd/mmap
// surface in SPEC_FULL.md §4's module map actually needs the jail's shim
// layer and the broker's SYS dispatcher to pack/unpack. Syscalls outside
// this set (mount, chown, reboot, ...) are in the teacher's monitored set
// but outside this spec's allow-listed dispatch surface; they fall
// through as unknown syscalls per spec.md §7.
var descriptorTable = map[string]domain.SyscallDescriptor{
	"open":      {Name: "open", Args: []domain.SyscallArg{domain.CString, domain.Fixed(4), domain.Fixed(4)}},
	"openat":    {Name: "openat", Args: []domain.SyscallArg{domain.Fixed(4), domain.CString, domain.Fixed(4), domain.Fixed(4)}},
	"close":     {Name: "close", Args: []domain.SyscallArg{domain.Fixed(4)}},
	"read":      {Name: "read", Args: []domain.SyscallArg{domain.Fixed(4), domain.Fixed(8), domain.Fixed(8)}},
	"write":     {Name: "write", Args: []domain.SyscallArg{domain.Fixed(4), domain.Fixed(8), domain.Fixed(8)}},
	"lseek":     {Name: "lseek", Args: []domain.SyscallArg{domain.Fixed(4), domain.Fixed(8), domain.Fixed(4)}},
	"stat":      {Name: "stat", Args: []domain.SyscallArg{domain.CString, domain.Fixed(8)}},
	"lstat":     {Name: "lstat", Args: []domain.SyscallArg{domain.CString, domain.Fixed(8)}},
	"fstat":     {Name: "fstat", Args: []domain.SyscallArg{domain.Fixed(4), domain.Fixed(8)}},
	"getdents64": {Name: "getdents64", Args: []domain.SyscallArg{domain.Fixed(4), domain.Fixed(8), domain.Fixed(4)}},
	"access":    {Name: "access", Args: []domain.SyscallArg{domain.CString, domain.Fixed(4)}},
	"readlink":  {Name: "readlink", Args: []domain.SyscallArg{domain.CString, domain.Fixed(8), domain.Fixed(8)}},
	"chdir":     {Name: "chdir", Args: []domain.SyscallArg{domain.CString}},
	"getcwd":    {Name: "getcwd", Args: []domain.SyscallArg{domain.Fixed(8), domain.Fixed(8)}},
	"mmap":      {Name: "mmap", Args: []domain.SyscallArg{domain.Fixed(8), domain.Fixed(8), domain.Fixed(4), domain.Fixed(4), domain.Fixed(4), domain.Fixed(8)}},
	"munmap":    {Name: "munmap", Args: []domain.SyscallArg{domain.Fixed(8), domain.Fixed(8)}},
	"mprotect":  {Name: "mprotect", Args: []domain.SyscallArg{domain.Fixed(8), domain.Fixed(8), domain.Fixed(4)}},
}

// numberTable maps the running architecture's kernel syscall numbers to
// the canonical names in descriptorTable, built once from
// golang.org/x/sys/unix's SYS_* constants (the per-architecture "name
// table" spec.md §4.1 calls for).
var numberTable = buildNumberTable()

// buildNumberTable assumes amd64, where open/stat/lstat/getdents still
// exist as direct syscalls; arm64 only exposes the openat/newfstatat/
// getdents64 family and would need its own table entries here.
func buildNumberTable() map[int32]string {
	return map[int32]string{
		unix.SYS_OPEN:       "open",
		unix.SYS_OPENAT:     "openat",
		unix.SYS_CLOSE:      "close",
		unix.SYS_READ:       "read",
		unix.SYS_WRITE:      "write",
		unix.SYS_LSEEK:      "lseek",
		unix.SYS_STAT:       "stat",
		unix.SYS_LSTAT:      "lstat",
		unix.SYS_FSTAT:      "fstat",
		unix.SYS_GETDENTS64: "getdents64",
		unix.SYS_ACCESS:     "access",
		unix.SYS_READLINK:   "readlink",
		unix.SYS_CHDIR:      "chdir",
		unix.SYS_GETCWD:     "getcwd",
		unix.SYS_MMAP:       "mmap",
		unix.SYS_MUNMAP:     "munmap",
		unix.SYS_MPROTECT:   "mprotect",
	}
}

// LookupSyscall resolves a trapped kernel syscall number to its canonical
// name and descriptor. ok is false for any syscall absent from the table,
// which is spec.md §7's Unknown-syscall class.
func LookupSyscall(num int32) (name string, desc domain.SyscallDescriptor, ok bool) {
	name, ok = numberTable[num]
	if !ok {
		return "", domain.SyscallDescriptor{}, false
	}
	desc, ok = descriptorTable[name]
	return name, desc, ok
}
