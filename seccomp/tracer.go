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
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	libseccomp "github.com/seccomp/libseccomp-golang"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/skizzerz/pysandbox-go/domain"
)

// Dispatcher services one trapped syscall against the virtual filesystem
// and fd table; implemented by the broker package. Returning ok=false
// means "syscall not in the dispatch table" (spec.md §7's
// Unknown-syscall class), which is fatal to the jail, not to the broker.
// cont requests a Continue response instead of (ret, errno): the kernel
// re-runs the tracee's original syscall for real, the only way to service
// spec.md §4.1's file-backed mmap (a memory address is something only the
// kernel executing the syscall in the tracee can produce) once a real fd
// has been spliced into the tracee via inj.
type Dispatcher interface {
	Dispatch(pid uint32, syscallNum int32, args [6]uint64, memParser MemParser, inj FDInjector) (ret int64, errno int32, cont bool, ok bool)
}

// FDInjector splices a broker-side kernel descriptor into the tracee's own
// descriptor table at an exact slot, adapted from the teacher's
// seccomp/openat2.go injectFd. Unlike that helper (which lets the kernel
// pick a fresh fd number and returns it directly as the syscall's result),
// the mmap emulation needs the fd forced into the slot the tracee's own
// mmap(2) argument already names, so InjectAt always sets
// SECCOMP_ADDFD_FLAG_SETFD rather than letting the kernel choose.
type FDInjector interface {
	InjectAt(srcFd uintptr, slot int) error
}

// seccompNotifAddfd matches struct seccomp_notif_addfd from linux/seccomp.h,
// mirrored by hand the same way the teacher's openat2.go does rather than
// relying on golang.org/x/sys/unix to export it.
type seccompNotifAddfd struct {
	id         uint64
	flags      uint32
	srcfd      uint32
	newfd      uint32
	newfdFlags uint32
}

// seccompAddfdFlagSetFD forces newfd to the caller-chosen slot instead of
// letting the kernel pick the lowest free one (linux/seccomp.h's
// SECCOMP_ADDFD_FLAG_SETFD, not exported by golang.org/x/sys/unix).
const seccompAddfdFlagSetFD = 0x2

// notifFDInjector implements FDInjector against one trap notification's id
// and the tracer's own notification fd.
type notifFDInjector struct {
	fd libseccomp.ScmpFd
	id uint64
}

func (n notifFDInjector) InjectAt(srcFd uintptr, slot int) error {
	addfd := seccompNotifAddfd{
		id:         n.id,
		flags:      seccompAddfdFlagSetFD,
		srcfd:      uint32(srcFd),
		newfd:      uint32(slot),
		newfdFlags: unix.O_CLOEXEC,
	}
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		uintptr(n.fd),
		uintptr(unix.SECCOMP_IOCTL_NOTIF_ADDFD),
		uintptr(unsafe.Pointer(&addfd)),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// MemParser recovers string/pointer arguments that the notification
// itself doesn't carry by value, via /proc/<pid>/mem (SPEC_FULL.md §3).
type MemParser interface {
	ReadCString(addr uint64) (string, error)
	ReadBytes(addr uint64, n int) ([]byte, error)
	WriteBytes(addr uint64, data []byte) error
}

// Tracer runs the broker-side trap loop: NotifReceive, dispatch, then
// NotifRespond, exactly the request/response shape the teacher's
// syscallTracer.connHandler drives. Unlike the teacher, which fans one
// tracer out across many simultaneous per-container sessions, this tracer
// services exactly one notification fd for the single jail spec.md §2
// describes (see domain.Session's "single-session" simplification).
type Tracer struct {
	fd   libseccomp.ScmpFd
	pid  uint32
	disp Dispatcher
}

// NewTracer wraps the notification fd the jail handed over RPCSOCK at
// startup (spec.md §2 step 4 / SPEC_FULL.md §3).
func NewTracer(fd libseccomp.ScmpFd, jailPid uint32, disp Dispatcher) *Tracer {
	return &Tracer{fd: fd, pid: jailPid, disp: disp}
}

// Run services notifications until the fd is closed (the jail exited) or
// a non-recoverable error occurs. A read/respond error other than EINTR
// is a transport failure and is returned so the caller can reap the jail
// and exit upward, per spec.md §7.
func (t *Tracer) Run() error {
	for {
		req, err := libseccomp.NotifReceive(t.fd)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			if err == syscall.ENOENT {
				// The jail's fd was closed out from under us (process
				// exited); this is the tracer's normal shutdown path.
				return nil
			}
			return errTransport(err)
		}

		resp := t.process(req)

		if err := libseccomp.NotifRespond(t.fd, resp); err != nil {
			if err == syscall.EINTR {
				continue
			}
			return errTransport(err)
		}
	}
}

func (t *Tracer) process(req *libseccomp.ScmpNotifReq) *libseccomp.ScmpNotifResp {
	parser := newProcMemParser(req.Pid)
	inj := notifFDInjector{fd: t.fd, id: req.Id}

	ret, errno, cont, ok := t.disp.Dispatch(req.Pid, int32(req.Data.Syscall), req.Data.Args, parser, inj)
	if !ok {
		logrus.Warnf("seccomp: unknown syscall %d trapped from pid %d; jail must exit", req.Data.Syscall, req.Pid)
		if t.pid != 0 {
			_ = syscall.Kill(int(t.pid), syscall.SIGSYS)
		}
		return errorResponse(req.Id, int32(syscall.ENOSYS))
	}

	// TOCTOU check: the notification may have been invalidated (e.g. the
	// tracee was killed) between NotifReceive and now.
	if err := libseccomp.NotifIdValid(t.fd, req.Id); err != nil {
		logrus.Warnf("seccomp: notification id %d no longer valid for pid %d: %v", req.Id, req.Pid, err)
		return errorResponse(req.Id, int32(syscall.EINVAL))
	}

	if cont {
		return &libseccomp.ScmpNotifResp{Id: req.Id, Flags: libseccomp.NotifRespFlagContinue}
	}

	return &libseccomp.ScmpNotifResp{Id: req.Id, Val: ret, Error: errno, Flags: 0}
}

func errorResponse(id uint64, errno int32) *libseccomp.ScmpNotifResp {
	return &libseccomp.ScmpNotifResp{Id: id, Val: -1, Error: errno, Flags: 0}
}

func errTransport(err error) error {
	return errors.Wrap(domain.ErrTransport, err.Error())
}
