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

package broker

import (
	"encoding/json"
	"io"
	"syscall"

	"github.com/pkg/errors"

	"github.com/skizzerz/pysandbox-go/domain"
	"github.com/skizzerz/pysandbox-go/identity"
	"github.com/skizzerz/pysandbox-go/rpc"
)

// ServeInner drives the Jail's non-syscall traffic on RPCSOCK: SB frames
// (answered locally, from the broker's own state) and APP frames
// (forwarded verbatim to the Host via HostEscalator.App), spec.md §6's
// two non-SYS inner-channel namespaces. Trapped syscalls never arrive
// here — those are delivered to Dispatch by the seccomp tracer over the
// kernel's own notification fd, not over RPCSOCK; NamespaceSYS is
// reserved for that in-process path only and is never a legal byte on
// this connection (see handleInner). Runs until conn is closed (the jail
// exited) or a framing error makes the channel untrustworthy, mirroring
// the teacher's ipc package's one-loop-per-connection shape.
func (b *Broker) ServeInner(conn io.ReadWriter) error {
	for {
		frame, err := rpc.ReadInnerFrame(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		resp, err := b.handleInner(frame)
		if err != nil {
			return err
		}

		if err := rpc.WriteInnerResponse(conn, resp); err != nil {
			return err
		}
	}
}

// handleInner answers SB and APP frames locally; a NamespaceSYS frame (or
// anything else) arriving on RPCSOCK is a protocol violation, not an
// ordinary ENOSYS-worthy miss — the jail's shim has no legitimate reason
// to write a SYS frame to this connection, since every syscall this
// design services travels the seccomp notification fd to Dispatch
// instead. Fail the connection rather than answer it, per spec.md §7's
// fail-stop handling of framing violations.
func (b *Broker) handleInner(f domain.InnerFrame) (domain.InnerResponse, error) {
	switch f.NS {
	case domain.NamespaceSB:
		return b.handleSB(f), nil
	case domain.NamespaceAPP:
		return b.handleAPP(f), nil
	default:
		return domain.InnerResponse{}, errors.Wrapf(domain.ErrProtocol, "inner channel: unexpected namespace %q on RPCSOCK", f.NS)
	}
}

// handleSB answers the metadata queries the jail's identity façade
// (spec.md §4.6, package identity) and libc shim can get from the broker
// without a Host round-trip: the jail's current working directory
// (spec.md §4.3's reference point for relative-path resolution), the
// fixed getpwnam/getpwuid table, and the one-way isatty contract.
func (b *Broker) handleSB(f domain.InnerFrame) domain.InnerResponse {
	switch f.Method {
	case "getcwd":
		payload, err := json.Marshal(b.Cwd())
		if err != nil {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EIO)}
		}
		return domain.InnerResponse{Ret: 0, Payload: payload}

	case "getpwnam":
		var args []string
		if err := json.Unmarshal(f.Arg, &args); err != nil || len(args) != 1 {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EINVAL)}
		}
		entry, ok := identity.LookupByName(args[0])
		if !ok {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.ENOENT)}
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EIO)}
		}
		return domain.InnerResponse{Ret: 0, Payload: payload}

	case "getpwuid":
		var args []uint32
		if err := json.Unmarshal(f.Arg, &args); err != nil || len(args) != 1 {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EINVAL)}
		}
		entry, ok := identity.LookupByUID(args[0])
		if !ok {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.ENOENT)}
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EIO)}
		}
		return domain.InnerResponse{Ret: 0, Payload: payload}

	case "isatty":
		var args []int
		if err := json.Unmarshal(f.Arg, &args); err != nil || len(args) != 1 {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EINVAL)}
		}
		tty, errno := b.ttyFlag.IsTTY(args[0])
		if !tty {
			return domain.InnerResponse{Ret: -1, Errno: int32(errno)}
		}
		return domain.InnerResponse{Ret: 1}

	default:
		return domain.InnerResponse{Ret: -1, Errno: int32(syscall.ENOSYS)}
	}
}

// handleAPP forwards f verbatim to the Host, spec.md §4.5's passthrough
// escalation for anything outside this repo's scope (§1's Non-goals).
func (b *Broker) handleAPP(f domain.InnerFrame) domain.InnerResponse {
	if b.host == nil {
		return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EIO)}
	}

	var params interface{}
	if len(f.Arg) > 0 {
		if err := json.Unmarshal(f.Arg, &params); err != nil {
			return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EINVAL)}
		}
	}

	data, err := b.host.App(f.Method, params)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return domain.InnerResponse{Ret: -1, Errno: int32(errno)}
		}
		return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EIO)}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return domain.InnerResponse{Ret: -1, Errno: int32(syscall.EIO)}
	}
	return domain.InnerResponse{Ret: 0, Payload: payload}
}
