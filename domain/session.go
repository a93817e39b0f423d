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

// Session is the broker's record of the single jail it supervises. Unlike
// the teacher's ContainerIface (one daemon servicing many sys containers),
// spec.md describes a single Jail per Broker per Host, so this is
// deliberately a flat struct rather than a lookup-by-{id,inode,pid} DB —
// see DESIGN.md for the "single-session" simplification.
type Session struct {
	Pid uint32 // pid of the jail's interpreter process
	Uid uint32
	Gid uint32

	NotifyFD int32 // the jail's seccomp user-notification fd, handed over RPCSOCK

	VirtualPythonPath string // spec.md §2 step 3 / §6

	Limits Limits
}

// Limits mirrors original_source/sandbox-parent.c's two concrete resource
// limits (spec.md §2 step 3 only says "resource limits"; SPEC_FULL.md §5
// keeps the original's pair).
type Limits struct {
	MemBytes uint64 // RLIMIT_AS
	CPUSecs  uint64 // RLIMIT_CPU
}
