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

// Package forker launches the broker+jail combo the way the teacher's
// nsenter package crosses namespaces: by re-executing the running binary
// with a hidden argv[0]/subcommand rather than inventing a new process
// launch mechanism (nsenter/event.go's "/proc/self/exe" + os.Args[0]
// idiom). spec.md §2 step 1-2 describes a single process that receives
// IN=3/OUT=4 from the Host, drops privilege, then forks once so that the
// parent becomes the Broker and the child becomes the Jail. Forking a
// multithreaded Go process directly is unsafe, so this repo splits that
// single step into two re-execs instead: cmd/pysandbox re-execs itself
// once to become the broker+jail combo process (Launch), and that combo
// process re-execs itself a second time to stand up the Jail as a
// genuinely separate process (ForkJail) rather than calling fork(2).
package forker

import (
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/skizzerz/pysandbox-go/domain"
)

// ReexecCommand is the hidden subcommand cmd/pysandbox dispatches on when
// it recognizes os.Args[1] as this value, mirroring nsenter/event.go's
// "nsenter" hidden command.
const ReexecCommand = "__broker_init"

// JailReexecCommand is the second-level hidden subcommand the broker+jail
// combo process re-execs itself with to stand up the Jail side.
const JailReexecCommand = "__jail_init"

const (
	envRlimitAS  = "PYSANDBOX_RLIMIT_AS"
	envRlimitCPU = "PYSANDBOX_RLIMIT_CPU"
)

// Launch re-execs the running binary as the broker+jail combo process,
// handing it fdIn/fdOut (the Host's line-delimited JSON-RPC channel,
// spec.md §2 step 1) as descriptors 3 and 4 via ExtraFiles, the same way
// nsenter/event.go arranges a fixed descriptor number for its child
// pipe. It returns once the combo process has started.
func Launch(fdIn, fdOut *os.File) (*exec.Cmd, error) {
	cmd := &exec.Cmd{
		Path:       "/proc/self/exe",
		Args:       []string{os.Args[0], ReexecCommand},
		ExtraFiles: []*os.File{fdIn, fdOut},
		Stdin:      nil,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ForkJail stands up the Jail process from inside the broker+jail combo
// process (the handler for ReexecCommand), covering the remainder of
// spec.md §2 step 2: it creates the RPCSOCK stream socket pair and
// re-execs the running binary with JailReexecCommand, handing the Jail's
// socket end to it as the first extra file, which the child receives as
// descriptor 3 (the "__jail_init" entrypoint opens it there directly).
// limits are threaded through the
// environment so the "__jail_init" entrypoint can call ApplyLimits on
// itself before installing the seccomp filter or executing the
// interpreter stub, keeping the ordering SPEC_FULL.md §5 requires:
// limits land before the VFS tree exchange and strictly before user code
// runs.
func ForkJail(limits domain.Limits, jailArgv []string) (jailPid int, rpcSock *os.File, err error) {
	// SOCK_STREAM, not SOCK_DGRAM: RPCSOCK carries the framed byte stream
	// rpc.WriteInnerFrame/ReadInnerFrame expect (several independent Write
	// calls per frame, reassembled with io.ReadFull), plus the one-shot
	// SCM_RIGHTS handoff of the jail's notification fd at startup. A
	// datagram socket would fragment each multi-Write frame into separate
	// datagrams instead of one reassemblable stream.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, nil, err
	}
	brokerEnd := os.NewFile(uintptr(fds[0]), "rpcsock-broker")
	jailEnd := os.NewFile(uintptr(fds[1]), "rpcsock-jail")
	defer jailEnd.Close()

	cmd := &exec.Cmd{
		Path:       "/proc/self/exe",
		Args:       append([]string{os.Args[0], JailReexecCommand}, jailArgv...),
		ExtraFiles: []*os.File{jailEnd},
		Env:        append(os.Environ(), limitEnv(envRlimitAS, limits.MemBytes), limitEnv(envRlimitCPU, limits.CPUSecs)),
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}

	if err := cmd.Start(); err != nil {
		brokerEnd.Close()
		return 0, nil, err
	}

	return cmd.Process.Pid, brokerEnd, nil
}

func limitEnv(name string, v uint64) string {
	return name + "=" + strconv.FormatUint(v, 10)
}

// LimitsFromEnv recovers the limits ForkJail threaded through the
// environment. Called by the "__jail_init" entrypoint before it calls
// ApplyLimits on itself.
func LimitsFromEnv() domain.Limits {
	mem, _ := strconv.ParseUint(os.Getenv(envRlimitAS), 10, 64)
	cpu, _ := strconv.ParseUint(os.Getenv(envRlimitCPU), 10, 64)
	return domain.Limits{MemBytes: mem, CPUSecs: cpu}
}

// ApplyLimits applies the Jail-side resource caps via setrlimit. Called
// by the "__jail_init" entrypoint on itself before it installs the
// seccomp filter and execs the interpreter stub, per spec.md §5:
// "exceeding memory or CPU limits trips a kernel-enforced resource cap".
// A zero limit is left unset rather than applied as RLIMIT of zero,
// since the policy schema treats zero as "no limit configured".
func ApplyLimits(limits domain.Limits) error {
	if limits.MemBytes > 0 {
		rlimit := unix.Rlimit{Cur: limits.MemBytes, Max: limits.MemBytes}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &rlimit); err != nil {
			return err
		}
	}
	if limits.CPUSecs > 0 {
		rlimit := unix.Rlimit{Cur: limits.CPUSecs, Max: limits.CPUSecs}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &rlimit); err != nil {
			return err
		}
	}
	return nil
}
