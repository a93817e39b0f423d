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

package forker

import (
	"syscall"

	"github.com/sirupsen/logrus"
)

// ExitReport is what the Broker hands back to the Host process once the
// Jail has died, per spec.md §6's CLI contract: "Exit code is negated
// syscall error on fatal errors, otherwise: exited child → child's exit
// code; signalled child → negative signal number".
type ExitReport struct {
	// ExitCode is the value cmd/pysandbox should pass to os.Exit.
	ExitCode int

	// Signaled reports whether the Jail died from a signal rather than
	// calling exit/_exit itself.
	Signaled bool

	// Signal is only meaningful when Signaled is true.
	Signal syscall.Signal
}

// WaitJail blocks until the given jail pid exits, the teacher's
// nsenter/reaper.go pattern (a goroutine looping syscall.Wait4) narrowed
// to a single known pid instead of a WNOHANG poll over "whatever's
// reapable" — spec.md describes exactly one Jail per Broker, so there is
// never a second child to misattribute a reap to.
func WaitJail(pid int) (ExitReport, error) {
	var wstatus syscall.WaitStatus
	for {
		wpid, err := syscall.Wait4(pid, &wstatus, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return ExitReport{}, err
		}
		if wpid != pid {
			continue
		}
		break
	}

	if wstatus.Signaled() {
		logrus.Infof("jail pid %d killed by signal %d", pid, wstatus.Signal())
		return ExitReport{ExitCode: -int(wstatus.Signal()), Signaled: true, Signal: wstatus.Signal()}, nil
	}

	logrus.Infof("jail pid %d exited with code %d", pid, wstatus.ExitStatus())
	return ExitReport{ExitCode: wstatus.ExitStatus()}, nil
}

// KillJail sends SIGTERM to the Jail, spec.md §5's "a fatal Broker error
// sends SIGTERM to the Jail before Broker exits". Errors are not fatal to
// the caller: the Jail may already be gone, which is the common case when
// the Broker is reacting to a transport failure caused by the Jail's own
// death.
func KillJail(pid int) error {
	err := syscall.Kill(pid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
