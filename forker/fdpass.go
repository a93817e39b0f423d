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
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SendNotifyFD hands the Jail's seccomp user-notification descriptor to
// the Broker over RPCSOCK (spec.md §2 step 4), using SCM_RIGHTS the same
// way the teacher's nsenter/openat2 path ferries a freshly opened fd
// across a process boundary it can't otherwise share. conn is the
// Jail-side half of the socketpair ForkJail created.
func SendNotifyFD(conn *os.File, notifyFd int) error {
	rights := unix.UnixRights(notifyFd)
	return unix.Sendmsg(int(conn.Fd()), []byte{0}, rights, nil, 0)
}

// RecvNotifyFD is the Broker-side counterpart of SendNotifyFD: it reads
// the single byte payload plus the SCM_RIGHTS ancillary data off
// RPCSOCK and returns the duplicated notification descriptor.
func RecvNotifyFD(conn *os.File) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(int(conn.Fd()), buf, oob, 0)
	if err != nil {
		return 0, fmt.Errorf("recvmsg on rpcsock failed: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("recvmsg on rpcsock returned no payload")
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fmt.Errorf("parsing rpcsock control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return 0, fmt.Errorf("no file descriptor present in rpcsock control message")
}
