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

// Package broker is the middle supervisor of spec.md §2: it services
// trapped syscalls against the virtual filesystem (vfs.Resolver), tracks
// the jail's working directory, and promotes what it cannot answer
// locally to the Host over the outer JSON-RPC channel. It implements
// seccomp.Dispatcher, the role the teacher's fuse handlers play against
// sysbox-fs's own ioNode-backed domain, generalized here to a
// seccomp-user-notification trap loop instead of a FUSE request loop.
package broker

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skizzerz/pysandbox-go/domain"
	"github.com/skizzerz/pysandbox-go/identity"
	"github.com/skizzerz/pysandbox-go/vfs"
)

// Broker holds the per-jail-session state the dispatch layer consults:
// the virtual filesystem resolver, the Host escalation client, and the
// jail's current working directory (spec.md §4.3: relative paths resolve
// against cwd).
type Broker struct {
	resolver *vfs.Resolver
	host     domain.HostEscalator

	mu  sync.Mutex
	cwd string

	// ttyFlag answers the SB "isatty" query identity.EnableFlag models:
	// by the time a Broker exists at all, the jail it is paired with has
	// already installed its seccomp filter (spec.md §2 step 4), so the
	// façade contract this flag represents is unconditionally enabled
	// for the Broker's whole lifetime.
	ttyFlag identity.EnableFlag
}

// New wires a Broker against an already-built virtual filesystem root
// (host.LoadPolicy, or the sb.getfs nodes in cmd/pysandbox's
// runBrokerInit) and the outer-channel client used for PROXY
// escalations and virtual-fd I/O.
func New(root *domain.VNode, ios domain.IOService, host domain.HostEscalator, cwd string) *Broker {
	b := &Broker{
		resolver: vfs.NewResolver(root, ios, host),
		host:     host,
		cwd:      cwd,
	}
	b.ttyFlag.Enable()
	return b
}

// Cwd returns the broker's current view of the jail's working directory.
func (b *Broker) Cwd() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cwd
}

func (b *Broker) setCwd(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cwd = path
}

// logFatal logs the cause of a fatal dispatch-layer error. It sends no
// signal itself: callers that hold the jail's pid perform the SIGTERM
// (forker.KillJail); this hook exists so dispatch-layer fatal errors have
// a single place to log the cause before the caller tears the process
// down.
func (b *Broker) logFatal(syscallName string, err error) {
	logrus.Errorf("broker: fatal error servicing %s: %v", syscallName, err)
}
