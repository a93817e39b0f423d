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

// Package identity models the contract of the preloaded identity shim
// façade spec.md §4.6/§6 describes. The façade's actual implementation
// (an LD_PRELOAD .so overriding libc entry points before the jail's
// syscall filter installs) is out of scope (spec.md §1): this package
// holds the exact fixed values that façade returns once enabled, so the
// broker's SB handlers (getpwnam/getpwuid/isatty) and the jail's startup
// sequence share one table instead of hardcoding magic numbers
// independently.
package identity

// SandboxUID and SandboxGID are the fixed identity the façade reports
// for getuid/geteuid/getgid/getegid once enabled, spec.md §4.6.
const (
	SandboxUID = 1000
	SandboxGID = 1000
)

// PasswdEntry is one getpwnam/getpwuid record the façade is permitted to
// resolve. Only two ever exist (spec.md §4.6); any other name or uid
// is reported absent by LookupByName/LookupByUID.
type PasswdEntry struct {
	Name  string
	UID   uint32
	GID   uint32
	Home  string
	Shell string
}

// Passwd is the fixed, ordered set of identities the façade's
// getpwnam/getpwuid contract resolves.
var Passwd = []PasswdEntry{
	{Name: "sandbox", UID: SandboxUID, GID: SandboxGID, Home: "/tmp", Shell: "/bin/false"},
	{Name: "root", UID: 0, GID: 0, Home: "/root", Shell: "/bin/false"},
}

// LookupByName mirrors getpwnam: only the two fixed entries above ever
// resolve; anything else is absent to the sandboxed view.
func LookupByName(name string) (PasswdEntry, bool) {
	for _, e := range Passwd {
		if e.Name == name {
			return e, true
		}
	}
	return PasswdEntry{}, false
}

// LookupByUID mirrors getpwuid.
func LookupByUID(uid uint32) (PasswdEntry, bool) {
	for _, e := range Passwd {
		if e.UID == uid {
			return e, true
		}
	}
	return PasswdEntry{}, false
}

// EnableFlag models the one-way, process-wide "sandbox enabled" switch
// spec.md §4.6/§6 describes: before it is set the façade's functions fall
// through to the real libc implementation (so the interpreter's own
// startup is undisturbed); once set, it never reverts. The jail's startup
// sequence (spec.md §2 step 4) flips one at filter-install time, matching
// what an LD_PRELOAD façade observes via a shared global, and the broker
// keeps its own, enabled for its whole lifetime, to answer SB "isatty"
// queries through IsTTY.
type EnableFlag struct {
	enabled bool
}

// Enable flips the flag on. Calling it again is a no-op: the transition
// is one-way by contract.
func (f *EnableFlag) Enable() { f.enabled = true }

// Enabled reports the flag's current state.
func (f *EnableFlag) Enabled() bool { return f.enabled }

// IsTTY mirrors the façade's isatty contract: once enabled, every fd
// reports not-a-tty (spec.md §4.6's "isatty → 0 with EINVAL").
func (f *EnableFlag) IsTTY(fd int) (ok bool, errno int) {
	if !f.enabled {
		return true, 0
	}
	return false, 22 // EINVAL
}
