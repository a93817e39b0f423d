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

import "errors"

// Error taxonomy, spec.md §7. Policy-denied and resource-exhausted errors
// are surfaced to the jail as ordinary syscall.Errno values (so the
// interpreter cannot distinguish policy denial from the equivalent
// filesystem condition) and never reach these sentinels; these sentinels
// exist for the broker/host's own fail-stop decisions.
var (
	// ErrProtocol marks a malformed frame, wrong field type, invalid
	// base64, an oversized argument payload, or a length mismatch.
	// Always fatal, never surfaced to user code.
	ErrProtocol = errors.New("pysandbox: protocol violation")

	// ErrTransport marks a read/write failure on either channel. Always
	// fatal.
	ErrTransport = errors.New("pysandbox: transport failure")

	// ErrUnknownSyscall marks a trap of a syscall absent from the
	// dispatch table. The jail exits with the trap signal's numeric
	// value; it is never answered.
	ErrUnknownSyscall = errors.New("pysandbox: unknown syscall")
)
