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

// Reserved jail-visible descriptor slots, spec.md §4.4.
const (
	FDStdin   = 0
	FDStdout  = 1
	FDStderr  = 2
	FDRPCSock = 3 // control socket to the broker; never jail-usable as data fd

	FirstFreeFD = 4
	MaxFDs      = 1024
)

// FDKind distinguishes what backs an FDEntry.
type FDKind int

const (
	FDKindFixed  FDKind = iota // stdin/stdout/stderr
	FDKindReal                 // a real host descriptor owned by the broker
	FDKindVirtual              // a host-side virtual descriptor identified by a token
)

// FDEntry is one slot of the broker's descriptor table, spec.md §3. A slot
// owns a deep copy of the backing VNode's Name/RealPath plus an independent
// flag set, so that closing or re-flagging one jail fd never mutates the
// VNode tree or another fd sharing the same node.
type FDEntry struct {
	Kind FDKind

	Name     string
	RealPath string
	Flags    VNodeFlag

	RealFD       int   // valid when Kind == FDKindReal
	VirtualToken int64 // valid when Kind == FDKindVirtual; stored as -(token)-1

	Offset int64 // tracked for virtual descriptors (lseek emulation)
}

// EncodeVirtualToken converts a positive host-issued token into the
// negative-space representation stored for a virtual descriptor, so that
// "every jail-visible fd is distinguishable from a real one by sign"
// (spec.md §4.4) holds for the token itself, independent of the FDKind tag.
func EncodeVirtualToken(token int64) int64 { return -token - 1 }

// DecodeVirtualToken reverses EncodeVirtualToken.
func DecodeVirtualToken(enc int64) int64 { return -enc - 1 }
