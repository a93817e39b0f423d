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

package vfs

import (
	"fmt"

	"github.com/skizzerz/pysandbox-go/domain"
)

// ValidateTree enforces the acyclic/PROXY-nesting invariants spec.md §3 and
// §9's open question call for. A PROXY node returning, at host-build time,
// a statically-declared PROXY child is rejected outright (spec.md §9: "a
// reimplementation should either reject such configurations at tree build
// time or document the recursion bound" — this repo rejects).
func ValidateTree(root *domain.VNode) error {
	return validate(root, false)
}

func validate(n *domain.VNode, parentIsProxy bool) error {
	if parentIsProxy && n.Flags.Has(domain.PROXY) {
		return fmt.Errorf("vfs: PROXY node %q declared as a static child of a PROXY node, which is rejected at build time", n.Path())
	}
	for _, c := range n.Children {
		if err := validate(c, n.Flags.Has(domain.PROXY)); err != nil {
			return err
		}
	}
	return nil
}
