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
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matchFilter implements spec.md §4.3.3a: for each pattern in a node's
// Filter, match only its first path segment (everything before the first
// "/") against the walked component c, using shell globbing with period-
// and extended-glob semantics. It returns the set of patterns that matched
// along with each pattern advanced past the matched first segment, so that
// "a/b/*.py" becomes "b/*.py" one level deeper (carried forward by the
// caller, per spec.md §4.3.3b).
//
// doublestar.Match gives us the period- and extended-glob-aware shell
// globbing spec.md calls for (it is already a dependency of this pack via
// canonical-snapd and gravwell-gravwell, both of which use it for exactly
// this kind of path-glob filtering).
func matchFilter(filters []string, c string) (matched bool, remaining []string) {
	for _, pat := range filters {
		first, rest := splitFirstSegment(pat)
		ok, err := doublestar.Match(first, c)
		if err != nil {
			continue
		}
		if ok {
			matched = true
			if rest != "" {
				remaining = append(remaining, rest)
			}
		}
	}
	return matched, remaining
}

func splitFirstSegment(pat string) (first, rest string) {
	idx := strings.IndexByte(pat, '/')
	if idx < 0 {
		return pat, ""
	}
	return pat[:idx], pat[idx+1:]
}
