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

// Package domain holds the shared types and service interfaces that the
// rest of pysandbox-go depends on: the virtual filesystem node, the
// descriptor table entry, the syscall descriptor table, and the wire types
// for both RPC legs. Keeping these in one leaf package (no internal
// dependencies of its own) avoids import cycles between vfs, seccomp,
// broker and host, the same role domain/ plays in the teacher.
package domain

// VNodeFlag is a bitfield of per-node behaviors, spec.md §3.
type VNodeFlag uint32

const (
	// FOLLOW resolves symlinks when descending into real children.
	FOLLOW VNodeFlag = 1 << iota
	// RECURSE permits descent into real subdirectories under RealPath.
	RECURSE
	// BLACKLIST inverts Filter: matches are denied rather than permitted.
	BLACKLIST
	// PROXY escalates this step of the walk to the Host instead of
	// resolving it locally.
	PROXY
	// WRITABLE permits open-for-write (still subject to host-fs perms for
	// real nodes).
	WRITABLE
	// DIRECTORY marks this node as a directory; otherwise it is a file.
	DIRECTORY
	// CLOEXEC is copied to descriptors opened against this node.
	CLOEXEC
	// NOCLOSE marks a descriptor that must never be closed by the broker
	// (the three fixed streams use this).
	NOCLOSE
)

func (f VNodeFlag) Has(bit VNodeFlag) bool { return f&bit != 0 }

// VNode is a node of the broker's in-memory virtual filesystem tree,
// spec.md §3.
type VNode struct {
	Name     string
	RealPath string // optional absolute host path backing this node
	Flags    VNodeFlag
	Filter   []string // ordered shell-glob patterns, may carry nested "/" components

	Parent   *VNode // every node has one; the root's parent is itself
	Children []*VNode
}

// NewRoot allocates a root VNode whose Parent is itself, per spec.md §3's
// acyclic-except-for-the-root-self-loop invariant.
func NewRoot() *VNode {
	root := &VNode{Name: "", Flags: DIRECTORY}
	root.Parent = root
	return root
}

// IsRoot reports whether n is its own parent.
func (n *VNode) IsRoot() bool { return n.Parent == n }

// AddChild appends c as an ordered child of n and sets c.Parent.
func (n *VNode) AddChild(c *VNode) {
	c.Parent = n
	n.Children = append(n.Children, c)
}

// ChildByName scans n's explicit Children for an exact name match —
// "shadowing always wins" per spec.md §3/§4.3.
func (n *VNode) ChildByName(name string) (*VNode, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Path reconstructs the absolute virtual path leading to n, by walking
// parents to the root. Used by the testable property "resolve(path_to(n))
// returns n" (spec.md §8).
func (n *VNode) Path() string {
	if n.IsRoot() {
		return "/"
	}
	var names []string
	cur := n
	for !cur.IsRoot() {
		names = append([]string{cur.Name}, names...)
		cur = cur.Parent
	}
	out := "/"
	for i, nm := range names {
		if i > 0 {
			out += "/"
		}
		out += nm
	}
	return out
}
