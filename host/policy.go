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

// Package host is the Host side of spec.md §2: it owns policy (the
// virtual tree, resource limits, the interpreter's virtual program path)
// and answers the Broker's escalations over the outer JSON-RPC channel.
// Grounded on original_source/sandbox-parent.c's build_tree/get_node, the
// same way the teacher's cmd/sysbox-fs wires a *Service against a config
// file at startup.
package host

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/skizzerz/pysandbox-go/domain"
	"github.com/skizzerz/pysandbox-go/vfs"
)

// policyNode mirrors build_tree's exact JSON key set (spec.md §6 /
// SPEC_FULL.md §5): name, realpath, children, follow, recurse, dir,
// filter, blacklist, proxy, writable. Kept verbatim rather than
// reinvented, since the schema is itself one of the contracts spec.md
// pins down.
type policyNode struct {
	Name     string       `json:"name"`
	RealPath string       `json:"realpath,omitempty"`
	Children []policyNode `json:"children,omitempty"`
	Follow   bool         `json:"follow,omitempty"`
	Recurse  bool         `json:"recurse,omitempty"`
	Dir      bool         `json:"dir,omitempty"`
	Filter   []string     `json:"filter,omitempty"`
	Blacklist bool        `json:"blacklist,omitempty"`
	Proxy    bool         `json:"proxy,omitempty"`
	Writable bool         `json:"writable,omitempty"`
}

// Policy is the full document the Host loads at startup: the VNode tree
// description plus the sibling fields original_source/sandbox-parent.c
// streams to the child before the tree itself (limits, virtual
// interpreter path) — spec.md §2 step 3.
type Policy struct {
	Tree              []policyNode  `json:"tree"`
	Limits            domain.Limits `json:"limits"`
	VirtualPythonPath string        `json:"virtualPythonPath"`
}

// LoadPolicy decodes a JSON policy document and builds its VNode tree,
// validating it against vfs.ValidateTree before returning.
func LoadPolicy(r io.Reader) (*Policy, *domain.VNode, error) {
	var p Policy
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, nil, errors.Wrap(err, "host: decode policy")
	}

	root := domain.NewRoot()
	for _, child := range p.Tree {
		root.AddChild(buildNode(child))
	}
	if err := vfs.ValidateTree(root); err != nil {
		return nil, nil, errors.Wrap(err, "host: validate policy tree")
	}
	return &p, root, nil
}

// buildNode is the Go analog of sandbox-parent.c's build_tree: it reads
// one JSON object's flags into a domain.VNodeFlag bitfield and recurses
// into children only when the node is itself a directory, matching the
// original's "only directories carry a children array" structure.
func buildNode(pn policyNode) *domain.VNode {
	n := &domain.VNode{
		Name:     pn.Name,
		RealPath: pn.RealPath,
		Filter:   pn.Filter,
	}

	if pn.Dir {
		n.Flags |= domain.DIRECTORY
	}
	if pn.Follow {
		n.Flags |= domain.FOLLOW
	}
	if pn.Recurse {
		n.Flags |= domain.RECURSE
	}
	if pn.Blacklist {
		n.Flags |= domain.BLACKLIST
	}
	if pn.Proxy {
		n.Flags |= domain.PROXY
	}
	if pn.Writable {
		n.Flags |= domain.WRITABLE
	}

	if n.Flags.Has(domain.DIRECTORY) {
		for _, c := range pn.Children {
			n.AddChild(buildNode(c))
		}
	}
	return n
}
