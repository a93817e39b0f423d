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

package host

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/skizzerz/pysandbox-go/domain"
	"github.com/skizzerz/pysandbox-go/ioservice"
	"github.com/skizzerz/pysandbox-go/rpc"
)

// Service answers the Broker's escalations over the outer JSON-RPC
// channel: policy delivery at startup (sb.getlimits/sb.getfs/sb.getcwd/
// sb.getvpypath) and the per-request escalations spec.md §4.5 lists
// (sb.getnode for PROXY walks, sb.open|read|write|close|statvirtual for
// host-owned descriptors). Grounded on original_source/sandbox-parent.c's
// run_parent, restructured the way the teacher wires a *Service with a
// Setup(...) method against its own ioservice-backed state.
type Service struct {
	root              *domain.VNode
	limits            domain.Limits
	virtualPythonPath string
	cwd               string

	ios domain.IOService

	mu           sync.Mutex
	nextToken    int64
	virtualFiles map[int64]domain.IOnode
}

// NewService wires a Host-side Service against an already-loaded policy.
// ios backs the virtual-descriptor operations with the real host
// filesystem; tests substitute ioservice.NewMemService().
func NewService(root *domain.VNode, limits domain.Limits, virtualPythonPath, cwd string, ios domain.IOService) *Service {
	return &Service{
		root:              root,
		limits:            limits,
		virtualPythonPath: virtualPythonPath,
		cwd:               cwd,
		ios:               ios,
		virtualFiles:      make(map[int64]domain.IOnode),
	}
}

// NewOSService is a convenience constructor for the real binary's
// entrypoint, backing virtual descriptors with the real filesystem.
func NewOSService(root *domain.VNode, limits domain.Limits, virtualPythonPath, cwd string) *Service {
	return NewService(root, limits, virtualPythonPath, cwd, ioservice.NewOSService())
}

// Register wires every handler this Service answers onto an OuterServer,
// the Host-side counterpart to rpc.HostClient's calls.
func (s *Service) Register(srv *rpc.OuterServer) {
	srv.Handle("sb.getlimits", s.handleGetLimits)
	srv.Handle("sb.getfs", s.handleGetFS)
	srv.Handle("sb.getvpypath", s.handleGetVPyPath)
	srv.Handle("sb.getcwd", s.handleGetCwd)
	srv.Handle("sb.getnode", s.handleGetNode)
	srv.Handle("sb.openvirtual", s.handleOpenVirtual)
	srv.Handle("sb.readvirtual", s.handleReadVirtual)
	srv.Handle("sb.writevirtual", s.handleWriteVirtual)
	srv.Handle("sb.closevirtual", s.handleCloseVirtual)
	srv.Handle("sb.statvirtual", s.handleStatVirtual)
}

func result(v interface{}) (*domain.OuterResult, *domain.OuterError) {
	return &domain.OuterResult{Code: 0, Data: v}, nil
}

func appError(code int, err error) (*domain.OuterResult, *domain.OuterError) {
	return nil, &domain.OuterError{Code: code, Message: err.Error()}
}

func errnoOf(err error) int {
	if errno, ok := err.(syscall.Errno); ok {
		return int(errno)
	}
	return int(syscall.EIO)
}

func (s *Service) handleGetLimits(_ json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	return result(s.limits)
}

func (s *Service) handleGetFS(_ json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	wire := make([]wireVNode, len(s.root.Children))
	for i, c := range s.root.Children {
		wire[i] = vnodeToWire(c)
	}
	return result(wire)
}

func (s *Service) handleGetVPyPath(_ json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	return result(s.virtualPythonPath)
}

func (s *Service) handleGetCwd(_ json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	return result(s.cwd)
}

// handleGetNode answers a PROXY escalation: the Broker asks "what does
// <component> look like under this already-resolved parent", mirroring
// sandbox-parent.c's get_node. Since this repo's policy-construction UI
// is out of scope (spec.md §1), the only resolution rule implemented is
// the direct one the original performs for a real-path-backed parent:
// join the component onto the parent's RealPath and stat it.
func (s *Service) handleGetNode(raw json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	var params struct {
		ParentName     string `json:"parentName"`
		ParentRealPath string `json:"parentRealPath"`
		Component      string `json:"component"`
		FullPath       string `json:"fullPath"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return appError(-32602, err)
	}
	if params.ParentRealPath == "" {
		return appError(errnoOf(syscall.ENOENT), syscall.ENOENT)
	}

	real := filepath.Join(params.ParentRealPath, params.Component)
	info, err := os.Stat(real)
	if err != nil {
		return appError(errnoOf(syscall.ENOENT), syscall.ENOENT)
	}

	n := domain.VNode{Name: params.Component, RealPath: real}
	if info.IsDir() {
		n.Flags |= domain.DIRECTORY
	}
	return result(vnodeToWire(&n))
}

func (s *Service) handleOpenVirtual(raw json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	var params struct {
		Path  string `json:"path"`
		Flags int    `json:"flags"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return appError(-32602, err)
	}

	ion := s.ios.NewIOnode(params.Path)
	if err := ion.Open(params.Flags, 0o644); err != nil {
		return appError(errnoOf(err), err)
	}

	s.mu.Lock()
	s.nextToken++
	token := s.nextToken
	s.virtualFiles[token] = ion
	s.mu.Unlock()

	return result(token)
}

func (s *Service) lookupVirtual(token int64) (domain.IOnode, *domain.OuterError) {
	s.mu.Lock()
	ion, ok := s.virtualFiles[token]
	s.mu.Unlock()
	if !ok {
		return nil, &domain.OuterError{Code: int(syscall.EBADF), Message: "unknown virtual token"}
	}
	return ion, nil
}

func (s *Service) handleReadVirtual(raw json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	var params struct {
		Token  int64 `json:"token"`
		Length int   `json:"length"`
		Offset int64 `json:"offset"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return appError(-32602, err)
	}
	ion, aerr := s.lookupVirtual(params.Token)
	if aerr != nil {
		return nil, aerr
	}

	buf := make([]byte, params.Length)
	n, err := ion.ReadAt(buf, params.Offset)
	if err != nil && n == 0 {
		return appError(errnoOf(syscall.EIO), syscall.EIO)
	}
	return result(base64.StdEncoding.EncodeToString(buf[:n]))
}

func (s *Service) handleWriteVirtual(raw json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	var params struct {
		Token  int64  `json:"token"`
		Data   string `json:"data"`
		Offset int64  `json:"offset"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return appError(-32602, err)
	}
	ion, aerr := s.lookupVirtual(params.Token)
	if aerr != nil {
		return nil, aerr
	}
	data, err := base64.StdEncoding.DecodeString(params.Data)
	if err != nil {
		return appError(-32602, err)
	}
	n, err := ion.WriteAt(data, params.Offset)
	if err != nil {
		return appError(errnoOf(syscall.EIO), syscall.EIO)
	}
	return result(n)
}

func (s *Service) handleCloseVirtual(raw json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	var params struct {
		Token int64 `json:"token"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return appError(-32602, err)
	}
	s.mu.Lock()
	ion, ok := s.virtualFiles[params.Token]
	delete(s.virtualFiles, params.Token)
	s.mu.Unlock()
	if !ok {
		return result(nil)
	}
	_ = ion.Close()
	return result(nil)
}

func (s *Service) handleStatVirtual(raw json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
	var params struct {
		Token int64 `json:"token"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return appError(-32602, err)
	}
	ion, aerr := s.lookupVirtual(params.Token)
	if aerr != nil {
		return nil, aerr
	}
	info, err := ion.Stat()
	if err != nil {
		return appError(errnoOf(syscall.EIO), syscall.EIO)
	}
	return result(domain.Stat{Mode: uint32(info.Mode()), Size: info.Size(), Mtime: info.ModTime().Unix()})
}

// wireVNode mirrors rpc.wireVNode field-for-field: the two types are kept
// separate (host never imports anything broker/dispatch-shaped, and vice
// versa) but must serialize identically since they're opposite ends of
// the same wire message.
type wireVNode struct {
	Name     string      `json:"name"`
	RealPath string      `json:"realpath,omitempty"`
	Flags    uint32      `json:"flags"`
	Filter   []string    `json:"filter,omitempty"`
	Children []wireVNode `json:"children,omitempty"`
}

func vnodeToWire(n *domain.VNode) wireVNode {
	w := wireVNode{Name: n.Name, RealPath: n.RealPath, Flags: uint32(n.Flags), Filter: n.Filter}
	for _, c := range n.Children {
		w.Children = append(w.Children, vnodeToWire(c))
	}
	return w
}
