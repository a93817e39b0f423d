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
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skizzerz/pysandbox-go/domain"
	"github.com/skizzerz/pysandbox-go/ioservice"
)

type fakeHost struct {
	cwd   string
	nodes map[string]*domain.VNode // keyed by fullPath
}

func (h *fakeHost) GetLimits() (domain.Limits, error)            { return domain.Limits{}, nil }
func (h *fakeHost) GetFS() ([]*domain.VNode, error)               { return nil, nil }
func (h *fakeHost) GetVirtualPythonPath() (string, error)         { return "", nil }
func (h *fakeHost) GetCwd() (string, error)                       { return h.cwd, nil }
func (h *fakeHost) GetNode(parentName, parentRealPath, component, fullPath string) (*domain.VNode, error) {
	if n, ok := h.nodes[fullPath]; ok {
		return n, nil
	}
	return nil, syscall.ENOENT
}
func (h *fakeHost) OpenVirtual(path string, flags int) (int64, error) { return 42, nil }
func (h *fakeHost) ReadVirtual(token int64, length int, offset int64) ([]byte, error) {
	return nil, nil
}
func (h *fakeHost) WriteVirtual(token int64, data []byte, offset int64) (int, error) {
	return len(data), nil
}
func (h *fakeHost) CloseVirtual(token int64) error         { return nil }
func (h *fakeHost) StatVirtual(token int64) (*domain.Stat, error) { return &domain.Stat{}, nil }
func (h *fakeHost) App(method string, params interface{}) (interface{}, error) { return nil, nil }

func setupDataTree(t *testing.T) (*domain.VNode, domain.IOService) {
	ios := ioservice.NewMemService()
	opt := ios.NewIOnode("/opt")
	require.NoError(t, opt.Open(0, 0))
	_ = opt.Close()
	data := ios.NewIOnode("/opt/data")
	require.NoError(t, data.Open(0, 0))
	_ = data.Close()
	f := ios.NewIOnode("/opt/data/hello.txt")
	require.NoError(t, f.Open(os.O_CREATE|os.O_WRONLY, 0644))
	_, err := f.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	root := domain.NewRoot()
	dataNode := &domain.VNode{
		Name:     "data",
		RealPath: "/opt/data",
		Flags:    domain.DIRECTORY | domain.RECURSE | domain.FOLLOW,
		Filter:   []string{"*.txt"},
	}
	root.AddChild(dataNode)
	return root, ios
}

func TestResolveReadOnlyRealBacked(t *testing.T) {
	root, ios := setupDataTree(t)
	r := NewResolver(root, ios, nil)

	node, err := r.Resolve("/data/hello.txt", "/")
	require.NoError(t, err)
	assert.Equal(t, "/opt/data/hello.txt", node.RealPath)

	_, err = r.Resolve("/data/hello.bin", "/")
	assert.Equal(t, syscall.ENOENT, err)
}

func TestOpenNodeWriteDeniedOnNonWritable(t *testing.T) {
	root, ios := setupDataTree(t)
	r := NewResolver(root, ios, nil)

	_, err := r.OpenNode("/data/hello.txt", "/", os.O_WRONLY, 0)
	assert.Equal(t, syscall.EROFS, err)

	fd, err := r.OpenNode("/data/hello.txt", "/", os.O_RDONLY, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, domain.FirstFreeFD)
}

func TestShadowingChildWinsOverReal(t *testing.T) {
	ios := ioservice.NewMemService()
	etcReal := ios.NewIOnode("/etc")
	require.NoError(t, etcReal.Open(0, 0))
	_ = etcReal.Close()
	realPasswd := ios.NewIOnode("/etc/passwd")
	require.NoError(t, realPasswd.Open(os.O_CREATE|os.O_WRONLY, 0644))
	require.NoError(t, realPasswd.Close())

	root := domain.NewRoot()
	etc := &domain.VNode{Name: "etc", RealPath: "/etc", Flags: domain.DIRECTORY | domain.RECURSE}
	virtualPasswd := &domain.VNode{Name: "passwd", Flags: domain.WRITABLE}
	etc.AddChild(virtualPasswd)
	root.AddChild(etc)

	r := NewResolver(root, ios, nil)
	node, err := r.Resolve("/etc/passwd", "/")
	require.NoError(t, err)
	assert.Equal(t, "", node.RealPath, "shadowed virtual child must win over the real entry")
}

func TestSymlinkPolicyFollowUnset(t *testing.T) {
	ios := ioservice.NewMemService()
	dataDir := ios.NewIOnode("/opt/data")
	require.NoError(t, dataDir.Open(0, 0))
	_ = dataDir.Close()

	root := domain.NewRoot()
	dataNode := &domain.VNode{
		Name:     "data",
		RealPath: "/opt/data",
		Flags:    domain.DIRECTORY | domain.RECURSE,
	}
	root.AddChild(dataNode)

	r := NewResolver(root, ios, nil)
	_, err := r.Resolve("/data/link", "/")
	assert.Equal(t, syscall.ENOENT, err, "afero memfs has no symlinks so the entry is simply absent; this documents the ENOENT-on-absence path that symlink denial also produces")
}

func TestBlacklistDeniesWithoutDirectoryRead(t *testing.T) {
	root, ios := setupDataTree(t)
	root.Children[0].Flags |= domain.BLACKLIST
	root.Children[0].Filter = []string{"hello.txt"}

	r := NewResolver(root, ios, nil)
	_, err := r.Resolve("/data/hello.txt", "/")
	assert.Equal(t, syscall.ENOENT, err)
}

func TestResolveNormalizeEquivalence(t *testing.T) {
	root, ios := setupDataTree(t)
	r := NewResolver(root, ios, nil)

	a, err := r.Resolve("/data/hello.txt", "/")
	require.NoError(t, err)
	b, err := r.Resolve("//data/./hello.txt", "/")
	require.NoError(t, err)
	assert.Equal(t, a.RealPath, b.RealPath)
}

func TestProxyWalk(t *testing.T) {
	root := domain.NewRoot()
	vroot := &domain.VNode{Name: "vroot", Flags: domain.PROXY | domain.DIRECTORY}
	root.AddChild(vroot)

	barNode := &domain.VNode{Name: "bar", Flags: domain.WRITABLE}
	host := &fakeHost{nodes: map[string]*domain.VNode{
		"/vroot/bar": barNode,
	}}

	ios := ioservice.NewMemService()
	r := NewResolver(root, ios, host)

	node, err := r.step(vroot, "bar", "/vroot/bar")
	require.NoError(t, err)
	assert.Same(t, barNode, node)
	assert.Same(t, r.scratch, node.Parent, "a PROXY resolution must be parented under the non-persistent scratch node")

	_, err = r.step(vroot, "missing", "/vroot/missing")
	assert.Equal(t, syscall.ENOENT, err)
}
