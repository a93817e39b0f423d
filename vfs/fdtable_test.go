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

func TestOpenNodeDirectoryRequiresODirectory(t *testing.T) {
	root, ios := setupDataTree(t)
	r := NewResolver(root, ios, nil)

	_, err := r.OpenNode("/data", "/", os.O_RDONLY, 0)
	assert.Equal(t, syscall.ENOTDIR, err)

	fd, err := r.OpenNode("/data", "/", os.O_RDONLY|syscall.O_DIRECTORY, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, domain.FirstFreeFD)
}

func TestOpenNodeCreateOnAbsentIsEROFS(t *testing.T) {
	root, ios := setupDataTree(t)
	r := NewResolver(root, ios, nil)

	_, err := r.OpenNode("/data/new.txt", "/", os.O_CREATE|os.O_WRONLY, 0644)
	assert.Equal(t, syscall.EROFS, err)
}

func TestOpenNodeExistingExclIsEEXIST(t *testing.T) {
	root, ios := setupDataTree(t)
	root.Children[0].Flags |= domain.WRITABLE

	r := NewResolver(root, ios, nil)
	_, err := r.OpenNode("/data/hello.txt", "/", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	assert.Equal(t, syscall.EEXIST, err)
}

func TestCloseFixedStreamsIsNoop(t *testing.T) {
	root, ios := setupDataTree(t)
	r := NewResolver(root, ios, nil)

	assert.NoError(t, r.Close(domain.FDStdout))
	_, ok := r.Lookup(domain.FDStdout)
	assert.True(t, ok, "NOCLOSE streams must remain in the table after Close")
}

func TestCloseUnknownFDIsEBADF(t *testing.T) {
	root, ios := setupDataTree(t)
	r := NewResolver(root, ios, nil)

	assert.Equal(t, syscall.EBADF, r.Close(999))
}

func TestOpenThenCloseFreesSlotForReuse(t *testing.T) {
	root, ios := setupDataTree(t)
	r := NewResolver(root, ios, nil)

	fd, err := r.OpenNode("/data/hello.txt", "/", os.O_RDONLY, 0)
	require.NoError(t, err)

	require.NoError(t, r.Close(fd))
	_, ok := r.Lookup(fd)
	assert.False(t, ok)

	_, stillTracked := r.fds.nodes.get(fd)
	assert.False(t, stillTracked, "closing a real fd must release its backing IOnode")

	fd2, err := r.OpenNode("/data/hello.txt", "/", os.O_RDONLY, 0)
	require.NoError(t, err)
	assert.Equal(t, fd, fd2, "lowest-free-slot allocation must reuse the just-closed slot")
}

func TestOpenVirtualEncodesTokenBySign(t *testing.T) {
	root := domain.NewRoot()
	virtualChild := &domain.VNode{Name: "stream", Flags: domain.WRITABLE}
	root.AddChild(virtualChild)

	ios := ioservice.NewMemService()
	host := &fakeHost{nodes: map[string]*domain.VNode{}}
	r := NewResolver(root, ios, host)

	fd, err := r.OpenNode("/stream", "/", os.O_WRONLY, 0)
	require.NoError(t, err)

	entry, ok := r.Lookup(fd)
	require.True(t, ok)
	assert.Equal(t, domain.FDKindVirtual, entry.Kind)
	assert.Less(t, entry.VirtualToken, int64(0), "a virtual token must encode as negative")
	assert.Equal(t, int64(42), domain.DecodeVirtualToken(entry.VirtualToken))
}
