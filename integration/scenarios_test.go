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

// Package integration exercises the six end-to-end scenarios spec.md §8
// lists against the real broker/host/rpc/vfs/seccomp packages wired
// together, rather than against any single package's fakes. Each test
// stands in for one §8 bullet: a read-only virtual file, shadowing, the
// symlink FOLLOW policy, a disallowed syscall, file-backed mmap, and a
// PROXY walk escalated to a real Host service.
package integration

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/skizzerz/pysandbox-go/broker"
	"github.com/skizzerz/pysandbox-go/domain"
	"github.com/skizzerz/pysandbox-go/host"
	"github.com/skizzerz/pysandbox-go/ioservice"
	"github.com/skizzerz/pysandbox-go/rpc"
)

// pipeConn glues an io.Pipe reader/writer pair into a single
// io.ReadWriter, the shape both RPCSOCK (binary) and the outer JSON-RPC
// channel expect for their respective test doubles.
type pipeConn struct {
	io.Reader
	io.Writer
}

// fakeMem is a flat byte arena standing in for /proc/<pid>/mem.
type fakeMem struct {
	cstrings map[uint64]string
	mem      []byte
}

func newFakeMem() *fakeMem {
	return &fakeMem{cstrings: make(map[uint64]string), mem: make([]byte, 1<<16)}
}

func (m *fakeMem) ReadCString(addr uint64) (string, error) { return m.cstrings[addr], nil }

func (m *fakeMem) ReadBytes(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	copy(out, m.mem[addr:])
	return out, nil
}

func (m *fakeMem) WriteBytes(addr uint64, data []byte) error {
	copy(m.mem[addr:], data)
	return nil
}

// wireHostAndBroker starts a real host.Service serving root/limits/vpyPath
// over an in-memory outer channel, wraps it in an rpc.HostClient, and
// returns a *broker.Broker wired against it — the same Broker<->Host
// relationship cmd/pysandbox's runBrokerInit establishes over fds 3/4,
// minus the process boundary.
func wireHostAndBroker(t *testing.T, root *domain.VNode, ios domain.IOService) *broker.Broker {
	t.Helper()

	hostIn, brokerOut := io.Pipe()
	brokerIn, hostOut := io.Pipe()

	svc := host.NewService(root, domain.Limits{}, "/usr/bin/python3", "/", ioservice.NewOSService())
	srv := rpc.NewOuterServer(hostIn, hostOut)
	svc.Register(srv)

	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { brokerOut.Close(); hostOut.Close() })

	conn := rpc.NewOuterConn(brokerIn, brokerOut)
	client := rpc.NewHostClient(conn)

	return broker.New(root, ios, client, "/")
}

// TestReadOnlyVirtualFile covers spec.md §8's read-only virtual file
// scenario: a node without WRITABLE opens for read and serves its real
// content, but a write-mode open is refused EROFS regardless of the
// underlying file's own host permissions.
func TestReadOnlyVirtualFile(t *testing.T) {
	dir := t.TempDir()
	realPath := filepath.Join(dir, "motd.txt")
	require.NoError(t, os.WriteFile(realPath, []byte("welcome"), 0o644))

	root := domain.NewRoot()
	root.AddChild(&domain.VNode{Name: "motd.txt", RealPath: realPath})

	b := wireHostAndBroker(t, root, ioservice.NewOSService())
	mem := newFakeMem()
	mem.cstrings[10] = "/motd.txt"

	ret, errno, _, ok := b.Dispatch(1, int32(unix.SYS_OPEN), [6]uint64{10, uint64(syscall.O_RDONLY), 0, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)
	fd := int(ret)

	ret, errno, _, ok = b.Dispatch(1, int32(unix.SYS_READ), [6]uint64{uint64(fd), 200, 7, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)
	assert.EqualValues(t, 7, ret)
	got, _ := mem.ReadBytes(200, 7)
	assert.Equal(t, "welcome", string(got))

	_, errno, _, ok = b.Dispatch(1, int32(unix.SYS_CLOSE), [6]uint64{uint64(fd), 0, 0, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)

	mem.cstrings[20] = "/motd.txt"
	_, errno, _, ok = b.Dispatch(1, int32(unix.SYS_OPEN), [6]uint64{20, uint64(syscall.O_WRONLY), 0, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	assert.EqualValues(t, syscall.EROFS, syscall.Errno(errno))
}

// TestShadowing covers spec.md §4.3/§8's shadowing rule: an explicit
// VNode child always wins over the same name found by a RECURSE walk
// into the real backing directory, independent of resolution order.
func TestShadowing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("real-on-disk"), 0o644))

	root := domain.NewRoot()
	root.RealPath = dir
	root.Flags |= domain.RECURSE | domain.DIRECTORY
	shadow := &domain.VNode{Name: "config.json", RealPath: filepath.Join(dir, "shadow-config.json")}
	require.NoError(t, os.WriteFile(shadow.RealPath, []byte("shadow-content"), 0o644))
	root.AddChild(shadow)

	b := wireHostAndBroker(t, root, ioservice.NewOSService())
	mem := newFakeMem()
	mem.cstrings[10] = "/config.json"

	ret, errno, _, ok := b.Dispatch(1, int32(unix.SYS_OPEN), [6]uint64{10, uint64(syscall.O_RDONLY), 0, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)
	fd := int(ret)

	ret, errno, _, ok = b.Dispatch(1, int32(unix.SYS_READ), [6]uint64{uint64(fd), 300, 32, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)
	got, _ := mem.ReadBytes(300, int(ret))
	assert.Equal(t, "shadow-content", string(got))
}

// TestSymlinkPolicy covers spec.md §4.3's FOLLOW flag: a symlink inside a
// RECURSE backing directory resolves when the parent carries FOLLOW, and
// is hidden (ENOENT) otherwise.
func TestSymlinkPolicy(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real-target.txt")
	require.NoError(t, os.WriteFile(target, []byte("payload"), 0o644))
	link := filepath.Join(dir, "link.txt")
	require.NoError(t, os.Symlink(target, link))

	newRoot := func(follow bool) *domain.VNode {
		root := domain.NewRoot()
		root.RealPath = dir
		root.Flags |= domain.RECURSE | domain.DIRECTORY
		if follow {
			root.Flags |= domain.FOLLOW
		}
		return root
	}

	t.Run("without FOLLOW the symlink is invisible", func(t *testing.T) {
		b := wireHostAndBroker(t, newRoot(false), ioservice.NewOSService())
		mem := newFakeMem()
		mem.cstrings[10] = "/link.txt"

		_, errno, _, ok := b.Dispatch(1, int32(unix.SYS_OPEN), [6]uint64{10, uint64(syscall.O_RDONLY), 0, 0, 0, 0}, mem, nil)
		require.True(t, ok)
		assert.EqualValues(t, syscall.ENOENT, syscall.Errno(errno))
	})

	t.Run("with FOLLOW the symlink resolves to its target's content", func(t *testing.T) {
		b := wireHostAndBroker(t, newRoot(true), ioservice.NewOSService())
		mem := newFakeMem()
		mem.cstrings[10] = "/link.txt"

		ret, errno, _, ok := b.Dispatch(1, int32(unix.SYS_OPEN), [6]uint64{10, uint64(syscall.O_RDONLY), 0, 0, 0, 0}, mem, nil)
		require.True(t, ok)
		require.EqualValues(t, 0, errno)
		fd := int(ret)

		ret, errno, _, ok = b.Dispatch(1, int32(unix.SYS_READ), [6]uint64{uint64(fd), 400, 16, 0, 0, 0}, mem, nil)
		require.True(t, ok)
		require.EqualValues(t, 0, errno)
		got, _ := mem.ReadBytes(400, int(ret))
		assert.Equal(t, "payload", string(got))
	})
}

// TestDisallowedSyscallForcesJailExit covers spec.md §7's Unknown-syscall
// class: a syscall number outside Dispatch's table comes back ok=false,
// the signal the caller (the seccomp trap loop / forker's jail supervisor)
// uses to tear the Jail down rather than respond with an ordinary errno.
func TestDisallowedSyscallForcesJailExit(t *testing.T) {
	root := domain.NewRoot()
	b := wireHostAndBroker(t, root, ioservice.NewOSService())
	mem := newFakeMem()

	_, _, _, ok := b.Dispatch(1, int32(unix.SYS_SOCKET), [6]uint64{unix.AF_INET, unix.SOCK_STREAM, 0, 0, 0, 0}, mem, nil)
	assert.False(t, ok, "socket(2) must not be in the dispatch table: it is never allow-listed by spec.md's policy")
}

// TestMmapPolicyDeniesShared covers the other half of the mmap story:
// a shared or anonymous mapping that reaches the trap dispatcher is always
// denied EPERM, since neither shape has a real kernel fd the broker can
// splice back for a Continue — only a file-backed private mapping does.
func TestMmapPolicyDeniesShared(t *testing.T) {
	root := domain.NewRoot()
	b := wireHostAndBroker(t, root, ioservice.NewOSService())
	mem := newFakeMem()

	_, errno, cont, ok := b.Dispatch(1, int32(unix.SYS_MMAP), [6]uint64{0, 4096, unix.PROT_READ, unix.MAP_SHARED, 3, 0}, mem, nil)
	require.True(t, ok)
	assert.False(t, cont)
	assert.EqualValues(t, syscall.EPERM, syscall.Errno(errno))
}

// TestFileBackedMmapEmulation covers spec.md §4.1's file-backed mmap
// emulation against the real broker: an open real-backed file yields a
// jail-visible fd, and a MAP_PRIVATE mmap of that fd resolves the fd's real
// descriptor and asks the injector to splice it into the jail's table at the
// same slot, then tells the tracer to Continue so the kernel performs the
// mapping itself — no jail-side shim or bespoke RPCSOCK fake involved.
func TestFileBackedMmapEmulation(t *testing.T) {
	dir := t.TempDir()
	realPath := filepath.Join(dir, "libdata.so")
	require.NoError(t, os.WriteFile(realPath, []byte("mmap-backed-content"), 0o644))

	root := domain.NewRoot()
	root.AddChild(&domain.VNode{Name: "libdata.so", RealPath: realPath})

	b := wireHostAndBroker(t, root, ioservice.NewOSService())
	mem := newFakeMem()
	mem.cstrings[10] = "/libdata.so"

	ret, errno, _, ok := b.Dispatch(1, int32(unix.SYS_OPEN), [6]uint64{10, uint64(syscall.O_RDONLY), 0, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)
	fd := int(ret)

	inj := &fakeInjector{}
	_, errno, cont, ok := b.Dispatch(1, int32(unix.SYS_MMAP), [6]uint64{0, 4096, unix.PROT_READ, unix.MAP_PRIVATE, uint64(fd), 0}, mem, inj)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)
	assert.True(t, cont, "a file-backed private mapping must Continue so the kernel performs the real mmap")
	assert.Equal(t, 1, inj.calls)
	assert.Equal(t, fd, inj.slot, "the injected fd must land at the same slot the tracee's mmap argument names")
	assert.NotZero(t, inj.srcFd)
}

// fakeInjector stands in for the tracer's real notifFDInjector, recording
// what the broker asked to splice without touching any actual seccomp
// notification fd (only the kernel's live notify loop can do that).
type fakeInjector struct {
	srcFd uintptr
	slot  int
	calls int
}

func (f *fakeInjector) InjectAt(srcFd uintptr, slot int) error {
	f.calls++
	f.srcFd = srcFd
	f.slot = slot
	return nil
}

// TestProxyWalkEscalatesToHost covers spec.md §4.3's PROXY rule: a
// resolution step under a PROXY node never consults the local tree at
// all, it always escalates sb.getnode to the real Host service, here a
// genuine host.Service backed by the real filesystem rather than any
// in-package fake.
func TestProxyWalkEscalatesToHost(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset.csv"), []byte("a,b,c\n1,2,3\n"), 0o644))

	root := domain.NewRoot()
	proxy := &domain.VNode{Name: "mnt", RealPath: dir, Flags: domain.PROXY | domain.DIRECTORY}
	root.AddChild(proxy)

	b := wireHostAndBroker(t, root, ioservice.NewOSService())
	mem := newFakeMem()
	mem.cstrings[10] = "/mnt/dataset.csv"

	ret, errno, _, ok := b.Dispatch(1, int32(unix.SYS_OPEN), [6]uint64{10, uint64(syscall.O_RDONLY), 0, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)
	fd := int(ret)

	ret, errno, _, ok = b.Dispatch(1, int32(unix.SYS_READ), [6]uint64{uint64(fd), 500, 64, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	require.EqualValues(t, 0, errno)
	got, _ := mem.ReadBytes(500, int(ret))
	assert.Equal(t, "a,b,c\n1,2,3\n", string(got))

	// A component the Host's real directory does not contain is still
	// ENOENT, confirming the escalation genuinely consults the host
	// filesystem rather than always succeeding.
	mem.cstrings[20] = "/mnt/missing.csv"
	_, errno, _, ok = b.Dispatch(1, int32(unix.SYS_OPEN), [6]uint64{20, uint64(syscall.O_RDONLY), 0, 0, 0, 0}, mem, nil)
	require.True(t, ok)
	assert.EqualValues(t, syscall.ENOENT, syscall.Errno(errno))
}
