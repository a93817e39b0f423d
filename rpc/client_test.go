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

package rpc

import (
	"encoding/json"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skizzerz/pysandbox-go/domain"
)

// fakeHostServer answers exactly the handful of methods these tests
// exercise, standing in for host.Service without creating an import
// cycle (host imports rpc, so rpc's tests cannot import host back).
type fakeHostServer struct {
	limits domain.Limits
}

func (s *fakeHostServer) register(srv *OuterServer) {
	srv.Handle("sb.getlimits", func(_ json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
		return &domain.OuterResult{Data: s.limits}, nil
	})
	srv.Handle("sb.getcwd", func(_ json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
		return &domain.OuterResult{Data: "/home/sandbox"}, nil
	})
	srv.Handle("sb.getnode", func(_ json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
		return nil, &domain.OuterError{Code: 2, Message: "no such file or directory"}
	})
}

func TestHostClientGetLimitsRoundTrip(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	srv := NewOuterServer(inR, outW)
	fake := &fakeHostServer{limits: domain.Limits{MemBytes: 4096, CPUSecs: 10}}
	fake.register(srv)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	client := NewHostClient(NewOuterConn(outR, inW))

	limits, err := client.GetLimits()
	require.NoError(t, err)
	assert.EqualValues(t, 4096, limits.MemBytes)
	assert.EqualValues(t, 10, limits.CPUSecs)

	cwd, err := client.GetCwd()
	require.NoError(t, err)
	assert.Equal(t, "/home/sandbox", cwd)

	inW.Close()
	require.NoError(t, <-done)
}

func TestHostClientAppErrorSurfacesAsErrno(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	srv := NewOuterServer(inR, outW)
	fake := &fakeHostServer{}
	fake.register(srv)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	client := NewHostClient(NewOuterConn(outR, inW))

	_, err := client.GetNode("data", "/opt/data", "x.txt", "/data/x.txt")
	assert.Error(t, err)
	assert.Equal(t, syscall.ENOENT, err)

	inW.Close()
	require.NoError(t, <-done)
}
