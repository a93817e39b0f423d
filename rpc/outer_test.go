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
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skizzerz/pysandbox-go/domain"
)

// pipe wires a client's outbound writes to a server's inbound reads and
// vice versa, modeling the two pre-opened descriptor pairs spec.md §2
// step 1 describes (fds 3/4 on one side, the mirror on the other). Built
// on io.Pipe rather than bytes.Buffer since the client and server run on
// separate goroutines and io.Pipe's synchronous rendezvous is safe for
// that; a shared bytes.Buffer read and written from different goroutines
// is not.
type pipe struct {
	clientToServerR *io.PipeReader
	clientToServerW *io.PipeWriter
	serverToClientR *io.PipeReader
	serverToClientW *io.PipeWriter
}

func newPipe() *pipe {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	return &pipe{clientToServerR: c2sR, clientToServerW: c2sW, serverToClientR: s2cR, serverToClientW: s2cW}
}

// runOneExchange starts server.Serve() in the background and closes the
// client->server pipe once conn has finished one Call, so Serve observes
// a clean EOF and returns nil instead of blocking forever on a second
// Scan (spec.md never closes the outer channel mid-session, but a test has to end
// the loop somehow).
func runOneExchange(t *testing.T, p *pipe, server *OuterServer, call func()) {
	t.Helper()
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	call()

	require.NoError(t, p.clientToServerW.Close())
	assert.NoError(t, <-serveErr)
}

func TestOuterCallRoundTrip(t *testing.T) {
	p := newPipe()
	conn := NewOuterConn(p.serverToClientR, p.clientToServerW)
	server := NewOuterServer(p.clientToServerR, p.serverToClientW)

	server.Handle("sb.getcwd", func(params json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
		return &domain.OuterResult{Code: 0, Data: "/tmp"}, nil
	})

	runOneExchange(t, p, server, func() {
		result, err := conn.Call("sb.getcwd", []interface{}{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Code)
		assert.Equal(t, "/tmp", result.Data)
	})
}

func TestOuterCallAppErrorIsNotFatal(t *testing.T) {
	p := newPipe()
	conn := NewOuterConn(p.serverToClientR, p.clientToServerW)
	server := NewOuterServer(p.clientToServerR, p.serverToClientW)

	server.Handle("sys.open", func(params json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
		return nil, &domain.OuterError{Code: 2, Message: "ENOENT"}
	})

	runOneExchange(t, p, server, func() {
		resp, err := conn.Call("sys.open", []interface{}{"/missing"})
		require.Error(t, err)
		assert.Nil(t, resp)

		appErr, ok := err.(*outerAppError)
		require.True(t, ok, "an out-of-range error code must not be wrapped as a protocol error")
		assert.Equal(t, 2, appErr.Code())
	})
}

func TestOuterCallProtocolRangeErrorIsFatal(t *testing.T) {
	p := newPipe()
	conn := NewOuterConn(p.serverToClientR, p.clientToServerW)
	server := NewOuterServer(p.clientToServerR, p.serverToClientW)

	server.Handle("sb.getcwd", func(params json.RawMessage) (*domain.OuterResult, *domain.OuterError) {
		return nil, &domain.OuterError{Code: -32600, Message: "invalid request"}
	})

	runOneExchange(t, p, server, func() {
		_, err := conn.Call("sb.getcwd", nil)
		assert.ErrorIs(t, err, domain.ErrProtocol)
	})
}

func TestOuterServerUnknownMethod(t *testing.T) {
	var out bytes.Buffer
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","method":"app.nope","params":[],"id":0}` + "\n")

	server := NewOuterServer(in, &out)
	require.NoError(t, server.Serve())

	var resp domain.OuterResponse
	require.NoError(t, json.Unmarshal(bytes.TrimRight(out.Bytes(), "\n"), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}
