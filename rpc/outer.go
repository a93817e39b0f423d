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
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/skizzerz/pysandbox-go/domain"
)

// OuterConn is the line-delimited JSON-RPC 2.0 transport spec.md §6
// describes for the Broker<->Host leg. One request is ever in flight at a
// time (spec.md §5), so a single mutex around Call is sufficient; there is
// no need for a pending-request map keyed by id the way a concurrent
// JSON-RPC client would need one.
type OuterConn struct {
	mu     sync.Mutex
	w      io.Writer
	r      *bufio.Scanner
	nextID int64
}

// NewOuterConn wraps the pre-opened IN/OUT descriptors (fds 3/4 on the
// Broker's side, per spec.md §2 step 1) as a JSON-RPC line transport.
func NewOuterConn(in io.Reader, out io.Writer) *OuterConn {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &OuterConn{w: out, r: sc}
}

// Call issues method with params and blocks for the matching response. A
// protocol-range error code, an id mismatch, or a transport error are all
// fatal per spec.md §7 and are returned wrapped in domain.ErrProtocol /
// domain.ErrTransport so callers can tell a policy-level application error
// (an ordinary *OuterError outside the reserved range) from a fatal one.
func (c *OuterConn) Call(method string, params interface{}) (*domain.OuterResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	req := domain.OuterRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(domain.ErrProtocol, err.Error())
	}
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return nil, errors.Wrap(domain.ErrTransport, err.Error())
	}

	if !c.r.Scan() {
		if err := c.r.Err(); err != nil {
			return nil, errors.Wrap(domain.ErrTransport, err.Error())
		}
		return nil, errors.Wrap(domain.ErrTransport, "outer channel: EOF awaiting response")
	}

	var resp domain.OuterResponse
	if err := json.Unmarshal(c.r.Bytes(), &resp); err != nil {
		return nil, errors.Wrap(domain.ErrProtocol, err.Error())
	}
	if resp.ID != id {
		return nil, errors.Wrap(domain.ErrProtocol, "outer channel: response id does not match the in-flight request")
	}
	if resp.Error != nil {
		if resp.Error.IsProtocolError() {
			return nil, errors.Wrap(domain.ErrProtocol, resp.Error.Message)
		}
		return nil, &outerAppError{resp.Error}
	}
	if resp.Result == nil {
		return nil, errors.Wrap(domain.ErrProtocol, "outer channel: response has neither result nor error")
	}
	return resp.Result, nil
}

// outerAppError wraps an ordinary (non-protocol-range) JSON-RPC error so
// the broker can translate it into the corresponding errno rather than
// treating it as fatal.
type outerAppError struct {
	e *domain.OuterError
}

func (e *outerAppError) Error() string { return e.e.Message }
func (e *outerAppError) Code() int     { return e.e.Code }

// Dispatcher answers one JSON-RPC method call on the Host's side of the
// outer channel.
type Dispatcher func(params json.RawMessage) (*domain.OuterResult, *domain.OuterError)

// OuterServer serves requests read from in, writing responses to out, by
// dispatching on the exact "<ns>.<name>" method string to a registered
// handler. Used on the Host side; the Broker side only ever calls, it
// never serves, so OuterConn.Call alone suffices there.
type OuterServer struct {
	in       *bufio.Scanner
	out      io.Writer
	mu       sync.Mutex
	handlers map[string]Dispatcher
}

// NewOuterServer constructs a server reading requests from in and writing
// responses to out.
func NewOuterServer(in io.Reader, out io.Writer) *OuterServer {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &OuterServer{in: sc, out: out, handlers: make(map[string]Dispatcher)}
}

// Handle registers a handler for an exact "<ns>.<name>" method string.
func (s *OuterServer) Handle(method string, fn Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Serve reads one request at a time, dispatches it, and writes the reply,
// until the input is exhausted or a transport/protocol error occurs.
func (s *OuterServer) Serve() error {
	for s.in.Scan() {
		var req domain.OuterRequest
		if err := json.Unmarshal(s.in.Bytes(), &req); err != nil {
			return errors.Wrap(domain.ErrProtocol, err.Error())
		}

		s.mu.Lock()
		fn, ok := s.handlers[req.Method]
		s.mu.Unlock()

		var resp domain.OuterResponse
		resp.JSONRPC = "2.0"
		resp.ID = req.ID

		if !ok {
			resp.Error = &domain.OuterError{Code: -32601, Message: "method not found: " + req.Method}
		} else {
			raw, err := json.Marshal(req.Params)
			if err != nil {
				resp.Error = &domain.OuterError{Code: -32602, Message: err.Error()}
			} else {
				result, appErr := fn(raw)
				if appErr != nil {
					resp.Error = appErr
				} else {
					resp.Result = result
				}
			}
		}

		line, err := json.Marshal(resp)
		if err != nil {
			return errors.Wrap(domain.ErrProtocol, err.Error())
		}
		if _, err := s.out.Write(append(line, '\n')); err != nil {
			return errors.Wrap(domain.ErrTransport, err.Error())
		}
	}
	if err := s.in.Err(); err != nil {
		return errors.Wrap(domain.ErrTransport, err.Error())
	}
	return nil
}
