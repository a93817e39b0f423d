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
	"encoding/base64"
	"encoding/json"
	"syscall"

	"github.com/pkg/errors"

	"github.com/skizzerz/pysandbox-go/domain"
)

// HostClient is the Broker-side implementation of domain.HostEscalator,
// translating each escalation into one OuterConn.Call and decoding its
// result. Every *outerAppError is surfaced as syscall.Errno(Code) so the
// broker's dispatch layer can hand
// it straight back to the jail as an ordinary policy denial, per spec.md
// §7's "Policy-denied" class never distinguishing itself from a ordinary
// OS error.
type HostClient struct {
	conn *OuterConn
}

// NewHostClient wraps an already-constructed OuterConn.
func NewHostClient(conn *OuterConn) *HostClient { return &HostClient{conn: conn} }

func (c *HostClient) call(method string, params interface{}, out interface{}) error {
	res, err := c.conn.Call(method, params)
	if err != nil {
		if appErr, ok := err.(*outerAppError); ok {
			return syscall.Errno(appErr.Code())
		}
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return errors.Wrap(domain.ErrProtocol, err.Error())
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(domain.ErrProtocol, err.Error())
	}
	return nil
}

func (c *HostClient) GetLimits() (domain.Limits, error) {
	var limits domain.Limits
	err := c.call("sb.getlimits", nil, &limits)
	return limits, err
}

func (c *HostClient) GetFS() ([]*domain.VNode, error) {
	var wire []wireVNode
	if err := c.call("sb.getfs", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]*domain.VNode, len(wire))
	for i, w := range wire {
		out[i] = w.toDomain()
	}
	return out, nil
}

func (c *HostClient) GetVirtualPythonPath() (string, error) {
	var path string
	err := c.call("sb.getvpypath", nil, &path)
	return path, err
}

func (c *HostClient) GetCwd() (string, error) {
	var cwd string
	err := c.call("sb.getcwd", nil, &cwd)
	return cwd, err
}

func (c *HostClient) GetNode(parentName, parentRealPath, component, fullPath string) (*domain.VNode, error) {
	params := map[string]string{
		"parentName":     parentName,
		"parentRealPath": parentRealPath,
		"component":      component,
		"fullPath":       fullPath,
	}
	var w wireVNode
	if err := c.call("sb.getnode", params, &w); err != nil {
		return nil, err
	}
	return w.toDomain(), nil
}

func (c *HostClient) OpenVirtual(path string, flags int) (int64, error) {
	params := map[string]interface{}{"path": path, "flags": flags}
	var token int64
	err := c.call("sb.openvirtual", params, &token)
	return token, err
}

func (c *HostClient) ReadVirtual(token int64, length int, offset int64) ([]byte, error) {
	params := map[string]interface{}{"token": token, "length": length, "offset": offset}
	var encoded string
	if err := c.call("sb.readvirtual", params, &encoded); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(domain.ErrProtocol, err.Error())
	}
	return data, nil
}

func (c *HostClient) WriteVirtual(token int64, data []byte, offset int64) (int, error) {
	params := map[string]interface{}{
		"token":  token,
		"data":   base64.StdEncoding.EncodeToString(data),
		"offset": offset,
	}
	var n int
	err := c.call("sb.writevirtual", params, &n)
	return n, err
}

func (c *HostClient) CloseVirtual(token int64) error {
	return c.call("sb.closevirtual", map[string]interface{}{"token": token}, nil)
}

func (c *HostClient) StatVirtual(token int64) (*domain.Stat, error) {
	var st domain.Stat
	if err := c.call("sb.statvirtual", map[string]interface{}{"token": token}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HostClient) App(method string, params interface{}) (interface{}, error) {
	var out interface{}
	err := c.call("app."+method, params, &out)
	return out, err
}

// wireVNode is the JSON shape GetFS/GetNode exchange over the outer
// channel: a VNode has no json tags of its own (domain stays free of a
// wire-format dependency), so this is the translation layer, mirrored
// field-for-field by host.wireVNode on the Host's side.
type wireVNode struct {
	Name     string      `json:"name"`
	RealPath string      `json:"realpath,omitempty"`
	Flags    uint32      `json:"flags"`
	Filter   []string    `json:"filter,omitempty"`
	Children []wireVNode `json:"children,omitempty"`
}

func (w wireVNode) toDomain() *domain.VNode {
	n := &domain.VNode{
		Name:     w.Name,
		RealPath: w.RealPath,
		Flags:    domain.VNodeFlag(w.Flags),
		Filter:   w.Filter,
	}
	for _, c := range w.Children {
		n.AddChild(c.toDomain())
	}
	return n
}
