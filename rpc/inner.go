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

// Package rpc implements both wire formats spec.md §6 describes: the
// binary, length-prefixed Jail<->Broker stream protocol (this file) and the
// line-delimited JSON-RPC 2.0 Broker<->Host protocol (outer.go). Kept in
// one package, as sysbox-ipc keeps its grpc client and server together,
// since both legs share the domain.InnerFrame/OuterRequest wire types and
// the same fail-stop "any framing error is fatal" posture (spec.md §7).
package rpc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/skizzerz/pysandbox-go/domain"
)

// headerLen is the fixed 6-byte "[int16 namespace][uint16 key][uint16
// arglen]" prefix spec.md §6 specifies and §9 resolves from the source's
// ambiguous 4-vs-6-byte read.
const headerLen = 6

// WriteInnerFrame writes f to w in the wire order spec.md §6 specifies:
// the 6-byte header, then (for non-SYS namespaces) the NUL-terminated
// method name, then Arg. key for non-SYS frames is the method name's
// length including its terminating NUL.
func WriteInnerFrame(w io.Writer, f domain.InnerFrame) error {
	var method []byte
	key := f.Key
	if f.NS != domain.NamespaceSYS {
		method = append([]byte(f.Method), 0)
		key = uint16(len(method))
	}

	hdr := make([]byte, headerLen)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(f.NS))
	binary.LittleEndian.PutUint16(hdr[2:4], key)
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(f.Arg)))

	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(domain.ErrTransport, err.Error())
	}
	if len(method) > 0 {
		if _, err := w.Write(method); err != nil {
			return errors.Wrap(domain.ErrTransport, err.Error())
		}
	}
	if len(f.Arg) > 0 {
		if _, err := w.Write(f.Arg); err != nil {
			return errors.Wrap(domain.ErrTransport, err.Error())
		}
	}
	return nil
}

// ReadInnerFrame reads one frame from r. For SYS frames Method is empty and
// Key is the syscall number; for SB/APP frames Key on the wire is the
// method-name length, which this function consumes and does not echo back
// in the returned InnerFrame.Key (Key is left as 0 for SB/APP; callers
// identify the operation via Method). A clean end of stream before the
// first header byte is returned as a bare io.EOF.
func ReadInnerFrame(r io.Reader) (domain.InnerFrame, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF {
			return domain.InnerFrame{}, io.EOF
		}
		return domain.InnerFrame{}, errors.Wrap(domain.ErrTransport, err.Error())
	}
	ns := domain.Namespace(binary.LittleEndian.Uint16(hdr[0:2]))
	key := binary.LittleEndian.Uint16(hdr[2:4])
	arglen := binary.LittleEndian.Uint16(hdr[4:6])

	f := domain.InnerFrame{NS: ns}

	if ns == domain.NamespaceSYS {
		f.Key = key
		if arglen > 0 {
			f.Arg = make([]byte, arglen)
			if _, err := io.ReadFull(r, f.Arg); err != nil {
				return domain.InnerFrame{}, errors.Wrap(domain.ErrTransport, err.Error())
			}
		}
		return f, nil
	}

	if key == 0 {
		return domain.InnerFrame{}, errors.Wrap(domain.ErrProtocol, "inner frame: zero-length method name on non-SYS namespace")
	}
	methodBuf := make([]byte, key)
	if _, err := io.ReadFull(r, methodBuf); err != nil {
		return domain.InnerFrame{}, errors.Wrap(domain.ErrTransport, err.Error())
	}
	if methodBuf[len(methodBuf)-1] != 0 {
		return domain.InnerFrame{}, errors.Wrap(domain.ErrProtocol, "inner frame: method name not NUL-terminated")
	}
	f.Method = string(methodBuf[:len(methodBuf)-1])

	if arglen > 0 {
		f.Arg = make([]byte, arglen)
		if _, err := io.ReadFull(r, f.Arg); err != nil {
			return domain.InnerFrame{}, errors.Wrap(domain.ErrTransport, err.Error())
		}
	}
	return f, nil
}

// WriteInnerResponse writes the Broker's reply to the Jail: a 32-bit
// return value, a 32-bit OS error value, a 32-bit length, and that many
// bytes of payload, per spec.md §6.
func WriteInnerResponse(w io.Writer, resp domain.InnerResponse) error {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(resp.Ret))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(resp.Errno))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(resp.Payload)))
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(domain.ErrTransport, err.Error())
	}
	if len(resp.Payload) > 0 {
		if _, err := w.Write(resp.Payload); err != nil {
			return errors.Wrap(domain.ErrTransport, err.Error())
		}
	}
	return nil
}

// ReadInnerResponse reads a Broker reply on the Jail's side of RPCSOCK.
func ReadInnerResponse(r io.Reader) (domain.InnerResponse, error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return domain.InnerResponse{}, errors.Wrap(domain.ErrTransport, err.Error())
	}
	resp := domain.InnerResponse{
		Ret:   int32(binary.LittleEndian.Uint32(buf[0:4])),
		Errno: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}
	n := binary.LittleEndian.Uint32(buf[8:12])
	if n > 0 {
		resp.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Payload); err != nil {
			return domain.InnerResponse{}, errors.Wrap(domain.ErrTransport, err.Error())
		}
	}
	return resp, nil
}

// FrameLen returns the total wire length of f's request encoding, for the
// testable property that every inner-channel frame's length equals
// 6 + arglen + method_name_length_if_non_sys (spec.md §8).
func FrameLen(f domain.InnerFrame) int {
	n := headerLen + len(f.Arg)
	if f.NS != domain.NamespaceSYS {
		n += len(f.Method) + 1
	}
	return n
}
