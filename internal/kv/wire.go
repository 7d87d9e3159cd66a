/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package kv implements the keyed request/response protocol carried over a
// byte-stream ring: a guest-side Client and a host-side Responder backed by
// an exchange.Store.
package kv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Message header layout (16 bytes, little-endian):
// uint32 type    // Op
// uint32 req_id  // echoed by the responder
// uint32 tx_id   // transaction id, always 0
// uint32 len     // payload length in bytes (excludes the header)
const HeaderSize = 16

// MaxPayload bounds a single message payload in either direction.
const MaxPayload = 4096

// Op is the message type.
type Op uint32

const (
	OpDirectory Op = 1
	OpRead      Op = 2
	OpWrite     Op = 11
	OpRemove    Op = 13
	OpError     Op = 16
)

func (o Op) String() string {
	switch o {
	case OpDirectory:
		return "directory"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpError:
		return "error"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// Header is the on-wire message header.
type Header struct {
	Type  Op
	ReqID uint32
	TxID  uint32
	Len   uint32
}

var errShortHeader = errors.New("kv: message header too short")

func encodeHeaderTo(dst *[HeaderSize]byte, h Header) {
	b := dst[:]
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(b[4:8], h.ReqID)
	binary.LittleEndian.PutUint32(b[8:12], h.TxID)
	binary.LittleEndian.PutUint32(b[12:16], h.Len)
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errShortHeader
	}
	return Header{
		Type:  Op(binary.LittleEndian.Uint32(b[0:4])),
		ReqID: binary.LittleEndian.Uint32(b[4:8]),
		TxID:  binary.LittleEndian.Uint32(b[8:12]),
		Len:   binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// encodeMessage returns header and payload as one buffer so a request
// reaches the ring in a single Write.
func encodeMessage(h Header, payload []byte) []byte {
	h.Len = uint32(len(payload))
	var hdr [HeaderSize]byte
	encodeHeaderTo(&hdr, h)
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, hdr[:]...)
	return append(out, payload...)
}

// nulTerminated joins fields, each followed by a NUL byte.
func nulTerminated(fields ...string) []byte {
	n := 0
	for _, f := range fields {
		n += len(f) + 1
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = append(out, f...)
		out = append(out, 0)
	}
	return out
}

// splitFields splits a payload of NUL-terminated fields. A trailing
// unterminated field is returned as well.
func splitFields(p []byte) []string {
	var out []string
	for len(p) > 0 {
		i := bytes.IndexByte(p, 0)
		if i < 0 {
			out = append(out, string(p))
			break
		}
		out = append(out, string(p[:i]))
		p = p[i+1:]
	}
	return out
}

// parseWrite splits a write payload into key and value. The value runs to
// the final NUL and may be empty.
func parseWrite(p []byte) (key, value string, ok bool) {
	i := bytes.IndexByte(p, 0)
	if i <= 0 {
		return "", "", false
	}
	rest := p[i+1:]
	if n := len(rest); n > 0 && rest[n-1] == 0 {
		rest = rest[:n-1]
	}
	return string(p[:i]), string(rest), true
}

func validKey(key string) error {
	if key == "" || strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
