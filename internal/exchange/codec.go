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

package exchange

import (
	"github.com/bytedance/sonic"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype of the exchange service.
const codecName = "json"

// jsonCodec carries exchange messages as JSON so the service needs no
// generated code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return sonic.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return sonic.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Wire messages.

type pathRequest struct {
	Path string `json:"path"`
}

type setRequest struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

type valueReply struct {
	Value string `json:"value"`
}

type listReply struct {
	Children []string `json:"children"`
}

type emptyReply struct{}

type watchEvent struct {
	Path string `json:"path"`
}
