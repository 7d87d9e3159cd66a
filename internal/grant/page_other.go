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

//go:build !linux

package grant

// Without memfd every alias is the owner's slice itself.
type pageImpl struct{}

func allocPage() ([]byte, pageImpl, error) {
	return make([]byte, PageSize), pageImpl{}, nil
}

func (pageImpl) alias(mem []byte, _ AccessMode) ([]byte, func() error, error) {
	return mem, func() error { return nil }, nil
}

func (pageImpl) free([]byte) error { return nil }
