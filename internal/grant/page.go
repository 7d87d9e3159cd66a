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

package grant

import (
	"errors"
	"sync"
)

// PageSize is the size of one grantable page.
const PageSize = 4096

// ErrPageFreed is returned when using a page after Free.
var ErrPageFreed = errors.New("page freed")

// Page is one page of domain memory that can be granted. On Linux it is
// backed by a memfd so that each foreign mapping is a separate mmap of the
// same physical page.
type Page struct {
	mu    sync.Mutex
	mem   []byte
	impl  pageImpl
	freed bool
}

// AllocPage allocates a zeroed page.
func AllocPage() (*Page, error) {
	mem, impl, err := allocPage()
	if err != nil {
		return nil, err
	}
	return &Page{mem: mem, impl: impl}, nil
}

// Bytes returns the owner's view of the page.
func (p *Page) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mem
}

// MapAlias maps the page a second time, as a foreign domain would see it.
// The returned function releases the alias.
func (p *Page) MapAlias(mode AccessMode) ([]byte, func() error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return nil, nil, ErrPageFreed
	}
	return p.impl.alias(p.mem, mode)
}

// Free releases the page. Aliases must have been released first.
func (p *Page) Free() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return ErrPageFreed
	}
	p.freed = true
	mem := p.mem
	p.mem = nil
	return p.impl.free(mem)
}
