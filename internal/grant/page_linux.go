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

//go:build linux

package grant

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type pageImpl struct {
	fd int
}

func allocPage() ([]byte, pageImpl, error) {
	fd, err := unix.MemfdCreate("pvchan-page", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, pageImpl{}, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, PageSize); err != nil {
		unix.Close(fd)
		return nil, pageImpl{}, fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, pageImpl{}, fmt.Errorf("mmap: %w", err)
	}
	return mem, pageImpl{fd: fd}, nil
}

func (p pageImpl) alias(_ []byte, mode AccessMode) ([]byte, func() error, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if mode == ReadOnly {
		prot = unix.PROT_READ
	}
	mem, err := unix.Mmap(p.fd, 0, PageSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap alias: %w", err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}

func (p pageImpl) free(mem []byte) error {
	return errors.Join(unix.Munmap(mem), unix.Close(p.fd))
}
