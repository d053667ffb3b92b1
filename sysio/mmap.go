//
// Copyright 2024 The Nanvix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package sysio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a live unix.Mmap of an OsBackend region file, mapped into
// the calling process's own address space. SHM's MAP opcode does not
// create one; its reply carries only the region's size.
type Mapping struct {
	data []byte
}

// Map mmaps the first size bytes of path. writable selects PROT_WRITE;
// the mapping is always MAP_SHARED so multiple nodes mapping the same
// region observe each other's writes, matching S2's "same value" check.
func Map(path string, size int64, writable bool) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("sysio: mmap %s: %w", path, err)
	}
	return &Mapping{data: data}, nil
}

// Bytes exposes the mapped region directly.
func (m *Mapping) Bytes() []byte { return m.data }

// Unmap releases the mapping.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
