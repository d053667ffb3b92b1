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

// Package sysio provides an afero-backed dual file-system abstraction
// (an OS-backed store for production, an in-memory store for tests) for
// the substrate's two byte-addressable backing stores: SHM region
// content and RMEM block content.
package sysio

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// ServiceType selects which afero.Fs implementation backs a Store.
type ServiceType int

const (
	// OsBackend persists region/block content under a real directory.
	OsBackend ServiceType = iota
	// MemBackend keeps everything in memory; used by tests and by
	// short-lived single-process server configurations.
	MemBackend
)

// Store is a directory of named, independently growable byte blobs. SHM
// uses one blob per region name; RMEM uses one blob per block number.
type Store struct {
	mu sync.Mutex
	fs afero.Fs
	root string
	typ ServiceType
}

// NewStore creates a Store rooted at root (ignored for MemBackend beyond
// namespacing, since afero.MemMapFs is already process-local).
func NewStore(typ ServiceType, root string) (*Store, error) {
	var fs afero.Fs
	switch typ {
	case OsBackend:
		fs = afero.NewOsFs()
	case MemBackend:
		fs = afero.NewMemMapFs()
	default:
		return nil, fmt.Errorf("sysio: unknown backend %d", typ)
	}

	s := &Store{fs: fs, root: root, typ: typ}
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(key string) string {
	return s.root + "/" + key
}

// Create truncates (or creates) key's blob to exactly size bytes.
func (s *Store) Create(key string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.OpenFile(s.path(key), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// Truncate resizes an existing blob.
func (s *Store) Truncate(key string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.OpenFile(s.path(key), os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// ReadAt reads len(p) bytes from key starting at off.
func (s *Store) ReadAt(key string, p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.OpenFile(s.path(key), os.O_RDONLY, 0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// WriteAt writes p into key starting at off, extending the blob if needed.
func (s *Store) WriteAt(key string, p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.OpenFile(s.path(key), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.WriteAt(p, off)
}

// Remove deletes key's blob entirely.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs.Remove(s.path(key))
}

// Size reports a blob's current size.
func (s *Store) Size(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.fs.Stat(s.path(key))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// OsPath returns the real filesystem path backing key, valid only for
// OsBackend stores; it is the path Map takes to unix.Mmap a region's
// content directly.
func (s *Store) OsPath(key string) (string, bool) {
	if s.typ != OsBackend {
		return "", false
	}
	return s.path(key), true
}
