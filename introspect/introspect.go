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

// Package introspect exposes live substrate state as a read-only FUSE
// filesystem, rendering name-service bindings and per-server statistics
// as plain files.
package introspect

import (
	"context"
	"os"
	"sync"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"
)

// Provider supplies the current byte content for every file the
// filesystem exposes; servers register one entry per thing they want
// visible (e.g. "nameservice/bindings", "rmem/stats").
type Provider func() []byte

// FS is the root of the introspect filesystem: a flat directory of
// provider-backed files, refreshed on every read.
type FS struct {
	mu sync.RWMutex
	providers map[string]Provider
}

// New returns an empty introspect filesystem.
func New() *FS {
	return &FS{providers: make(map[string]Provider)}
}

// Register binds name to provider; name must not contain "/".
func (f *FS) Register(name string, p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[name] = p
}

// Root implements fs.FS.
func (f *FS) Root() (fs.Node, error) {
	return &dir{fs: f}, nil
}

// Mount serves the filesystem at mountpoint until ctx is cancelled or an
// unrecoverable FUSE error occurs.
func (f *FS) Mount(ctx context.Context, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}

	conn, err := fuse.Mount(mountpoint, fuse.ReadOnly(), fuse.FSName("nanvix-introspect"))
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		if err := fuse.Unmount(mountpoint); err != nil {
			logrus.Warnf("introspect: unmount %s: %v", mountpoint, err)
		}
	}()

	logrus.Infof("introspect: serving at %s", mountpoint)
	return fs.Serve(conn, f)
}

// dir is the single flat directory holding every registered file.
type dir struct {
	fs *FS
}

var _ fs.Node = (*dir)(nil)
var _ fs.HandleReadDirAller = (*dir)(nil)
var _ fs.NodeStringLookuper = (*dir)(nil)

func (d *dir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0o555
	a.Mtime = time.Now()
	return nil
}

func (d *dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d.fs.mu.RLock()
	defer d.fs.mu.RUnlock()

	ents := make([]fuse.Dirent, 0, len(d.fs.providers))
	for name := range d.fs.providers {
		ents = append(ents, fuse.Dirent{Name: name, Type: fuse.DT_File})
	}
	return ents, nil
}

func (d *dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	d.fs.mu.RLock()
	p, ok := d.fs.providers[name]
	d.fs.mu.RUnlock()

	if !ok {
		return nil, fuse.ENOENT
	}
	return &file{provider: p}, nil
}

// file renders a single Provider's current content.
type file struct {
	provider Provider
}

var _ fs.Node = (*file)(nil)
var _ fs.HandleReadAller = (*file)(nil)

func (f *file) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0o444
	a.Size = uint64(len(f.provider()))
	a.Mtime = time.Now()
	return nil
}

func (f *file) ReadAll(ctx context.Context) ([]byte, error) {
	return f.provider(), nil
}
