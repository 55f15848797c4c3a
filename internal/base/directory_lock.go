// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
)

// LockDirectory acquires the LOCK file of a master directory, preventing a
// second master, in this process or another, from opening it.
func LockDirectory(dirname string, fs vfs.FS) (*DirLock, error) {
	fileLock, err := fs.Lock(MakeFilepath(fs, dirname, FileTypeLock, DiskFileNum(0)))
	if err != nil {
		return nil, errors.Wrapf(err, "locking %q", dirname)
	}
	return &DirLock{dirname: dirname, fileLock: fileLock}, nil
}

// DirLock is a held directory lock.
type DirLock struct {
	dirname  string
	fileLock io.Closer
	closed   atomic.Bool
}

// Close releases the lock. Closing a released lock is an error.
func (l *DirLock) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return errors.AssertionFailedf("lock for %q already released", l.dirname)
	}
	return l.fileLock.Close()
}
