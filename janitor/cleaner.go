// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package janitor

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/tokenbucket"
)

// pacedCleaner hands files to a Cleaner no faster than its byte rate.
type pacedCleaner struct {
	ctx     context.Context
	cleaner base.Cleaner
	// limiter is nil when pacing is disabled.
	limiter *tokenbucket.TokenBucket
	burst   int64
	// bytes counts the bytes of the files cleaned.
	bytes int64
	files int
}

var _ base.Cleaner = (*pacedCleaner)(nil)

func (c *pacedCleaner) Clean(fs vfs.FS, path string) error {
	var size int64
	if st, err := fs.Stat(path); err == nil {
		size = st.Size()
	}
	if c.limiter != nil && size > 0 {
		if err := c.wait(size); err != nil {
			return err
		}
	}
	if err := c.cleaner.Clean(fs, path); err != nil {
		return err
	}
	c.bytes += size
	c.files++
	return nil
}

func (c *pacedCleaner) wait(size int64) error {
	if size > c.burst {
		size = c.burst
	}
	for {
		ok, d := c.limiter.TryToFulfill(tokenbucket.Tokens(size))
		if ok {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-c.ctx.Done():
			t.Stop()
			return c.ctx.Err()
		}
	}
}
