// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionserver

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/google/btree"
	"golang.org/x/sync/errgroup"
)

// ErrWrongRegion is returned for a row outside of the region's range.
var ErrWrongRegion = errors.New("row not in region")

type memItem struct {
	key, value []byte
}

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

// region is an open region: its unflushed rows are kept in one btree per
// family, the flushed ones in the region's store files.
type region struct {
	info regionpb.RegionInfo
	rfs  *regionfs.FileSystem

	mu struct {
		sync.RWMutex
		memstore map[string]*btree.BTree
		size     int
		closed   bool
	}
}

func newRegion(info regionpb.RegionInfo, rfs *regionfs.FileSystem) *region {
	r := &region{info: info, rfs: rfs}
	r.mu.memstore = make(map[string]*btree.BTree)
	return r
}

func (r *region) put(family string, key, value []byte) (int, error) {
	if !r.info.ContainsRow(key) {
		return 0, errors.Wrapf(ErrWrongRegion, "%q in %s", key, r.info.EncodedName())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mu.closed {
		return 0, errors.Wrapf(regionpb.ErrRegionNotOpen, "%s", r.info.EncodedName())
	}
	t, ok := r.mu.memstore[family]
	if !ok {
		t = btree.New(16)
		r.mu.memstore[family] = t
	}
	t.ReplaceOrInsert(&memItem{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	r.mu.size += len(key) + len(value)
	return r.mu.size, nil
}

// scan returns the rows of a family: the store files overlaid with the
// memstore.
func (r *region) scan(family string) ([]regionfs.KV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mu.closed {
		return nil, errors.Wrapf(regionpb.ErrRegionNotOpen, "%s", r.info.EncodedName())
	}
	kvs, err := r.rfs.ReadFamily(&r.info, family)
	if err != nil {
		return nil, err
	}
	t, ok := r.mu.memstore[family]
	if !ok || t.Len() == 0 {
		return kvs, nil
	}
	rows := make(map[string][]byte, len(kvs)+t.Len())
	for _, kv := range kvs {
		rows[string(kv.Key)] = kv.Value
	}
	t.Ascend(func(i btree.Item) bool {
		it := i.(*memItem)
		rows[string(it.key)] = it.value
		return true
	})
	kvs = kvs[:0]
	for k, v := range rows {
		kvs = append(kvs, regionfs.KV{Key: []byte(k), Value: v})
	}
	sort.Slice(kvs, func(i, j int) bool { return bytes.Compare(kvs[i].Key, kvs[j].Key) < 0 })
	return kvs, nil
}

// familiesLocked returns the families with rows in the memstore or on disk.
func (r *region) familiesLocked() ([]string, error) {
	fams, err := r.rfs.Families(&r.info)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(fams))
	for _, f := range fams {
		seen[f] = true
	}
	for f := range r.mu.memstore {
		if !seen[f] {
			fams = append(fams, f)
		}
	}
	sort.Strings(fams)
	return fams, nil
}

// flushLocked writes the memstore of every family to a new store file, the
// families in parallel.
func (r *region) flushLocked() error {
	var g errgroup.Group
	for fam, t := range r.mu.memstore {
		if t.Len() == 0 {
			continue
		}
		g.Go(func() error {
			kvs := make([]regionfs.KV, 0, t.Len())
			t.Ascend(func(i btree.Item) bool {
				it := i.(*memItem)
				kvs = append(kvs, regionfs.KV{Key: it.key, Value: it.value})
				return true
			})
			_, err := r.rfs.WriteStoreFile(&r.info, fam, kvs)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.mu.memstore = make(map[string]*btree.BTree)
	r.mu.size = 0
	return nil
}

func (r *region) flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

// close flushes the region and stops serving it. It returns the files
// committed at close time.
func (r *region) close() (regionpb.CommittedFiles, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.mu.closed {
		if err := r.flushLocked(); err != nil {
			return nil, err
		}
		r.mu.closed = true
	}
	return r.rfs.CommittedFiles(&r.info)
}

// compact rewrites every family into a single store file, resolving
// reference files.
func (r *region) compact() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(); err != nil {
		return err
	}
	fams, err := r.familiesLocked()
	if err != nil {
		return err
	}
	for _, fam := range fams {
		if _, err := r.rfs.Compact(&r.info, fam); err != nil {
			return err
		}
	}
	return nil
}
