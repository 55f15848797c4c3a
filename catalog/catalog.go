// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package catalog implements the region directory: the durable meta table
// mapping every region to its key range, lifecycle state, hosting server and
// split lineage. Rows live in a pebble DB; an in-memory btree over the rows
// that serve keys answers location lookups.
package catalog

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/google/btree"
)

// Options configures a Catalog.
type Options struct {
	FS     vfs.FS
	Logger base.Logger
}

func (o *Options) ensureDefaults() {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
}

// Catalog is the region directory. All writes are synced before they
// return. It is safe for concurrent use.
type Catalog struct {
	db *pebble.DB

	mu struct {
		sync.RWMutex
		// index holds the rows of regions that serve keys, i.e. every row
		// that is not a SPLIT parent.
		index  *btree.BTree
		byName map[string]*indexItem
	}
}

// Open opens the catalog stored in dirname.
func Open(dirname string, opts Options) (*Catalog, error) {
	opts.ensureDefaults()
	db, err := pebble.Open(dirname, &pebble.Options{
		FS:     opts.FS,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: opening %q", dirname)
	}
	c := &Catalog{db: db}
	c.mu.index = btree.New(16)
	c.mu.byName = make(map[string]*indexItem)
	if err := c.Scan(func(row *regionpb.CatalogRow) error {
		c.indexRowLocked(row)
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the catalog.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Get returns the row of the region with the given encoded name.
func (c *Catalog) Get(encodedName string) (regionpb.CatalogRow, error) {
	rowKey, err := c.get(nameKey(encodedName))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return regionpb.CatalogRow{}, errors.Wrapf(regionpb.ErrRegionNotFound, "region %s", errors.Safe(encodedName))
		}
		return regionpb.CatalogRow{}, err
	}
	v, err := c.get(rowKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return regionpb.CatalogRow{}, base.CorruptionErrorf("catalog: dangling name index for %s", errors.Safe(encodedName))
		}
		return regionpb.CatalogRow{}, err
	}
	return regionpb.DecodeCatalogRow(v)
}

func (c *Catalog) get(key []byte) ([]byte, error) {
	v, closer, err := c.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// Put writes a single row.
func (c *Catalog) Put(row regionpb.CatalogRow) error {
	b := c.NewBatch()
	b.Put(row)
	return b.Commit()
}

// Delete removes the row of a region. Deleting a missing row is a no-op.
func (c *Catalog) Delete(encodedName string) error {
	row, err := c.Get(encodedName)
	if errors.Is(err, regionpb.ErrRegionNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	b := c.NewBatch()
	b.Delete(&row.Info)
	return b.Commit()
}

// Batch groups row writes that are applied atomically: either all of them
// are visible after a crash or none is.
type Batch struct {
	c       *Catalog
	b       *pebble.Batch
	puts    []regionpb.CatalogRow
	deletes []string
}

// NewBatch returns an empty batch.
func (c *Catalog) NewBatch() *Batch {
	return &Batch{c: c, b: c.db.NewBatch()}
}

// Put adds a row write to the batch.
func (b *Batch) Put(row regionpb.CatalogRow) {
	k := regionKey(row.Info.Table, row.Info.StartKey, row.Info.RegionID, row.Info.ReplicaID)
	_ = b.b.Set(k, row.Encode(), nil)
	_ = b.b.Set(nameKey(row.Info.EncodedName()), k, nil)
	b.puts = append(b.puts, row)
}

// Delete adds a row deletion to the batch.
func (b *Batch) Delete(info *regionpb.RegionInfo) {
	_ = b.b.Delete(regionKey(info.Table, info.StartKey, info.RegionID, info.ReplicaID), nil)
	_ = b.b.Delete(nameKey(info.EncodedName()), nil)
	b.deletes = append(b.deletes, info.EncodedName())
}

// Commit durably applies the batch.
func (b *Batch) Commit() error {
	defer b.b.Close()
	if err := b.b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "catalog: commit")
	}
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	for _, name := range b.deletes {
		b.c.unindexLocked(name)
	}
	for i := range b.puts {
		b.c.indexRowLocked(&b.puts[i])
	}
	return nil
}

// Scan calls fn for every region row, ordered by table, start key and
// region id.
func (c *Catalog) Scan(fn func(row *regionpb.CatalogRow) error) error {
	return c.scan([]byte{prefixRegion}, []byte{prefixRegion + 1}, fn)
}

// ScanTable returns the rows of a table ordered by start key and region id.
func (c *Catalog) ScanTable(table string) ([]regionpb.CatalogRow, error) {
	prefix := tablePrefix(table)
	var rows []regionpb.CatalogRow
	err := c.scan(prefix, prefixEnd(prefix), func(row *regionpb.CatalogRow) error {
		rows = append(rows, *row)
		return nil
	})
	return rows, err
}

func (c *Catalog) scan(lower, upper []byte, fn func(row *regionpb.CatalogRow) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		row, err := regionpb.DecodeCatalogRow(iter.Value())
		if err != nil {
			_ = iter.Close()
			return errors.Wrapf(err, "catalog: row %q", iter.Key())
		}
		if err := fn(&row); err != nil {
			_ = iter.Close()
			return err
		}
	}
	return iter.Close()
}

// PutTable writes a table descriptor.
func (c *Catalog) PutTable(desc regionpb.TableDescriptor) error {
	return c.db.Set(tableKey(desc.Name), encodeTable(&desc), pebble.Sync)
}

// GetTable returns the descriptor of a table, or base.ErrNotFound.
func (c *Catalog) GetTable(name string) (regionpb.TableDescriptor, error) {
	v, err := c.get(tableKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return regionpb.TableDescriptor{}, errors.Wrapf(base.ErrNotFound, "table %q", name)
		}
		return regionpb.TableDescriptor{}, err
	}
	return decodeTable(v)
}

// Tables returns all table descriptors ordered by name.
func (c *Catalog) Tables() ([]regionpb.TableDescriptor, error) {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixTable},
		UpperBound: []byte{prefixTable + 1},
	})
	if err != nil {
		return nil, err
	}
	var descs []regionpb.TableDescriptor
	for valid := iter.First(); valid; valid = iter.Next() {
		desc, err := decodeTable(iter.Value())
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, iter.Close()
}

// LocateRegion returns the row of the region of table serving key. Split
// parents never serve keys.
func (c *Catalog) LocateRegion(table string, key []byte) (regionpb.CatalogRow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var found *indexItem
	pivot := &indexItem{table: table, startKey: key, regionID: 1<<63 - 1}
	c.mu.index.DescendLessOrEqual(pivot, func(i btree.Item) bool {
		// Only the closest row starting at or before key can contain it.
		if item := i.(*indexItem); item.table == table && item.row.Info.ContainsRow(key) {
			found = item
		}
		return false
	})
	if found == nil {
		return regionpb.CatalogRow{}, errors.Wrapf(regionpb.ErrRegionNotFound,
			"no region of table %q serves key %q", table, key)
	}
	return found.row, nil
}

type indexItem struct {
	table    string
	startKey []byte
	regionID int64
	replica  int32
	row      regionpb.CatalogRow
}

// Less implements btree.Item.
func (i *indexItem) Less(than btree.Item) bool {
	o := than.(*indexItem)
	if i.table != o.table {
		return i.table < o.table
	}
	if c := bytes.Compare(i.startKey, o.startKey); c != 0 {
		return c < 0
	}
	if i.regionID != o.regionID {
		return i.regionID < o.regionID
	}
	return i.replica < o.replica
}

func (c *Catalog) indexRowLocked(row *regionpb.CatalogRow) {
	name := row.Info.EncodedName()
	c.unindexLocked(name)
	if row.State == regionpb.StateSplit || row.Info.ReplicaID != regionpb.DefaultReplicaID {
		return
	}
	item := &indexItem{
		table:    row.Info.Table,
		startKey: row.Info.StartKey,
		regionID: row.Info.RegionID,
		replica:  row.Info.ReplicaID,
		row:      *row,
	}
	c.mu.index.ReplaceOrInsert(item)
	c.mu.byName[name] = item
}

func (c *Catalog) unindexLocked(name string) {
	if item, ok := c.mu.byName[name]; ok {
		c.mu.index.Delete(item)
		delete(c.mu.byName, name)
	}
}
