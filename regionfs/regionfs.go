// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package regionfs lays out the files of regions on a shared file system and
// implements the file side of a split: reference files pointing at halves
// of the parent's store files, and the compaction that later rewrites them
// into self-contained store files.
//
// The layout is
//
//	<root>/data/<table>/<encoded region name>/.regioninfo
//	<root>/data/<table>/<encoded region name>/<family>/<seq>.sf
//	<root>/data/<table>/<encoded region name>/<family>/<parent file>.<parent>.ref
package regionfs

import (
	"bytes"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionpb"
)

const (
	regionInfoFile  = ".regioninfo"
	storeFileSuffix = ".sf"
)

// Options configures a FileSystem.
type Options struct {
	FS          vfs.FS
	Root        string
	Compression Compression
	// BlockSize is the uncompressed size past which a store file block is
	// written out.
	BlockSize int
	Logger    base.Logger
}

// EnsureDefaults fills in default values for unset fields.
func (o *Options) EnsureDefaults() {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
}

// FileSystem gives access to the files of all regions below a root.
type FileSystem struct {
	opts Options
	fs   vfs.FS
	// mu serializes the allocation of store file names.
	mu sync.Mutex
}

// New returns a FileSystem.
func New(opts Options) *FileSystem {
	opts.EnsureDefaults()
	return &FileSystem{opts: opts, fs: opts.FS}
}

// FS returns the underlying file system.
func (rfs *FileSystem) FS() vfs.FS {
	return rfs.fs
}

// TableDir returns the directory holding the regions of table.
func (rfs *FileSystem) TableDir(table string) string {
	return rfs.fs.PathJoin(rfs.opts.Root, "data", table)
}

// RegionDir returns the directory of a region.
func (rfs *FileSystem) RegionDir(info *regionpb.RegionInfo) string {
	return rfs.fs.PathJoin(rfs.TableDir(info.Table), info.EncodedName())
}

func (rfs *FileSystem) familyDir(info *regionpb.RegionInfo, family string) string {
	return rfs.fs.PathJoin(rfs.RegionDir(info), family)
}

// CreateRegion creates the directories of a region and writes its
// .regioninfo file. It is idempotent.
func (rfs *FileSystem) CreateRegion(info *regionpb.RegionInfo, families []string) error {
	dir := rfs.RegionDir(info)
	for _, fam := range families {
		if err := rfs.fs.MkdirAll(rfs.fs.PathJoin(dir, fam), 0755); err != nil {
			return err
		}
	}
	if err := rfs.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := rfs.fs.PathJoin(dir, regionInfoFile)
	tmp := path + ".tmp"
	f, err := rfs.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(regionpb.EncodeRegionInfo(info)); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := f.Sync(); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := f.Close(); err != nil {
		return err
	}
	return rfs.fs.Rename(tmp, path)
}

// RegionExists returns true once CreateRegion completed for the region.
func (rfs *FileSystem) RegionExists(info *regionpb.RegionInfo) bool {
	_, err := rfs.fs.Stat(rfs.fs.PathJoin(rfs.RegionDir(info), regionInfoFile))
	return err == nil
}

// ReadRegionInfo reads the .regioninfo file of a region directory.
func (rfs *FileSystem) ReadRegionInfo(table, encodedName string) (regionpb.RegionInfo, error) {
	path := rfs.fs.PathJoin(rfs.TableDir(table), encodedName, regionInfoFile)
	f, err := rfs.fs.Open(path)
	if err != nil {
		return regionpb.RegionInfo{}, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return regionpb.RegionInfo{}, err
	}
	info, err := regionpb.DecodeRegionInfo(b)
	if err != nil {
		return regionpb.RegionInfo{}, errors.Wrapf(err, "regionfs: %s", path)
	}
	if info.EncodedName() != encodedName {
		return regionpb.RegionInfo{}, base.CorruptionErrorf("regionfs: %s describes region %s",
			errors.Safe(path), errors.Safe(info.EncodedName()))
	}
	return info, nil
}

// Regions returns the encoded names of the region directories of table.
func (rfs *FileSystem) Regions(table string) ([]string, error) {
	ls, err := rfs.fs.List(rfs.TableDir(table))
	if oserror.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	sort.Strings(ls)
	return ls, nil
}

// Families returns the column families of a region, sorted.
func (rfs *FileSystem) Families(info *regionpb.RegionInfo) ([]string, error) {
	dir := rfs.RegionDir(info)
	ls, err := rfs.fs.List(dir)
	if oserror.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var fams []string
	for _, name := range ls {
		if strings.HasPrefix(name, ".") {
			continue
		}
		if st, err := rfs.fs.Stat(rfs.fs.PathJoin(dir, name)); err == nil && st.IsDir() {
			fams = append(fams, name)
		}
	}
	sort.Strings(fams)
	return fams, nil
}

// fileSeq returns the sequence number a store or reference file name starts
// with.
func fileSeq(name string) (uint64, bool) {
	i := strings.IndexByte(name, '.')
	if i <= 0 {
		return 0, false
	}
	seq, err := strconv.ParseUint(name[:i], 10, 64)
	return seq, err == nil
}

// StoreFiles returns the store and reference files of a family, oldest
// first.
func (rfs *FileSystem) StoreFiles(info *regionpb.RegionInfo, family string) ([]string, error) {
	ls, err := rfs.fs.List(rfs.familyDir(info, family))
	if oserror.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var files []string
	for _, name := range ls {
		if _, ok := fileSeq(name); !ok {
			continue
		}
		if strings.HasSuffix(name, storeFileSuffix) || strings.HasSuffix(name, refSuffix) {
			files = append(files, name)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		si, _ := fileSeq(files[i])
		sj, _ := fileSeq(files[j])
		if si != sj {
			return si < sj
		}
		return files[i] < files[j]
	})
	return files, nil
}

// CommittedFiles returns the files of every family of the region.
func (rfs *FileSystem) CommittedFiles(info *regionpb.RegionInfo) (regionpb.CommittedFiles, error) {
	fams, err := rfs.Families(info)
	if err != nil {
		return nil, err
	}
	files := make(regionpb.CommittedFiles, len(fams))
	for _, fam := range fams {
		if files[fam], err = rfs.StoreFiles(info, fam); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (rfs *FileSystem) nextFileName(info *regionpb.RegionInfo, family string) (string, error) {
	files, err := rfs.StoreFiles(info, family)
	if err != nil {
		return "", err
	}
	var seq uint64
	for _, name := range files {
		if s, _ := fileSeq(name); s > seq {
			seq = s
		}
	}
	return strconv.FormatUint(seq+1, 10) + storeFileSuffix, nil
}

// WriteStoreFile writes kvs, sorted by key, to a new store file of the
// family.
func (rfs *FileSystem) WriteStoreFile(
	info *regionpb.RegionInfo, family string, kvs []KV,
) (StoreFileMeta, error) {
	rfs.mu.Lock()
	defer rfs.mu.Unlock()
	return rfs.writeStoreFileLocked(info, family, kvs)
}

func (rfs *FileSystem) writeStoreFileLocked(
	info *regionpb.RegionInfo, family string, kvs []KV,
) (StoreFileMeta, error) {
	dir := rfs.familyDir(info, family)
	if err := rfs.fs.MkdirAll(dir, 0755); err != nil {
		return StoreFileMeta{}, err
	}
	name, err := rfs.nextFileName(info, family)
	if err != nil {
		return StoreFileMeta{}, err
	}
	path := rfs.fs.PathJoin(dir, name)
	tmp := path + ".tmp"
	meta, err := writeStoreFile(rfs.fs, tmp, kvs, rfs.opts.Compression, rfs.opts.BlockSize)
	if err != nil {
		return StoreFileMeta{}, err
	}
	if err := rfs.fs.Rename(tmp, path); err != nil {
		return StoreFileMeta{}, err
	}
	meta.Name = name
	return meta, nil
}

// FileMeta returns the metadata of a store file of the region. For a
// reference file it describes the referenced half.
func (rfs *FileSystem) FileMeta(
	info *regionpb.RegionInfo, family, file string,
) (StoreFileMeta, error) {
	kvs, err := rfs.readFile(info, family, file)
	if err != nil {
		return StoreFileMeta{}, err
	}
	meta := StoreFileMeta{Name: file, Entries: uint64(len(kvs))}
	if len(kvs) > 0 {
		meta.FirstKey = kvs[0].Key
		meta.LastKey = kvs[len(kvs)-1].Key
	}
	if st, err := rfs.fs.Stat(rfs.fs.PathJoin(rfs.familyDir(info, family), file)); err == nil {
		meta.Size = st.Size()
	}
	return meta, nil
}

// readFile returns the rows of a store file, resolving a reference file
// against the parent's store file.
func (rfs *FileSystem) readFile(info *regionpb.RegionInfo, family, file string) ([]KV, error) {
	path := rfs.fs.PathJoin(rfs.familyDir(info, family), file)
	if !strings.HasSuffix(file, refSuffix) {
		sf, err := readStoreFile(rfs.fs, path)
		if err != nil {
			return nil, err
		}
		return sf.kvs, nil
	}
	ref, err := readReference(rfs.fs, path)
	if err != nil {
		return nil, err
	}
	parentPath := rfs.fs.PathJoin(rfs.TableDir(info.Table), ref.ParentEncodedName, family, ref.ParentFile)
	sf, err := readStoreFile(rfs.fs, parentPath)
	if err != nil {
		return nil, errors.Wrapf(err, "regionfs: resolving reference %s", path)
	}
	kvs := sf.kvs[:0:0]
	for _, kv := range sf.kvs {
		if ref.Contains(kv.Key) && info.ContainsRow(kv.Key) {
			kvs = append(kvs, kv)
		}
	}
	return kvs, nil
}

// ReadFamily returns the rows of a family of the region, merged across its
// files. A row in a newer file shadows the same row in older files.
func (rfs *FileSystem) ReadFamily(info *regionpb.RegionInfo, family string) ([]KV, error) {
	files, err := rfs.StoreFiles(info, family)
	if err != nil {
		return nil, err
	}
	rows := make(map[string][]byte)
	for _, file := range files {
		kvs, err := rfs.readFile(info, family, file)
		if err != nil {
			return nil, err
		}
		for _, kv := range kvs {
			rows[string(kv.Key)] = kv.Value
		}
	}
	merged := make([]KV, 0, len(rows))
	for k, v := range rows {
		merged = append(merged, KV{Key: []byte(k), Value: v})
	}
	sort.Slice(merged, func(i, j int) bool { return bytes.Compare(merged[i].Key, merged[j].Key) < 0 })
	return merged, nil
}

// SplitOptions parameterize SplitStoreFile.
type SplitOptions struct {
	// Top selects the half at or above the split key. It is the half of the
	// second daughter.
	Top bool
	// SkipRangeCheck creates the reference even if the half is empty.
	SkipRangeCheck bool
	// Policy may exempt the family from the range check. Nil means
	// DefaultSplitPolicy.
	Policy SplitPolicy
}

// SplitStoreFile creates in the daughter's family directory the reference
// to one half of a store file of the parent. It returns nil, and creates
// nothing, when that half holds no row, unless the range check is skipped
// by opts.SkipRangeCheck or by the policy. Creating an existing reference
// again is a no-op.
func (rfs *FileSystem) SplitStoreFile(
	parent, daughter *regionpb.RegionInfo, family, file string, splitKey []byte, opts SplitOptions,
) (*Reference, error) {
	policy := opts.Policy
	if policy == nil {
		policy = DefaultSplitPolicy
	}
	if strings.HasSuffix(file, refSuffix) {
		return nil, errors.Wrapf(regionpb.ErrRegionHasReferences, "regionfs: cannot split reference %s", file)
	}
	if !opts.SkipRangeCheck && !policy.SkipStoreFileRangeCheck(family) {
		meta, err := readStoreFileMeta(rfs.fs, rfs.fs.PathJoin(rfs.familyDir(parent, family), file))
		if err != nil {
			return nil, err
		}
		if opts.Top {
			if meta.Entries == 0 || bytes.Compare(splitKey, meta.LastKey) > 0 {
				return nil, nil
			}
		} else if meta.Entries == 0 || bytes.Compare(splitKey, meta.FirstKey) <= 0 {
			return nil, nil
		}
	}

	ref := &Reference{
		ParentEncodedName: parent.EncodedName(),
		ParentFile:        file,
		SplitKey:          splitKey,
		Half:              Bottom,
	}
	if opts.Top {
		ref.Half = Top
	}
	dir := rfs.familyDir(daughter, family)
	if err := rfs.fs.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := rfs.fs.PathJoin(dir, referenceName(file, ref.ParentEncodedName))
	if _, err := rfs.fs.Stat(path); err == nil {
		existing, err := readReference(rfs.fs, path)
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if err := writeReference(rfs.fs, path, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// References returns the reference files of the region, per family.
func (rfs *FileSystem) References(info *regionpb.RegionInfo) (map[string][]Reference, error) {
	fams, err := rfs.Families(info)
	if err != nil {
		return nil, err
	}
	refs := make(map[string][]Reference)
	for _, fam := range fams {
		files, err := rfs.StoreFiles(info, fam)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if !strings.HasSuffix(file, refSuffix) {
				continue
			}
			ref, err := readReference(rfs.fs, rfs.fs.PathJoin(rfs.familyDir(info, fam), file))
			if err != nil {
				return nil, err
			}
			refs[fam] = append(refs[fam], ref)
		}
	}
	return refs, nil
}

// HasReferences returns true if any family of the region holds a reference
// file.
func (rfs *FileSystem) HasReferences(info *regionpb.RegionInfo) (bool, error) {
	n, err := rfs.ReferencesTo(info, "")
	return n > 0, err
}

// ReferencesTo counts the reference files of the region into the region
// with the given encoded name, or into any region if parent is empty. Only
// file names are inspected.
func (rfs *FileSystem) ReferencesTo(info *regionpb.RegionInfo, parent string) (int, error) {
	fams, err := rfs.Families(info)
	if err != nil {
		return 0, err
	}
	var n int
	for _, fam := range fams {
		files, err := rfs.StoreFiles(info, fam)
		if err != nil {
			return 0, err
		}
		for _, file := range files {
			if _, p, ok := parseReferenceName(file); ok && (parent == "" || p == parent) {
				n++
			}
		}
	}
	return n, nil
}

// Compact rewrites the files of a family into a single store file and
// removes the files it replaced, reference files included. It returns the
// metadata of the new file; a family without files is left untouched.
func (rfs *FileSystem) Compact(info *regionpb.RegionInfo, family string) (StoreFileMeta, error) {
	rfs.mu.Lock()
	defer rfs.mu.Unlock()
	files, err := rfs.StoreFiles(info, family)
	if err != nil || len(files) == 0 {
		return StoreFileMeta{}, err
	}
	kvs, err := rfs.ReadFamily(info, family)
	if err != nil {
		return StoreFileMeta{}, err
	}
	meta, err := rfs.writeStoreFileLocked(info, family, kvs)
	if err != nil {
		return StoreFileMeta{}, err
	}
	dir := rfs.familyDir(info, family)
	for _, file := range files {
		if err := rfs.fs.Remove(rfs.fs.PathJoin(dir, file)); err != nil && !oserror.IsNotExist(err) {
			return StoreFileMeta{}, err
		}
	}
	rfs.opts.Logger.Infof("[%s/%s] compacted %d files into %s (%d rows)",
		info.EncodedName(), family, len(files), meta.Name, meta.Entries)
	return meta, nil
}

// MidKey returns the middle row of the region's largest store file, or nil
// if the region holds no data or its largest file has a single row.
func (rfs *FileSystem) MidKey(info *regionpb.RegionInfo) ([]byte, error) {
	fams, err := rfs.Families(info)
	if err != nil {
		return nil, err
	}
	var largest string
	var largestSize int64 = -1
	for _, fam := range fams {
		files, err := rfs.StoreFiles(info, fam)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if !strings.HasSuffix(file, storeFileSuffix) {
				continue
			}
			path := rfs.fs.PathJoin(rfs.familyDir(info, fam), file)
			st, err := rfs.fs.Stat(path)
			if err != nil {
				return nil, err
			}
			if st.Size() > largestSize {
				largest, largestSize = path, st.Size()
			}
		}
	}
	if largest == "" {
		return nil, nil
	}
	sf, err := readStoreFile(rfs.fs, largest)
	if err != nil {
		return nil, err
	}
	if len(sf.kvs) < 2 {
		return nil, nil
	}
	return sf.kvs[len(sf.kvs)/2].Key, nil
}

// RemoveRegion hands every file of the region to cleaner and removes the
// directories left empty.
func (rfs *FileSystem) RemoveRegion(info *regionpb.RegionInfo, cleaner base.Cleaner) error {
	dir := rfs.RegionDir(info)
	fams, err := rfs.Families(info)
	if err != nil {
		return err
	}
	for _, fam := range fams {
		famDir := rfs.fs.PathJoin(dir, fam)
		ls, err := rfs.fs.List(famDir)
		if err != nil && !oserror.IsNotExist(err) {
			return err
		}
		for _, name := range ls {
			if _, ok := fileSeq(name); !ok {
				continue
			}
			if err := cleaner.Clean(rfs.fs, rfs.fs.PathJoin(famDir, name)); err != nil && !oserror.IsNotExist(err) {
				return err
			}
		}
		// The directory stays if the cleaner archived into it.
		_ = rfs.fs.Remove(famDir)
	}
	if err := rfs.fs.Remove(rfs.fs.PathJoin(dir, regionInfoFile)); err != nil && !oserror.IsNotExist(err) {
		return err
	}
	_ = rfs.fs.Remove(dir)
	return nil
}
