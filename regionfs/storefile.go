// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionfs

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/record"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression is the block compression of store files.
type Compression uint8

// The Compression enumeration.
const (
	NoCompression Compression = iota
	SnappyCompression
	ZstdCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	}
	return "unknown"
}

// ParseCompression parses the String form of a compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return 0, errors.Newf("regionfs: unknown compression %q", s)
}

// KV is a row of a column family.
type KV struct {
	Key   []byte
	Value []byte
}

// StoreFileMeta describes a store file.
type StoreFileMeta struct {
	Name     string
	FirstKey []byte
	LastKey  []byte
	Entries  uint64
	Size     int64
}

// A store file is a sequence of records: a header, data blocks and a footer.
// Each record starts with its kind.
const (
	recordHeader = 'h'
	recordBlock  = 'b'
	recordFooter = 'f'
)

const storeFileMagic = "regions-sf-v1"

const (
	tagMagic       = 2
	tagCompression = 3
	tagFirstKey    = 4
	tagLastKey     = 5
	tagEntries     = 6
)

func compress(c Compression, b []byte) []byte {
	switch c {
	case SnappyCompression:
		return snappy.Encode(nil, b)
	case ZstdCompression:
		encoder, _ := zstd.NewWriter(nil)
		defer encoder.Close()
		return encoder.EncodeAll(b, nil)
	}
	return b
}

func decompress(c Compression, b []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return b, nil
	case SnappyCompression:
		return snappy.Decode(nil, b)
	case ZstdCompression:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer decoder.Close()
		return decoder.DecodeAll(b, nil)
	}
	return nil, base.CorruptionErrorf("regionfs: unknown block compression %d", errors.Safe(c))
}

// writeStoreFile writes the sorted rows kvs to path.
func writeStoreFile(
	fs vfs.FS, path string, kvs []KV, c Compression, blockSize int,
) (meta StoreFileMeta, err error) {
	f, err := fs.Create(path)
	if err != nil {
		return StoreFileMeta{}, err
	}
	defer func() {
		if f != nil {
			err = errors.CombineErrors(err, f.Close())
		}
	}()
	w := record.NewWriter(f)

	e := wire.NewEncoder()
	e.WriteByte(recordHeader)
	e.WriteTagString(tagMagic, storeFileMagic)
	e.WriteTagUvarint(tagCompression, uint64(c))
	if _, err := w.WriteRecord(e.Bytes()); err != nil {
		return StoreFileMeta{}, err
	}

	block := wire.NewEncoder()
	var count uint64
	flush := func() error {
		if count == 0 {
			return nil
		}
		payload := wire.NewEncoder()
		payload.WriteUvarint(count)
		payload.Write(block.Bytes())
		rec := append([]byte{recordBlock, byte(c)}, compress(c, payload.Bytes())...)
		block.Reset()
		count = 0
		_, err := w.WriteRecord(rec)
		return err
	}
	for i := range kvs {
		if i > 0 && bytes.Compare(kvs[i-1].Key, kvs[i].Key) >= 0 {
			return StoreFileMeta{}, errors.AssertionFailedf("regionfs: store file keys out of order: %q >= %q",
				kvs[i-1].Key, kvs[i].Key)
		}
		block.WriteBytes(kvs[i].Key)
		block.WriteBytes(kvs[i].Value)
		count++
		if block.Len() >= blockSize {
			if err := flush(); err != nil {
				return StoreFileMeta{}, err
			}
		}
	}
	if err := flush(); err != nil {
		return StoreFileMeta{}, err
	}

	meta = StoreFileMeta{Name: fs.PathBase(path), Entries: uint64(len(kvs))}
	e.Reset()
	e.WriteByte(recordFooter)
	if len(kvs) > 0 {
		meta.FirstKey = kvs[0].Key
		meta.LastKey = kvs[len(kvs)-1].Key
		e.WriteTagBytes(tagFirstKey, meta.FirstKey)
		e.WriteTagBytes(tagLastKey, meta.LastKey)
	}
	e.WriteTagUvarint(tagEntries, meta.Entries)
	if _, err := w.WriteRecord(e.Bytes()); err != nil {
		return StoreFileMeta{}, err
	}
	if err := w.Close(); err != nil {
		return StoreFileMeta{}, err
	}
	meta.Size = w.Size()
	if err := f.Sync(); err != nil {
		return StoreFileMeta{}, err
	}
	err = f.Close()
	f = nil
	return meta, err
}

// storeFile is a fully loaded store file.
type storeFile struct {
	meta StoreFileMeta
	kvs  []KV
}

// readStoreFileMeta reads the footer of a store file.
func readStoreFileMeta(fs vfs.FS, path string) (StoreFileMeta, error) {
	sf, err := readStoreFile(fs, path)
	if err != nil {
		return StoreFileMeta{}, err
	}
	return sf.meta, nil
}

func readStoreFile(fs vfs.FS, path string) (*storeFile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	sf := &storeFile{meta: StoreFileMeta{Name: fs.PathBase(path), Size: stat.Size()}}
	var c Compression
	var sawHeader, sawFooter bool
	r := record.NewReader(f, 0)
	for {
		rr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, base.MarkCorruptionError(errors.Wrapf(err, "regionfs: reading %s", path))
		}
		b, err := io.ReadAll(rr)
		if err != nil {
			return nil, base.MarkCorruptionError(errors.Wrapf(err, "regionfs: reading %s", path))
		}
		if len(b) == 0 {
			return nil, base.CorruptionErrorf("regionfs: %s: empty record", errors.Safe(path))
		}
		switch b[0] {
		case recordHeader:
			if c, err = decodeHeader(b[1:]); err != nil {
				return nil, err
			}
			sawHeader = true
		case recordBlock:
			if !sawHeader || len(b) < 2 {
				return nil, base.CorruptionErrorf("regionfs: %s: malformed block", errors.Safe(path))
			}
			if Compression(b[1]) != c {
				return nil, base.CorruptionErrorf("regionfs: %s: block compression mismatch", errors.Safe(path))
			}
			if sf.kvs, err = decodeBlock(sf.kvs, c, b[2:]); err != nil {
				return nil, err
			}
		case recordFooter:
			if err := decodeFooter(&sf.meta, b[1:]); err != nil {
				return nil, err
			}
			sawFooter = true
		default:
			return nil, base.CorruptionErrorf("regionfs: %s: unknown record kind %q", errors.Safe(path), b[0])
		}
	}
	if !sawHeader || !sawFooter {
		return nil, base.CorruptionErrorf("regionfs: %s: truncated store file", errors.Safe(path))
	}
	if sf.meta.Entries != uint64(len(sf.kvs)) {
		return nil, base.CorruptionErrorf("regionfs: %s: footer counts %d rows, found %d",
			errors.Safe(path), errors.Safe(sf.meta.Entries), errors.Safe(len(sf.kvs)))
	}
	return sf, nil
}

func decodeHeader(b []byte) (Compression, error) {
	var c Compression
	var magic string
	d := wire.NewDecoder(bytes.NewReader(b))
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, err
		}
		switch tag {
		case tagMagic:
			if magic, err = d.ReadString(); err != nil {
				return 0, err
			}
		case tagCompression:
			v, err := d.ReadUvarint()
			if err != nil {
				return 0, err
			}
			c = Compression(v)
		default:
			if err := d.SkipUnknown("store file header", tag); err != nil {
				return 0, err
			}
		}
	}
	if magic != storeFileMagic {
		return 0, base.CorruptionErrorf("regionfs: bad store file magic %q", magic)
	}
	return c, nil
}

func decodeBlock(kvs []KV, c Compression, b []byte) ([]KV, error) {
	payload, err := decompress(c, b)
	if err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	d := wire.NewDecoder(bytes.NewReader(payload))
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		var kv KV
		if kv.Key, err = d.ReadBytes(); err != nil {
			return nil, err
		}
		if kv.Value, err = d.ReadBytes(); err != nil {
			return nil, err
		}
		kvs = append(kvs, kv)
	}
	return kvs, nil
}

func decodeFooter(meta *StoreFileMeta, b []byte) error {
	d := wire.NewDecoder(bytes.NewReader(b))
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		switch tag {
		case tagFirstKey:
			meta.FirstKey, err = d.ReadBytes()
		case tagLastKey:
			meta.LastKey, err = d.ReadBytes()
		case tagEntries:
			meta.Entries, err = d.ReadUvarint()
		default:
			err = d.SkipUnknown("store file footer", tag)
		}
		if err != nil {
			return err
		}
	}
}
