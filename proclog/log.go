// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package proclog implements the durable procedure log of the master.
//
// The log is a sequence of files named PROCLOG-<n>, each a pebble record
// stream of Edits. The CURRENT file names the active log. Every log file
// starts with a snapshot edit holding the non-terminal procedures and the
// final records of the most recently finished ones, so a rotation drops the
// records of older finished procedures: that is how the log is compacted. A
// log is rotated when it grows past MaxFileSize and every time it is opened,
// which also discards a torn tail left by a crash.
package proclog

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/record"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/google/uuid"
)

// CreateInfo contains info about a procedure log creation event.
type CreateInfo struct {
	Path    string
	FileNum base.DiskFileNum
	Err     error
}

// SafeFormat implements redact.SafeFormatter.
func (i CreateInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("procedure log create error: %s", i.Err)
		return
	}
	w.Printf("procedure log created %s", i.FileNum)
}

func (i CreateInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// DeleteInfo contains info about an obsolete procedure log deletion.
type DeleteInfo struct {
	Path    string
	FileNum base.DiskFileNum
	Err     error
}

// SafeFormat implements redact.SafeFormatter.
func (i DeleteInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("procedure log delete error: %s %s", i.FileNum, i.Err)
		return
	}
	w.Printf("procedure log deleted %s", i.FileNum)
}

func (i DeleteInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// Options configures a Log.
type Options struct {
	FS      vfs.FS
	Dirname string
	// MaxFileSize is the size past which the log is rotated.
	MaxFileSize int64
	// RetainedResults is the number of finished procedures whose final
	// record, without its payload, is carried into every new log file, so
	// that their results and nonces outlive restarts. Older ones are
	// dropped. Negative keeps none.
	RetainedResults int
	// ClusterID, when set, must match the cluster id recorded in an existing
	// log, and is used for a new one.
	ClusterID uuid.UUID
	Logger    base.Logger
	Cleaner   base.Cleaner

	LogCreated func(CreateInfo)
	LogDeleted func(DeleteInfo)
}

// EnsureDefaults fills in default values for unset fields.
func (o *Options) EnsureDefaults() {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 1 << 20
	}
	if o.RetainedResults == 0 {
		o.RetainedResults = 1000
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Cleaner == nil {
		o.Cleaner = base.DeleteCleaner{}
	}
	if o.LogCreated == nil {
		o.LogCreated = func(CreateInfo) {}
	}
	if o.LogDeleted == nil {
		o.LogDeleted = func(DeleteInfo) {}
	}
}

// Log is the procedure log. It is safe for concurrent use.
type Log struct {
	opts Options
	fs   vfs.FS
	dir  vfs.File

	mu struct {
		sync.Mutex
		clusterID   uuid.UUID
		nextProcID  uint64
		nextFileNum uint64
		// live holds the latest record of every non-terminal procedure.
		live map[uint64]Record
		// finished holds the final records of finished procedures still
		// carried into new log files.
		finished map[uint64]Record
		fileNum base.DiskFileNum
		file    vfs.File
		w       *record.Writer
		// rotate forces a rotation before the next write. It is set after a
		// failed write, when the state of the active file is unknown.
		rotate bool
		closed bool
	}

	// replayed is the state found on disk at Open, terminal records
	// included, ordered by id.
	replayed []Record
}

// Open opens the procedure log in opts.Dirname, creating it if it does not
// exist, and replays it.
func Open(opts Options) (*Log, error) {
	opts.EnsureDefaults()
	l := &Log{opts: opts, fs: opts.FS}
	l.mu.nextProcID = 1
	l.mu.nextFileNum = 1
	l.mu.live = make(map[uint64]Record)
	l.mu.finished = make(map[uint64]Record)

	if err := l.fs.MkdirAll(opts.Dirname, 0755); err != nil {
		return nil, err
	}
	dir, err := l.fs.OpenDir(opts.Dirname)
	if err != nil {
		return nil, err
	}
	l.dir = dir

	current := base.MakeFilepath(l.fs, opts.Dirname, base.FileTypeCurrent, 0)
	if _, err := l.fs.Stat(current); oserror.IsNotExist(err) {
		l.mu.clusterID = opts.ClusterID
		if l.mu.clusterID == uuid.Nil {
			l.mu.clusterID = uuid.New()
		}
	} else if err != nil {
		_ = dir.Close()
		return nil, err
	} else if err := l.load(); err != nil {
		_ = dir.Close()
		return nil, err
	}

	l.mu.Lock()
	err = l.rotateLocked()
	l.mu.Unlock()
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	l.deleteObsolete()
	return l, nil
}

// readCurrent returns the name of the log file the CURRENT file points to.
func readCurrent(fs vfs.FS, dirname string) (string, base.DiskFileNum, error) {
	current, err := fs.Open(base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0))
	if err != nil {
		return "", 0, errors.Wrapf(err, "proclog: could not open CURRENT file in %q", dirname)
	}
	defer current.Close()
	b, err := io.ReadAll(io.LimitReader(current, 4096))
	if err != nil {
		return "", 0, err
	}
	if len(b) == 0 || b[len(b)-1] != '\n' {
		return "", 0, base.CorruptionErrorf("proclog: CURRENT file in %q is malformed", dirname)
	}
	name := string(bytes.TrimSpace(b))
	ft, fileNum, ok := base.ParseFilename(fs, name)
	if !ok || ft != base.FileTypeProcLog {
		return "", 0, base.CorruptionErrorf("proclog: CURRENT file in %q names %q", dirname, name)
	}
	return name, fileNum, nil
}

func (l *Log) load() error {
	name, fileNum, err := readCurrent(l.fs, l.opts.Dirname)
	if err != nil {
		return err
	}
	l.mu.fileNum = fileNum
	if l.mu.nextFileNum <= uint64(fileNum) {
		l.mu.nextFileNum = uint64(fileNum) + 1
	}

	all := make(map[uint64]Record)
	err = readFile(l.fs, l.fs.PathJoin(l.opts.Dirname, name), func(ve *Edit) error {
		if ve.ClusterID != uuid.Nil {
			if l.mu.clusterID != uuid.Nil && l.mu.clusterID != ve.ClusterID {
				return base.CorruptionErrorf("proclog: %s: cluster id %s != %s",
					errors.Safe(name), ve.ClusterID, l.mu.clusterID)
			}
			l.mu.clusterID = ve.ClusterID
		}
		if ve.NextProcID > l.mu.nextProcID {
			l.mu.nextProcID = ve.NextProcID
		}
		if ve.NextFileNum > l.mu.nextFileNum {
			l.mu.nextFileNum = ve.NextFileNum
		}
		for _, r := range ve.Updated {
			all[r.ID] = r
			if r.ID >= l.mu.nextProcID {
				l.mu.nextProcID = r.ID + 1
			}
		}
		return nil
	}, func(err error) {
		l.opts.Logger.Infof("proclog: %s: ignoring torn tail: %v", name, err)
	})
	if err != nil {
		return err
	}
	if l.mu.clusterID == uuid.Nil {
		return base.CorruptionErrorf("proclog: %s: missing cluster id", errors.Safe(name))
	}
	if l.opts.ClusterID != uuid.Nil && l.opts.ClusterID != l.mu.clusterID {
		return errors.Newf("proclog: cluster id %s does not match %s found in %q",
			l.opts.ClusterID, l.mu.clusterID, l.opts.Dirname)
	}

	l.replayed = make([]Record, 0, len(all))
	for _, r := range all {
		l.replayed = append(l.replayed, r)
		if r.Terminal() {
			l.finishLocked(r)
		} else {
			l.mu.live[r.ID] = r
		}
	}
	sort.Slice(l.replayed, func(i, j int) bool { return l.replayed[i].ID < l.replayed[j].ID })
	return nil
}

func isTornTail(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, record.ErrZeroedChunk) ||
		errors.Is(err, record.ErrInvalidChunk)
}

// readFile replays the edits of a log file. A torn tail ends the replay and
// is passed to onTornTail.
func readFile(fs vfs.FS, path string, fn func(*Edit) error, onTornTail func(error)) error {
	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "proclog: could not open %q", path)
	}
	defer f.Close()
	rr := record.NewReader(f, 0 /* logNum */)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if isTornTail(err) {
				onTornTail(err)
				return nil
			}
			return err
		}
		var ve Edit
		if err := ve.Decode(r); err != nil {
			if isTornTail(err) {
				onTornTail(err)
				return nil
			}
			return errors.Wrapf(err, "proclog: %q", path)
		}
		if err := fn(&ve); err != nil {
			return err
		}
	}
}

// ReadFile returns the edits of the log file at path, stopping at a torn
// tail.
func ReadFile(fs vfs.FS, path string) ([]Edit, error) {
	var edits []Edit
	err := readFile(fs, path, func(ve *Edit) error {
		edits = append(edits, *ve)
		return nil
	}, func(error) {})
	return edits, err
}

// ReadCurrent returns the path of the active log file in dirname.
func ReadCurrent(fs vfs.FS, dirname string) (string, error) {
	name, _, err := readCurrent(fs, dirname)
	if err != nil {
		return "", err
	}
	return fs.PathJoin(dirname, name), nil
}

// rotateLocked creates a new log file holding a snapshot of the live
// procedures, points CURRENT at it and cleans the previous file.
func (l *Log) rotateLocked() (err error) {
	fileNum := base.DiskFileNum(l.mu.nextFileNum)
	l.mu.nextFileNum++
	path := base.MakeFilepath(l.fs, l.opts.Dirname, base.FileTypeProcLog, fileNum)

	var (
		file vfs.File
		w    *record.Writer
	)
	defer func() {
		if err != nil {
			if w != nil {
				_ = w.Close()
			}
			if file != nil {
				_ = file.Close()
			}
			_ = l.fs.Remove(path)
			l.opts.LogCreated(CreateInfo{Path: path, FileNum: fileNum, Err: err})
		}
	}()

	file, err = l.fs.Create(path)
	if err != nil {
		return err
	}
	w = record.NewWriter(file)
	snapshot := Edit{
		ClusterID:   l.mu.clusterID,
		NextProcID:  l.mu.nextProcID,
		NextFileNum: l.mu.nextFileNum,
	}
	for _, r := range l.mu.live {
		snapshot.Updated = append(snapshot.Updated, r)
	}
	l.pruneFinishedLocked()
	for _, r := range l.mu.finished {
		snapshot.Updated = append(snapshot.Updated, r)
	}
	sort.Slice(snapshot.Updated, func(i, j int) bool {
		return snapshot.Updated[i].ID < snapshot.Updated[j].ID
	})
	rw, err := w.Next()
	if err != nil {
		return err
	}
	if err = snapshot.Encode(rw); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = file.Sync(); err != nil {
		return err
	}
	if err = base.SetCurrentFile(l.opts.Dirname, l.fs, fileNum); err != nil {
		return err
	}
	if err = l.dir.Sync(); err != nil {
		return err
	}

	oldW, oldFile, oldNum := l.mu.w, l.mu.file, l.mu.fileNum
	l.mu.w, l.mu.file, l.mu.fileNum = w, file, fileNum
	l.mu.rotate = false
	l.opts.LogCreated(CreateInfo{Path: path, FileNum: fileNum})

	if oldW != nil {
		_ = oldW.Close()
	}
	if oldFile != nil {
		_ = oldFile.Close()
	}
	if oldNum != 0 && oldNum != fileNum {
		l.cleanFile(oldNum)
	}
	return nil
}

func (l *Log) cleanFile(fileNum base.DiskFileNum) {
	path := base.MakeFilepath(l.fs, l.opts.Dirname, base.FileTypeProcLog, fileNum)
	err := l.opts.Cleaner.Clean(l.fs, path)
	if oserror.IsNotExist(err) {
		return
	}
	l.opts.LogDeleted(DeleteInfo{Path: path, FileNum: fileNum, Err: err})
}

// deleteObsolete cleans log files and temporary files left behind by a
// crash in the middle of a rotation.
func (l *Log) deleteObsolete() {
	ls, err := l.fs.List(l.opts.Dirname)
	if err != nil {
		l.opts.Logger.Errorf("proclog: listing %q: %v", l.opts.Dirname, err)
		return
	}
	l.mu.Lock()
	current := l.mu.fileNum
	l.mu.Unlock()
	for _, name := range ls {
		ft, fileNum, ok := base.ParseFilename(l.fs, name)
		if !ok {
			continue
		}
		switch ft {
		case base.FileTypeProcLog:
			if fileNum != current {
				l.cleanFile(fileNum)
			}
		case base.FileTypeTemp:
			_ = l.fs.Remove(l.fs.PathJoin(l.opts.Dirname, name))
		}
	}
}

// Apply durably appends ve to the log and applies it to the in-memory view.
// Records in ve replace the previous record with the same id; a terminal
// record stops being carried over into future log files once
// RetainedResults more recent procedures have finished.
func (l *Log) Apply(ve *Edit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mu.closed {
		return errors.New("proclog: log is closed")
	}
	if l.mu.w == nil || l.mu.rotate || l.mu.w.Size() >= l.opts.MaxFileSize {
		if err := l.rotateLocked(); err != nil {
			l.mu.rotate = true
			return err
		}
	}
	for i := range ve.Updated {
		if id := ve.Updated[i].ID; id >= l.mu.nextProcID {
			l.mu.nextProcID = id + 1
		}
	}
	ve.NextProcID = l.mu.nextProcID
	ve.NextFileNum = l.mu.nextFileNum

	if err := l.writeLocked(ve); err != nil {
		l.mu.rotate = true
		return errors.Wrap(err, "proclog: write failed")
	}
	for _, r := range ve.Updated {
		if r.Terminal() {
			delete(l.mu.live, r.ID)
			l.finishLocked(r)
		} else {
			l.mu.live[r.ID] = r
		}
	}
	return nil
}

func (l *Log) finishLocked(r Record) {
	if l.opts.RetainedResults < 0 {
		return
	}
	r.Payload = nil
	l.mu.finished[r.ID] = r
}

// pruneFinishedLocked keeps the RetainedResults most recent finished
// procedures.
func (l *Log) pruneFinishedLocked() {
	excess := len(l.mu.finished) - max(l.opts.RetainedResults, 0)
	if excess <= 0 {
		return
	}
	ids := make([]uint64, 0, len(l.mu.finished))
	for id := range l.mu.finished {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids[:excess] {
		delete(l.mu.finished, id)
	}
}

func (l *Log) writeLocked(ve *Edit) error {
	w, err := l.mu.w.Next()
	if err != nil {
		return err
	}
	if err := ve.Encode(w); err != nil {
		return err
	}
	if err := l.mu.w.Flush(); err != nil {
		return err
	}
	return l.mu.file.Sync()
}

// AllocateProcID returns a fresh procedure id. The id is persisted by the
// first Apply that carries it.
func (l *Log) AllocateProcID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.mu.nextProcID
	l.mu.nextProcID++
	return id
}

// AllocateFileNum returns a fresh number for a file in the log directory.
func (l *Log) AllocateFileNum() base.DiskFileNum {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.mu.nextFileNum
	l.mu.nextFileNum++
	return base.DiskFileNum(n)
}

// ClusterID returns the cluster id recorded in the log.
func (l *Log) ClusterID() uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mu.clusterID
}

// Replayed returns the records found on disk when the log was opened,
// terminal ones included.
func (l *Log) Replayed() []Record {
	return l.replayed
}

// Live returns the non-terminal records, ordered by id.
func (l *Log) Live() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := make([]Record, 0, len(l.mu.live))
	for _, r := range l.mu.live {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs
}

// FileNum returns the number of the active log file.
func (l *Log) FileNum() base.DiskFileNum {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mu.fileNum
}

// Size returns the size of the active log file.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mu.w == nil {
		return 0
	}
	return l.mu.w.Size()
}

// String summarizes the log for debugging.
func (l *Log) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("%s live=%d next-proc=%d",
		base.MakeFilename(base.FileTypeProcLog, l.mu.fileNum), len(l.mu.live), l.mu.nextProcID)
}

// Close closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mu.closed {
		return nil
	}
	l.mu.closed = true
	var err error
	if l.mu.w != nil {
		err = l.mu.w.Close()
	}
	if l.mu.file != nil {
		err = errors.CombineErrors(err, l.mu.file.Close())
	}
	return errors.CombineErrors(err, l.dir.Close())
}
