// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package regionserver implements a region server: it hosts open regions,
// serves their rows, and executes the master's open, close and split
// requests, reporting the outcome of asynchronous ones back to the master.
//
// Regions keep unflushed rows in memory; there is no write-ahead log, so a
// killed server loses them.
package regionserver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
)

// TestingKnobs are hooks for tests. An error returned by a knob fails the
// request it intercepts.
type TestingKnobs struct {
	OpenRegion      func(info regionpb.RegionInfo) error
	CloseForSplit   func(info regionpb.RegionInfo) error
	SplitStoreFiles func(req regionpb.SplitFilesRequest) error
	// Report is called before every delivery attempt of a report.
	Report func(rep regionpb.TransitionReport) error
}

// Options configures a Server.
type Options struct {
	Name   string
	Files  *regionfs.FileSystem
	Master regionpb.MasterService
	// MemstoreFlushSize is the size in bytes of the unflushed rows of a
	// region past which it is flushed.
	MemstoreFlushSize int
	// SplitPolicies resolves the split policy named by a split request.
	// Unknown names fall back to regionfs.DefaultSplitPolicy, which range
	// checks every family, and are logged as errors.
	SplitPolicies map[string]regionfs.SplitPolicy
	// ReportBackoff and MaxReportBackoff bound the delay between delivery
	// attempts of a transition report.
	ReportBackoff    time.Duration
	MaxReportBackoff time.Duration
	Logger           base.Logger
	Knobs            TestingKnobs
}

// EnsureDefaults fills in default values for unset fields.
func (o *Options) EnsureDefaults() {
	if o.MemstoreFlushSize <= 0 {
		o.MemstoreFlushSize = 64 << 10
	}
	if o.ReportBackoff <= 0 {
		o.ReportBackoff = 20 * time.Millisecond
	}
	if o.MaxReportBackoff <= 0 {
		o.MaxReportBackoff = time.Second
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
}

// Server is a region server.
type Server struct {
	opts Options
	rfs  *regionfs.FileSystem

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu struct {
		sync.Mutex
		regions map[string]*region
		opening map[string]bool
		// splits holds the cancel funcs of the SPLIT_REVERTED watches of
		// regions this server asked to split.
		splits map[string]context.CancelFunc
		dead   bool
	}
}

var _ regionpb.RegionServer = (*Server)(nil)

// New returns a server. It hosts no region until the master opens some.
func New(opts Options) (*Server, error) {
	opts.EnsureDefaults()
	switch {
	case opts.Name == "":
		return nil, errors.New("regionserver: Options.Name is required")
	case opts.Files == nil:
		return nil, errors.New("regionserver: Options.Files is required")
	case opts.Master == nil:
		return nil, errors.New("regionserver: Options.Master is required")
	}
	s := &Server{opts: opts, rfs: opts.Files}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.regions = make(map[string]*region)
	s.mu.opening = make(map[string]bool)
	s.mu.splits = make(map[string]context.CancelFunc)
	return s, nil
}

// Name implements regionpb.RegionServer.
func (s *Server) Name() string {
	return s.opts.Name
}

func (s *Server) logger(ctx context.Context) base.Logger {
	return base.WithTags(ctx, s.opts.Logger)
}

func (s *Server) deadErr() error {
	return errors.Wrapf(regionpb.ErrServerDead, "%s", redact.SafeString(s.opts.Name))
}

// lookup returns the open region with the given encoded name.
func (s *Server) lookup(name string) (*region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.dead {
		return nil, s.deadErr()
	}
	r, ok := s.mu.regions[name]
	if !ok {
		return nil, errors.Wrapf(regionpb.ErrRegionNotOpen, "%s on %s", redact.SafeString(name), s.opts.Name)
	}
	return r, nil
}

// goLocked runs fn in a goroutine tracked by the server.
func (s *Server) goLocked(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// OpenRegion implements regionpb.RegionServer. The region opens
// asynchronously and the outcome is reported to the master. Opening an open
// region reports OPENED again.
func (s *Server) OpenRegion(ctx context.Context, info regionpb.RegionInfo) error {
	name := info.EncodedName()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.dead {
		return s.deadErr()
	}
	if _, ok := s.mu.regions[name]; ok {
		s.goLocked(func(ctx context.Context) {
			_ = s.report(ctx, regionpb.TransitionOpened, info, nil)
		})
		return nil
	}
	if s.mu.opening[name] {
		return nil
	}
	s.mu.opening[name] = true
	s.goLocked(func(ctx context.Context) {
		err := s.openRegion(info)
		code := regionpb.TransitionOpened
		if err != nil {
			s.logger(ctx).Errorf("opening %s: %v", info, err)
			code = regionpb.TransitionFailedOpen
		}
		_ = s.report(ctx, code, info, nil)
	})
	return nil
}

func (s *Server) openRegion(info regionpb.RegionInfo) error {
	name := info.EncodedName()
	err := func() error {
		if s.opts.Knobs.OpenRegion != nil {
			if err := s.opts.Knobs.OpenRegion(info); err != nil {
				return err
			}
		}
		return s.rfs.CreateRegion(&info, nil)
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mu.opening, name)
	if err != nil {
		return err
	}
	if s.mu.dead {
		return s.deadErr()
	}
	s.mu.regions[name] = newRegion(info, s.rfs)
	s.logger(s.ctx).Infof("[%s] opened %s", redact.SafeString(s.opts.Name), info)
	return nil
}

// CloseRegion implements regionpb.RegionServer. The region is flushed and
// closed asynchronously, then CLOSED is reported. Closing a region that is
// not open reports CLOSED right away.
func (s *Server) CloseRegion(ctx context.Context, info regionpb.RegionInfo) error {
	name := info.EncodedName()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.dead {
		return s.deadErr()
	}
	r := s.mu.regions[name]
	s.stopSplitWatchLocked(name)
	s.goLocked(func(ctx context.Context) {
		if r != nil {
			if _, err := r.close(); err != nil {
				s.logger(ctx).Errorf("closing %s: %v", info, err)
				return
			}
			s.mu.Lock()
			if s.mu.regions[name] == r {
				delete(s.mu.regions, name)
			}
			s.mu.Unlock()
		}
		_ = s.report(ctx, regionpb.TransitionClosed, info, nil)
	})
	return nil
}

// CloseForSplit implements regionpb.RegionServer. Once the region is
// closed, SPLIT_PONR is reported until the master acks that the split is
// past its point of no return.
func (s *Server) CloseForSplit(
	ctx context.Context, info regionpb.RegionInfo,
) (regionpb.CommittedFiles, error) {
	if s.opts.Knobs.CloseForSplit != nil {
		if err := s.opts.Knobs.CloseForSplit(info); err != nil {
			return nil, err
		}
	}
	name := info.EncodedName()
	s.mu.Lock()
	if s.mu.dead {
		s.mu.Unlock()
		return nil, s.deadErr()
	}
	r := s.mu.regions[name]
	s.stopSplitWatchLocked(name)
	s.mu.Unlock()
	if r == nil {
		// Already closed by an earlier attempt.
		return s.rfs.CommittedFiles(&info)
	}
	files, err := r.close()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.mu.regions[name] == r {
		delete(s.mu.regions, name)
	}
	if !s.mu.dead {
		s.goLocked(func(ctx context.Context) {
			if s.report(ctx, regionpb.TransitionSplitPONR, info, nil) == nil {
				s.logger(ctx).Infof("[%s] split of %s is past its point of no return",
					redact.SafeString(s.opts.Name), info)
			}
		})
	}
	s.mu.Unlock()
	s.logger(ctx).Infof("[%s] closed %s for split: %d files", redact.SafeString(s.opts.Name), info, files.Count())
	return files, nil
}

// SplitStoreFiles implements regionpb.RegionServer.
func (s *Server) SplitStoreFiles(
	ctx context.Context, req regionpb.SplitFilesRequest,
) (regionpb.SplitFilesResponse, error) {
	s.mu.Lock()
	dead := s.mu.dead
	s.mu.Unlock()
	if dead {
		return regionpb.SplitFilesResponse{}, s.deadErr()
	}
	if s.opts.Knobs.SplitStoreFiles != nil {
		if err := s.opts.Knobs.SplitStoreFiles(req); err != nil {
			return regionpb.SplitFilesResponse{}, err
		}
	}
	return s.rfs.SplitRegionFiles(ctx, req, s.policy(ctx, req.Policy))
}

func (s *Server) policy(ctx context.Context, name string) regionfs.SplitPolicy {
	if p, ok := s.opts.SplitPolicies[name]; ok {
		return p
	}
	if name != "" && name != regionfs.DefaultSplitPolicy.Name() {
		s.logger(ctx).Errorf("[%s] unknown split policy %q, using %s",
			redact.SafeString(s.opts.Name), name, regionfs.DefaultSplitPolicy.Name())
	}
	return regionfs.DefaultSplitPolicy
}

// BestSplitKey implements regionpb.RegionServer. The region is flushed
// first so that the key reflects all of its rows.
func (s *Server) BestSplitKey(ctx context.Context, info regionpb.RegionInfo) ([]byte, error) {
	r, err := s.lookup(info.EncodedName())
	if err != nil {
		return nil, err
	}
	if err := r.flush(); err != nil {
		return nil, err
	}
	return s.rfs.MidKey(&info)
}

// Put writes a row to an open region.
func (s *Server) Put(ctx context.Context, encodedName, family string, key, value []byte) error {
	r, err := s.lookup(encodedName)
	if err != nil {
		return err
	}
	size, err := r.put(family, key, value)
	if err != nil {
		return err
	}
	if size >= s.opts.MemstoreFlushSize {
		return r.flush()
	}
	return nil
}

// Scan returns the rows of a family of an open region, sorted by key.
func (s *Server) Scan(ctx context.Context, encodedName, family string) ([]regionfs.KV, error) {
	r, err := s.lookup(encodedName)
	if err != nil {
		return nil, err
	}
	return r.scan(family)
}

// Flush writes the unflushed rows of a region to new store files.
func (s *Server) Flush(ctx context.Context, encodedName string) error {
	r, err := s.lookup(encodedName)
	if err != nil {
		return err
	}
	return r.flush()
}

// Compact rewrites each family of a region into a single self-contained
// store file. Reference files into a split parent disappear.
func (s *Server) Compact(ctx context.Context, encodedName string) error {
	r, err := s.lookup(encodedName)
	if err != nil {
		return err
	}
	return r.compact()
}

// Regions returns the open regions, ordered by name.
func (s *Server) Regions() []regionpb.RegionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]regionpb.RegionInfo, 0, len(s.mu.regions))
	for _, r := range s.mu.regions {
		infos = append(infos, r.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos
}

// IsOpen returns true if the region is open on this server.
func (s *Server) IsOpen(encodedName string) bool {
	_, err := s.lookup(encodedName)
	return err == nil
}

// RequestSplit asks the master to split an open region, at splitKey or, if
// nil, at the master's choice. Once the master accepts, SPLIT_REVERTED is
// reported until the split is rolled back, or until the region is closed
// for the split or moved away.
func (s *Server) RequestSplit(ctx context.Context, info regionpb.RegionInfo, splitKey []byte) error {
	name := info.EncodedName()
	if _, err := s.lookup(name); err != nil {
		return err
	}
	if err := s.opts.Master.ReportRegionStateTransition(ctx, regionpb.TransitionReport{
		Server:   s.opts.Name,
		Code:     regionpb.TransitionReadyToSplit,
		Region:   info,
		SplitKey: splitKey,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.dead {
		return nil
	}
	s.stopSplitWatchLocked(name)
	watchCtx, cancel := context.WithCancel(s.ctx)
	s.mu.splits[name] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.report(watchCtx, regionpb.TransitionSplitReverted, info, nil)
		s.mu.Lock()
		if s.mu.splits[name] != nil && watchCtx.Err() == nil {
			delete(s.mu.splits, name)
		}
		s.mu.Unlock()
		cancel()
		if err == nil {
			s.logger(s.ctx).Infof("[%s] split of %s was rolled back", redact.SafeString(s.opts.Name), info)
		}
	}()
	return nil
}

// stopSplitWatchLocked ends the SPLIT_REVERTED watch of the named region.
func (s *Server) stopSplitWatchLocked(name string) {
	if cancel, ok := s.mu.splits[name]; ok {
		cancel()
		delete(s.mu.splits, name)
	}
}

// report delivers a transition report, retrying with backoff until the
// master acks it, rejects it for good, or the server stops.
func (s *Server) report(
	ctx context.Context, code regionpb.TransitionCode, info regionpb.RegionInfo, splitKey []byte,
) error {
	rep := regionpb.TransitionReport{Server: s.opts.Name, Code: code, Region: info, SplitKey: splitKey}
	backoff := s.opts.ReportBackoff
	for attempt := 1; ; attempt++ {
		err := ctx.Err()
		if err == nil && s.opts.Knobs.Report != nil {
			err = s.opts.Knobs.Report(rep)
		}
		if err == nil {
			err = s.opts.Master.ReportRegionStateTransition(ctx, rep)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if regionpb.IsValidationError(err) || errors.Is(err, regionpb.ErrTransitionConflict) {
			s.logger(ctx).Errorf("report %s rejected: %v", rep, err)
			return err
		}
		if attempt == 1 || attempt%10 == 0 {
			s.logger(ctx).Infof("report %s failed (attempt %d): %v", rep, attempt, err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > s.opts.MaxReportBackoff {
			backoff = s.opts.MaxReportBackoff
		}
	}
}

// Kill simulates a crash: the server stops serving and reporting, and loses
// its unflushed rows. Files already written stay on the shared file system.
func (s *Server) Kill() {
	s.mu.Lock()
	s.mu.dead = true
	s.mu.regions = make(map[string]*region)
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Close stops the server after flushing its regions.
func (s *Server) Close() error {
	s.mu.Lock()
	regions := s.mu.regions
	s.mu.Unlock()
	var err error
	for _, r := range regions {
		err = errors.CombineErrors(err, r.flush())
	}
	s.Kill()
	return err
}
