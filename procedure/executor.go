// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package procedure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/proclog"
)

type entryState int

const (
	stateQueued entryState = iota
	stateRunning
	// stateWaiting covers suspended procedures, procedures backing off
	// after a failure and permanently stalled ones.
	stateWaiting
	// stateParked procedures are never run again by this executor.
	stateParked
	stateDone
)

type entry struct {
	id   uint64
	proc Procedure
	// rec is the last persisted record.
	rec proclog.Record
	// done is closed once the procedure is terminal.
	done chan struct{}

	// The fields below are protected by Executor.mu.
	state    entryState
	rerun    bool
	timer    *time.Timer
	attempts int
	// stalled is set once a post-PONR step failed StallAfter times in a row,
	// or failed permanently. permanent procedures only run again once
	// resumed.
	stalled     bool
	permanent   bool
	rollingBack bool
	lastErr     error
	suspendFor  time.Duration
	calls       map[string]*call
}

type call struct {
	done bool
	val  interface{}
	err  error
}

type nonceKey struct {
	group, nonce uint64
}

type nonceEntry struct {
	id   uint64
	err  error
	done chan struct{}
}

// Executor runs procedures on a bounded pool of workers.
type Executor struct {
	opts      Options
	log       *proclog.Log
	factories map[proclog.Type]Factory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu struct {
		sync.Mutex
		cond    sync.Cond
		queue   []*entry
		entries map[uint64]*entry
		results map[uint64]Result
		nonces  map[nonceKey]*nonceEntry
		started bool
		closed  bool
	}
}

// New returns an executor. Factories must be registered before Start.
func New(opts Options) (*Executor, error) {
	opts.EnsureDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	x := &Executor{
		opts:      opts,
		log:       opts.Log,
		factories: make(map[proclog.Type]Factory),
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	x.mu.cond.L = &x.mu.Mutex
	x.mu.entries = make(map[uint64]*entry)
	x.mu.results = make(map[uint64]Result)
	x.mu.nonces = make(map[nonceKey]*nonceEntry)
	return x, nil
}

// Register installs the factory rebuilding procedures of type typ.
func (x *Executor) Register(typ proclog.Type, f Factory) {
	x.factories[typ] = f
}

// Start replays the procedure log and starts the workers. Terminal records
// become results, the others are rebuilt through their factory and resumed
// from their persisted step.
func (x *Executor) Start(ctx context.Context) error {
	x.mu.Lock()
	if x.mu.started {
		x.mu.Unlock()
		return errors.AssertionFailedf("procedure executor already started")
	}
	x.mu.started = true
	x.mu.Unlock()

	logger := base.WithTags(ctx, x.opts.Logger)
	var recovered []*entry
	for _, rec := range x.log.Replayed() {
		if rec.Terminal() {
			x.mu.Lock()
			res := resultOf(rec)
			x.mu.results[rec.ID] = res
			x.addNonceLocked(rec)
			x.mu.Unlock()
			continue
		}
		f, ok := x.factories[rec.Type]
		if !ok {
			return errors.Newf("procedure: no factory for %s procedure %d", rec.Type, errors.Safe(rec.ID))
		}
		p, err := f(ctx, rec)
		if err != nil {
			return errors.Wrapf(err, "procedure: recovering procedure %d", errors.Safe(rec.ID))
		}
		e := &entry{
			id:          rec.ID,
			proc:        p,
			rec:         rec,
			done:        make(chan struct{}),
			rollingBack: rec.RollingBack,
			calls:       make(map[string]*call),
		}
		if rec.LastError != "" {
			e.lastErr = errors.Newf("%s", rec.LastError)
		}
		recovered = append(recovered, e)
		logger.Infof("recovered %s", p)
		x.opts.Events.Recovered(RecoverInfo{ID: rec.ID, Type: rec.Type, Step: rec.Step, RollingBack: rec.RollingBack})
	}

	x.mu.Lock()
	for _, e := range recovered {
		x.mu.entries[e.id] = e
		x.addNonceLocked(e.rec)
		x.opts.Metrics.Running.Inc()
		x.enqueueLocked(e)
	}
	x.mu.Unlock()

	for i := 0; i < x.opts.Workers; i++ {
		x.wg.Add(1)
		go x.worker()
	}
	return nil
}

func resultOf(rec proclog.Record) Result {
	res := Result{ID: rec.ID, Type: rec.Type, Step: rec.Step, Status: Success}
	if rec.Status == proclog.StatusFailed {
		res.Status = Failed
		res.Err = errors.Newf("%s", rec.LastError)
	}
	return res
}

// addNonceLocked maps the nonce of a procedure found in the log to its id.
// The procedure was submitted successfully, so a duplicate submission gets
// no error; its outcome is in the procedure's Result.
func (x *Executor) addNonceLocked(rec proclog.Record) {
	if rec.NonceGroup == 0 && rec.Nonce == 0 {
		return
	}
	ne := &nonceEntry{id: rec.ID, done: make(chan struct{})}
	close(ne.done)
	x.mu.nonces[nonceKey{rec.NonceGroup, rec.Nonce}] = ne
}

// Close stops the workers and cancels in-flight calls. Procedures that are
// not terminal stay in the log and resume on the next Start.
func (x *Executor) Close() error {
	x.mu.Lock()
	if x.mu.closed {
		x.mu.Unlock()
		return nil
	}
	x.mu.closed = true
	for _, e := range x.mu.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	x.mu.cond.Broadcast()
	x.mu.Unlock()
	x.cancel()
	x.wg.Wait()
	return nil
}

// Submit starts a new procedure. build receives the id of the procedure
// and runs its synchronous preparation: an error from build is returned to
// the caller and no procedure is created.
//
// A non-zero nonce pair deduplicates submissions: a submission with the
// nonce of an earlier one, running, finished or still being built, returns
// the earlier procedure's id and build error.
func (x *Executor) Submit(
	ctx context.Context, nonceGroup, nonce uint64, build func(id uint64) (Procedure, error),
) (uint64, error) {
	key := nonceKey{nonceGroup, nonce}
	dedup := nonceGroup != 0 || nonce != 0

	x.mu.Lock()
	if x.mu.closed {
		x.mu.Unlock()
		return 0, errors.New("procedure: executor closed")
	}
	var ne *nonceEntry
	if dedup {
		if prev, ok := x.mu.nonces[key]; ok {
			x.mu.Unlock()
			select {
			case <-prev.done:
				return prev.id, prev.err
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		ne = &nonceEntry{done: make(chan struct{})}
		x.mu.nonces[key] = ne
	}
	x.mu.Unlock()

	id, err := x.submit(ctx, nonceGroup, nonce, build)
	if ne != nil {
		x.mu.Lock()
		ne.id, ne.err = id, err
		if err != nil {
			// A failed submission does not reserve the nonce.
			delete(x.mu.nonces, key)
		}
		x.mu.Unlock()
		close(ne.done)
	}
	return id, err
}

func (x *Executor) submit(
	ctx context.Context, nonceGroup, nonce uint64, build func(id uint64) (Procedure, error),
) (uint64, error) {
	id := x.log.AllocateProcID()
	p, err := build(id)
	if err != nil {
		return 0, err
	}
	e := &entry{
		id:    id,
		proc:  p,
		done:  make(chan struct{}),
		calls: make(map[string]*call),
		rec: proclog.Record{
			ID:         id,
			Type:       p.Type(),
			NonceGroup: nonceGroup,
			Nonce:      nonce,
		},
	}
	if err := x.persist(e, proclog.StatusRunnable); err != nil {
		// Nothing durable refers to the procedure: undo its preparation.
		pc := &Context{x: x, e: e}
		if rerr := p.Rollback(ctx, pc); rerr != nil {
			base.WithTags(ctx, x.opts.Logger).Errorf("rolling back %s: %v", p, rerr)
		}
		p.Done(ctx, err)
		return 0, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.mu.entries[id] = e
	x.opts.Metrics.Running.Inc()
	if x.mu.closed {
		e.state = stateParked
		return id, nil
	}
	x.enqueueLocked(e)
	return id, nil
}

// persist writes the current state of the procedure with the given status.
func (x *Executor) persist(e *entry, status proclog.Status) error {
	x.mu.Lock()
	rec := e.rec
	rec.RollingBack = e.rollingBack
	rec.LastError = ""
	if e.lastErr != nil {
		rec.LastError = e.lastErr.Error()
	}
	x.mu.Unlock()
	rec.Step = e.proc.Step()
	rec.Status = status
	rec.Payload = e.proc.Payload()
	if err := x.log.Apply(&proclog.Edit{Updated: []proclog.Record{rec}}); err != nil {
		return err
	}
	x.mu.Lock()
	e.rec = rec
	x.mu.Unlock()
	return nil
}

func (x *Executor) enqueueLocked(e *entry) {
	e.state = stateQueued
	x.mu.queue = append(x.mu.queue, e)
	x.mu.cond.Signal()
}

// wakeLocked makes a procedure runnable. A running procedure runs again as
// soon as its current step returns.
func (x *Executor) wakeLocked(e *entry) {
	switch e.state {
	case stateRunning:
		e.rerun = true
	case stateWaiting:
		if e.permanent {
			return
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		x.enqueueLocked(e)
	}
}

// Wake makes a suspended procedure run again. Waking a procedure that is
// not suspended is harmless.
func (x *Executor) Wake(id uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.mu.entries[id]; ok && !x.mu.closed {
		x.wakeLocked(e)
	}
}

// waitLocked parks the procedure until it is woken or d elapses.
func (x *Executor) waitLocked(e *entry, d time.Duration) {
	e.state = stateWaiting
	if x.mu.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		if e.timer == t && !x.mu.closed {
			e.timer = nil
			x.wakeLocked(e)
		}
	})
	e.timer = t
}

func (x *Executor) worker() {
	defer x.wg.Done()
	for {
		x.mu.Lock()
		for len(x.mu.queue) == 0 && !x.mu.closed {
			x.mu.cond.Wait()
		}
		if x.mu.closed {
			x.mu.Unlock()
			return
		}
		e := x.mu.queue[0]
		x.mu.queue = x.mu.queue[1:]
		e.state = stateRunning
		e.rerun = false
		e.suspendFor = 0
		x.mu.Unlock()
		x.run(e)
	}
}

func (x *Executor) run(e *entry) {
	ctx := logtags.AddTag(x.ctx, "proc", e.id)
	pc := &Context{x: x, e: e}
	typ := e.proc.Type().String()

	x.mu.Lock()
	rollingBack := e.rollingBack
	x.mu.Unlock()
	prevStep := e.proc.Step()

	start := crtime.NowMono()
	var flow Flow
	var err error
	if rollingBack {
		if err = e.proc.Rollback(ctx, pc); err == nil {
			flow = Done
		}
	} else {
		flow, err = e.proc.Execute(ctx, pc)
	}
	x.opts.Metrics.StepLatency.WithLabelValues(typ).Observe(start.Elapsed().Seconds())

	if x.ctx.Err() != nil {
		// Shutting down: the persisted record is authoritative.
		return
	}
	if err != nil {
		x.handleError(ctx, e, err)
		return
	}

	switch flow {
	case Done:
		x.mu.Lock()
		lastErr := e.lastErr
		x.mu.Unlock()
		if rollingBack {
			x.finish(ctx, e, proclog.StatusFailed, lastErr)
		} else {
			x.finish(ctx, e, proclog.StatusSucceeded, nil)
		}

	case More, Suspend:
		x.mu.Lock()
		e.attempts = 0
		e.stalled = false
		x.mu.Unlock()
		if flow == More || e.proc.Step() != prevStep {
			if err := x.persist(e, proclog.StatusRunnable); err != nil {
				x.handleError(ctx, e, errors.Wrap(err, "persisting procedure"))
				return
			}
			if knob := x.opts.Knobs.ParkAfterStep; knob != nil && knob(e.rec) {
				x.mu.Lock()
				e.state = stateParked
				x.mu.Unlock()
				return
			}
		}
		x.mu.Lock()
		defer x.mu.Unlock()
		if flow == More || e.rerun {
			x.enqueueLocked(e)
			return
		}
		d := e.suspendFor
		if d <= 0 {
			d = x.opts.SuspendTimeout
		}
		x.waitLocked(e, d)
	}
}

// handleError applies the failure policy of the procedure's current step.
func (x *Executor) handleError(ctx context.Context, e *entry, err error) {
	logger := base.WithTags(ctx, x.opts.Logger)
	pastPONR := e.proc.PastPointOfNoReturn()
	typ := e.proc.Type().String()

	x.mu.Lock()
	e.lastErr = err
	e.attempts++
	attempts := e.attempts
	x.opts.Metrics.Retries.WithLabelValues(typ).Inc()

	switch {
	case e.rollingBack:
		logger.Errorf("%s: rollback attempt %d failed: %v", e.proc, attempts, err)
		x.waitLocked(e, x.opts.Retry.backoff(attempts))
		x.mu.Unlock()

	case !pastPONR:
		if !errors.IsAny(err, ErrVetoed, ErrPermanent) && attempts < x.opts.Retry.MaxPrePONRAttempts {
			logger.Infof("%s: attempt %d failed, retrying: %v", e.proc, attempts, err)
			x.waitLocked(e, x.opts.Retry.backoff(attempts))
			x.mu.Unlock()
			return
		}
		logger.Infof("%s: rolling back: %v", e.proc, err)
		e.rollingBack = true
		e.attempts = 0
		x.mu.Unlock()
		if perr := x.persist(e, proclog.StatusRunnable); perr != nil {
			logger.Errorf("%s: persisting rollback: %v", e.proc, perr)
		}
		x.mu.Lock()
		x.enqueueLocked(e)
		x.mu.Unlock()

	default:
		permanent := errors.Is(err, ErrPermanent) || base.IsCorruptionError(err)
		stall := permanent || attempts == x.opts.Retry.StallAfter
		if permanent {
			e.permanent = true
			e.stalled = true
			e.state = stateWaiting
		} else {
			if stall {
				e.stalled = true
			}
			x.waitLocked(e, x.opts.Retry.backoff(attempts))
		}
		x.mu.Unlock()
		if !stall {
			logger.Infof("%s: attempt %d failed, retrying: %v", e.proc, attempts, err)
			return
		}
		logger.Errorf("%s: stalled after %d attempts: %v", e.proc, attempts, err)
		x.opts.Metrics.Stalls.WithLabelValues(typ).Inc()
		if perr := x.persist(e, proclog.StatusRunnable); perr != nil {
			logger.Errorf("%s: persisting stall: %v", e.proc, perr)
		}
		x.opts.Events.Stalled(StallInfo{
			ID: e.id, Type: e.proc.Type(), Step: e.proc.Step(),
			Attempts: attempts, Permanent: permanent, Err: err,
		})
	}
}

func (x *Executor) finish(ctx context.Context, e *entry, status proclog.Status, resErr error) {
	if status == proclog.StatusFailed && resErr == nil {
		resErr = errors.New("procedure rolled back")
	}
	x.mu.Lock()
	e.lastErr = resErr
	x.mu.Unlock()
	if err := x.persist(e, status); err != nil {
		x.handleError(ctx, e, errors.Wrap(err, "persisting procedure"))
		return
	}
	e.proc.Done(ctx, resErr)

	res := resultOf(e.rec)
	if resErr != nil {
		res.Err = resErr
	}
	x.opts.Metrics.Finished.WithLabelValues(e.proc.Type().String(), res.Status.String()).Inc()
	x.opts.Metrics.Running.Dec()
	base.WithTags(ctx, x.opts.Logger).Infof("%s: finished: %s", e.proc, res.Status)

	x.mu.Lock()
	e.state = stateDone
	x.mu.results[e.id] = res
	delete(x.mu.entries, e.id)
	x.mu.Unlock()
	close(e.done)
}

// Result returns the status of a procedure.
func (x *Executor) Result(id uint64) (Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if res, ok := x.mu.results[id]; ok {
		return res, nil
	}
	if e, ok := x.mu.entries[id]; ok {
		return x.pendingResultLocked(e), nil
	}
	return Result{}, errors.Wrapf(ErrProcedureNotFound, "procedure %d", errors.Safe(id))
}

func (x *Executor) pendingResultLocked(e *entry) Result {
	return Result{
		ID:      e.id,
		Type:    e.rec.Type,
		Status:  Pending,
		Err:     e.lastErr,
		Stalled: e.stalled,
		Step:    e.rec.Step,
	}
}

// Wait blocks until the procedure is terminal and returns its result.
func (x *Executor) Wait(ctx context.Context, id uint64) (Result, error) {
	x.mu.Lock()
	if res, ok := x.mu.results[id]; ok {
		x.mu.Unlock()
		return res, nil
	}
	e, ok := x.mu.entries[id]
	x.mu.Unlock()
	if !ok {
		return Result{}, errors.Wrapf(ErrProcedureNotFound, "procedure %d", errors.Safe(id))
	}
	select {
	case <-e.done:
		return x.Result(id)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Resume restarts a procedure that stalled on a permanent error.
func (x *Executor) Resume(id uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.mu.entries[id]
	if !ok {
		if _, ok := x.mu.results[id]; ok {
			return errors.Newf("procedure %d is finished", errors.Safe(id))
		}
		return errors.Wrapf(ErrProcedureNotFound, "procedure %d", errors.Safe(id))
	}
	e.attempts = 0
	e.stalled = false
	if e.permanent {
		e.permanent = false
		x.enqueueLocked(e)
	}
	return nil
}

// Pending returns the results of the procedures that are not terminal,
// ordered by id.
func (x *Executor) Pending() []Result {
	x.mu.Lock()
	defer x.mu.Unlock()
	res := make([]Result, 0, len(x.mu.entries))
	for _, e := range x.mu.entries {
		res = append(res, x.pendingResultLocked(e))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
