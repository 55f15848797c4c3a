// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package procedure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/proclog"
	"github.com/stretchr/testify/require"
)

// testProc counts from its initial step to last. Steps at or past ponr are
// past the point of no return.
type testProc struct {
	last uint32
	ponr uint32
	fail func(step uint32, attempt int) error

	mu         sync.Mutex
	step       uint32
	attempts   map[uint32]int
	rolledBack int
	doneErr    error
	doneCalls  int
}

func newTestProc(last, ponr uint32) *testProc {
	return &testProc{last: last, ponr: ponr, step: 1, attempts: make(map[uint32]int)}
}

func (p *testProc) Type() proclog.Type { return proclog.TypeAssign }

func (p *testProc) Step() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

func (p *testProc) PastPointOfNoReturn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ponr != 0 && p.step >= p.ponr
}

func (p *testProc) Execute(ctx context.Context, pc *Context) (Flow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[p.step]++
	if p.fail != nil {
		if err := p.fail(p.step, p.attempts[p.step]); err != nil {
			return 0, err
		}
	}
	if p.step == p.last {
		return Done, nil
	}
	p.step++
	return More, nil
}

func (p *testProc) Rollback(ctx context.Context, pc *Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolledBack++
	return nil
}

func (p *testProc) Payload() []byte { return nil }

func (p *testProc) Done(ctx context.Context, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doneCalls++
	p.doneErr = err
}

func (p *testProc) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("test proc")
}

func (p *testProc) String() string { return redact.StringWithoutMarkers(p) }

type testEnv struct {
	fs  *vfs.MemFS
	log *proclog.Log
	x   *Executor
}

func testOptions(l *proclog.Log) Options {
	return Options{
		Log:     l,
		Workers: 2,
		Retry: RetryOptions{
			InitialBackoff:     time.Millisecond,
			MaxBackoff:         5 * time.Millisecond,
			MaxPrePONRAttempts: 3,
			StallAfter:         4,
		},
		SuspendTimeout: 10 * time.Second,
		Logger:         base.NoopLoggerForTesting,
	}
}

func openEnv(t *testing.T, fs *vfs.MemFS, modify func(*Options), factory Factory) *testEnv {
	l, err := proclog.Open(proclog.Options{FS: fs, Dirname: "master", Logger: base.NoopLoggerForTesting})
	require.NoError(t, err)
	opts := testOptions(l)
	if modify != nil {
		modify(&opts)
	}
	x, err := New(opts)
	require.NoError(t, err)
	if factory != nil {
		x.Register(proclog.TypeAssign, factory)
	}
	require.NoError(t, x.Start(context.Background()))
	return &testEnv{fs: fs, log: l, x: x}
}

func (env *testEnv) close(t *testing.T) {
	require.NoError(t, env.x.Close())
	require.NoError(t, env.log.Close())
}

func (env *testEnv) submit(t *testing.T, p Procedure) uint64 {
	id, err := env.x.Submit(context.Background(), 0, 0, func(uint64) (Procedure, error) { return p, nil })
	require.NoError(t, err)
	return id
}

func (env *testEnv) wait(t *testing.T, id uint64) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := env.x.Wait(ctx, id)
	require.NoError(t, err)
	return res
}

func TestExecutorRunsToCompletion(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := openEnv(t, vfs.NewMem(), nil, nil)
	defer env.close(t)

	p := newTestProc(3, 0)
	id := env.submit(t, p)
	res := env.wait(t, id)
	require.Equal(t, Success, res.Status)
	require.NoError(t, res.Err)
	require.EqualValues(t, 3, res.Step)
	require.Equal(t, 1, p.doneCalls)
	require.NoError(t, p.doneErr)
	require.Empty(t, env.log.Live())
	require.Empty(t, env.x.Pending())
}

func TestExecutorVetoRollsBack(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := openEnv(t, vfs.NewMem(), nil, nil)
	defer env.close(t)

	p := newTestProc(4, 3)
	p.fail = func(step uint32, attempt int) error {
		if step == 2 {
			return errors.Mark(errors.New("observer says no"), ErrVetoed)
		}
		return nil
	}
	res := env.wait(t, env.submit(t, p))
	require.Equal(t, Failed, res.Status)
	require.Contains(t, res.Err.Error(), "observer says no")
	require.Equal(t, 1, p.rolledBack)
	require.Equal(t, 1, p.attempts[2])
	require.Error(t, p.doneErr)
}

func TestExecutorRetriesThenRollsBack(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := openEnv(t, vfs.NewMem(), nil, nil)
	defer env.close(t)

	p := newTestProc(2, 0)
	p.fail = func(step uint32, attempt int) error {
		return errors.New("unreachable server")
	}
	res := env.wait(t, env.submit(t, p))
	require.Equal(t, Failed, res.Status)
	require.Equal(t, 3, p.attempts[1])
	require.Equal(t, 1, p.rolledBack)
}

func TestExecutorPastPONRRetriesAndStalls(t *testing.T) {
	defer leaktest.AfterTest(t)()
	var stalls []StallInfo
	var stallMu sync.Mutex
	env := openEnv(t, vfs.NewMem(), func(o *Options) {
		o.Events.Stalled = func(info StallInfo) {
			stallMu.Lock()
			defer stallMu.Unlock()
			stalls = append(stalls, info)
		}
	}, nil)
	defer env.close(t)

	p := newTestProc(3, 2)
	p.fail = func(step uint32, attempt int) error {
		if step == 2 && attempt < 7 {
			return errors.New("server unreachable")
		}
		return nil
	}
	res := env.wait(t, env.submit(t, p))
	require.Equal(t, Success, res.Status)
	require.Equal(t, 0, p.rolledBack)
	require.Equal(t, 7, p.attempts[2])

	stallMu.Lock()
	defer stallMu.Unlock()
	require.Len(t, stalls, 1)
	require.EqualValues(t, 2, stalls[0].Step)
	require.Equal(t, 4, stalls[0].Attempts)
	require.False(t, stalls[0].Permanent)
}

func TestExecutorPermanentStallAndResume(t *testing.T) {
	defer leaktest.AfterTest(t)()
	stalled := make(chan StallInfo, 1)
	env := openEnv(t, vfs.NewMem(), func(o *Options) {
		o.Events.Stalled = func(info StallInfo) { stalled <- info }
	}, nil)
	defer env.close(t)

	var broken atomic.Bool
	broken.Store(true)
	p := newTestProc(3, 2)
	p.fail = func(step uint32, attempt int) error {
		if step == 3 && broken.Load() {
			return base.CorruptionErrorf("bad reference file")
		}
		return nil
	}
	id := env.submit(t, p)
	info := <-stalled
	require.True(t, info.Permanent)

	res, err := env.x.Result(id)
	require.NoError(t, err)
	require.Equal(t, Pending, res.Status)
	require.True(t, res.Stalled)
	require.True(t, base.IsCorruptionError(res.Err))

	// A wake does not restart a permanently stalled procedure.
	env.x.Wake(id)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, func() int { p.mu.Lock(); defer p.mu.Unlock(); return p.attempts[3] }())

	broken.Store(false)
	require.NoError(t, env.x.Resume(id))
	res = env.wait(t, id)
	require.Equal(t, Success, res.Status)
	require.Equal(t, 0, p.rolledBack)

	require.True(t, errors.Is(env.x.Resume(12345), ErrProcedureNotFound))
}

func TestExecutorNonceDeduplication(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := openEnv(t, vfs.NewMem(), nil, nil)
	defer env.close(t)

	release := make(chan struct{})
	var builds atomic.Int32
	build := func(uint64) (Procedure, error) {
		builds.Add(1)
		<-release
		return newTestProc(2, 0), nil
	}

	const n = 8
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := env.x.Submit(context.Background(), 7, 42, build)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	// Let the submissions pile up behind the first build.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, builds.Load())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	require.Equal(t, Success, env.wait(t, ids[0]).Status)

	// After completion the nonce still maps to the procedure.
	id, err := env.x.Submit(context.Background(), 7, 42, build)
	require.NoError(t, err)
	require.Equal(t, ids[0], id)

	// A failed build does not reserve the nonce.
	_, err = env.x.Submit(context.Background(), 7, 43, func(uint64) (Procedure, error) {
		return nil, errors.New("region is in transition")
	})
	require.Error(t, err)
	id, err = env.x.Submit(context.Background(), 7, 43, func(uint64) (Procedure, error) {
		return newTestProc(1, 0), nil
	})
	require.NoError(t, err)
	require.NotZero(t, id)
}

func TestExecutorNonceSurvivesRestarts(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	env := openEnv(t, fs, nil, nil)
	p := newTestProc(2, 0)
	p.fail = func(uint32, int) error {
		return errors.Mark(errors.New("observer says no"), ErrVetoed)
	}
	id, err := env.x.Submit(context.Background(), 3, 4, func(uint64) (Procedure, error) { return p, nil })
	require.NoError(t, err)
	require.Equal(t, Failed, env.wait(t, id).Status)
	env.close(t)

	// Every restart rotates the log; the result is carried over each time.
	for i := 0; i < 3; i++ {
		env = openEnv(t, fs, nil, nil)
		if i < 2 {
			env.close(t)
		}
	}
	defer env.close(t)

	// A duplicate of a submission that was accepted returns its id without
	// error, and without building a new procedure.
	dup, err := env.x.Submit(context.Background(), 3, 4, func(uint64) (Procedure, error) {
		return nil, errors.New("built twice")
	})
	require.NoError(t, err)
	require.Equal(t, id, dup)
	res, err := env.x.Result(id)
	require.NoError(t, err)
	require.Equal(t, Failed, res.Status)
	require.Contains(t, res.Err.Error(), "observer says no")
}

// callProc dispatches an asynchronous call on its first step and finishes
// with its result.
type callProc struct {
	testProc
	fn     func(ctx context.Context) (interface{}, error)
	result interface{}
}

func (p *callProc) Execute(ctx context.Context, pc *Context) (Flow, error) {
	v, done, err := pc.Call("open", p.fn)
	if !done {
		return Suspend, nil
	}
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.result = v
	p.mu.Unlock()
	return Done, nil
}

func TestExecutorCallWakesProcedure(t *testing.T) {
	defer leaktest.AfterTest(t)()
	env := openEnv(t, vfs.NewMem(), nil, nil)
	defer env.close(t)

	release := make(chan struct{})
	var calls atomic.Int32
	p := &callProc{
		testProc: testProc{last: 1, step: 1, attempts: make(map[uint32]int)},
		fn: func(ctx context.Context) (interface{}, error) {
			calls.Add(1)
			<-release
			return "opened", nil
		},
	}
	id := env.submit(t, p)
	time.Sleep(5 * time.Millisecond)
	res, err := env.x.Result(id)
	require.NoError(t, err)
	require.Equal(t, Pending, res.Status)

	close(release)
	require.Equal(t, Success, env.wait(t, id).Status)
	require.Equal(t, "opened", p.result)
	require.EqualValues(t, 1, calls.Load())
}

func TestExecutorRecovery(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	env := openEnv(t, fs, func(o *Options) {
		o.Knobs.ParkAfterStep = func(rec proclog.Record) bool { return rec.Step == 3 }
	}, nil)

	p := newTestProc(5, 2)
	id := env.submit(t, p)
	require.Eventually(t, func() bool {
		live := env.log.Live()
		return len(live) == 1 && live[0].Step == 3
	}, 10*time.Second, time.Millisecond)
	env.close(t)

	var recovered []RecoverInfo
	var rebuilt *testProc
	env = openEnv(t, fs, func(o *Options) {
		o.Events.Recovered = func(info RecoverInfo) { recovered = append(recovered, info) }
	}, func(ctx context.Context, rec proclog.Record) (Procedure, error) {
		rebuilt = newTestProc(5, 2)
		rebuilt.step = rec.Step
		return rebuilt, nil
	})
	defer env.close(t)

	require.Len(t, recovered, 1)
	require.Equal(t, id, recovered[0].ID)
	require.EqualValues(t, 3, recovered[0].Step)

	res := env.wait(t, id)
	require.Equal(t, Success, res.Status)
	require.Zero(t, rebuilt.attempts[1])
	require.Zero(t, rebuilt.attempts[2])
	require.Equal(t, 1, rebuilt.attempts[3])

	// Ids are not reused after a restart.
	next := env.submit(t, newTestProc(1, 0))
	require.Greater(t, next, id)
}

func TestExecutorRecoveryWithoutFactory(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	env := openEnv(t, fs, func(o *Options) {
		o.Knobs.ParkAfterStep = func(proclog.Record) bool { return true }
	}, nil)
	env.submit(t, newTestProc(3, 0))
	require.Eventually(t, func() bool {
		live := env.log.Live()
		return len(live) == 1 && live[0].Step == 2
	}, 10*time.Second, time.Millisecond)
	env.close(t)

	l, err := proclog.Open(proclog.Options{FS: fs, Dirname: "master", Logger: base.NoopLoggerForTesting})
	require.NoError(t, err)
	defer l.Close()
	x, err := New(testOptions(l))
	require.NoError(t, err)
	err = x.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no factory")
	require.NoError(t, x.Close())
}

func TestBackoff(t *testing.T) {
	o := RetryOptions{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}
	o.EnsureDefaults()
	var got []string
	for i := 1; i <= 6; i++ {
		got = append(got, o.backoff(i).String())
	}
	require.Equal(t, "[10ms 20ms 40ms 80ms 100ms 100ms]", fmt.Sprint(got))
}
