// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package procedure

import (
	"context"
	"time"
)

// Context is the handle a running procedure uses to talk to its executor.
type Context struct {
	x *Executor
	e *entry
}

// ID returns the id of the procedure.
func (pc *Context) ID() uint64 {
	return pc.e.id
}

// SuspendFor sets the timeout of the Suspend returned by the current step.
// The shortest duration set during a step wins.
func (pc *Context) SuspendFor(d time.Duration) {
	pc.x.mu.Lock()
	defer pc.x.mu.Unlock()
	if pc.e.suspendFor == 0 || d < pc.e.suspendFor {
		pc.e.suspendFor = d
	}
}

// Forget drops the call with the given key, in flight or completed. Its
// result, if any comes, is discarded.
func (pc *Context) Forget(key string) {
	pc.x.mu.Lock()
	defer pc.x.mu.Unlock()
	delete(pc.e.calls, key)
}

// Call runs fn asynchronously, bounded by the executor's call timeout, and
// wakes the procedure when it returns. The first Call with a given key
// dispatches fn and reports done=false; Calls while fn runs report
// done=false too; the first Call after fn returned reports its result with
// done=true and forgets it, so the next Call with the key dispatches again.
//
// Calls do not survive a restart: a recovered procedure dispatches again.
func (pc *Context) Call(
	key string, fn func(ctx context.Context) (interface{}, error),
) (val interface{}, done bool, err error) {
	x, e := pc.x, pc.e
	x.mu.Lock()
	if c, ok := e.calls[key]; ok {
		if !c.done {
			x.mu.Unlock()
			return nil, false, nil
		}
		delete(e.calls, key)
		x.mu.Unlock()
		return c.val, true, c.err
	}
	if x.mu.closed {
		x.mu.Unlock()
		return nil, false, nil
	}
	c := &call{}
	e.calls[key] = c
	x.wg.Add(1)
	x.mu.Unlock()

	go func() {
		defer x.wg.Done()
		ctx, cancel := context.WithTimeout(x.ctx, x.opts.CallTimeout)
		v, err := fn(ctx)
		cancel()
		x.mu.Lock()
		defer x.mu.Unlock()
		c.done, c.val, c.err = true, v, err
		if !x.mu.closed {
			x.wakeLocked(e)
		}
	}()
	return nil, false, nil
}
