// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package assignment

import (
	"context"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/regionpb"
)

// maxStateChanges bounds the transitions Open makes in a single run.
const maxStateChanges = 4

// Opener drives regions to OPEN. It is embedded in the procedures that open
// regions and keeps, in memory only, which open requests have been accepted
// by a server. After a restart every open is sent again; OpenRegion is safe
// to repeat.
type Opener struct {
	sent  map[string]crtime.Mono
	avoid map[string]string
}

func openKey(name string) string { return "open:" + name }

// Open makes one step of progress towards opening region and returns true
// once the region is OPEN on a live server. preferred names the server to
// use when the region has none.
//
// Open moves the region through OPENING, redirects it away from dead servers
// and re-sends requests that went unanswered for Env.RedriveAfter. It
// returns an error when the region failed to open, so that the caller backs
// off before the next attempt, which avoids the failing server.
func (o *Opener) Open(
	ctx context.Context, pc *procedure.Context, env *Env, region regionpb.RegionInfo, preferred string,
) (bool, error) {
	if o.sent == nil {
		o.sent = make(map[string]crtime.Mono)
		o.avoid = make(map[string]string)
	}
	name := region.EncodedName()
	for i := 0; i < maxStateChanges; i++ {
		st, err := env.States.Get(name)
		if err != nil {
			return false, err
		}
		switch st.State {
		case regionpb.StateOpen:
			if _, err := env.Cluster.Server(st.Server); err != nil {
				if err := env.States.Transition(ctx, name, st.State, regionpb.StateOffline, ""); err != nil {
					return false, err
				}
				continue
			}
			o.reset(pc, name)
			return true, nil

		case regionpb.StateOffline, regionpb.StateClosed, regionpb.StateSplittingNew:
			target := st.Server
			if target == "" {
				target = preferred
			}
			srv, err := env.Cluster.PickServer(target, o.avoid[name])
			if err != nil {
				return false, err
			}
			if err := env.States.Transition(ctx, name, st.State, regionpb.StateOpening, srv.Name()); err != nil {
				return false, err
			}
			delete(o.sent, name)
			pc.Forget(openKey(name))

		case regionpb.StateFailedOpen:
			o.avoid[name] = st.Server
			if err := env.States.Transition(ctx, name, st.State, regionpb.StateOffline, ""); err != nil {
				return false, err
			}
			return false, errors.Newf("region %s failed to open on %s", errors.Safe(name), st.Server)

		case regionpb.StateOpening:
			srv, err := env.Cluster.Server(st.Server)
			if err != nil {
				if err := env.States.Transition(ctx, name, st.State, regionpb.StateOffline, ""); err != nil {
					return false, err
				}
				continue
			}
			if sent, ok := o.sent[name]; ok {
				if elapsed := sent.Elapsed(); elapsed < env.RedriveAfter {
					pc.SuspendFor(env.RedriveAfter - elapsed)
					return false, nil
				}
				delete(o.sent, name)
			}
			_, done, err := pc.Call(openKey(name), func(ctx context.Context) (interface{}, error) {
				return nil, srv.OpenRegion(ctx, region)
			})
			if !done {
				return false, nil
			}
			if err != nil {
				return false, errors.Wrapf(err, "opening %s on %s", errors.Safe(name), srv.Name())
			}
			o.sent[name] = crtime.NowMono()
			pc.SuspendFor(env.RedriveAfter)
			return false, nil

		default:
			return false, errors.Wrapf(regionpb.ErrTransitionConflict,
				"cannot open region %s: it is %s", errors.Safe(name), st.State)
		}
	}
	return false, errors.Newf("region %s changed state %d times while opening", errors.Safe(name), maxStateChanges)
}

func (o *Opener) reset(pc *procedure.Context, name string) {
	delete(o.sent, name)
	delete(o.avoid, name)
	pc.Forget(openKey(name))
}
