// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/regions/assignment"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionpb"
)

type serverEntry struct {
	srv  regionpb.RegionServer
	dead bool
}

// cluster tracks the region servers known to the master. Liveness is
// whatever the membership layer last told the master: a server is alive
// from RegisterServer until ExpireServer.
type cluster struct {
	mu      sync.Mutex
	servers map[string]*serverEntry
}

var _ assignment.Cluster = (*cluster)(nil)

func newCluster() *cluster {
	return &cluster{servers: make(map[string]*serverEntry)}
}

// register adds a server, or replaces an earlier incarnation of it.
func (c *cluster) register(srv regionpb.RegionServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[srv.Name()] = &serverEntry{srv: srv}
}

// expire marks a server dead. It returns false if the server was already
// dead.
func (c *cluster) expire(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.servers[name]
	if !ok {
		return false, errors.Wrapf(regionpb.ErrServerNotFound, "server %q", name)
	}
	if e.dead {
		return false, nil
	}
	e.dead = true
	return true, nil
}

// Server implements assignment.Cluster.
func (c *cluster) Server(name string) (regionpb.RegionServer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.servers[name]
	if !ok || name == "" {
		return nil, errors.Wrapf(regionpb.ErrServerNotFound, "server %q", name)
	}
	if e.dead {
		return nil, errors.Wrapf(regionpb.ErrServerDead, "server %q", name)
	}
	return e.srv, nil
}

// PickServer implements assignment.Cluster. Without a usable preferred
// server, the live servers are tried in name order.
func (c *cluster) PickServer(preferred, avoid string) (regionpb.RegionServer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.servers[preferred]; ok && !e.dead && preferred != avoid {
		return e.srv, nil
	}
	for _, name := range c.liveLocked() {
		if name != avoid {
			return c.servers[name].srv, nil
		}
	}
	if e, ok := c.servers[avoid]; ok && !e.dead {
		return e.srv, nil
	}
	return nil, errors.Wrap(regionpb.ErrServerNotFound, "no live server")
}

func (c *cluster) liveLocked() []string {
	names := make([]string, 0, len(c.servers))
	for name, e := range c.servers {
		if !e.dead {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// live returns the names of the live servers, sorted.
func (c *cluster) live() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked()
}

// RegisterServer makes a region server available for assignments. A server
// registered under the name of an expired one is a new incarnation and is
// considered alive again.
func (m *Master) RegisterServer(srv regionpb.RegionServer) {
	m.cluster.register(srv)
}

// Servers returns the names of the live region servers.
func (m *Master) Servers() []string {
	return m.cluster.live()
}

// ExpireServer tells the master that a region server died. Procedures
// working on its regions are woken up and redirect their requests; the
// regions it hosted that no procedure owns are reassigned. A split parent
// whose split later rolls back is reassigned then.
func (m *Master) ExpireServer(ctx context.Context, name string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	ctx = logtags.AddTag(ctx, "server", name)
	expired, err := m.cluster.expire(name)
	if err != nil || !expired {
		return err
	}
	logger := base.WithTags(ctx, m.opts.Logger)
	regions := m.states.RegionsOnServer(name)
	logger.Infof("server expired, hosting %d regions", len(regions))
	for _, st := range regions {
		rn := st.Info.EncodedName()
		if id := m.states.ProcOf(rn); id != 0 {
			m.exec.Wake(id)
			continue
		}
		switch st.State {
		case regionpb.StateOpen, regionpb.StateOpening:
			if _, err := m.Assign(ctx, rn, ""); err != nil {
				logger.Errorf("reassigning %s: %v", rn, err)
			}
		case regionpb.StateClosing:
			if err := m.states.Transition(ctx, rn, st.State, regionpb.StateOffline, ""); err != nil {
				logger.Errorf("closing %s: %v", rn, err)
			}
		}
	}
	return nil
}

// reassignFromDeadServer assigns an OPEN region whose server was expired
// while a procedure owned it, such as the parent of a split that rolled back
// after its server died. ExpireServer skipped the region at the time.
func (m *Master) reassignFromDeadServer(ctx context.Context, name string) {
	st, err := m.states.Get(name)
	if err != nil || st.State != regionpb.StateOpen {
		return
	}
	if _, err := m.cluster.Server(st.Server); err == nil {
		return
	}
	logger := base.WithTags(logtags.AddTag(ctx, "region", name), m.opts.Logger)
	logger.Infof("server %s is gone, reassigning", st.Server)
	if _, err := m.Assign(ctx, name, ""); err != nil &&
		!regionpb.IsValidationError(err) && !errors.Is(err, ErrClosed) {
		logger.Errorf("reassigning: %v", err)
	}
}
