// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package assignment implements the procedures that open and close regions
// on region servers. The open sub-step is shared with the split procedure,
// which uses it to bring its daughters online.
package assignment

import (
	"time"

	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/regionstate"
)

// Cluster is the master's view of its region servers.
type Cluster interface {
	// Server returns the live server with the given name. It fails with
	// regionpb.ErrServerNotFound or regionpb.ErrServerDead.
	Server(name string) (regionpb.RegionServer, error)
	// PickServer returns preferred if it is alive and another live server
	// otherwise. avoid, if set and another choice exists, is not returned.
	PickServer(preferred, avoid string) (regionpb.RegionServer, error)
}

// Env holds what assignment procedures need from the master.
type Env struct {
	States  *regionstate.Table
	Cluster Cluster
	Logger  base.Logger
	// RedriveAfter is how long an accepted open or close may go unanswered
	// before the request is sent again.
	RedriveAfter time.Duration
}

// EnsureDefaults fills in default values for unset fields.
func (e *Env) EnsureDefaults() {
	if e.Logger == nil {
		e.Logger = base.DefaultLogger
	}
	if e.RedriveAfter <= 0 {
		e.RedriveAfter = 30 * time.Second
	}
}
