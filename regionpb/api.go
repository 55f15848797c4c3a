// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionpb

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// TransitionCode identifies a region state transition reported by a region
// server to the master.
type TransitionCode uint8

// The TransitionCode enumeration.
const (
	TransitionOpened TransitionCode = iota + 1
	TransitionFailedOpen
	TransitionClosed
	// TransitionReadyToSplit asks the master to split the region, at
	// SplitKey if set and at the server's best split point otherwise.
	TransitionReadyToSplit
	// TransitionSplitPONR is sent by a server that has been told to close a
	// region for a split; the master acks it only once the split is past
	// its point of no return.
	TransitionSplitPONR
	// TransitionSplitReverted is acked once a split of the region has been
	// rolled back and the region is OPEN again.
	TransitionSplitReverted
)

var transitionCodeStrings = map[TransitionCode]string{
	TransitionOpened:        "OPENED",
	TransitionFailedOpen:    "FAILED_OPEN",
	TransitionClosed:        "CLOSED",
	TransitionReadyToSplit:  "READY_TO_SPLIT",
	TransitionSplitPONR:     "SPLIT_PONR",
	TransitionSplitReverted: "SPLIT_REVERTED",
}

// String implements fmt.Stringer.
func (c TransitionCode) String() string {
	if s, ok := transitionCodeStrings[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// SafeFormat implements redact.SafeFormatter.
func (c TransitionCode) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(c.String()))
}

// ParseTransitionCode parses the String form of a code.
func ParseTransitionCode(s string) (TransitionCode, error) {
	for c, str := range transitionCodeStrings {
		if str == s {
			return c, nil
		}
	}
	return 0, errors.Newf("regionpb: unknown transition code %q", s)
}

// TransitionReport is the payload of ReportRegionStateTransition. Delivery is
// at least once: the master treats a report whose target state has already
// been reached as a successful no-op.
type TransitionReport struct {
	Server string
	Code   TransitionCode
	Region RegionInfo
	// SplitKey is the requested split point of a READY_TO_SPLIT report.
	SplitKey []byte
}

// SafeFormat implements redact.SafeFormatter.
func (r TransitionReport) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s %s from %s", r.Code, redact.SafeString(r.Region.EncodedName()), r.Server)
}

// String implements fmt.Stringer.
func (r TransitionReport) String() string {
	return redact.StringWithoutMarkers(r)
}

// TableDescriptor describes a table: its column families and the name of
// the split policy applied to its store files.
type TableDescriptor struct {
	Name        string
	Families    []string
	SplitPolicy string
}

// CommittedFiles lists, per column family, the store files of a region as of
// the moment it was closed.
type CommittedFiles map[string][]string

// Families returns the families in sorted order.
func (c CommittedFiles) Families() []string {
	fams := make([]string, 0, len(c))
	for f := range c {
		fams = append(fams, f)
	}
	sort.Strings(fams)
	return fams
}

// Count returns the total number of files.
func (c CommittedFiles) Count() int {
	n := 0
	for _, files := range c {
		n += len(files)
	}
	return n
}

// SplitFilesRequest asks a region server to create the reference files of a
// split.
type SplitFilesRequest struct {
	Parent    RegionInfo
	Daughters [2]RegionInfo
	SplitKey  []byte
	Files     CommittedFiles
	// Policy names the split policy of the table.
	Policy string
}

// SplitFilesResponse reports the number of reference files created for each
// daughter.
type SplitFilesResponse struct {
	References [2]int
}

// RegionServer is the master's view of a region server. OpenRegion and
// CloseRegion return once the request is accepted; the outcome arrives
// later as a TransitionReport. All methods must be safe to repeat.
type RegionServer interface {
	Name() string
	OpenRegion(ctx context.Context, region RegionInfo) error
	CloseRegion(ctx context.Context, region RegionInfo) error
	// CloseForSplit flushes and closes the region and returns its committed
	// store files. Closing an already closed region returns the same files.
	CloseForSplit(ctx context.Context, region RegionInfo) (CommittedFiles, error)
	SplitStoreFiles(ctx context.Context, req SplitFilesRequest) (SplitFilesResponse, error)
	// BestSplitKey returns the mid key of the region's largest store file,
	// or nil when the region holds no data.
	BestSplitKey(ctx context.Context, region RegionInfo) ([]byte, error)
}

// MasterService is the region servers' view of the master.
type MasterService interface {
	ReportRegionStateTransition(ctx context.Context, report TransitionReport) error
}
