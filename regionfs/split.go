// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionfs

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/regions/regionpb"
	"golang.org/x/sync/errgroup"
)

// splitConcurrency bounds the reference files created in parallel.
const splitConcurrency = 8

// SplitRegionFiles creates the directories of both daughters of a split and
// the references to the committed files of the parent: the bottom half of
// every file for the first daughter, the top half for the second. It is
// idempotent, and succeeds when the parent has no files.
func (rfs *FileSystem) SplitRegionFiles(
	ctx context.Context, req regionpb.SplitFilesRequest, policy SplitPolicy,
) (regionpb.SplitFilesResponse, error) {
	fams := req.Files.Families()
	for i := range req.Daughters {
		if err := rfs.CreateRegion(&req.Daughters[i], fams); err != nil {
			return regionpb.SplitFilesResponse{}, err
		}
	}

	var counts [2]atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(splitConcurrency)
	for _, fam := range fams {
		for _, file := range req.Files[fam] {
			for i := range req.Daughters {
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					ref, err := rfs.SplitStoreFile(&req.Parent, &req.Daughters[i], fam, file, req.SplitKey,
						SplitOptions{Top: i == 1, Policy: policy})
					if err != nil {
						return errors.Wrapf(err, "splitting %s/%s", fam, file)
					}
					if ref != nil {
						counts[i].Add(1)
					}
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return regionpb.SplitFilesResponse{}, err
	}
	return regionpb.SplitFilesResponse{
		References: [2]int{int(counts[0].Load()), int(counts[1].Load())},
	}, nil
}
