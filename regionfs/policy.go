// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionfs

import "strings"

// SplitPolicy is the storage plugin point consulted when store files are
// split.
type SplitPolicy interface {
	Name() string
	// SkipStoreFileRangeCheck returns true for families whose store files
	// get both references on every split, whatever their key range. Such
	// families mirror row presence, like secondary index families.
	SkipStoreFileRangeCheck(family string) bool
}

// DefaultSplitPolicy range-checks every family.
var DefaultSplitPolicy SplitPolicy = defaultPolicy{}

type defaultPolicy struct{}

func (defaultPolicy) Name() string { return "default" }
func (defaultPolicy) SkipStoreFileRangeCheck(string) bool { return false }

// PrefixSplitPolicy skips the range check for families starting with
// Prefix.
type PrefixSplitPolicy struct {
	PolicyName string
	Prefix     string
}

// Name implements SplitPolicy.
func (p PrefixSplitPolicy) Name() string { return p.PolicyName }

// SkipStoreFileRangeCheck implements SplitPolicy.
func (p PrefixSplitPolicy) SkipStoreFileRangeCheck(family string) bool {
	return strings.HasPrefix(family, p.Prefix)
}

// IndexFamilySplitPolicy is the policy of tables carrying index families,
// named with an "i_" prefix.
var IndexFamilySplitPolicy SplitPolicy = PrefixSplitPolicy{PolicyName: "index-families", Prefix: "i_"}
