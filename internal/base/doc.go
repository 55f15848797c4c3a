// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines the small set of types shared by the master, the
// region servers and the tools: logging, error classes, file naming for the
// master directory and the cleaners used to retire obsolete files.
package base
