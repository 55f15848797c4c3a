// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/cockroachdb/regions/internal/base"
	"github.com/olekukonko/tablewriter"
)

type key []byte

func (k *key) String() string {
	return string(*k)
}

func (k *key) Type() string {
	return "key"
}

func (k *key) Set(v string) error {
	switch {
	case strings.HasPrefix(v, "hex:"):
		v = strings.TrimPrefix(v, "hex:")
		b, err := hex.DecodeString(v)
		if err != nil {
			return err
		}
		*k = key(b)

	case strings.HasPrefix(v, "raw:"):
		*k = key(strings.TrimPrefix(v, "raw:"))

	default:
		*k = key(v)
	}
	return nil
}

// formatKey quotes a row key; the empty key is an unbounded end.
func formatKey(k []byte, unbounded string) string {
	if len(k) == 0 {
		return unbounded
	}
	q := strconv.AppendQuote(make([]byte, 0, len(k)+2), string(k))
	return string(q[1 : len(q)-1])
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	tw.SetBorder(false)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return tw
}

// toolLogger drops informational messages, which only the verbose mode
// prints.
type toolLogger struct {
	w       io.Writer
	verbose bool
}

var _ base.Logger = toolLogger{}

func (l toolLogger) Infof(format string, args ...interface{}) {
	if l.verbose {
		fmt.Fprintf(l.w, format+"\n", args...)
	}
}

func (l toolLogger) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(l.w, format+"\n", args...)
}

func (l toolLogger) Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}
