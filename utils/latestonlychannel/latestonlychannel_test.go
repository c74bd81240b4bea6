/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeliversValues(t *testing.T) {
	in, out := New[int]()

	in <- 1
	require.Equal(t, 1, <-out)

	in <- 2
	require.Equal(t, 2, <-out)

	close(in)

	_, ok := <-out
	require.False(t, ok)
}

func TestDiscardsStaleValues(t *testing.T) {
	in, out := New[int]()

	// nobody is reading the output yet, so every send but the last
	// should be discarded
	for i := 1; i <= 5; i++ {
		in <- i
	}

	// give the pipe goroutine a moment to absorb the last send
	time.Sleep(10 * time.Millisecond)

	require.Equal(t, 5, <-out)
	close(in)
}

func TestWrapClosesThrough(t *testing.T) {
	src := make(chan string)
	out := Wrap(src)

	src <- "hello"
	require.Equal(t, "hello", <-out)

	close(src)

	_, ok := <-out
	require.False(t, ok)
}
