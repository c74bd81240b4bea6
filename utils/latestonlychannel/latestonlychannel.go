/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

// New creates a channel pipe where a send on the input never blocks on the
// consumer.  When the consumer lags, older values are discarded and only the
// most recently sent value is delivered.  The input channel must be closed to
// release internal resources; the output channel closes once the final value
// has been delivered.
func New[T any]() (chan<- T, <-chan T) {
	inputCh := make(chan T)
	outputCh := make(chan T)

	go func() {
		var pending T
		havePending := false
		inputClosed := false

		for {
			if inputClosed && !havePending {
				break
			}

			// only offer the output while we actually hold a value
			var sendCh chan T
			if havePending {
				sendCh = outputCh
			}

			// only watch the input while it remains open
			var recvCh chan T
			if !inputClosed {
				recvCh = inputCh
			}

			select {
			case v, ok := <-recvCh:
				if !ok {
					inputClosed = true
					continue
				}
				pending = v
				havePending = true
			case sendCh <- pending:
				havePending = false
			}
		}

		close(outputCh)
	}()

	return inputCh, outputCh
}

// Wrap adapts an existing input channel into a latest-only output channel.
func Wrap[T any](inputCh <-chan T) <-chan T {
	pipeIn, pipeOut := New[T]()

	go func() {
		for v := range inputCh {
			pipeIn <- v
		}
		close(pipeIn)
	}()

	return pipeOut
}
