/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cbconfig

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-cache/utils/latestonlychannel"
	"github.com/couchbase/stellar-cache/utils/sliceutils"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

const (
	defaultPollInterval = 2500 * time.Millisecond
	defaultTimeout      = 10 * time.Second
	defaultDeadTimeout  = 10 * time.Second
)

type ListenerOptions struct {
	// PoolURIs is the set of configuration endpoints to poll.  The listener
	// walks the list in order and sticks with the first URI that answers.
	PoolURIs []string

	BucketName string
	Username   string
	Password   string

	HttpClient   *http.Client
	PollInterval time.Duration
	Timeout      time.Duration
	DeadTimeout  time.Duration
	Logger       *zap.Logger
}

// Listener polls the pool URIs for cluster configuration snapshots and
// delivers them over a latest-only channel.  Consumers that fall behind only
// ever observe the newest snapshot.
type Listener struct {
	fetchers     []*Fetcher
	bucketName   string
	pollInterval time.Duration
	timeout      time.Duration
	deadTimeout  time.Duration
	logger       *zap.Logger

	fetcherIdx int
	lastConfig *ClusterConfigJson

	cancelFn  context.CancelFunc
	inputCh   chan<- *ClusterConfigJson
	outputCh  <-chan *ClusterConfigJson
	stoppedCh chan struct{}
}

func NewListener(opts ListenerOptions) (*Listener, error) {
	poolURIs := sliceutils.RemoveDuplicates(opts.PoolURIs)
	if len(poolURIs) == 0 {
		return nil, errors.Wrap(ErrInvalidConfiguration, "At least 1 pool url must be specified.")
	}

	bucketName := opts.BucketName
	if bucketName == "" {
		bucketName = "default"
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	deadTimeout := opts.DeadTimeout
	if deadTimeout <= 0 {
		deadTimeout = defaultDeadTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fetchers := make([]*Fetcher, len(poolURIs))
	for i, uri := range poolURIs {
		fetchers[i] = NewFetcher(FetcherOptions{
			HttpClient: opts.HttpClient,
			BaseURI:    uri,
			Username:   opts.Username,
			Password:   opts.Password,
			Logger:     logger.Named("fetcher"),
		})
	}

	return &Listener{
		fetchers:     fetchers,
		bucketName:   bucketName,
		pollInterval: pollInterval,
		timeout:      timeout,
		deadTimeout:  deadTimeout,
		logger:       logger,
	}, nil
}

// DeadTimeout is the probe interval the pool manager should use when waiting
// for failed nodes to come back.
func (l *Listener) DeadTimeout() time.Duration {
	return l.deadTimeout
}

// Changes returns the snapshot stream.  It is only valid after Start.
func (l *Listener) Changes() <-chan *ClusterConfigJson {
	return l.outputCh
}

// fetchOnce attempts a single config fetch, rotating through the pool URIs
// until one of them answers or every one has been tried.
func (l *Listener) fetchOnce(ctx context.Context) (*ClusterConfigJson, error) {
	fetchCtx, cancelFn := context.WithTimeout(ctx, l.timeout)
	defer cancelFn()

	var lastErr error
	for range l.fetchers {
		fetcher := l.fetchers[l.fetcherIdx]

		config, err := fetcher.FetchBucketConfig(fetchCtx, l.bucketName)
		if err == nil {
			return config, nil
		}

		lastErr = err
		l.logger.Warn("config fetch failed, rotating to next pool url",
			zap.String("baseUri", fetcher.baseURI),
			zap.Error(err))
		l.fetcherIdx = (l.fetcherIdx + 1) % len(l.fetchers)
	}

	return nil, lastErr
}

// hasChanged reports whether a freshly fetched snapshot supersedes the last
// published one.  Revisions are compared when the server provides them,
// otherwise we fall back to a structural comparison.
func (l *Listener) hasChanged(config *ClusterConfigJson) bool {
	if l.lastConfig == nil {
		return true
	}

	if config.Rev != 0 || l.lastConfig.Rev != 0 {
		if config.RevEpoch != l.lastConfig.RevEpoch {
			return config.RevEpoch > l.lastConfig.RevEpoch
		}
		return config.Rev > l.lastConfig.Rev
	}

	return !reflect.DeepEqual(config, l.lastConfig)
}

// Start performs the initial fetch and begins polling.  Errors fetching the
// very first snapshot are returned to the caller rather than retried forever;
// after that, fetch errors only pause the stream.
func (l *Listener) Start(ctx context.Context) error {
	runCtx, cancelFn := context.WithCancel(ctx)

	firstFetch := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), runCtx)

	var config *ClusterConfigJson
	err := backoff.Retry(func() error {
		var fetchErr error
		config, fetchErr = l.fetchOnce(runCtx)
		return fetchErr
	}, firstFetch)
	if err != nil {
		cancelFn()
		return errors.Wrap(err, "failed to fetch the initial cluster config")
	}

	inputCh, outputCh := latestonlychannel.New[*ClusterConfigJson]()
	l.inputCh = inputCh
	l.outputCh = outputCh
	l.cancelFn = cancelFn
	l.stoppedCh = make(chan struct{})

	l.lastConfig = config
	inputCh <- config

	go l.pollLoop(runCtx)

	return nil
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer close(l.stoppedCh)
	defer close(l.inputCh)

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = l.pollInterval * 4

	for {
		select {
		case <-time.After(l.pollInterval):
		case <-ctx.Done():
			return
		}

		config, err := l.fetchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			sleep := retry.NextBackOff()
			l.logger.Warn("config poll failed",
				zap.Duration("retryIn", sleep),
				zap.Error(err))

			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		if !l.hasChanged(config) {
			continue
		}

		l.lastConfig = config
		select {
		case l.inputCh <- config:
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates polling and closes the snapshot stream.
func (l *Listener) Stop() {
	if l.cancelFn == nil {
		return
	}

	l.cancelFn()
	<-l.stoppedCh
}
