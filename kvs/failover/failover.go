// Package failover implements kvs.Storage as a façade over a primary and a
// fallback provider. Three consecutive retryable failures on the active
// provider switch traffic to the other one; a background recovery probe
// periodically checks whether the primary has recovered and switches back.
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/solarisdb/relaycoord/golibs/container/iterable"
	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/golibs/logging"
	"github.com/solarisdb/relaycoord/golibs/timeout"
	"github.com/solarisdb/relaycoord/kvs"
)

type (
	// ProviderTag identifies a side of the failover façade.
	ProviderTag string
)

const (
	ProviderPrimary  ProviderTag = "primary"
	ProviderFallback ProviderTag = "fallback"

	failureThreshold    = 3
	normalProbeInterval = 30 * time.Minute
	quotaProbeInterval  = 12 * time.Hour
	probeKey            = "failover:probe"

	// maxAttempts bounds the intra-operation retries against the active
	// provider before the error counts as a strike toward the 3-strikes
	// switch. retryBackoff is the linear step: attempt N waits N*retryBackoff.
	maxAttempts  = 3
	retryBackoff = 50 * time.Millisecond
)

// Storage is a kvs.Storage that transparently fails over from a primary to
// a fallback provider and probes for recovery in the background.
type Storage struct {
	providers map[ProviderTag]kvs.Storage
	logger    logging.Logger

	mu             sync.Mutex
	active         ProviderTag
	failures       int
	quotaTriggered bool
	probeFuture    timeout.Future
	closed         bool
}

// New returns a failover façade with primary active and fallback in reserve.
func New(primary, fallback kvs.Storage) *Storage {
	return &Storage{
		providers: map[ProviderTag]kvs.Storage{ProviderPrimary: primary, ProviderFallback: fallback},
		active:    ProviderPrimary,
		logger:    logging.NewLogger("failover.Storage"),
	}
}

// Active reports which provider is currently serving traffic.
func (s *Storage) Active() ProviderTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Storage) current() kvs.Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providers[s.active]
}

// isRetryable classifies an error as eligible toward the 3-strikes switch:
// resource exhaustion (quota) and transport-level communication failures.
// Application-level errors (ErrNotExist, ErrConflict, ErrExist, ...) are not
// provider failures and never count toward a switch.
func isRetryable(err error) bool {
	return err != nil && (errors.Is(err, errors.ErrExhausted) || errors.Is(err, errors.ErrCommunication))
}

// withRetry runs op against the currently active provider, retrying up to
// maxAttempts times with a short linear backoff while the error is
// retryable. A non-retryable error (or ctx cancellation) returns immediately.
// Only the final, post-retry outcome is handed to recordResult, so a
// transient blip that clears within the retry budget never counts as a
// strike toward the 3-strikes switch.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var res T
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err = op()
		if !isRetryable(err) || attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return res, err
}

func (s *Storage) recordResult(err error) {
	if !isRetryable(err) {
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.failures++
	quota := errors.Is(err, errors.ErrExhausted)
	if quota {
		s.quotaTriggered = true
	}
	switchNow := s.failures >= failureThreshold
	if switchNow {
		s.failures = 0
	}
	s.mu.Unlock()

	if switchNow {
		s.switchActive()
	}
}

func (s *Storage) switchActive() {
	s.mu.Lock()
	from := s.active
	to := ProviderFallback
	if from == ProviderFallback {
		to = ProviderPrimary
	}
	s.active = to
	quota := s.quotaTriggered
	s.quotaTriggered = false
	closed := s.closed
	if s.probeFuture != nil {
		s.probeFuture.Cancel()
		s.probeFuture = nil
	}
	s.mu.Unlock()

	s.logger.Warnf("switching active provider from %s to %s", from, to)
	if closed {
		return
	}

	interval := normalProbeInterval
	if quota {
		interval = quotaProbeInterval
	}
	s.scheduleProbe(from, interval)
}

func (s *Storage) scheduleProbe(candidate ProviderTag, delay time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.probeFuture = timeout.Call(func() { s.probe(candidate) }, delay)
	s.mu.Unlock()
}

// probe checks whether candidate has recovered by issuing a cheap Get
// against it; a recoverable error (not exhausted/communication) counts as
// "up" even if the probe key itself is absent.
func (s *Storage) probe(candidate ProviderTag) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prov := s.providers[candidate]
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err := prov.Get(ctx, probeKey)
	cancel()

	if err != nil && isRetryable(err) {
		s.logger.Infof("recovery probe for %s failed, retrying later", candidate)
		s.scheduleProbe(candidate, normalProbeInterval)
		return
	}

	s.logger.Infof("recovery probe for %s succeeded, switching back", candidate)
	s.mu.Lock()
	s.active = candidate
	s.probeFuture = nil
	s.mu.Unlock()
}

// Shutdown cancels any pending recovery probe.
func (s *Storage) Shutdown() {
	s.mu.Lock()
	s.closed = true
	if s.probeFuture != nil {
		s.probeFuture.Cancel()
		s.probeFuture = nil
	}
	s.mu.Unlock()
}

func (s *Storage) Create(ctx context.Context, record kvs.Record) (string, error) {
	prov := s.current()
	v, err := withRetry(ctx, func() (string, error) { return prov.Create(ctx, record) })
	s.recordResult(err)
	return v, err
}

func (s *Storage) Get(ctx context.Context, key string) (kvs.Record, error) {
	prov := s.current()
	r, err := withRetry(ctx, func() (kvs.Record, error) { return prov.Get(ctx, key) })
	s.recordResult(err)
	return r, err
}

func (s *Storage) GetMany(ctx context.Context, keys ...string) ([]*kvs.Record, error) {
	prov := s.current()
	r, err := withRetry(ctx, func() ([]*kvs.Record, error) { return prov.GetMany(ctx, keys...) })
	s.recordResult(err)
	return r, err
}

func (s *Storage) Put(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	prov := s.current()
	r, err := withRetry(ctx, func() (kvs.Record, error) { return prov.Put(ctx, record) })
	s.recordResult(err)
	return r, err
}

func (s *Storage) PutMany(ctx context.Context, records []kvs.Record) error {
	prov := s.current()
	_, err := withRetry(ctx, func() (struct{}, error) { return struct{}{}, prov.PutMany(ctx, records) })
	s.recordResult(err)
	return err
}

func (s *Storage) CasByVersion(ctx context.Context, record kvs.Record) (kvs.Record, error) {
	prov := s.current()
	r, err := withRetry(ctx, func() (kvs.Record, error) { return prov.CasByVersion(ctx, record) })
	s.recordResult(err)
	return r, err
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	prov := s.current()
	_, err := withRetry(ctx, func() (struct{}, error) { return struct{}{}, prov.Delete(ctx, key) })
	s.recordResult(err)
	return err
}

func (s *Storage) WaitForVersionChange(ctx context.Context, key, ver string) error {
	prov := s.current()
	_, err := withRetry(ctx, func() (struct{}, error) { return struct{}{}, prov.WaitForVersionChange(ctx, key, ver) })
	s.recordResult(err)
	return err
}

func (s *Storage) ListKeys(ctx context.Context, pattern string) (iterable.Iterator[string], error) {
	prov := s.current()
	it, err := withRetry(ctx, func() (iterable.Iterator[string], error) { return prov.ListKeys(ctx, pattern) })
	s.recordResult(err)
	return it, err
}
