// Copyright 2023 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shutdown implements the graceful-shutdown supervisor: an ordered
// hook DAG, task-drain polling and exit-code selection. Hooks register a
// priority, optional dependency names and a resource type; the http-server
// hook (if registered) always runs first, ahead of topological ordering.
package shutdown

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/solarisdb/relaycoord/golibs/errors"
	"github.com/solarisdb/relaycoord/golibs/logging"
)

// HTTPServerHookName is the reserved hook name that always runs first,
// before any other hook and before the task drain, per spec §4.5.
const HTTPServerHookName = "http-server"

type (
	// HookFunc is a shutdown hook's body. ctx carries the per-hook timeout.
	HookFunc func(ctx context.Context) error

	// HookOptions describes one registered hook.
	HookOptions struct {
		// Name uniquely identifies the hook; other hooks may name it in
		// Dependencies.
		Name string
		// Priority breaks ties between hooks with no dependency relation;
		// lower runs first.
		Priority int
		// Dependencies are hook names that must complete before this hook runs.
		Dependencies []string
		// ResourceType is an informational tag surfaced in logs.
		ResourceType string
		// RequiresCleanup marks a hook whose failure should still attempt a
		// best-effort cleanup pass; informational only at this layer.
		RequiresCleanup bool
	}

	hookEntry struct {
		opts HookOptions
		fn   HookFunc
	}

	// TaskCounterFunc reports the number of in-flight units of work a
	// registered subsystem (task engine queue, cache, coordination state)
	// still has outstanding. The drain loop polls every registered counter
	// until all report zero or drainTimeout elapses.
	TaskCounterFunc func() int

	// Options tunes a Supervisor.
	Options struct {
		// DrainTimeout bounds how long Shutdown waits for task counters to
		// reach zero. Default 60s.
		DrainTimeout time.Duration
		// HookTimeout bounds each individual hook's execution. Default 5s.
		HookTimeout time.Duration
		// DrainPollInterval is how often task counters are polled. Default 1s.
		DrainPollInterval time.Duration
		// DrainStallWarning is how long with no counter progress before a
		// warning is logged. Default 10s.
		DrainStallWarning time.Duration
		// MinUptimeForCleanExit is the uptime threshold below which Shutdown
		// returns exit code 125 instead of 0/1. Default 5m; a negative value
		// disables the check.
		MinUptimeForCleanExit time.Duration
		// ForceCleanup is called once if the drain loop times out, to force
		// residual caches/state clear before hooks run.
		ForceCleanup func()
		// ReleaseLocks releases every distributed lock this instance holds.
		ReleaseLocks func()
		// UnregisterInstance deletes this instance's coordination record.
		UnregisterInstance func(ctx context.Context) error
	}

	// Supervisor sequences an ordered teardown of the process: it drains
	// in-flight work, runs registered hooks in topological order, releases
	// distributed locks and unregisters the instance.
	Supervisor struct {
		logger logging.Logger

		drainTimeout          time.Duration
		hookTimeout           time.Duration
		drainPollInterval     time.Duration
		drainStallWarning     time.Duration
		minUptimeForCleanExit time.Duration
		forceCleanup          func()
		releaseLocks          func()
		unregisterInstance    func(ctx context.Context) error

		startedAt time.Time

		mu           sync.Mutex
		hooks        []hookEntry
		counters     []TaskCounterFunc
		shuttingDown bool
	}
)

var recoverablePattern = regexp.MustCompile(`(?i)timeout|network|connection|flood`)

// IsRecoverable reports whether err's text matches the recoverable-error
// patterns from spec §4.5/§7: the caller may keep the process running
// instead of forcing a shutdown.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return recoverablePattern.MatchString(err.Error())
}

// NewSupervisor constructs a Supervisor whose uptime clock starts now.
func NewSupervisor(opts Options) *Supervisor {
	minUptime := opts.MinUptimeForCleanExit
	if minUptime == 0 {
		minUptime = 5 * time.Minute
	}
	return &Supervisor{
		logger:                logging.NewLogger("shutdown.Supervisor"),
		drainTimeout:          orDefault(opts.DrainTimeout, 60*time.Second),
		hookTimeout:           orDefault(opts.HookTimeout, 5*time.Second),
		drainPollInterval:     orDefault(opts.DrainPollInterval, time.Second),
		drainStallWarning:     orDefault(opts.DrainStallWarning, 10*time.Second),
		minUptimeForCleanExit: minUptime,
		forceCleanup:          opts.ForceCleanup,
		releaseLocks:          opts.ReleaseLocks,
		unregisterInstance:    opts.UnregisterInstance,
		startedAt:             time.Now(),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// RegisterHook adds a hook to the teardown DAG. Safe to call concurrently;
// must be called before Shutdown runs.
func (s *Supervisor) RegisterHook(fn HookFunc, opts HookOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hookEntry{opts: opts, fn: fn})
}

// RegisterTaskCounter adds a counter the drain loop polls until it (and
// every other registered counter) reports zero.
func (s *Supervisor) RegisterTaskCounter(fn TaskCounterFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = append(s.counters, fn)
}

// Shutdown runs the full teardown sequence and returns the process exit
// code spec §4.5/§6 defines. Duplicate calls while a shutdown is already in
// progress are ignored (signal handlers are idempotent, per spec §7) and
// return -1.
func (s *Supervisor) Shutdown(ctx context.Context, source string, cause error) int {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		s.logger.Infof("shutdown(%s): already in progress, ignoring duplicate trigger", source)
		return -1
	}
	s.shuttingDown = true
	hooks := make([]hookEntry, len(s.hooks))
	copy(hooks, s.hooks)
	counters := make([]TaskCounterFunc, len(s.counters))
	copy(counters, s.counters)
	s.mu.Unlock()

	if cause != nil {
		s.logger.Warnf("shutdown triggered by %s: %s", source, cause)
	} else {
		s.logger.Infof("shutdown triggered by %s", source)
	}

	failed := false

	httpHook, rest := extractHTTPServerHook(hooks)
	if httpHook != nil {
		if err := s.runHook(ctx, *httpHook); err != nil {
			failed = true
		}
	}

	s.drain(ctx, counters)

	ordered, err := topoSort(rest)
	if err != nil {
		s.logger.Errorf("shutdown: hook dependency graph is invalid: %s", err)
		failed = true
		ordered = rest
	}
	for _, h := range ordered {
		if err := s.runHook(ctx, h); err != nil {
			failed = true
		}
	}

	if s.releaseLocks != nil {
		s.releaseLocks()
	}
	if s.unregisterInstance != nil {
		uctx, cancel := context.WithTimeout(context.Background(), s.hookTimeout)
		if err := s.unregisterInstance(uctx); err != nil {
			s.logger.Warnf("shutdown: could not unregister instance: %s", err)
			failed = true
		}
		cancel()
	}

	if time.Since(s.startedAt) < s.minUptimeForCleanExit {
		s.logger.Warnf("shutdown: process exiting %s after start, likely a startup misconfiguration", time.Since(s.startedAt))
		return 125
	}
	if failed {
		return 1
	}
	return 0
}

func extractHTTPServerHook(hooks []hookEntry) (*hookEntry, []hookEntry) {
	for i, h := range hooks {
		if h.opts.Name == HTTPServerHookName {
			rest := make([]hookEntry, 0, len(hooks)-1)
			rest = append(rest, hooks[:i]...)
			rest = append(rest, hooks[i+1:]...)
			he := hooks[i]
			return &he, rest
		}
	}
	return nil, hooks
}

func (s *Supervisor) runHook(ctx context.Context, h hookEntry) error {
	hctx, cancel := context.WithTimeout(ctx, s.hookTimeout)
	defer cancel()
	err := h.fn(hctx)
	if err != nil {
		s.logger.Warnf("shutdown hook %q (%s) failed: %s", h.opts.Name, h.opts.ResourceType, err)
	} else {
		s.logger.Debugf("shutdown hook %q completed", h.opts.Name)
	}
	return err
}

// drain polls every registered task counter at drainPollInterval until they
// all report zero or drainTimeout elapses; on timeout it force-cleans
// residual state via forceCleanup, per spec §4.5.
func (s *Supervisor) drain(ctx context.Context, counters []TaskCounterFunc) {
	if len(counters) == 0 {
		return
	}
	deadline := time.Now().Add(s.drainTimeout)
	lastProgress := time.Now()
	lastTotal := -1

	t := time.NewTicker(s.drainPollInterval)
	defer t.Stop()
	for {
		total := 0
		for _, c := range counters {
			total += c()
		}
		if total == 0 {
			return
		}
		if total != lastTotal {
			lastProgress = time.Now()
			lastTotal = total
		} else if time.Since(lastProgress) >= s.drainStallWarning {
			s.logger.Warnf("shutdown drain: stalled at %d outstanding tasks for %s", total, time.Since(lastProgress))
		}
		if time.Now().After(deadline) {
			s.logger.Warnf("shutdown drain: timed out after %s with %d outstanding tasks, forcing cleanup", s.drainTimeout, total)
			if s.forceCleanup != nil {
				s.forceCleanup()
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// topoSort orders hooks so every hook runs after its Dependencies, breaking
// ties within a ready layer by ascending Priority.
func topoSort(hooks []hookEntry) ([]hookEntry, error) {
	byName := make(map[string]hookEntry, len(hooks))
	for _, h := range hooks {
		byName[h.opts.Name] = h
	}
	inDegree := make(map[string]int, len(hooks))
	dependents := make(map[string][]string)
	for _, h := range hooks {
		if _, ok := inDegree[h.opts.Name]; !ok {
			inDegree[h.opts.Name] = 0
		}
		for _, dep := range h.opts.Dependencies {
			if _, ok := byName[dep]; !ok {
				continue // dependency on an unregistered/already-run hook is not an error
			}
			inDegree[h.opts.Name]++
			dependents[dep] = append(dependents[dep], h.opts.Name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	var ordered []hookEntry
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			hi, hj := byName[ready[i]], byName[ready[j]]
			if hi.opts.Priority != hj.opts.Priority {
				return hi.opts.Priority < hj.opts.Priority
			}
			return hi.opts.Name < hj.opts.Name
		})
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[next])
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(hooks) {
		return nil, fmt.Errorf("shutdown.topoSort(): cyclic hook dependency detected: %w", errors.ErrInvalid)
	}
	return ordered, nil
}
