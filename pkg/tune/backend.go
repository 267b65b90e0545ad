// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Backend executes the trials of a campaign.
type Backend interface {
	// Execute calls runTrial for trial numbers 0 to numTrials-1, at most concurrency at a time,
	// and waits for all of them. An error returned by runTrial aborts the campaign.
	Execute(ctx context.Context, numTrials, concurrency int, runTrial func(ctx context.Context, number int) error) error
}

// LocalBackendName is the name of the backend running trials as goroutines of the current process.
const LocalBackendName = "local"

var (
	muBackends sync.Mutex
	registry   = map[string]Backend{LocalBackendName: localBackend{}}
)

// RegisterBackend makes a backend available to Run under the given name, replacing any previous one.
func RegisterBackend(name string, backend Backend) {
	muBackends.Lock()
	defer muBackends.Unlock()
	registry[name] = backend
}

// GetBackend returns the backend registered under name.
func GetBackend(name string) (Backend, error) {
	muBackends.Lock()
	defer muBackends.Unlock()
	backend, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown tune backend %q, registered backends: %q", name, backendNames())
	}
	return backend, nil
}

// BackendNames lists the registered backends.
func BackendNames() []string {
	muBackends.Lock()
	defer muBackends.Unlock()
	return backendNames()
}

func backendNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// localBackend runs trials in goroutines, bounded by the concurrency.
type localBackend struct{}

func (localBackend) Execute(ctx context.Context, numTrials, concurrency int, runTrial func(ctx context.Context, number int) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for number := range numTrials {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			return runTrial(gCtx, number)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
