package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// SortProviders returns the providers in failover order: ascending
// priority, ties broken by name so rotation is stable across restarts.
func SortProviders(providers []Provider) []Provider {
	out := make([]Provider, len(providers))
	copy(out, providers)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// resolveProvider walks the rotation and returns the first provider whose
// key resolves. The caller pins the winner for the remainder of the run;
// resolution does not repeat mid-loop.
func resolveProvider(ctx context.Context, providers []Provider, logger *slog.Logger) (Provider, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	var errs []error
	for _, p := range providers {
		if err := p.ResolveKey(ctx); err != nil {
			logger.Warn("provider key unavailable, trying next",
				"provider", p.Name(),
				"priority", p.Priority(),
				"err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		return p, nil
	}
	return nil, fmt.Errorf("agent: no provider available: %w", errors.Join(errs...))
}
