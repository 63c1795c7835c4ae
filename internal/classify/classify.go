// Package classify selects, for every call-site group, the coarsest
// granularity whose average distinct-target count is not beaten by a finer
// one.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"cfipolicy/internal/cfi"
	"cfipolicy/internal/metrics"
)

// Unavailable is the average reported for a granularity with no observations
// in a group. It loses every comparison against a real average.
const Unavailable = 9999.0

var ErrUnclassifiedGroup = errors.New("classify: unclassified group")

// UnclassifiedGroupError carries the averages of a group that matched no rule.
type UnclassifiedGroupError struct {
	Choice cfi.GroupChoice
}

func (e *UnclassifiedGroupError) Error() string {
	return fmt.Sprintf("classify: unclassified group %d (ci=%v os=%v cs=%v)",
		e.Choice.Group, e.Choice.CIAvg, e.Choice.OSAvg, e.Choice.CSAvg)
}

func (e *UnclassifiedGroupError) Is(target error) bool { return target == ErrUnclassifiedGroup }

// Decide applies the selection rules in priority order.
func Decide(ci, os, cs float64) cfi.Granularity {
	switch {
	case ci <= os && ci <= cs:
		return cfi.ContextInsensitive
	case os < cs && os < ci:
		return cfi.OriginSensitive
	case cs <= os && cs < ci:
		return cfi.ContextSensitive
	}
	return cfi.Unclassified
}

// Options controls classification.
type Options struct {
	// Workers bounds concurrent per-group computations; <= 1 is sequential.
	Workers int
	Logger  *slog.Logger
	Metrics *metrics.Run
}

type groupKeys struct {
	ci []cfi.CIKey
	os []cfi.OSKey
	cs []cfi.CSKey
}

// Classify computes a choice for every group present in any bucket, ordered
// by group id. The first group matching no rule aborts with an
// *UnclassifiedGroupError; the choices computed so far are still returned.
func Classify(ctx context.Context, b *cfi.Buckets, opts Options) ([]cfi.GroupChoice, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idx := make(map[cfi.GroupID]*groupKeys)
	at := func(g cfi.GroupID) *groupKeys {
		k, ok := idx[g]
		if !ok {
			k = &groupKeys{}
			idx[g] = k
		}
		return k
	}
	for _, k := range b.CI.Keys() {
		at(k.Group).ci = append(at(k.Group).ci, k)
	}
	for _, k := range b.OS.Keys() {
		at(k.Group).os = append(at(k.Group).os, k)
	}
	for _, k := range b.CS.Keys() {
		at(k.Group).cs = append(at(k.Group).cs, k)
	}

	groups := b.Groups()
	choices := make([]cfi.GroupChoice, len(groups))

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(max(opts.Workers, 1))
	for i, g := range groups {
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			choices[i] = choose(b, g, idx[g])
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	for i, c := range choices {
		if c.Choice == cfi.Unclassified {
			return choices[:i], &UnclassifiedGroupError{Choice: c}
		}
		opts.Metrics.Group(c.Choice.String())
		logger.Debug("classify: group",
			slog.Uint64("group", uint64(c.Group)),
			slog.Float64("ci", c.CIAvg), slog.Float64("os", c.OSAvg), slog.Float64("cs", c.CSAvg),
			slog.String("choice", c.Choice.String()))
	}
	return choices, nil
}

func choose(b *cfi.Buckets, g cfi.GroupID, keys *groupKeys) cfi.GroupChoice {
	c := cfi.GroupChoice{
		Group: g,
		CIAvg: ciAverage(b, keys.ci),
		OSAvg: mean(keys.os, b.OS.Targets),
		CSAvg: mean(keys.cs, b.CS.Targets),
	}
	c.Choice = Decide(c.CIAvg, c.OSAvg, c.CSAvg)
	return c
}

// ciAverage is the distinct-target count of the group's context-insensitive
// observations. A group normally has a single such key; when several kinds
// share a group id their targets are pooled.
func ciAverage(b *cfi.Buckets, keys []cfi.CIKey) float64 {
	if len(keys) == 0 {
		return Unavailable
	}
	var all []uint64
	for _, k := range keys {
		all = append(all, b.CI.Targets(k)...)
	}
	return float64(cfi.DistinctCount(all))
}

// mean averages the distinct-target counts of keys.
func mean[K any](keys []K, targets func(K) []uint64) float64 {
	if len(keys) == 0 {
		return Unavailable
	}
	sum := 0
	for _, k := range keys {
		sum += cfi.DistinctCount(targets(k))
	}
	return float64(sum) / float64(len(keys))
}
