// Package pipeline runs one policy derivation: decode the tag table, ingest
// the stats stream, classify every group and emit the policy channels. Stages
// run strictly in sequence; each completes before the next starts.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"cfipolicy/internal/cfi"
	"cfipolicy/internal/classify"
	"cfipolicy/internal/config"
	"cfipolicy/internal/diag"
	"cfipolicy/internal/metrics"
	"cfipolicy/internal/output"
	"cfipolicy/internal/policygraph"
	"cfipolicy/internal/refine"
	"cfipolicy/internal/stats"
	"cfipolicy/internal/tagtable"
)

// Options describes one run. Every input and output path is Prefix followed
// by the configured file name.
type Options struct {
	Prefix string
	Binary string
	Config config.Config
	Logger *slog.Logger

	// Engine replaces the ELF-backed refiner opened from Prefix+Binary.
	Engine refine.Engine
	// Namer names targets in the policy graph. Defaults to the ELF
	// engine's vtable symbols.
	Namer policygraph.Namer
}

// Result summarizes a completed run.
type Result struct {
	RunID   string
	Tags    int
	Entries int
	Ingest  stats.Summary
	Diags   *diag.Diags
	Choices []cfi.GroupChoice
	Written []output.Written
	Refiner refine.CacheStats
	Metrics *metrics.Run
}

// Run executes the derivation described by opts.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	res := &Result{RunID: uuid.NewString(), Metrics: metrics.New()}
	logger = logger.With(slog.String("run", res.RunID))
	m := res.Metrics
	path := func(name string) string { return config.Path(opts.Prefix, name) }

	// Tag table.
	start := time.Now()
	table, err := readTable(path(cfg.TableFile))
	if err != nil {
		return nil, err
	}
	res.Tags = table.Len()
	m.SetTableEntries(table.Len())
	m.Stage("table", start)
	logger.Info("tag table loaded", slog.String("path", path(cfg.TableFile)), slog.Int("entries", table.Len()))

	// Refiner.
	engine, namer := opts.Engine, opts.Namer
	if engine == nil {
		binPath := path(opts.Binary)
		elfEngine, err := refine.OpenELF(binPath, cfg.Refine.ScanLimit)
		if err != nil {
			return nil, fmt.Errorf("pipeline: open binary: %w", err)
		}
		defer elfEngine.Close()
		engine = elfEngine
		if namer == nil {
			namer = elfEngine.VTableName
		}
		logger.Info("binary loaded", slog.String("path", binPath), slog.String("arch", string(elfEngine.Arch())))
	}
	cache := refine.NewCache(engine,
		refine.WithTimeout(cfg.Refine.Timeout),
		refine.WithLogger(logger),
		refine.WithMetrics(m),
	)
	if entries, err := cache.FunctionEntries(ctx); err != nil {
		logger.Warn("function entries unavailable", slog.Any("error", err))
	} else {
		res.Entries = len(entries)
		logger.Debug("function entries", slog.Int("count", len(entries)))
	}

	// Ingest.
	start = time.Now()
	in := stats.NewIngestor(table, cache, stats.Options{
		Mode:                    cfg.DiagMode(),
		NormalizeContextTargets: cfg.NormalizeContextTargets,
		Logger:                  logger,
		Metrics:                 m,
	})
	if err := readStats(ctx, in, path(cfg.StatsFile)); err != nil {
		return nil, err
	}
	res.Ingest = in.Summary()
	res.Diags = in.Diags()
	res.Refiner = cache.Stats()
	m.Stage("ingest", start)
	logger.Info("stats ingested",
		slog.String("path", path(cfg.StatsFile)),
		slog.Any("records", res.Ingest.Records),
		slog.Int("malformed", res.Ingest.Malformed),
		slog.Int("ignored", res.Ingest.Ignored),
		slog.Int("ci_keys", res.Ingest.CIKeys),
		slog.Int("os_keys", res.Ingest.OSKeys),
		slog.Int("cs_keys", res.Ingest.CSKeys),
		slog.Int64("refiner_hits", res.Refiner.Hits),
		slog.Int64("refiner_misses", res.Refiner.Misses),
		slog.Int64("refiner_fallbacks", res.Refiner.Fallbacks))

	// Classify.
	start = time.Now()
	choices, err := classify.Classify(ctx, in.Buckets(), classify.Options{
		Workers: cfg.Workers,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	res.Choices = choices
	m.Stage("classify", start)
	logger.Info("groups classified", summarizeChoices(choices)...)

	// Emit.
	start = time.Now()
	policy, err := output.Build(in.Buckets(), choices)
	if err != nil {
		return nil, err
	}
	written, err := policy.WriteFiles(cfg.OutputPaths(opts.Prefix))
	if err != nil {
		return nil, err
	}
	res.Written = written
	for _, w := range written {
		m.Emitted(string(w.Channel), w.Lines)
		logger.Info("wrote", slog.String("path", w.Path), slog.Int("lines", w.Lines))
	}
	m.Stage("emit", start)

	if cfg.Graph {
		p := path(cfg.GraphFile)
		g, err := policygraph.WriteDOT(p, policy, namer, "policy")
		if err != nil {
			return nil, err
		}
		logger.Info("wrote", slog.String("path", p), slog.Int("nodes", len(g.Nodes)), slog.Int("edges", len(g.Edges)))
	}
	if cfg.SummaryFile != "" {
		p := path(cfg.SummaryFile)
		if err := output.WriteChoicesJSON(p, choices); err != nil {
			return nil, err
		}
		logger.Info("wrote", slog.String("path", p), slog.Int("groups", len(choices)))
	}
	if cfg.MetricsFile != "" {
		p := path(cfg.MetricsFile)
		if err := m.WriteTextfile(p); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		logger.Info("wrote", slog.String("path", p))
	}
	return res, nil
}

func readTable(path string) (*tagtable.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open tag table: %w", err)
	}
	defer f.Close()
	return tagtable.Read(f)
}

func readStats(ctx context.Context, in *stats.Ingestor, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pipeline: open stats: %w", err)
	}
	defer f.Close()
	return in.Read(ctx, f)
}

func summarizeChoices(choices []cfi.GroupChoice) []any {
	counts := make(map[cfi.Granularity]int)
	for _, c := range choices {
		counts[c.Choice]++
	}
	return []any{
		slog.Int("groups", len(choices)),
		slog.Int("ci", counts[cfi.ContextInsensitive]),
		slog.Int("os", counts[cfi.OriginSensitive]),
		slog.Int("cs", counts[cfi.ContextSensitive]),
	}
}
