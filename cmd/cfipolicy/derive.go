package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cfipolicy/internal/config"
	"cfipolicy/internal/diag"
	"cfipolicy/internal/pipeline"
)

type deriveOptions struct {
	*rootOptions
	Config     string
	Strict     bool
	Workers    int
	Graph      bool
	Normalize  bool
	MetricsOut string
	SummaryOut string
}

func newDeriveCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &deriveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "derive <prefix> <binary>",
		Short: "Classify observations and write the policy tables",
		Long: `Read <prefix>dump_table and <prefix>errs.txt, classify every call-site
group and write <prefix>osCFG, cs1CFG, cs2CFG, cs3CFG and ciCFG. The
binary at <prefix><binary> answers jump-chain and vtable queries.

Example:
  cfipolicy derive out/ app.elf
  cfipolicy derive --config run.yaml --strict --graph run1_ app.elf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDerive(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "YAML run configuration")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail on malformed stats records")
	cmd.Flags().IntVar(&opts.Workers, "workers", 1, "parallel group classifications")
	cmd.Flags().BoolVar(&opts.Graph, "graph", false, "write the policy graph as DOT")
	cmd.Flags().BoolVar(&opts.Normalize, "normalize-context-targets", false, "vtable-normalize context-sensitive targets")
	cmd.Flags().StringVar(&opts.MetricsOut, "metrics-out", "", "write Prometheus metrics to <prefix><file>")
	cmd.Flags().StringVar(&opts.SummaryOut, "summary-out", "", "write per-group choices as JSON to <prefix><file>")

	return cmd
}

func runDerive(cmd *cobra.Command, opts *deriveOptions, prefix, binary string) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if opts.Strict {
		cfg.Mode = diag.ModeStrict.String()
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.Workers
	}
	if flags.Changed("graph") {
		cfg.Graph = opts.Graph
	}
	if flags.Changed("normalize-context-targets") {
		cfg.NormalizeContextTargets = opts.Normalize
	}
	if opts.MetricsOut != "" {
		cfg.MetricsFile = opts.MetricsOut
	}
	if opts.SummaryOut != "" {
		cfg.SummaryFile = opts.SummaryOut
	}

	res, err := pipeline.Run(cmd.Context(), pipeline.Options{
		Prefix: prefix,
		Binary: binary,
		Config: cfg,
		Logger: opts.logger(cmd.ErrOrStderr()),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Verbose {
		for _, c := range res.Choices {
			fmt.Fprintln(out, c)
		}
	}
	for _, w := range res.Written {
		fmt.Fprintf(out, "wrote %s (%d lines)\n", w.Path, w.Lines)
	}
	return nil
}
