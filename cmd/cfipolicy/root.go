package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Verbose   bool
	LogFormat string // "text" | "json"
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cfipolicy",
		Short: "cfipolicy - derive CFI policies from observed indirect transfers",
		Long: `Derive control-flow-integrity policies for the indirect calls, virtual
dispatches and indirect jumps of a binary from an address-table dump and a
stream of observed transfers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogFormat != "text" && opts.LogFormat != "json" {
				return fmt.Errorf("invalid --log-format %q: must be text or json", opts.LogFormat)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")

	cmd.AddCommand(newDeriveCommand(opts))
	cmd.AddCommand(newEntriesCommand(opts))
	cmd.AddCommand(newVTablesCommand(opts))
	cmd.AddCommand(newInfoCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))

	return cmd
}

// logger builds the run logger writing to w.
func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if o.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
