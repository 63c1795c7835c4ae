package main

import (
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cfipolicy/internal/disasm"
	"cfipolicy/internal/elfx"
	"cfipolicy/internal/refine"
)

func newEntriesCommand(rootOpts *rootOptions) *cobra.Command {
	var count bool
	cmd := &cobra.Command{
		Use:   "entries <binary>",
		Short: "List the function entries the refiner knows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := refine.OpenELF(args[0], 0)
			if err != nil {
				return err
			}
			defer eng.Close()
			entries, err := eng.FunctionEntries(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if count {
				fmt.Fprintln(out, len(entries))
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "0x%x\n", e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&count, "count", false, "print only the number of entries")
	return cmd
}

func newVTablesCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vtables <binary>",
		Short: "List vtable symbols by address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := elfx.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			vts, err := f.VTables()
			if err != nil {
				return err
			}
			for _, v := range vts {
				fmt.Fprintf(cmd.OutOrStdout(), "0x%016x  %6d  %s\n", v.Addr, v.Size, v.Name)
			}
			return nil
		},
	}
}

func newInfoCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <binary>",
		Short: "Summarize what the refiner sees in a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := elfx.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			entries, err := f.FunctionEntries()
			if err != nil {
				return err
			}
			vts, err := f.VTables()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "machine:   %s\n", f.Machine())
			fmt.Fprintf(out, "size:      %d\n", f.FileSize())
			fmt.Fprintf(out, "entry:     0x%x\n", f.ELF.Entry)
			fmt.Fprintf(out, "functions: %d\n", len(entries))
			fmt.Fprintf(out, "vtables:   %d\n", len(vts))
			for _, seg := range f.LoadSegments() {
				fmt.Fprintf(out, "load:      vaddr=0x%x memsz=0x%x filesz=0x%x off=0x%x %s\n",
					seg.Vaddr, seg.Memsz, seg.Filesz, seg.Offset, seg.Flags)
			}
			return nil
		},
	}
}

type resolveOptions struct {
	*rootOptions
	ScanLimit int
	Disasm    bool
}

func newResolveCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &resolveOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "resolve <binary> <addr>...",
		Short: "Run jump-chain and vtable queries for addresses",
		Long: `Run the refiner's jump-chain and nearest-vtable queries for each address
(hex with 0x prefix, decimal, or a symbol name) and print both results.

Example:
  cfipolicy resolve app.elf 0x401a30 0x6020f0
  cfipolicy resolve --disasm app.elf 0x401a30`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, opts, args[0], args[1:])
		},
	}
	cmd.Flags().IntVar(&opts.ScanLimit, "scan-limit", refine.DefaultScanLimit, "max instructions per jump-chain scan")
	cmd.Flags().BoolVar(&opts.Disasm, "disasm", false, "print the scanned instruction window")
	return cmd
}

func runResolve(cmd *cobra.Command, opts *resolveOptions, path string, addrArgs []string) error {
	f, err := elfx.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	addrs := make([]uint64, len(addrArgs))
	for i, a := range addrArgs {
		if addrs[i], err = lookupAddr(f, a); err != nil {
			return err
		}
	}

	eng, err := refine.OpenELF(path, opts.ScanLimit)
	if err != nil {
		return err
	}
	defer eng.Close()
	cache := refine.NewCache(eng, refine.WithLogger(opts.logger(cmd.ErrOrStderr())))

	var lookup disasm.SymbolLookup
	if opts.Disasm {
		if lookup, err = functionNames(f); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	for _, a := range addrs {
		chain := cache.ResolveJumpChain(ctx, a)
		vt := cache.FindNearestVTable(ctx, a)
		fmt.Fprintf(out, "0x%x  jump_chain=0x%x  vtable=0x%x", a, chain, vt)
		if name, ok := eng.VTableName(vt); ok {
			fmt.Fprintf(out, " <%s>", name)
		}
		fmt.Fprintln(out)

		if opts.Disasm {
			insts, err := eng.Window(a)
			if err != nil {
				fmt.Fprintf(out, "  (%v)\n", err)
				continue
			}
			fmt.Fprint(out, disasm.Format(insts, lookup))
		}
	}
	return nil
}

// functionNames maps the function symbol addresses of f to their names.
func functionNames(f *elfx.File) (disasm.SymbolLookup, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}
	names := make(map[uint64]string)
	for _, s := range syms {
		if s.Type == elf.STT_FUNC && s.Addr != 0 {
			names[s.Addr] = s.Name
		}
	}
	return disasm.PlaceholderLookup(names), nil
}

// lookupAddr parses s as an address, falling back to a symbol of f.
func lookupAddr(f *elfx.File, s string) (uint64, error) {
	if v, err := parseAddr(s); err == nil {
		return v, nil
	}
	addr, _, err := f.Symbol(s)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}

func parseAddr(s string) (uint64, error) {
	var (
		v   uint64
		err error
	)
	if h, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err = strconv.ParseUint(h, 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}
