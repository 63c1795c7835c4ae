// Package stats ingests the tab-separated observation stream written by the
// instrumented binary and buckets every observation by granularity.
//
// Record layouts (first field is the record type):
//
//	2  kind group target discriminant [origin]   origin-sensitive
//	3  kind group target ctx1 [ctx2 ...]         context-sensitive
//	4  kind group target                         context-insensitive
//
// Tags are decimal and resolve through the tag table. Other record types are
// ignored.
package stats

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"cfipolicy/internal/cfi"
	"cfipolicy/internal/diag"
	"cfipolicy/internal/metrics"
)

var ErrMalformedRecord = errors.New("stats: malformed record")

// Record types.
const (
	TypeOrigin      = "2"
	TypeContext     = "3"
	TypeInsensitive = "4"
)

// Labels resolves tags to addresses.
type Labels interface {
	Resolve(tag uint64) (uint64, error)
}

// Resolver normalizes resolved addresses. Implementations never fail: an
// address that cannot be refined is returned unchanged.
type Resolver interface {
	ResolveJumpChain(ctx context.Context, addr uint64) uint64
	FindNearestVTable(ctx context.Context, addr uint64) uint64
}

// RecordError attributes a failure to one input line.
type RecordError struct {
	Line   int
	Record string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("stats: line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Options controls ingestion.
type Options struct {
	Mode diag.Mode

	// NormalizeContextTargets passes context-sensitive targets of
	// non-direct kinds through vtable normalization, like the other
	// record types. Off by default.
	NormalizeContextTargets bool

	Logger  *slog.Logger
	Metrics *metrics.Run
}

// Summary counts what an ingestion saw.
type Summary struct {
	Records   map[string]int // accepted records by type
	Malformed int
	Ignored   int
	CIKeys    int
	OSKeys    int
	CSKeys    int
}

// Ingestor accumulates observations from one or more stats streams.
type Ingestor struct {
	labels  Labels
	refiner Resolver
	opts    Options
	logger  *slog.Logger

	buckets  *cfi.Buckets
	diags    diag.Diags
	accepted map[string]int
}

// NewIngestor returns an ingestor resolving through labels and refiner.
func NewIngestor(labels Labels, refiner Resolver, opts Options) *Ingestor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		labels:   labels,
		refiner:  refiner,
		opts:     opts,
		logger:   logger,
		buckets:  cfi.NewBuckets(),
		accepted: make(map[string]int),
	}
}

// Buckets returns the observations collected so far.
func (in *Ingestor) Buckets() *cfi.Buckets { return in.buckets }

// Diags returns the diagnostics for skipped and ignored records.
func (in *Ingestor) Diags() *diag.Diags { return &in.diags }

// Summary reports record and key counts.
func (in *Ingestor) Summary() Summary {
	recs := make(map[string]int, len(in.accepted))
	for k, v := range in.accepted {
		recs[k] = v
	}
	return Summary{
		Records:   recs,
		Malformed: in.diags.Count(diag.KindMalformed),
		Ignored:   in.diags.Count(diag.KindUnknownType),
		CIKeys:    in.buckets.CI.Len(),
		OSKeys:    in.buckets.OS.Len(),
		CSKeys:    in.buckets.CS.Len(),
	}
}

// Read ingests every record in r. Unknown tags abort with a *RecordError.
// Malformed records are skipped in best-effort mode and abort in strict mode.
func (in *Ingestor) Read(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")

		err := in.record(ctx, fields)
		switch {
		case err == nil:
			in.accepted[fields[0]]++
			in.opts.Metrics.Record(fields[0], metrics.OutcomeAccepted)
		case errors.Is(err, errIgnored):
			in.diags.Addf(line, diag.KindUnknownType, "record type %q", fields[0])
			in.opts.Metrics.Record("other", metrics.OutcomeIgnored)
		case errors.Is(err, ErrMalformedRecord):
			rerr := &RecordError{Line: line, Record: text, Err: err}
			if in.opts.Mode == diag.ModeStrict {
				return rerr
			}
			in.diags.Addf(line, diag.KindMalformed, "%v", err)
			in.opts.Metrics.Record(fields[0], metrics.OutcomeMalformed)
			in.logger.Warn("stats: skipping malformed record",
				slog.Int("line", line), slog.String("record", text), slog.Any("error", err))
		default:
			return &RecordError{Line: line, Record: text, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stats: read: %w", err)
	}
	return nil
}

var errIgnored = errors.New("stats: ignored record type")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedRecord}, args...)...)
}

func (in *Ingestor) record(ctx context.Context, f []string) error {
	switch f[0] {
	case TypeOrigin:
		if len(f) != 5 && len(f) != 6 {
			return malformed("type 2 wants 5 or 6 fields, got %d", len(f))
		}
		return in.originRecord(ctx, f)
	case TypeContext:
		if len(f) < 5 {
			return malformed("type 3 wants at least 5 fields, got %d", len(f))
		}
		return in.contextRecord(ctx, f)
	case TypeInsensitive:
		if len(f) != 4 {
			return malformed("type 4 wants 4 fields, got %d", len(f))
		}
		return in.insensitiveRecord(ctx, f)
	}
	return errIgnored
}

// header parses the kind and group fields shared by all record types. The
// kind is kept verbatim: only the exact field "1" is a direct kind.
func header(f []string) (cfi.PolicyKind, cfi.GroupID, error) {
	group, err := strconv.ParseUint(f[2], 10, 64)
	if err != nil {
		return "", 0, malformed("group id %q", f[2])
	}
	return cfi.PolicyKind(f[1]), cfi.GroupID(group), nil
}

// resolve parses a decimal tag field and looks it up.
func (in *Ingestor) resolve(field string) (uint64, error) {
	tag, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		return 0, malformed("tag %q", field)
	}
	return in.labels.Resolve(tag)
}

// target resolves the observed target of a record, normalizing non-direct
// kinds to their vtable base.
func (in *Ingestor) target(ctx context.Context, kind cfi.PolicyKind, field string) (uint64, error) {
	addr, err := in.resolve(field)
	if err != nil {
		return 0, err
	}
	if kind.IsDirect() {
		return addr, nil
	}
	return in.refiner.FindNearestVTable(ctx, addr), nil
}

func (in *Ingestor) originRecord(ctx context.Context, f []string) error {
	kind, group, err := header(f)
	if err != nil {
		return err
	}
	disc, err := strconv.ParseInt(f[4], 10, 64)
	if err != nil {
		return malformed("context discriminant %q", f[4])
	}
	target, err := in.target(ctx, kind, f[3])
	if err != nil {
		return err
	}
	var origin uint64
	if len(f) == 6 {
		addr, err := in.resolve(f[5])
		if err != nil {
			return err
		}
		origin = in.refiner.ResolveJumpChain(ctx, addr)
	}
	in.buckets.OS.Add(cfi.OSKey{Kind: kind, Group: group, Discriminant: disc, Origin: origin}, target)
	return nil
}

func (in *Ingestor) contextRecord(ctx context.Context, f []string) error {
	kind, group, err := header(f)
	if err != nil {
		return err
	}
	var target uint64
	if in.opts.NormalizeContextTargets {
		target, err = in.target(ctx, kind, f[3])
	} else {
		target, err = in.resolve(f[3])
	}
	if err != nil {
		return err
	}
	addrs := make([]uint64, 0, len(f)-4)
	for _, field := range f[4:] {
		addr, err := in.resolve(field)
		if err != nil {
			return err
		}
		addrs = append(addrs, in.refiner.ResolveJumpChain(ctx, addr))
	}
	chain, err := cfi.NewContextChain(addrs)
	if err != nil {
		return malformed("%v", err)
	}
	in.buckets.CS.Add(cfi.CSKey{Kind: kind, Group: group, Chain: chain}, target)
	return nil
}

func (in *Ingestor) insensitiveRecord(ctx context.Context, f []string) error {
	kind, group, err := header(f)
	if err != nil {
		return err
	}
	target, err := in.target(ctx, kind, f[3])
	if err != nil {
		return err
	}
	in.buckets.CI.Add(cfi.CIKey{Kind: kind, Group: group}, target)
	return nil
}
