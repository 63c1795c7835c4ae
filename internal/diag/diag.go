// Package diag accumulates non-fatal diagnostics raised while reading run inputs.
package diag

import "fmt"

// Kind classifies a diagnostic message.
type Kind string

const (
	KindMalformed   Kind = "malformed_record"
	KindUnknownType Kind = "unknown_type"
)

// Diag records a non-fatal issue at a line of an input file.
type Diag struct {
	Line int    `json:"line"`
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] line %d: %s", d.Kind, d.Line, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Addf(line int, kind Kind, format string, args ...any) {
	d.items = append(d.items, Diag{Line: line, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Count returns the number of diagnostics of the given kind.
func (d *Diags) Count(kind Kind) int {
	n := 0
	for _, it := range d.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

// Mode controls error handling behavior.
type Mode int

const (
	ModeBestEffort Mode = iota // skip malformed input, accumulate diags
	ModeStrict                 // first malformed input returns error
)

func (m Mode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "best-effort"
}

// ParseMode maps a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "best-effort":
		return ModeBestEffort, nil
	case "strict":
		return ModeStrict, nil
	}
	return ModeBestEffort, fmt.Errorf("diag: unknown mode %q (want strict or best-effort)", s)
}
