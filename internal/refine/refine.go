// Package refine resolves raw addresses observed at run time to canonical
// function entries and vtable bases.
//
// An Engine answers three independent queries against the analyzed binary.
// Engines may be slow; Cache wraps one with per-address memoization, duplicate
// suppression and a per-query timeout, and degrades every failure to the
// unresolved input address.
package refine

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrExternalResolution = errors.New("refine: external resolution failed")

	// ErrNoMatch reports a query that ran to completion without a result.
	ErrNoMatch = fmt.Errorf("%w: no match", ErrExternalResolution)
)

// Engine is the contract of an address refinement backend.
type Engine interface {
	// FunctionEntries returns every statically discovered function start address.
	FunctionEntries(ctx context.Context) ([]uint64, error)

	// ResolveJumpChain returns addr when it is a function entry, otherwise the
	// target of the jump chain starting at addr.
	ResolveJumpChain(ctx context.Context, addr uint64) (uint64, error)

	// FindNearestVTable returns the vtable base b >= addr minimizing b-addr.
	FindNearestVTable(ctx context.Context, addr uint64) (uint64, error)
}

// Query operation names, used in logs and metrics.
const (
	OpJumpChain = "jump_chain"
	OpVTable    = "vtable"
)
