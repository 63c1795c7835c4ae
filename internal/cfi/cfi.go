// Package cfi defines the observation model shared by ingestion, classification
// and emission: call-site keys at three granularities and the per-key target
// sequences collected for them.
package cfi

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
)

// PolicyKind discriminates call sites. KindDirect sites use the observed
// target as-is; every other kind is a virtual dispatch or jump site whose
// target is normalized to a vtable base.
type PolicyKind string

// KindDirect is the policy kind of direct-target indirect call sites.
const KindDirect PolicyKind = "1"

// IsDirect reports whether targets for this kind are used without vtable
// normalization.
func (k PolicyKind) IsDirect() bool { return k == KindDirect }

// GroupID identifies an equivalence class of call sites.
type GroupID uint64

// Granularity is the precision level of an enforcement policy.
type Granularity int

const (
	Unclassified Granularity = iota
	ContextInsensitive
	OriginSensitive
	ContextSensitive
)

func (g Granularity) String() string {
	switch g {
	case ContextInsensitive:
		return "context-insensitive"
	case OriginSensitive:
		return "origin-sensitive"
	case ContextSensitive:
		return "context-sensitive"
	default:
		return "unclassified"
	}
}

// SerializedKeyWidth caps the number of key columns printed for a
// context-sensitive observation. Deeper chains are kept whole in the key and
// truncated only when printed.
const SerializedKeyWidth = 6

// MaxContextDepth bounds the addresses a chain may hold. It sits far above
// any calling history a collector records; a record past it is malformed.
const MaxContextDepth = 64

// ContextChain is the ordered calling history of a context-sensitive
// observation. A valid chain holds at least one address. The addresses are
// packed big-endian into a string so the chain stays usable as a map key.
type ContextChain struct {
	packed string
}

// NewContextChain builds a chain from addrs.
func NewContextChain(addrs []uint64) (ContextChain, error) {
	if len(addrs) == 0 {
		return ContextChain{}, fmt.Errorf("cfi: empty context chain")
	}
	if len(addrs) > MaxContextDepth {
		return ContextChain{}, fmt.Errorf("cfi: context depth %d exceeds %d", len(addrs), MaxContextDepth)
	}
	buf := make([]byte, 0, 8*len(addrs))
	for _, a := range addrs {
		buf = binary.BigEndian.AppendUint64(buf, a)
	}
	return ContextChain{packed: string(buf)}, nil
}

// Len returns the chain depth.
func (c ContextChain) Len() int { return len(c.packed) / 8 }

// Addrs returns the chain's addresses.
func (c ContextChain) Addrs() []uint64 {
	out := make([]uint64, c.Len())
	for i := range out {
		out[i] = binary.BigEndian.Uint64([]byte(c.packed[8*i : 8*i+8]))
	}
	return out
}

// Compare orders chains by depth, then lexicographically by address.
func (c ContextChain) Compare(o ContextChain) int {
	if r := cmp.Compare(c.Len(), o.Len()); r != 0 {
		return r
	}
	return strings.Compare(c.packed, o.packed)
}

// CIKey is a context-insensitive call-site key.
type CIKey struct {
	Kind  PolicyKind
	Group GroupID
}

// OSKey is an origin-sensitive call-site key. Origin is zero when the
// observation carried no origin tag.
type OSKey struct {
	Kind         PolicyKind
	Group        GroupID
	Discriminant int64
	Origin       uint64
}

// CSKey is a context-sensitive call-site key.
type CSKey struct {
	Kind  PolicyKind
	Group GroupID
	Chain ContextChain
}

// Arity is the number of key components: kind, group and the chain.
func (k CSKey) Arity() int { return 2 + k.Chain.Len() }

func compareCI(a, b CIKey) int {
	if r := cmp.Compare(a.Group, b.Group); r != 0 {
		return r
	}
	return cmp.Compare(a.Kind, b.Kind)
}

func compareOS(a, b OSKey) int {
	if r := compareCI(CIKey{a.Kind, a.Group}, CIKey{b.Kind, b.Group}); r != 0 {
		return r
	}
	if r := cmp.Compare(a.Discriminant, b.Discriminant); r != 0 {
		return r
	}
	return cmp.Compare(a.Origin, b.Origin)
}

func compareCS(a, b CSKey) int {
	if r := compareCI(CIKey{a.Kind, a.Group}, CIKey{b.Kind, b.Group}); r != 0 {
		return r
	}
	return a.Chain.Compare(b.Chain)
}

// ObservationSet maps call-site keys to the targets observed for them.
// Duplicates are preserved in arrival order.
type ObservationSet[K comparable] struct {
	targets map[K][]uint64
	compare func(a, b K) int
}

func newObservationSet[K comparable](compare func(a, b K) int) *ObservationSet[K] {
	return &ObservationSet[K]{targets: make(map[K][]uint64), compare: compare}
}

// Add appends target to key's sequence.
func (s *ObservationSet[K]) Add(key K, target uint64) {
	s.targets[key] = append(s.targets[key], target)
}

// Targets returns the sequence recorded for key.
func (s *ObservationSet[K]) Targets(key K) []uint64 { return s.targets[key] }

// Len returns the number of distinct keys.
func (s *ObservationSet[K]) Len() int { return len(s.targets) }

// Keys returns all keys in deterministic order: group, then the remaining
// key components.
func (s *ObservationSet[K]) Keys() []K {
	keys := make([]K, 0, len(s.targets))
	for k := range s.targets {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, s.compare)
	return keys
}

// Observations is the total count of recorded targets across all keys.
func (s *ObservationSet[K]) Observations() int {
	n := 0
	for _, t := range s.targets {
		n += len(t)
	}
	return n
}

// Buckets holds the three granularity buckets collected in one run.
type Buckets struct {
	CI *ObservationSet[CIKey]
	OS *ObservationSet[OSKey]
	CS *ObservationSet[CSKey]
}

// NewBuckets returns empty buckets.
func NewBuckets() *Buckets {
	return &Buckets{
		CI: newObservationSet(compareCI),
		OS: newObservationSet(compareOS),
		CS: newObservationSet(compareCS),
	}
}

// Groups returns every group id present in any bucket, ascending.
func (b *Buckets) Groups() []GroupID {
	seen := make(map[GroupID]struct{})
	for k := range b.CI.targets {
		seen[k.Group] = struct{}{}
	}
	for k := range b.OS.targets {
		seen[k.Group] = struct{}{}
	}
	for k := range b.CS.targets {
		seen[k.Group] = struct{}{}
	}
	groups := make([]GroupID, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	return groups
}

// DistinctCount returns the number of distinct values in targets.
func DistinctCount(targets []uint64) int {
	seen := make(map[uint64]struct{}, len(targets))
	for _, t := range targets {
		seen[t] = struct{}{}
	}
	return len(seen)
}

// GroupChoice records the averages computed for a group and the granularity
// selected from them.
type GroupChoice struct {
	Group  GroupID
	CIAvg  float64
	OSAvg  float64
	CSAvg  float64
	Choice Granularity
}

func (c GroupChoice) String() string {
	return fmt.Sprintf("group %d: ci=%.3f os=%.3f cs=%.3f -> %s",
		c.Group, c.CIAvg, c.OSAvg, c.CSAvg, c.Choice)
}
