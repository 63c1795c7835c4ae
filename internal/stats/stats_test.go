package stats

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfipolicy/internal/cfi"
	"cfipolicy/internal/diag"
	"cfipolicy/internal/tagtable"
)

// fakeRefiner maps addresses through fixed tables and counts queries.
type fakeRefiner struct {
	chains      map[uint64]uint64
	vtables     map[uint64]uint64
	chainCalls  int
	vtableCalls int
}

func (f *fakeRefiner) ResolveJumpChain(_ context.Context, addr uint64) uint64 {
	f.chainCalls++
	if v, ok := f.chains[addr]; ok {
		return v
	}
	return addr
}

func (f *fakeRefiner) FindNearestVTable(_ context.Context, addr uint64) uint64 {
	f.vtableCalls++
	if v, ok := f.vtables[addr]; ok {
		return v
	}
	return addr
}

var testLabels = tagtable.FromMap(map[uint64]uint64{
	9:  0x401000,
	10: 0x401100,
	11: 0x600020,
	20: 0x402010,
	21: 0x402020,
	22: 0x402030,
})

func newFakeRefiner() *fakeRefiner {
	return &fakeRefiner{
		chains:  map[uint64]uint64{0x402010: 0x402000, 0x402020: 0x402000},
		vtables: map[uint64]uint64{0x600020: 0x600040},
	}
}

func ingest(t *testing.T, ref *fakeRefiner, opts Options, lines ...string) *Ingestor {
	t.Helper()
	in := NewIngestor(testLabels, ref, opts)
	require.NoError(t, in.Read(context.Background(), strings.NewReader(strings.Join(lines, "\n"))))
	return in
}

func TestType4_DirectTargetUsesLabel(t *testing.T) {
	ref := newFakeRefiner()
	in := ingest(t, ref, Options{}, "4\t1\t7\t9")

	key := cfi.CIKey{Kind: "1", Group: 7}
	assert.Equal(t, []uint64{0x401000}, in.Buckets().CI.Targets(key))
	assert.Zero(t, ref.vtableCalls, "direct kind must not query vtables")
}

func TestType4_VirtualTargetNormalized(t *testing.T) {
	ref := newFakeRefiner()
	in := ingest(t, ref, Options{}, "4\t2\t7\t11", "4\t2\t7\t11")

	key := cfi.CIKey{Kind: "2", Group: 7}
	assert.Equal(t, []uint64{0x600040, 0x600040}, in.Buckets().CI.Targets(key))
	assert.Equal(t, 2, ref.vtableCalls)
}

func TestType2_OriginResolvedThroughJumpChain(t *testing.T) {
	ref := newFakeRefiner()
	in := ingest(t, ref, Options{},
		"2\t1\t3\t9\t5\t20",
		"2\t1\t3\t10\t5",
		"2\t2\t3\t11\t-1\t21",
	)

	set := in.Buckets().OS
	assert.Equal(t, []uint64{0x401000}, set.Targets(cfi.OSKey{Kind: "1", Group: 3, Discriminant: 5, Origin: 0x402000}))
	assert.Equal(t, []uint64{0x401100}, set.Targets(cfi.OSKey{Kind: "1", Group: 3, Discriminant: 5}))
	assert.Equal(t, []uint64{0x600040}, set.Targets(cfi.OSKey{Kind: "2", Group: 3, Discriminant: -1, Origin: 0x402000}))
	assert.Equal(t, 2, ref.chainCalls)
	assert.Equal(t, 1, ref.vtableCalls)
}

func TestType3_ChainResolvedTargetNot(t *testing.T) {
	ref := newFakeRefiner()
	in := ingest(t, ref, Options{}, "3\t2\t4\t11\t20\t22")

	chain, err := cfi.NewContextChain([]uint64{0x402000, 0x402030})
	require.NoError(t, err)
	key := cfi.CSKey{Kind: "2", Group: 4, Chain: chain}
	assert.Equal(t, []uint64{0x600020}, in.Buckets().CS.Targets(key))
	assert.Equal(t, 4, key.Arity())
	assert.Zero(t, ref.vtableCalls)
	assert.Equal(t, 2, ref.chainCalls)
}

func TestType3_NormalizeContextTargets(t *testing.T) {
	ref := newFakeRefiner()
	in := ingest(t, ref, Options{NormalizeContextTargets: true}, "3\t2\t4\t11\t20")

	chain, err := cfi.NewContextChain([]uint64{0x402000})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x600040}, in.Buckets().CS.Targets(cfi.CSKey{Kind: "2", Group: 4, Chain: chain}))
}

func TestMalformedRecordsSkipped(t *testing.T) {
	ref := newFakeRefiner()
	in := ingest(t, ref, Options{},
		"4\t1\t7",          // too few
		"4\t1\t7\t9\t9",    // too many
		"2\t1\t3\t9",       // too few
		"3\t1\t3\t9",       // no context
		"4\t1\tg7\t9",      // bad group
		"4\t1\t7\tnine",    // bad tag
		"2\t1\t3\t9\tfive", // bad discriminant
		"4\t1\t7\t9",
	)

	sum := in.Summary()
	assert.Equal(t, 7, sum.Malformed)
	assert.Equal(t, 1, sum.Records[TypeInsensitive])
	assert.Equal(t, 1, sum.CIKeys)
	require.Equal(t, 7, in.Diags().Len())
	assert.Equal(t, 1, in.Diags().Items()[0].Line)
	assert.Equal(t, diag.KindMalformed, in.Diags().Items()[0].Kind)
}

func TestType3_DeepChainKeptWhole(t *testing.T) {
	ref := newFakeRefiner()
	in := ingest(t, ref, Options{},
		"3\t1\t7\t9\t20\t21\t22\t20\t21",
		"3\t1\t7\t10\t20\t21\t22\t20\t21",
		"3\t1\t7\t9\t20\t21\t22\t20\t22",
	)
	assert.Zero(t, in.Summary().Malformed)
	require.Equal(t, 2, in.Summary().CSKeys)

	chain, err := cfi.NewContextChain([]uint64{0x402000, 0x402000, 0x402030, 0x402000, 0x402000})
	require.NoError(t, err)
	key := cfi.CSKey{Kind: "1", Group: 7, Chain: chain}
	assert.Equal(t, []uint64{0x401000, 0x401100}, in.Buckets().CS.Targets(key))
	assert.Equal(t, 7, key.Arity())
}

func TestKindKeptVerbatim(t *testing.T) {
	ref := newFakeRefiner()
	in := ingest(t, ref, Options{}, "4\t01\t7\t11", "4\tx\t7\t11")

	assert.Equal(t, []uint64{0x600040}, in.Buckets().CI.Targets(cfi.CIKey{Kind: "01", Group: 7}))
	assert.Equal(t, []uint64{0x600040}, in.Buckets().CI.Targets(cfi.CIKey{Kind: "x", Group: 7}))
	assert.Equal(t, 2, ref.vtableCalls, "only the exact kind \"1\" is direct")
}

func TestMalformedRecordStrict(t *testing.T) {
	in := NewIngestor(testLabels, newFakeRefiner(), Options{Mode: diag.ModeStrict})
	err := in.Read(context.Background(), strings.NewReader("4\t1\t7\t9\n4\t1\t7\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	var rerr *RecordError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 2, rerr.Line)
	assert.Equal(t, "4\t1\t7", rerr.Record)
}

func TestUnknownTagIsFatal(t *testing.T) {
	in := NewIngestor(testLabels, newFakeRefiner(), Options{})
	err := in.Read(context.Background(), strings.NewReader("4\t1\t7\t9\n\n2\t1\t3\t9\t0\t99\n4\t1\t7\t10\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, tagtable.ErrUnknownTag)

	var rerr *RecordError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.Line)

	var ute *tagtable.UnknownTagError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, uint64(99), ute.Tag)
}

func TestUnknownTypesIgnored(t *testing.T) {
	in := ingest(t, newFakeRefiner(), Options{}, "1\tfoo", "5\t1\t2\t3", "PRINT END DATA", "4\t1\t7\t9")
	sum := in.Summary()
	assert.Equal(t, 3, sum.Ignored)
	assert.Zero(t, sum.Malformed)
	assert.Equal(t, 1, sum.Records[TypeInsensitive])
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := NewIngestor(testLabels, newFakeRefiner(), Options{})
	assert.ErrorIs(t, in.Read(ctx, strings.NewReader("4\t1\t7\t9\n")), context.Canceled)
}
