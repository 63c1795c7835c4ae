package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfipolicy/internal/cfi"
	"cfipolicy/internal/config"
	"cfipolicy/internal/diag"
	"cfipolicy/internal/refine"
	"cfipolicy/internal/stats"
	"cfipolicy/internal/tagtable"
)

// mapEngine answers refiner queries from fixed tables.
type mapEngine struct {
	chains  map[uint64]uint64
	vtables map[uint64]uint64
}

func (e *mapEngine) FunctionEntries(context.Context) ([]uint64, error) {
	return []uint64{0x401000, 0x401100}, nil
}

func (e *mapEngine) ResolveJumpChain(_ context.Context, addr uint64) (uint64, error) {
	if v, ok := e.chains[addr]; ok {
		return v, nil
	}
	return addr, refine.ErrNoMatch
}

func (e *mapEngine) FindNearestVTable(_ context.Context, addr uint64) (uint64, error) {
	if v, ok := e.vtables[addr]; ok {
		return v, nil
	}
	return addr, refine.ErrNoMatch
}

func newMapEngine() *mapEngine {
	return &mapEngine{
		chains:  map[uint64]uint64{0x402010: 0x402000},
		vtables: map[uint64]uint64{0x600020: 0x600040},
	}
}

// dumpLine renders one address-table row the way the collector prints it.
func dumpLine(t *testing.T, tag, label uint64) string {
	t.Helper()
	tlo, thi, err := tagtable.EncodeWord(tag, 4)
	require.NoError(t, err)
	llo, lhi, err := tagtable.EncodeWord(label, 8)
	require.NoError(t, err)
	return fmt.Sprintf(" 00 %s %s %s %s 00 00", tlo, thi, llo, lhi)
}

const testStats = "4\t1\t7\t1\n" +
	"4\t1\t7\t1\n" +
	"4\t2\t8\t3\n" +
	"4\t2\t8\t1\n" +
	"2\t2\t8\t3\t0\t4\n" +
	"2\t2\t8\t1\t1\t4\n" +
	"3\t2\t9\t3\t4\t5\n" +
	"4\t1\t7\n" +
	"1\tsession start\n"

func setup(t *testing.T, statsBody string) (prefix string) {
	t.Helper()
	dir := t.TempDir()
	prefix = dir + string(filepath.Separator)
	table := strings.Join([]string{
		"TAG TABLE",
		dumpLine(t, 1, 0x401000),
		dumpLine(t, 2, 0x401100),
		dumpLine(t, 3, 0x600020),
		dumpLine(t, 4, 0x402010),
		dumpLine(t, 5, 0x402020),
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(prefix+"dump_table", []byte(table), 0644))
	require.NoError(t, os.WriteFile(prefix+"errs.txt", []byte(statsBody), 0644))
	return prefix
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func run(t *testing.T, prefix string, cfg config.Config) (*Result, error) {
	t.Helper()
	return Run(context.Background(), Options{
		Prefix: prefix,
		Binary: "app",
		Config: cfg,
		Logger: quietLogger(),
		Engine: newMapEngine(),
	})
}

func readOut(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRun_EndToEnd(t *testing.T) {
	prefix := setup(t, testStats)
	cfg := config.Default()
	cfg.Graph = true
	cfg.SummaryFile = "choices.json"
	cfg.MetricsFile = "cfipolicy.prom"

	res, err := run(t, prefix, cfg)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 5, res.Tags)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, 1, res.Ingest.Malformed)
	assert.Equal(t, 1, res.Ingest.Ignored)
	assert.Equal(t, 1, res.Diags.Count(diag.KindMalformed))
	assert.Equal(t, 1, res.Diags.Count(diag.KindUnknownType))

	require.Len(t, res.Choices, 3)
	assert.Equal(t, cfi.ContextInsensitive, res.Choices[0].Choice)
	assert.Equal(t, cfi.OriginSensitive, res.Choices[1].Choice)
	assert.Equal(t, cfi.ContextSensitive, res.Choices[2].Choice)

	assert.Equal(t, "1\t7\t4198400\n1\t7\t4198400\n", readOut(t, prefix+"ciCFG"))
	assert.Equal(t, "2\t8\t0\t4202496\t6291520\n2\t8\t1\t4202496\t4198400\n", readOut(t, prefix+"osCFG"))
	assert.Equal(t, "", readOut(t, prefix+"cs1CFG"))
	assert.Equal(t, "2\t9\t4202496\t4202528\t6291488\n", readOut(t, prefix+"cs2CFG"))
	assert.Equal(t, "", readOut(t, prefix+"cs3CFG"))
	assert.Len(t, res.Written, 5)

	assert.Contains(t, readOut(t, prefix+"policy.dot"), "group_8.os")
	assert.Contains(t, readOut(t, prefix+"choices.json"), `"granularity": "context-sensitive"`)
	assert.Contains(t, readOut(t, prefix+"cfipolicy.prom"), `cfipolicy_policy_lines_total{channel="osCFG"} 2`)
}

func TestRun_DeepContextChain(t *testing.T) {
	prefix := setup(t, "4\t1\t7\t1\n"+
		"4\t1\t7\t2\n"+
		"3\t1\t7\t1\t4\t5\t4\t5\t4\n")

	res, err := run(t, prefix, config.Default())
	require.NoError(t, err)
	assert.Zero(t, res.Ingest.Malformed)

	require.Len(t, res.Choices, 1)
	assert.Equal(t, cfi.ContextSensitive, res.Choices[0].Choice)
	assert.Equal(t, 1.0, res.Choices[0].CSAvg)
	assert.Equal(t, 2.0, res.Choices[0].CIAvg)

	assert.Equal(t, "", readOut(t, prefix+"ciCFG"))
	assert.Equal(t, "1\t7\t4202496\t4202528\t4202496\t4202528\t4198400\n", readOut(t, prefix+"cs3CFG"))
}

func TestRun_Deterministic(t *testing.T) {
	prefix := setup(t, testStats)
	cfg := config.Default()
	cfg.Workers = 4

	snapshot := func() []string {
		_, err := run(t, prefix, cfg)
		require.NoError(t, err)
		var out []string
		for _, p := range cfg.OutputPaths(prefix) {
			out = append(out, p+"="+readOut(t, p))
		}
		return out
	}
	first := snapshot()
	assert.ElementsMatch(t, first, snapshot())
}

func TestRun_UnknownTag(t *testing.T) {
	prefix := setup(t, "4\t1\t7\t1\n4\t1\t7\t42\n")
	_, err := run(t, prefix, config.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, tagtable.ErrUnknownTag)

	var rerr *stats.RecordError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 2, rerr.Line)

	_, statErr := os.Stat(prefix + "ciCFG")
	assert.True(t, os.IsNotExist(statErr), "no output on failure")
}

func TestRun_StrictMode(t *testing.T) {
	prefix := setup(t, testStats)
	cfg := config.Default()
	cfg.Mode = "strict"
	_, err := run(t, prefix, cfg)
	assert.ErrorIs(t, err, stats.ErrMalformedRecord)
}

func TestRun_MissingInputs(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "nothing_"), config.Default())
	assert.Error(t, err)

	prefix := setup(t, testStats)
	cfg := config.Default()
	cfg.StatsFile = "absent.txt"
	_, err = run(t, prefix, cfg)
	assert.Error(t, err)
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Refine.Timeout = 0
	_, err := run(t, setup(t, testStats), cfg)
	assert.Error(t, err)
}
