package policygraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfipolicy/internal/cfi"
	"cfipolicy/internal/output"
)

func testPolicy(t *testing.T) *output.Policy {
	t.Helper()
	b := cfi.NewBuckets()
	b.CI.Add(cfi.CIKey{Kind: "1", Group: 1}, 0x401000)
	b.CI.Add(cfi.CIKey{Kind: "1", Group: 1}, 0x401000)
	b.CI.Add(cfi.CIKey{Kind: "1", Group: 1}, 0x401100)
	b.OS.Add(cfi.OSKey{Kind: "2", Group: 2, Origin: 0x402000}, 0x600010)
	b.OS.Add(cfi.OSKey{Kind: "2", Group: 2, Origin: 0x403000}, 0x600010)

	p, err := output.Build(b, []cfi.GroupChoice{
		{Group: 1, Choice: cfi.ContextInsensitive},
		{Group: 2, Choice: cfi.OriginSensitive},
	})
	require.NoError(t, err)
	return p
}

func TestBuild(t *testing.T) {
	names := map[uint64]string{0x600010: "_ZTV3Foo"}
	g := Build(testPolicy(t), func(addr uint64) (string, bool) {
		n, ok := names[addr]
		return n, ok
	})

	assert.ElementsMatch(t, []string{"group_1.ci", "0x401000", "0x401100", "group_2.os", "_ZTV3Foo"}, g.Nodes)
	var edges [][2]string
	for _, e := range g.Edges {
		edges = append(edges, [2]string{e.Caller, e.Callee})
	}
	assert.ElementsMatch(t, [][2]string{
		{"group_1.ci", "0x401000"},
		{"group_1.ci", "0x401100"},
		{"group_2.os", "_ZTV3Foo"},
	}, edges)
}

func TestWriteDOT(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.dot")
	g, err := WriteDOT(path, testPolicy(t), nil, "policy")
	require.NoError(t, err)
	assert.Len(t, g.Edges, 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "group_2.os")
	assert.Contains(t, string(data), "0x600010")
}
