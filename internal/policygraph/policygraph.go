// Package policygraph renders an emitted policy as a group → target graph.
package policygraph

import (
	"fmt"
	"os"
	"strconv"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"cfipolicy/internal/output"
)

// Namer names a target address, e.g. from the binary's symbols.
type Namer func(addr uint64) (string, bool)

var channelTags = map[output.Channel]string{
	output.ChannelCI:  "ci",
	output.ChannelOS:  "os",
	output.ChannelCS1: "cs",
	output.ChannelCS2: "cs",
	output.ChannelCS3: "cs",
}

// Build constructs a lattice.Graph from p. Each group becomes a node tagged
// with its granularity; each allowed target becomes a node with an edge from
// every group that may reach it. Targets are named by name when it knows
// them and by hex address otherwise.
func Build(p *output.Policy, name Namer) *lattice.Graph {
	g := &lattice.Graph{}
	nodes := make(map[string]bool)
	edges := make(map[[2]string]bool)
	addNode := func(n string) {
		if !nodes[n] {
			nodes[n] = true
			g.Nodes = append(g.Nodes, n)
		}
	}
	for _, ch := range output.Channels {
		for _, l := range p.Lines(ch) {
			if len(l) < 3 {
				continue
			}
			group := fmt.Sprintf("group_%s.%s", l[1], channelTags[ch])
			target := targetName(l[len(l)-1], name)
			addNode(group)
			addNode(target)
			if k := [2]string{group, target}; !edges[k] {
				edges[k] = true
				g.Edges = append(g.Edges, lattice.Edge{Caller: group, Callee: target})
			}
		}
	}
	g.Dedup()
	return g
}

func targetName(field string, name Namer) string {
	addr, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		return field
	}
	if name != nil {
		if n, ok := name(addr); ok {
			return n
		}
	}
	return fmt.Sprintf("0x%x", addr)
}

// WriteDOT renders p to path and returns the graph it wrote.
func WriteDOT(path string, p *output.Policy, name Namer, title string) (*lattice.Graph, error) {
	g := Build(p, name)
	dot := render.DOT(g, title)
	if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
		return nil, fmt.Errorf("policygraph: write %s: %w", path, err)
	}
	return g, nil
}
