// Package output serializes derived policies to their channel files.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cfipolicy/internal/cfi"
)

// Channel names one output table.
type Channel string

const (
	ChannelOS  Channel = "osCFG"
	ChannelCS1 Channel = "cs1CFG"
	ChannelCS2 Channel = "cs2CFG"
	ChannelCS3 Channel = "cs3CFG"
	ChannelCI  Channel = "ciCFG"
)

// Channels lists every channel in write order.
var Channels = []Channel{ChannelOS, ChannelCS1, ChannelCS2, ChannelCS3, ChannelCI}

// Line is one tab-separated output row.
type Line []string

func (l Line) String() string { return strings.Join(l, "\t") }

// Policy holds the rendered rows of every channel.
type Policy struct {
	lines map[Channel][]Line
}

// Lines returns the rows of ch.
func (p *Policy) Lines(ch Channel) []Line { return p.lines[ch] }

// Total returns the number of rows across all channels.
func (p *Policy) Total() int {
	n := 0
	for _, ls := range p.lines {
		n += len(ls)
	}
	return n
}

// CSChannel returns the context-sensitive channel for a key of the given arity.
func CSChannel(arity int) Channel {
	switch {
	case arity <= 3:
		return ChannelCS1
	case arity == 4:
		return ChannelCS2
	}
	return ChannelCS3
}

// Build renders, for every group, only the bucket its choice selects. Keys
// are emitted in ascending key order; targets keep their observation order.
func Build(b *cfi.Buckets, choices []cfi.GroupChoice) (*Policy, error) {
	chosen := make(map[cfi.GroupID]cfi.Granularity, len(choices))
	for _, c := range choices {
		if c.Choice == cfi.Unclassified {
			return nil, fmt.Errorf("output: group %d is unclassified", c.Group)
		}
		chosen[c.Group] = c.Choice
	}
	for _, g := range b.Groups() {
		if _, ok := chosen[g]; !ok {
			return nil, fmt.Errorf("output: group %d has no granularity choice", g)
		}
	}

	p := &Policy{lines: make(map[Channel][]Line, len(Channels))}
	for _, k := range b.OS.Keys() {
		if chosen[k.Group] != cfi.OriginSensitive {
			continue
		}
		for _, t := range b.OS.Targets(k) {
			p.add(ChannelOS, Line{
				string(k.Kind), dec(uint64(k.Group)),
				strconv.FormatInt(k.Discriminant, 10), dec(k.Origin), dec(t),
			})
		}
	}
	for _, k := range b.CS.Keys() {
		if chosen[k.Group] != cfi.ContextSensitive {
			continue
		}
		key := csColumns(k)
		ch := CSChannel(k.Arity())
		for _, t := range b.CS.Targets(k) {
			p.add(ch, append(append(Line{}, key...), dec(t)))
		}
	}
	for _, k := range b.CI.Keys() {
		if chosen[k.Group] != cfi.ContextInsensitive {
			continue
		}
		for _, t := range b.CI.Targets(k) {
			p.add(ChannelCI, Line{string(k.Kind), dec(uint64(k.Group)), dec(t)})
		}
	}
	return p, nil
}

func (p *Policy) add(ch Channel, l Line) { p.lines[ch] = append(p.lines[ch], l) }

// csColumns renders a context-sensitive key, capped at cfi.SerializedKeyWidth.
func csColumns(k cfi.CSKey) Line {
	cols := Line{string(k.Kind), dec(uint64(k.Group))}
	for _, a := range k.Chain.Addrs() {
		cols = append(cols, dec(a))
	}
	if len(cols) > cfi.SerializedKeyWidth {
		cols = cols[:cfi.SerializedKeyWidth]
	}
	return cols
}

func dec(v uint64) string { return strconv.FormatUint(v, 10) }

// Write writes the rows of ch to w, one per line.
func (p *Policy) Write(w io.Writer, ch Channel) error {
	bw := bufio.NewWriter(w)
	for _, l := range p.lines[ch] {
		if _, err := bw.WriteString(l.String() + "\n"); err != nil {
			return fmt.Errorf("output: write %s: %w", ch, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("output: write %s: %w", ch, err)
	}
	return nil
}

// Written reports one file produced by WriteFiles.
type Written struct {
	Channel Channel
	Path    string
	Lines   int
}

// WriteFiles writes every channel to its path in paths. Channels without a
// path are skipped; empty channels still produce an empty file.
func (p *Policy) WriteFiles(paths map[Channel]string) ([]Written, error) {
	var out []Written
	for _, ch := range Channels {
		path, ok := paths[ch]
		if !ok {
			continue
		}
		if err := p.writeFile(path, ch); err != nil {
			return out, err
		}
		out = append(out, Written{Channel: ch, Path: path, Lines: len(p.lines[ch])})
	}
	return out, nil
}

func (p *Policy) writeFile(path string, ch Channel) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	if err := p.Write(f, ch); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("output: close %s: %w", path, err)
	}
	return nil
}

// ChoiceEntry is the JSON form of a group's classification.
type ChoiceEntry struct {
	Group       uint64  `json:"group"`
	CIAvg       float64 `json:"ci_avg"`
	OSAvg       float64 `json:"os_avg"`
	CSAvg       float64 `json:"cs_avg"`
	Granularity string  `json:"granularity"`
}

// WriteChoicesJSON writes the per-group classification to path.
func WriteChoicesJSON(path string, choices []cfi.GroupChoice) error {
	entries := make([]ChoiceEntry, len(choices))
	for i, c := range choices {
		entries[i] = ChoiceEntry{
			Group:       uint64(c.Group),
			CIAvg:       c.CIAvg,
			OSAvg:       c.OSAvg,
			CSAvg:       c.CSAvg,
			Granularity: c.Choice.String(),
		}
	}
	return writeJSON(path, entries)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
