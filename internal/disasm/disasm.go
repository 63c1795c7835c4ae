// Package disasm decodes x86-64 and ARM64 machine code into a uniform
// instruction stream with branch information attached.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch selects the instruction set.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// Inst is a decoded instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      []byte
	Size     int
	Mnemonic string
	Operands string
	Text     string      // full disassembly line
	Branch   *BranchInfo // nil unless the instruction transfers control
}

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	Arch     Arch   // defaults to ArchAMD64
	BaseAddr uint64 // VA of the first byte in Data
	MaxSteps int    // maximum instructions to decode; 0 = 10M
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble decodes instructions from a byte region.
// Returns decoded instructions up to MaxSteps or end of data.
func Disassemble(data []byte, opts Options) []Inst {
	if opts.Arch == ArchARM64 {
		return disassembleARM64(data, opts)
	}
	return disassembleAMD64(data, opts)
}

func disassembleARM64(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	n := len(data) / 4
	if n > maxSteps {
		n = maxSteps
	}

	result := make([]Inst, 0, n)
	for i := 0; i < n; i++ {
		off := i * 4
		raw := binary.LittleEndian.Uint32(data[off : off+4])
		addr := opts.BaseAddr + uint64(off)

		var text string
		if inst, err := arm64asm.Decode(data[off : off+4]); err != nil {
			text = fmt.Sprintf(".word 0x%08x", raw)
		} else {
			text = inst.String()
		}
		result = append(result, newInst(addr, data[off:off+4], text, DecodeBranchARM64(raw, addr)))
	}
	return result
}

func disassembleAMD64(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	var result []Inst
	off := 0
	for off < len(data) && len(result) < maxSteps {
		addr := opts.BaseAddr + uint64(off)

		// x86asm does not know the CET landing pads emitted at function
		// entries under -fcf-protection.
		if isEndbr(data[off:]) {
			text := "endbr64"
			if data[off+3] == 0xfb {
				text = "endbr32"
			}
			result = append(result, newInst(addr, data[off:off+4], text, nil))
			off += 4
			continue
		}

		inst, err := x86asm.Decode(data[off:], 64)
		if err != nil {
			result = append(result, newInst(addr, data[off:off+1], fmt.Sprintf(".byte 0x%02x", data[off]), nil))
			off++
			continue
		}
		text := strings.ToLower(x86asm.IntelSyntax(inst, addr, nil))
		result = append(result, newInst(addr, data[off:off+inst.Len], text, decodeBranchAMD64(inst, addr)))
		off += inst.Len
	}
	return result
}

func newInst(addr uint64, raw []byte, text string, bi *BranchInfo) Inst {
	mnemonic, operands, _ := strings.Cut(text, " ")
	return Inst{
		Addr:     addr,
		Raw:      append([]byte(nil), raw...),
		Size:     len(raw),
		Mnemonic: mnemonic,
		Operands: strings.TrimSpace(operands),
		Text:     text,
		Branch:   bi,
	}
}

func isEndbr(b []byte) bool {
	return len(b) >= 4 && b[0] == 0xf3 && b[1] == 0x0f && b[2] == 0x1e && (b[3] == 0xfa || b[3] == 0xfb)
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
func Format(insts []Inst, lookup SymbolLookup) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		fmt.Fprintf(&b, "%-24s", fmt.Sprintf("% x", inst.Raw))
		b.WriteString(inst.Text)
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
			} else if bi := inst.Branch; bi != nil && bi.Direct {
				if name, ok := lookup(bi.Target); ok {
					fmt.Fprintf(&b, "  ; -> %s", name)
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlaceholderLookup returns a SymbolLookup over a set of known entry points.
func PlaceholderLookup(entryPoints map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := entryPoints[addr]; ok {
			return name, true
		}
		return "", false
	}
}
