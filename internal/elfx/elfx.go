// Package elfx provides ELF loading helpers for the binaries whose indirect
// transfers are being classified.
package elfx

import (
	"cmp"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

var (
	ErrNotELF      = errors.New("elfx: not an ELF file")
	ErrUnsupported = errors.New("elfx: unsupported machine (want x86-64 or AArch64)")
	ErrNot64Bit    = errors.New("elfx: not 64-bit ELF")
	ErrNoSymbol    = errors.New("elfx: symbol not found")
	ErrNoSegment   = errors.New("elfx: no PT_LOAD segment covers address")
)

// VTablePrefix is the Itanium C++ ABI mangling prefix of vtable symbols.
const VTablePrefix = "_ZTV"

// File wraps a debug/elf.File with convenience methods for call-site analysis.
type File struct {
	ELF  *elf.File
	raw  io.ReaderAt
	size int64
}

// Open opens an ELF file and validates it is a 64-bit x86-64 or AArch64 object.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elfx: stat: %w", err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}

	if ef.Class != elf.ELFCLASS64 {
		ef.Close()
		return nil, ErrNot64Bit
	}
	if ef.Machine != elf.EM_X86_64 && ef.Machine != elf.EM_AARCH64 {
		ef.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ef.Machine)
	}

	return &File{ELF: ef, raw: f, size: info.Size()}, nil
}

// Close releases resources.
func (f *File) Close() error {
	return f.ELF.Close()
}

// FileSize returns the size of the underlying file.
func (f *File) FileSize() int64 { return f.size }

// Machine returns the ELF machine type.
func (f *File) Machine() elf.Machine { return f.ELF.Machine }

// Symbol is a named address from the static or dynamic symbol table.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
	Type elf.SymType
}

// Symbols returns static and dynamic symbols with a non-zero address,
// deduplicated by (name, address) and sorted by address then name.
// Stripped binaries yield whatever the dynamic table carries.
func (f *File) Symbols() ([]Symbol, error) {
	var all []elf.Symbol
	for _, load := range []func() ([]elf.Symbol, error){f.ELF.Symbols, f.ELF.DynamicSymbols} {
		syms, err := load()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return nil, fmt.Errorf("elfx: symbols: %w", err)
		}
		all = append(all, syms...)
	}

	type key struct {
		name string
		addr uint64
	}
	seen := make(map[key]bool)
	var out []Symbol
	for _, s := range all {
		if s.Value == 0 {
			continue
		}
		k := key{s.Name, s.Value}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size, Type: elf.ST_TYPE(s.Info)})
	}
	slices.SortFunc(out, func(a, b Symbol) int {
		if r := cmp.Compare(a.Addr, b.Addr); r != 0 {
			return r
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Symbol looks up a symbol by exact name.
// Returns the symbol's virtual address and size.
func (f *File) Symbol(name string) (addr, size uint64, err error) {
	syms, err := f.Symbols()
	if err != nil {
		return 0, 0, err
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Addr, s.Size, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// FunctionEntries returns the sorted, unique start addresses of all function
// symbols plus the ELF entry point.
func (f *File) FunctionEntries() ([]uint64, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}
	var entries []uint64
	if f.ELF.Entry != 0 {
		entries = append(entries, f.ELF.Entry)
	}
	for _, s := range syms {
		if s.Type == elf.STT_FUNC {
			entries = append(entries, s.Addr)
		}
	}
	slices.Sort(entries)
	return slices.Compact(entries), nil
}

// VTables returns vtable symbols sorted by address.
func (f *File) VTables() ([]Symbol, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}
	var out []Symbol
	for _, s := range syms {
		if strings.HasPrefix(s.Name, VTablePrefix) {
			out = append(out, s)
		}
	}
	return out, nil
}

// VAToFileOffset converts a virtual address to a file offset using PT_LOAD segments.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Filesz {
			offset := va - p.Vaddr + p.Off
			if offset >= uint64(f.size) {
				return 0, fmt.Errorf("elfx: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, offset, f.size)
			}
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// ReadBytesAtVA reads up to n bytes starting at the given virtual address.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	off, err := f.VAToFileOffset(va)
	if err != nil {
		return nil, err
	}
	// Clamp to file size.
	avail := f.size - int64(off)
	if avail <= 0 {
		return nil, fmt.Errorf("elfx: offset 0x%x at or past end of file", off)
	}
	if int64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	read, err := f.raw.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read at 0x%x: %w", off, err)
	}
	return buf[:read], nil
}

// SegmentInfo describes a PT_LOAD segment.
type SegmentInfo struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Offset uint64
	Flags  elf.ProgFlag
}

// LoadSegments returns all PT_LOAD segments.
func (f *File) LoadSegments() []SegmentInfo {
	var segs []SegmentInfo
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, SegmentInfo{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Offset: p.Off,
			Flags:  p.Flags,
		})
	}
	return segs
}
