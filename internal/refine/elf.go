package refine

import (
	"context"
	"debug/elf"
	"fmt"
	"slices"

	"cfipolicy/internal/disasm"
	"cfipolicy/internal/elfx"
)

// DefaultScanLimit bounds the instructions decoded per jump-chain query.
const DefaultScanLimit = 64

// Image is the view of a binary the ELF engine needs.
type Image interface {
	FunctionEntries() ([]uint64, error)
	VTables() ([]elfx.Symbol, error)
	ReadBytesAtVA(va uint64, n int) ([]byte, error)
}

// ELFEngine answers refinement queries from an ELF image's symbol tables and
// code bytes.
type ELFEngine struct {
	img       Image
	arch      disasm.Arch
	scanLimit int

	entries []uint64 // sorted
	vtables []uint64 // sorted bases
	names   map[uint64]string
	closer  func() error
}

// NewELFEngine indexes img. scanLimit <= 0 selects DefaultScanLimit.
func NewELFEngine(img Image, arch disasm.Arch, scanLimit int) (*ELFEngine, error) {
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	entries, err := img.FunctionEntries()
	if err != nil {
		return nil, fmt.Errorf("refine: function entries: %w", err)
	}
	vts, err := img.VTables()
	if err != nil {
		return nil, fmt.Errorf("refine: vtables: %w", err)
	}

	e := &ELFEngine{
		img:       img,
		arch:      arch,
		scanLimit: scanLimit,
		entries:   slices.Clone(entries),
		names:     make(map[uint64]string, len(vts)),
	}
	slices.Sort(e.entries)
	e.entries = slices.Compact(e.entries)
	for _, v := range vts {
		e.vtables = append(e.vtables, v.Addr)
		e.names[v.Addr] = v.Name
	}
	slices.Sort(e.vtables)
	e.vtables = slices.Compact(e.vtables)
	return e, nil
}

// OpenELF opens the binary at path and builds an engine over it.
// The engine owns the file; call Close when done.
func OpenELF(path string, scanLimit int) (*ELFEngine, error) {
	ef, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	arch := disasm.ArchAMD64
	if ef.Machine() == elf.EM_AARCH64 {
		arch = disasm.ArchARM64
	}
	e, err := NewELFEngine(ef, arch, scanLimit)
	if err != nil {
		ef.Close()
		return nil, err
	}
	e.closer = ef.Close
	return e, nil
}

// Close releases the underlying file, if the engine owns one.
func (e *ELFEngine) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

// Arch returns the instruction set of the image.
func (e *ELFEngine) Arch() disasm.Arch { return e.arch }

// VTableName returns the symbol name of the vtable based at addr.
func (e *ELFEngine) VTableName(addr uint64) (string, bool) {
	name, ok := e.names[addr]
	return name, ok
}

// FunctionEntries implements Engine.
func (e *ELFEngine) FunctionEntries(ctx context.Context) ([]uint64, error) {
	return slices.Clone(e.entries), ctx.Err()
}

// IsFunctionEntry reports whether addr starts a known function.
func (e *ELFEngine) IsFunctionEntry(addr uint64) bool {
	_, found := slices.BinarySearch(e.entries, addr)
	return found
}

// Window decodes the instructions scanned for a jump-chain query at addr.
func (e *ELFEngine) Window(addr uint64) ([]disasm.Inst, error) {
	maxLen := 15 // longest x86-64 instruction
	if e.arch == disasm.ArchARM64 {
		maxLen = 4
	}
	code, err := e.img.ReadBytesAtVA(addr, e.scanLimit*maxLen)
	if err != nil {
		return nil, fmt.Errorf("%w: read 0x%x: %v", ErrExternalResolution, addr, err)
	}
	return disasm.Disassemble(code, disasm.Options{
		Arch:     e.arch,
		BaseAddr: addr,
		MaxSteps: e.scanLimit,
	}), nil
}

// ResolveJumpChain implements Engine.
func (e *ELFEngine) ResolveJumpChain(ctx context.Context, addr uint64) (uint64, error) {
	if e.IsFunctionEntry(addr) {
		return addr, nil
	}
	if err := ctx.Err(); err != nil {
		return addr, err
	}
	insts, err := e.Window(addr)
	if err != nil {
		return addr, err
	}
	res, ok := disasm.ResolveChain(insts)
	if !ok {
		return addr, fmt.Errorf("%w: no branch after 0x%x", ErrNoMatch, addr)
	}
	return res.Target, nil
}

// FindNearestVTable implements Engine.
func (e *ELFEngine) FindNearestVTable(ctx context.Context, addr uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return addr, err
	}
	i, _ := slices.BinarySearch(e.vtables, addr)
	if i == len(e.vtables) {
		return addr, fmt.Errorf("%w: no vtable at or above 0x%x", ErrNoMatch, addr)
	}
	return e.vtables[i], nil
}
