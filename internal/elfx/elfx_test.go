package elfx

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
)

// selfBinary returns the running test binary, which is an ELF file with a
// symbol table on linux/amd64 and linux/arm64.
func selfBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" || (runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64") {
		t.Skipf("test binary is not a supported ELF on %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	path, err := os.Executable()
	if err != nil {
		t.Skipf("executable path: %v", err)
	}
	return path
}

func TestOpenValid(t *testing.T) {
	ef, err := Open(selfBinary(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	if ef.FileSize() == 0 {
		t.Error("file size is 0")
	}
	if m := ef.Machine(); m != elf.EM_X86_64 && m != elf.EM_AARCH64 {
		t.Errorf("machine = %s", m)
	}
	if len(ef.LoadSegments()) == 0 {
		t.Error("no PT_LOAD segments")
	}
}

func TestOpenRejectsNonELF(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "notelf")
	if err := os.WriteFile(tmp, []byte("not an ELF file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(tmp)
	if !errors.Is(err, ErrNotELF) {
		t.Fatalf("err = %v, want ErrNotELF", err)
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFunctionEntries(t *testing.T) {
	ef, err := Open(selfBinary(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	entries, err := ef.FunctionEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("no function entries")
	}
	if !slices.IsSorted(entries) {
		t.Error("entries not sorted")
	}
	if len(slices.Compact(slices.Clone(entries))) != len(entries) {
		t.Error("entries not unique")
	}
	if _, found := slices.BinarySearch(entries, ef.ELF.Entry); !found {
		t.Errorf("entry point 0x%x missing", ef.ELF.Entry)
	}
}

func TestSymbolLookup(t *testing.T) {
	ef, err := Open(selfBinary(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	va, _, err := ef.Symbol("runtime.main")
	if err != nil {
		t.Fatal(err)
	}
	if va == 0 {
		t.Error("VA is 0")
	}

	code, err := ef.ReadBytesAtVA(va, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 16 {
		t.Errorf("read %d bytes, want 16", len(code))
	}
}

func TestSymbolNotFound(t *testing.T) {
	ef, err := Open(selfBinary(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	_, _, err = ef.Symbol("_kNonExistentSymbol")
	if !errors.Is(err, ErrNoSymbol) {
		t.Fatalf("err = %v, want ErrNoSymbol", err)
	}
}

func TestVTablesGoBinaryHasNone(t *testing.T) {
	ef, err := Open(selfBinary(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	vts, err := ef.VTables()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range vts {
		if v.Name[:len(VTablePrefix)] != VTablePrefix {
			t.Errorf("unexpected vtable symbol %q", v.Name)
		}
	}
}

func TestVAToFileOffsetUnmapped(t *testing.T) {
	ef, err := Open(selfBinary(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	if _, err := ef.VAToFileOffset(0x1); !errors.Is(err, ErrNoSegment) {
		t.Fatalf("err = %v, want ErrNoSegment", err)
	}
}
