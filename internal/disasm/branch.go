package disasm

import "golang.org/x/arch/x86/x86asm"

// BranchInfo describes a decoded control transfer.
type BranchInfo struct {
	Target uint64 // absolute target address (0 unless Direct)
	Direct bool   // true if Target is encoded in the instruction
	Cond   bool   // true if conditional (has fallthrough)
	IsCall bool   // true for calls (return to the next instruction)
	IsRet  bool   // true if RET
}

// Unconditional reports a direct jump that always transfers to Target.
func (b *BranchInfo) Unconditional() bool {
	return b != nil && b.Direct && !b.Cond && !b.IsCall && !b.IsRet
}

// DecodeBranchARM64 decodes a branch from its raw 32-bit encoding at the given PC.
// Returns nil if the instruction is not a branch, call or return.
func DecodeBranchARM64(raw uint32, pc uint64) *BranchInfo {
	// RET (0xD65F03C0 exactly, or RET Xn = 0xD65F0000 | Rn<<5)
	if raw&0xFFFFFC1F == 0xD65F0000 {
		return &BranchInfo{IsRet: true}
	}

	// BR Xn / BLR Xn
	if raw&0xFFFFFC1F == 0xD61F0000 {
		return &BranchInfo{}
	}
	if raw&0xFFFFFC1F == 0xD63F0000 {
		return &BranchInfo{IsCall: true}
	}

	// B / BL: x00101 imm26
	if raw&0x7C000000 == 0x14000000 {
		imm26 := raw & 0x03FFFFFF
		offset := signExtend(imm26, 26) * 4
		return &BranchInfo{
			Target: uint64(int64(pc) + int64(offset)),
			Direct: true,
			IsCall: raw&0x80000000 != 0,
		}
	}

	// B.cond: 01010100 imm19 0 cond
	if raw&0xFF000010 == 0x54000000 {
		return condARM64(pc, (raw>>5)&0x7FFFF, 19)
	}

	// CBZ / CBNZ: x 011010x imm19 Rt
	if raw&0x7E000000 == 0x34000000 {
		return condARM64(pc, (raw>>5)&0x7FFFF, 19)
	}

	// TBZ / TBNZ: b5 011011x b40 imm14 Rt
	if raw&0x7E000000 == 0x36000000 {
		return condARM64(pc, (raw>>5)&0x3FFF, 14)
	}

	return nil
}

func condARM64(pc uint64, imm uint32, bits int) *BranchInfo {
	offset := signExtend(imm, bits) * 4
	return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Direct: true, Cond: true}
}

// signExtend sign-extends a value from the given bit width to int32.
func signExtend(val uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mask := sign - 1
	if val&sign != 0 {
		return int32(val | ^mask) // negative
	}
	return int32(val & mask)
}

var condJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JNE: true,
	x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true, x86asm.JO: true,
	x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
}

// decodeBranchAMD64 extracts branch information from a decoded x86-64
// instruction. x86asm uses distinct ops for conditional jumps, so JMP is
// always unconditional.
func decodeBranchAMD64(inst x86asm.Inst, pc uint64) *BranchInfo {
	switch {
	case inst.Op == x86asm.RET:
		return &BranchInfo{IsRet: true}
	case inst.Op == x86asm.JMP || inst.Op == x86asm.CALL:
		bi := &BranchInfo{IsCall: inst.Op == x86asm.CALL}
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			bi.Target = pc + uint64(inst.Len) + uint64(int64(rel))
			bi.Direct = true
		}
		return bi
	case condJumps[inst.Op]:
		bi := &BranchInfo{Cond: true}
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			bi.Target = pc + uint64(inst.Len) + uint64(int64(rel))
			bi.Direct = true
		}
		return bi
	}
	return nil
}
