package disasm

// ChainResult explains how a jump chain was resolved.
type ChainResult struct {
	Target uint64
	Via    uint64 // address of the instruction that supplied Target
	Cond   bool   // resolved through the instruction before a conditional branch
}

// ResolveChain applies the jump-chain rule to instructions decoded forward
// from a query address. The first direct unconditional jump wins. Failing
// that, the first conditional branch is located and the direct target of the
// instruction immediately before it is used. The scan ends at a return.
func ResolveChain(insts []Inst) (ChainResult, bool) {
	firstCond := -1
	for i, inst := range insts {
		bi := inst.Branch
		if bi == nil {
			continue
		}
		if bi.IsRet {
			break
		}
		if bi.Unconditional() {
			return ChainResult{Target: bi.Target, Via: inst.Addr}, true
		}
		if bi.Cond && firstCond < 0 {
			firstCond = i
		}
	}

	if firstCond > 0 {
		prev := insts[firstCond-1]
		if prev.Branch != nil && prev.Branch.Direct {
			return ChainResult{Target: prev.Branch.Target, Via: prev.Addr, Cond: true}, true
		}
	}
	return ChainResult{}, false
}
