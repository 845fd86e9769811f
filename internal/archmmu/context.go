package archmmu

// ContextSwitch implements arch_mmu_context_switch (spec.md §4.3/§5): loads
// the aspace's translation-table root and ASID into whatever serves as the
// live mapping register, refreshing the ASID through the ASIDManager first.
// Load is the caller-supplied sink for that register write, since this
// package has no real TTBR/CR3 to program — the teacher's own arch layer
// keeps that register write behind a small seam for the same reason
// (internal/hv/riscv/rv64/cpu.go's Satp field).
type Load func(ttPhys uint64, asid uint16)

func (e *Engine) ContextSwitch(aspace *AddressSpace, load Load) {
	if aspace.IsKernel() {
		load(aspace.TTPhys, 0)
		return
	}

	asid, generation := e.asid.Acquire(aspace)
	if generation != aspace.lastASIDGen {
		// The ASID was recycled since this aspace last ran: any TLB entries
		// tagged with its old ASID value could alias a different aspace now
		// using that tag. Conservatively flush everything rather than trust
		// targeted invalidates issued before the recycle (spec.md §5).
		e.tlb.InvalidateAll()
		aspace.lastASIDGen = generation
	}
	aspace.ASID = asid

	load(aspace.TTPhys, asid)
}
