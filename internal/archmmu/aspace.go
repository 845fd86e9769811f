package archmmu

// Flags mirrors the union spec.md §6 describes for arch_mmu_init_aspace.
type Flags uint32

const (
	FlagKernel Flags = 1 << iota
)

// AddressSpace is the aspace spec.md §3 describes: the virtual-address
// window a translation tree covers, its top-level table, and its ASID.
// AddressSpace carries no internal mutex for map/unmap: spec.md §5 makes
// that the VM layer's responsibility. The scheduler-lock-guarded ASID
// check in ContextSwitch is represented by lastASIDGen, which only the
// owning Engine touches while the caller holds whatever lock stands in for
// the scheduler lock.
type AddressSpace struct {
	Base  uint64
	Size  uint64
	Flags Flags

	// TTPhys is the physical address of the top-level table. TTVirt in
	// spec.md §3 is the same table viewed through paddr_to_kvaddr; this
	// engine accesses tables only through Engine.arena.Slice, so a separate
	// virtual pointer field would be redundant and is omitted.
	TTPhys uint64

	ASID uint16

	lastASIDGen uint64
	userTT      bool // true if TTPhys was heap-allocated by InitAspace and must be freed by DestroyAspace
}

// IsKernel reports whether this is the distinguished kernel address space.
func (a *AddressSpace) IsKernel() bool { return a.Flags&FlagKernel != 0 }

// Contains reports whether [vaddr, vaddr+size) lies entirely within the
// aspace's window, per spec.md §4.3 step 1 of mmu_query and the
// precondition check in mmu_map. The size==0 case is exclusive of the
// window's upper bound, matching original_source/arch/arm64/mmu.c's
// is_valid_vaddr (vaddr <= base + (size-1), not base+size itself).
func (a *AddressSpace) Contains(vaddr, size uint64) bool {
	if size == 0 {
		return vaddr >= a.Base && vaddr < a.Base+a.Size
	}
	end := vaddr + size
	if end < vaddr {
		return false // overflow
	}
	return vaddr >= a.Base && end <= a.Base+a.Size
}
