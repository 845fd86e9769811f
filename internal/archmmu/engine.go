package archmmu

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/archcore/internal/archdebug"
	"github.com/tinyrange/archcore/internal/archprim"
	"github.com/tinyrange/archcore/internal/physmem"
	"github.com/tinyrange/archcore/internal/status"
)

// Engine is the MMU engine spec.md §4.3 describes, parameterized by a
// Config and backed by a simulated physical arena plus the allocator
// interfaces spec.md §1 names as external collaborators.
type Engine struct {
	cfg    Config
	arena  *physmem.Arena
	frames physmem.FrameAllocator
	heap   physmem.HeapAllocator
	tlb    TLB
	asid   ASIDManager

	kernelBase uint64
	kernelSize uint64
	kernelTT   uint64
}

// NewEngine validates cfg, constructs the static kernel top-level table,
// and walks staticMappings into it, matching spec.md §4.3's invariant that
// the kernel aspace's tt_virt aliases a statically allocated table that is
// never freed, and is already populated with the kernel's own bootstrap
// mappings by the time InitAspace/Map become callable (see StaticMapping).
func NewEngine(cfg Config, arena *physmem.Arena, frames physmem.FrameAllocator, heap physmem.HeapAllocator, tlb TLB, asid ASIDManager, kernelBase, kernelSize uint64, staticMappings ...StaticMapping) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tlb == nil {
		tlb = NopTLB{}
	}

	e := &Engine{cfg: cfg, arena: arena, frames: frames, heap: heap, tlb: tlb, asid: asid, kernelBase: kernelBase, kernelSize: kernelSize}

	tt, err := heap.AllocAligned(cfg.tableBytes(), cfg.tableBytes())
	if err != nil {
		return nil, fmt.Errorf("archmmu: allocate static kernel top-level table: %w", err)
	}
	if err := arena.ZeroFill(tt, cfg.tableBytes()); err != nil {
		return nil, err
	}
	e.kernelTT = tt

	if err := e.applyStaticMappings(staticMappings); err != nil {
		return nil, err
	}

	return e, nil
}

// KernelAddressSpace returns the single, never-freed kernel aspace.
func (e *Engine) KernelAddressSpace() *AddressSpace {
	return &AddressSpace{
		Base:   e.kernelBase,
		Size:   e.kernelSize,
		Flags:  FlagKernel,
		TTPhys: e.kernelTT,
	}
}

// InitAspace implements arch_mmu_init_aspace (spec.md §6).
func (e *Engine) InitAspace(base, size uint64, flags Flags) (*AddressSpace, error) {
	if flags&FlagKernel != 0 {
		if base != e.kernelBase || size != e.kernelSize {
			// A kernel aspace window that disagrees with the compile-time
			// window is not a bad argument from a caller that could pass a
			// different one next time — there is only ever one kernel
			// aspace, fixed at NewEngine time — so this is spec.md §7 class
			// 3's impossible/corrupted state, and panics unconditionally
			// rather than being gated by archdebug.Enabled.
			panic(fmt.Sprintf("archmmu: kernel aspace window [%#x,+%#x) does not match compile-time window [%#x,+%#x)",
				base, size, e.kernelBase, e.kernelSize))
		}
		return e.KernelAddressSpace(), nil
	}

	if base+size < base || base+size > uint64(1)<<e.cfg.UserSizeShift {
		return nil, fmt.Errorf("archmmu: user aspace window [%#x,+%#x) exceeds 1<<%d: %w", base, size, e.cfg.UserSizeShift, status.ErrInvalidArgs)
	}

	tt, err := e.heap.AllocAligned(e.cfg.tableBytes(), e.cfg.tableBytes())
	if err != nil {
		return nil, fmt.Errorf("archmmu: allocate user top-level table: %w", err)
	}
	if err := e.arena.ZeroFill(tt, e.cfg.tableBytes()); err != nil {
		return nil, err
	}

	return &AddressSpace{Base: base, Size: size, Flags: flags, TTPhys: tt, userTT: true}, nil
}

// DestroyAspace implements arch_mmu_destroy_aspace (spec.md §6). The kernel
// aspace is never freed; a user aspace's top-level table is freed after
// asserting the caller has already unmapped every range.
func (e *Engine) DestroyAspace(aspace *AddressSpace) error {
	if aspace.IsKernel() {
		return nil
	}
	empty, err := e.tableEmpty(aspace.TTPhys)
	if err != nil {
		return err
	}
	archdebug.Assert(empty, "archmmu: DestroyAspace called with live mappings still installed")
	if aspace.userTT {
		e.heap.Free(aspace.TTPhys)
	}
	return nil
}

// readPTE/writePTE access a table slot through the simulated arena.
func (e *Engine) readPTE(tablePhys uint64, index uint64) (pte, error) {
	b, err := e.arena.Slice(tablePhys+index*8, 8)
	if err != nil {
		return 0, err
	}
	return pte(binary.LittleEndian.Uint64(b)), nil
}

func (e *Engine) writePTE(tablePhys uint64, index uint64, val pte) error {
	b, err := e.arena.Slice(tablePhys+index*8, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, uint64(val))
	return nil
}

// tableEmpty reports whether every slot in the table at tablePhys is
// invalid.
func (e *Engine) tableEmpty(tablePhys uint64) (bool, error) {
	b, err := e.arena.Slice(tablePhys, e.cfg.tableBytes())
	if err != nil {
		return false, err
	}
	for i := 0; i < len(b); i += 8 {
		if pte(binary.LittleEndian.Uint64(b[i:])) != 0 {
			return false, nil
		}
	}
	return true, nil
}

// allocChildTable installs a freshly zeroed table: allocate, zero, issue the
// store-store barrier that makes the zero fill globally visible before the
// table pointer is published (spec.md §4.3/§5), then return its physical
// address. The caller is responsible for writing the parent slot.
func (e *Engine) allocChildTable() (uint64, error) {
	var childPhys uint64
	var err error
	if e.cfg.tableBytes() >= e.cfg.pageSize() {
		childPhys, err = e.frames.AllocPages(e.cfg.tablePages())
	} else {
		childPhys, err = e.heap.AllocAligned(e.cfg.tableBytes(), e.cfg.tableBytes())
	}
	if err != nil {
		return 0, fmt.Errorf("archmmu: allocate child table: %w", status.ErrNoMemory)
	}
	if err := e.arena.ZeroFill(childPhys, e.cfg.tableBytes()); err != nil {
		return 0, err
	}
	// Store-store inner-shareable barrier: the zeroed table must be
	// globally visible before any other CPU can follow the table pointer
	// we are about to publish in the parent slot.
	archprim.WMB()
	return childPhys, nil
}

func (e *Engine) freeChildTable(tablePhys uint64) {
	if e.cfg.tableBytes() >= e.cfg.pageSize() {
		e.frames.FreePages(tablePhys, e.cfg.tablePages())
	} else {
		e.heap.Free(tablePhys)
	}
}

// wrapCheck implements spec.md §4.3's arithmetic-overflow precondition: the
// range must not wrap the address space, matching the "Wrap refusal"
// testable property in spec.md §8.
func wrapCheck(base, size uint64) error {
	if size == 0 {
		return nil
	}
	if base+size < base {
		return fmt.Errorf("archmmu: range [%#x,+%#x) wraps the address space: %w", base, size, status.ErrOutOfRange)
	}
	return nil
}
