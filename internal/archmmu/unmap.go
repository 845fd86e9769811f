package archmmu

import (
	"fmt"

	"github.com/tinyrange/archcore/internal/archprim"
	"github.com/tinyrange/archcore/internal/status"
)

// Unmap implements arch_mmu_unmap (spec.md §4.3/§6). Unmapping a range that
// contains no mapped pages is a no-op, not an error (spec.md §4.3's
// idempotent-unmap property). Every cleared leaf issues a TLB invalidate by
// virtual address; a full barrier terminates the call.
func (e *Engine) Unmap(aspace *AddressSpace, vaddr uint64, count uint64) error {
	size := count * e.cfg.pageSize()

	page := e.cfg.pageSize()
	if vaddr%page != 0 {
		return fmt.Errorf("archmmu: unmap vaddr %#x is not page-aligned: %w", vaddr, status.ErrInvalidArgs)
	}
	if err := wrapCheck(vaddr, size); err != nil {
		return err
	}
	if !aspace.Contains(vaddr, size) {
		return fmt.Errorf("archmmu: [%#x,+%#x) outside aspace window [%#x,+%#x): %w",
			vaddr, size, aspace.Base, aspace.Size, status.ErrOutOfRange)
	}

	cleared, err := e.unmapRangeTop(aspace, vaddr, size)
	if err != nil {
		return err
	}

	if cleared {
		e.checkASIDRace(aspace)
	}
	archprim.MB()
	return nil
}

// unmapRangeTop is the shared entry point used both by the public Unmap
// and by Map's failure-unwind path.
func (e *Engine) unmapRangeTop(aspace *AddressSpace, vaddr, size uint64) (clearedAny bool, err error) {
	clearedAny, err = e.unmapRange(0, aspace.TTPhys, vaddr, size, aspace)
	return
}

func (e *Engine) unmapRange(level int, tablePhys, vaddr, size uint64, aspace *AddressSpace) (bool, error) {
	span := e.cfg.entrySpan(level)
	clearedAny := false

	for size > 0 {
		index := e.cfg.indexOf(vaddr, level)
		entryBase := vaddr &^ (span - 1)
		avail := entryBase + span - vaddr
		chunk := size
		if avail < chunk {
			chunk = avail
		}

		existing, err := e.readPTE(tablePhys, index)
		if err != nil {
			return clearedAny, err
		}

		switch existing.kind() {
		case descInvalid:
			// No-op: spec.md §4.3 "unmapping an already-invalid entry is a
			// no-op, not an error."

		case descBlock, descPage:
			if chunk != span {
				return clearedAny, fmt.Errorf("archmmu: partial unmap of a block/page entry at vaddr %#x is not supported: %w", vaddr, status.ErrInvalidArgs)
			}
			if err := e.writePTE(tablePhys, index, 0); err != nil {
				return clearedAny, err
			}
			archprim.WMB()
			e.invalidateLeaf(aspace, vaddr)
			clearedAny = true

		case descTable:
			child := existing.outputAddr()
			childCleared, err := e.unmapRange(level+1, child, vaddr, chunk, aspace)
			if err != nil {
				return clearedAny, err
			}
			clearedAny = clearedAny || childCleared

			// A child table can end up empty whether or not this call
			// covered its entire span (e.g. unmapping the last remaining
			// entry of a table that holds mappings for a narrower region
			// than the whole parent entry), so check regardless of chunk
			// size rather than only when chunk == span.
			empty, err := e.tableEmpty(child)
			if err != nil {
				return clearedAny, err
			}
			if empty {
				e.freeChildTable(child)
				if err := e.writePTE(tablePhys, index, 0); err != nil {
					return clearedAny, err
				}
				archprim.WMB()
			}
		}

		vaddr += chunk
		size -= chunk
	}

	return clearedAny, nil
}

// invalidateLeaf issues a broadcast (inner-shareable) TLB invalidate by
// virtual address, parameterized by ASID, or global if aspace is the
// kernel aspace (spec.md §4.3).
func (e *Engine) invalidateLeaf(aspace *AddressSpace, vaddr uint64) {
	if aspace.IsKernel() {
		e.tlb.InvalidateVA(0, vaddr, true)
		return
	}
	e.tlb.InvalidateVA(aspace.ASID, vaddr, false)
}

// checkASIDRace implements spec.md §4.3/§5's race-recovery rule: if the
// ASID manager's generation advanced since this aspace last observed it
// (under whatever lock stands in for the scheduler lock — the caller of
// Unmap holds it), fall back to a full inner-shareable TLB flush rather
// than trusting the targeted invalidates already issued.
func (e *Engine) checkASIDRace(aspace *AddressSpace) {
	if aspace.IsKernel() || e.asid == nil {
		return
	}
	if e.asid.Generation() != aspace.lastASIDGen {
		e.tlb.InvalidateAll()
	}
}
