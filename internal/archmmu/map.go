package archmmu

import (
	"fmt"

	"github.com/tinyrange/archcore/internal/archprim"
	"github.com/tinyrange/archcore/internal/status"
)

// Map implements arch_mmu_map (spec.md §4.3/§6): maps count pages starting
// at vaddr to paddr with the given attributes. On any failure mid-descent,
// the engine unwinds by unmapping whatever it already installed in this
// call, then returns a generic error — spec.md §7's "after full unwind of
// any intermediate tables installed by the same map call."
func (e *Engine) Map(aspace *AddressSpace, vaddr, paddr uint64, count uint64, attr Attr) error {
	size := count * e.cfg.pageSize()

	if err := e.validateMapArgs(aspace, vaddr, paddr, size); err != nil {
		return err
	}

	leafBits, err := attrToBits(attr)
	if err != nil {
		return err
	}

	mapErr := e.mapRange(0, aspace.TTPhys, vaddr, paddr, size, leafBits)
	if mapErr != nil {
		// Unwind: remove whatever was installed by this call. Unmap is a
		// no-op over any sub-range that was never touched, so it is safe
		// to run over the entire originally requested range.
		if _, unmapErr := e.unmapRangeTop(aspace, vaddr, size); unmapErr != nil {
			// Surfacing the original failure takes priority; an unwind
			// failure here indicates corruption, which is an impossible
			// state per spec.md §7 class 3.
			panic(fmt.Sprintf("archmmu: unwind after failed map could not unmap [%#x,+%#x): %v", vaddr, size, unmapErr))
		}
		archprim.MB()
		return fmt.Errorf("archmmu: map [%#x,+%#x): %w", vaddr, size, status.ErrGeneric)
	}

	archprim.MB()
	return nil
}

func (e *Engine) validateMapArgs(aspace *AddressSpace, vaddr, paddr, size uint64) error {
	page := e.cfg.pageSize()
	if vaddr%page != 0 || paddr%page != 0 || size%page != 0 {
		return fmt.Errorf("archmmu: map arguments must be page-aligned (page=%#x): %w", page, status.ErrInvalidArgs)
	}
	if err := wrapCheck(vaddr, size); err != nil {
		return err
	}
	if !aspace.Contains(vaddr, size) {
		return fmt.Errorf("archmmu: [%#x,+%#x) outside aspace window [%#x,+%#x): %w",
			vaddr, size, aspace.Base, aspace.Size, status.ErrOutOfRange)
	}
	return nil
}

// mapRange installs [vaddr, vaddr+size) into the table at tablePhys/level.
// The range is guaranteed (by the caller, recursively) to lie entirely
// within the span one entry at `level` covers... except at the top level,
// where it may span multiple top-level entries; the loop below handles
// both cases uniformly by processing the range in per-entry chunks.
func (e *Engine) mapRange(level int, tablePhys, vaddr, paddr, size uint64, leafBits pte) error {
	span := e.cfg.entrySpan(level)

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
			return err
		}

		atLeafLevel := level == e.cfg.Levels-1
		blockEligible := !atLeafLevel && level >= e.cfg.MinBlockLevel &&
			chunk == span && vaddr%span == 0 && paddr%span == 0

		switch {
		case atLeafLevel || blockEligible:
			if chunk != span {
				return fmt.Errorf("archmmu: cannot install a leaf for a partial entry span at level %d: %w", level, status.ErrInvalidArgs)
			}
			if existing.kind() != descInvalid {
				return fmt.Errorf("archmmu: vaddr %#x is already mapped: %w", vaddr, status.ErrInvalidArgs)
			}
			kind := descPage
			if !atLeafLevel {
				kind = descBlock
			}
			leaf := pte(paddr&ptyAddrMask) | pte(kind) | leafBits
			if err := e.writePTE(tablePhys, index, leaf); err != nil {
				return err
			}

		default:
			var childPhys uint64
			switch existing.kind() {
			case descInvalid:
				childPhys, err = e.allocChildTable()
				if err != nil {
					return err
				}
				if err := e.writePTE(tablePhys, index, makeTableDescriptor(childPhys)); err != nil {
					return err
				}
			case descTable:
				childPhys = existing.outputAddr()
			default:
				return fmt.Errorf("archmmu: vaddr %#x already has a block/page mapping above the leaf level: %w", vaddr, status.ErrInvalidArgs)
			}

			if err := e.mapRange(level+1, childPhys, vaddr, paddr, chunk, leafBits); err != nil {
				return err
			}
		}

		vaddr += chunk
		paddr += chunk
		size -= chunk
	}

	return nil
}
