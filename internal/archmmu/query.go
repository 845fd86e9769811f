package archmmu

import (
	"fmt"

	"github.com/tinyrange/archcore/internal/status"
)

// Query implements arch_mmu_query (spec.md §4.3/§6): walks the translation
// tree for vaddr and, if a leaf is present, returns the physical address it
// resolves to and its attributes. ERR_NOT_FOUND covers every way the walk
// can come up empty: an invalid entry at any level, or a table level with
// no further child.
func (e *Engine) Query(aspace *AddressSpace, vaddr uint64) (paddr uint64, attr Attr, err error) {
	if !aspace.Contains(vaddr, 0) {
		return 0, Attr{}, fmt.Errorf("archmmu: vaddr %#x outside aspace window [%#x,+%#x): %w",
			vaddr, aspace.Base, aspace.Size, status.ErrOutOfRange)
	}

	tablePhys := aspace.TTPhys
	for level := 0; level < e.cfg.Levels; level++ {
		index := e.cfg.indexOf(vaddr, level)
		entry, err := e.readPTE(tablePhys, index)
		if err != nil {
			return 0, Attr{}, err
		}

		switch entry.kind() {
		case descInvalid:
			return 0, Attr{}, fmt.Errorf("archmmu: vaddr %#x is not mapped: %w", vaddr, status.ErrNotFound)

		case descTable:
			if level == e.cfg.Levels-1 {
				// A table descriptor can never legally occupy the final
				// level — there is no further level for it to point at.
				// This is spec.md §7 class 3's own worked example of an
				// impossible/corrupted state and panics unconditionally.
				panic(fmt.Sprintf("archmmu: table descriptor at final level %d for vaddr %#x", level, vaddr))
			}
			tablePhys = entry.outputAddr()
			continue

		case descBlock, descPage:
			span := e.cfg.entrySpan(level)
			base := vaddr &^ (span - 1)
			return entry.outputAddr() + (vaddr - base), entry.attr(), nil
		}
	}

	return 0, Attr{}, fmt.Errorf("archmmu: vaddr %#x is not mapped: %w", vaddr, status.ErrNotFound)
}
