package archmmu

import "fmt"

// StaticMapping is one entry of the bootstrap table NewEngine walks into
// the kernel top-level table at construction time, before any caller can
// reach InitAspace/Map: the kernel needs at least its own image and the
// arena it runs out of mapped before the first Map call can even be
// issued. Grounded on original_source/arch/arm64/mmu.c's
// arm64_kernel_translation_table, which the boot assembly populates the
// same way — ahead of arch_mmu_init_aspace ever running — rather than
// through a dynamically consumed table in that file; StaticMapping gives
// this engine an explicit, testable equivalent of that pre-population
// step instead of requiring a linker-script-built table.
type StaticMapping struct {
	Name     string
	VirtBase uint64
	PhysBase uint64
	Size     uint64
	Attr     Attr
}

// applyStaticMappings installs every entry of mappings into the kernel
// aspace via the ordinary Map path, so a bad bootstrap table fails
// construction the same way a bad runtime Map call would, rather than
// silently leaving the kernel table partially populated.
func (e *Engine) applyStaticMappings(mappings []StaticMapping) error {
	kernel := e.KernelAddressSpace()
	page := e.cfg.pageSize()
	for _, m := range mappings {
		if m.Size == 0 {
			continue
		}
		if m.Size%page != 0 {
			return fmt.Errorf("archmmu: static mapping %q size %#x is not a multiple of the page size %#x", m.Name, m.Size, page)
		}
		if err := e.Map(kernel, m.VirtBase, m.PhysBase, m.Size/page, m.Attr); err != nil {
			return fmt.Errorf("archmmu: static mapping %q [%#x,+%#x): %w", m.Name, m.VirtBase, m.Size, err)
		}
	}
	return nil
}
