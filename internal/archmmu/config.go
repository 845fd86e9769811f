// Package archmmu implements the MMU engine spec.md §4.3 describes: the
// multi-level page-table walker, map/unmap, address-space init/destroy, TLB
// maintenance, and ASID bookkeeping. It is the largest subsystem in
// archcore (spec.md §2 budgets it at roughly half the core).
//
// The walker generalizes the teacher's RISC-V Sv39/Sv48 walk
// (internal/hv/riscv/rv64/mmu.go: walkPageTable) from a fixed two-mode
// switch to a Config-parameterized level count, index width, and block-vs-
// page leaf rule, so the same engine serves both families spec.md §1 names.
package archmmu

import "fmt"

// Config is the compile-time shape of one architecture family's
// translation tree, matching spec.md §4.3's "Configuration parameters
// (compile-time, per build)".
type Config struct {
	// PageSizeShift is log2 of the leaf granule (4096 => 12).
	PageSizeShift int
	// IndexBits is the number of virtual-address bits each level consumes.
	IndexBits int
	// Levels is the table depth, top level first (4 for a four-level tree).
	Levels int
	// MinBlockLevel is the shallowest level (0 = top) that may hold a block
	// descriptor; spec.md §4.3's "block-descriptor maximum level" expressed
	// as the least-deep level instead, since that is what the map walk
	// actually tests against at each step.
	MinBlockLevel int
	// TopSizeShift is log2 of the size of the address window this
	// configuration's top-level table can cover; used by Validate. It does
	// not bound the kernel or user windows (UserSizeShift bounds the latter).
	TopSizeShift int
	// UserSizeShift bounds a non-kernel aspace's window per spec.md §3:
	// "[base, base+size) ⊂ [0, 1<<user_size_shift)".
	UserSizeShift int
}

// ARM64Config is the four-level, 4KB-granule preset matching spec.md §1's
// "64-bit arch with four-level translation" and generalizing the teacher's
// SatpModeSv48 case (internal/hv/riscv/rv64/mmu.go) from RISC-V's Sv48 (9
// index bits/level, 4 levels, 48-bit VA) to the ARM-style descriptor model
// spec.md §3/§4.3 actually specifies (table/block/page, not RISC-V's
// leaf-flag-on-every-level PTE).
var ARM64Config = Config{
	PageSizeShift: 12,
	IndexBits:     9,
	Levels:        4,
	MinBlockLevel: 1,
	TopSizeShift:  48,
	UserSizeShift: 48,
}

// X86Config is the two-level, 4KB-page preset matching spec.md §1's "32-bit
// arch with a protected-mode variant", grounded on the teacher's
// ModeProtectedMode setup in internal/hv/helpers/helpers.go.
var X86Config = Config{
	PageSizeShift: 12,
	IndexBits:     10,
	Levels:        2,
	MinBlockLevel: 0,
	TopSizeShift:  32,
	UserSizeShift: 32,
}

// Validate checks internal consistency: level count and index width must
// exactly cover TopSizeShift, matching the real constraint that a
// translation tree's levels partition the virtual address with no gaps or
// overlap.
func (c Config) Validate() error {
	covered := c.PageSizeShift + c.IndexBits*c.Levels
	if covered != c.TopSizeShift {
		return fmt.Errorf("archmmu: config covers %d address bits, want %d (page_shift=%d + index_bits=%d * levels=%d)",
			covered, c.TopSizeShift, c.PageSizeShift, c.IndexBits, c.Levels)
	}
	if c.MinBlockLevel < 0 || c.MinBlockLevel >= c.Levels {
		return fmt.Errorf("archmmu: MinBlockLevel %d out of range for %d levels", c.MinBlockLevel, c.Levels)
	}
	return nil
}

// indexShift returns the bit position at which level's index begins.
func (c Config) indexShift(level int) int {
	return c.PageSizeShift + c.IndexBits*(c.Levels-1-level)
}

// entrySpan returns the span of virtual address one entry at level covers.
func (c Config) entrySpan(level int) uint64 {
	return uint64(1) << c.indexShift(level)
}

// indexOf extracts level's index out of vaddr.
func (c Config) indexOf(vaddr uint64, level int) uint64 {
	mask := uint64(1)<<c.IndexBits - 1
	return (vaddr >> c.indexShift(level)) & mask
}

// entriesPerTable is the number of PTE slots in one table at any level (all
// levels use the same index width in this engine, matching both presets).
func (c Config) entriesPerTable() int {
	return 1 << c.IndexBits
}

// tableBytes is the byte size of one table: entriesPerTable * 8 (pte_size).
func (c Config) tableBytes() uint64 {
	return uint64(c.entriesPerTable()) * 8
}

// tablePages is the number of host pages a table spans, rounded up; used
// when a table's byte size is a whole multiple of (or exceeds) the page
// size, so it is allocated as a contiguous page run rather than through the
// sub-page heap path.
func (c Config) tablePages() int {
	return int((c.tableBytes() + c.pageSize() - 1) / c.pageSize())
}

// pageSize is the leaf granule in bytes.
func (c Config) pageSize() uint64 {
	return uint64(1) << c.PageSizeShift
}

// PageSize is the exported form of pageSize, used by callers outside this
// package (internal/machine) that size a physmem.Arena/allocator to match
// this Config's leaf granule.
func (c Config) PageSize() uint64 {
	return c.pageSize()
}
