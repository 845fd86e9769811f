package archmmu

import (
	"fmt"

	"github.com/tinyrange/archcore/internal/archdebug"
	"github.com/tinyrange/archcore/internal/status"
)

// descType is the descriptor type a PTE carries, per spec.md §3.
type descType uint8

const (
	descInvalid descType = iota
	descTable            // non-leaf: points at a child table
	descBlock            // leaf installed above the final level
	descPage             // leaf installed at the final level
)

// CacheMode is the 3-way memory type enum spec.md §4.3 describes.
type CacheMode int

const (
	CacheNormal CacheMode = iota
	CacheStronglyOrdered
	CacheDevice
)

// Attr is the abstract attribute set the rest of the kernel programs
// against — spec.md §6's flags union, minus the per-page-count/address
// fields that live on the Map/Query call itself.
type Attr struct {
	Cache         CacheMode
	PermUser      bool
	PermRO        bool
	PermNoExecute bool
	NonSecure     bool
}

// pte is the architecture-dependent bitfield spec.md §3 describes, packed
// into our own layout (the spec does not mandate a specific encoding, only
// the information it carries): table/block/page descriptor type, output
// address, and attribute bits.
//
// Bit layout (low to high):
//
//	[1:0]   descriptor type
//	[11:2]  unused/reserved
//	[47:12] output address, frame-aligned
//	[48]    PermUser
//	[49]    PermRO
//	[50]    UXN (execute-never, unprivileged)
//	[51]    PXN (execute-never, privileged)
//	[52]    NonSecure
//	[54:53] CacheMode
type pte uint64

const (
	ptyTypeMask   = 0x3
	ptyAddrMask   = 0x0000_FFFF_FFFF_F000
	ptyUserBit    = 1 << 48
	ptyROBit      = 1 << 49
	ptyUXNBit     = 1 << 50
	ptyPXNBit     = 1 << 51
	ptyNSBit      = 1 << 52
	ptyCacheShift = 53
	ptyCacheMask  = 0x3 << ptyCacheShift
)

func (p pte) kind() descType     { return descType(p & ptyTypeMask) }
func (p pte) outputAddr() uint64 { return uint64(p) & ptyAddrMask }

func makeTableDescriptor(childPhys uint64) pte {
	return pte(childPhys&ptyAddrMask) | pte(descTable)
}

func makeLeafDescriptor(kind descType, paddr uint64, attr Attr) (pte, error) {
	bits, err := attrToBits(attr)
	if err != nil {
		return 0, err
	}
	return pte(paddr&ptyAddrMask) | pte(kind) | bits, nil
}

func (p pte) attr() Attr {
	a := Attr{
		PermUser:  p&ptyUserBit != 0,
		PermRO:    p&ptyROBit != 0,
		NonSecure: p&ptyNSBit != 0,
	}
	// A page is executable in exactly one privilege mode (spec.md §4.3): if
	// both XN bits are set, the page is non-executable everywhere.
	a.PermNoExecute = p&ptyUXNBit != 0 && p&ptyPXNBit != 0
	switch (p & ptyCacheMask) >> ptyCacheShift {
	case 0:
		a.Cache = CacheNormal
	case 1:
		a.Cache = CacheStronglyOrdered
	case 2:
		a.Cache = CacheDevice
	}
	return a
}

// attrToBits implements flags_to_pte_attr (spec.md §4.3): cache mode to its
// 2-bit encoding, the {PERM_USER, PERM_RO} cross product to the AP-style
// encoding, PERM_NO_EXECUTE to both XN bits (otherwise the complementary XN
// per the owning privilege level), and NS pass-through.
func attrToBits(attr Attr) (pte, error) {
	var bits pte

	switch attr.Cache {
	case CacheNormal:
		bits |= 0 << ptyCacheShift
	case CacheStronglyOrdered:
		bits |= 1 << ptyCacheShift
	case CacheDevice:
		bits |= 2 << ptyCacheShift
	default:
		// spec.md §9 Open Question: the original's default branch asserts a
		// condition that is always true (DEBUG_ASSERT(1)), almost certainly
		// meant to be DEBUG_ASSERT(0). Implemented here as the intended
		// "assertion fires on an unrecognized cache flag, then return an
		// error" — not an unconditional error with no assertion.
		archdebug.Assert(false, "archmmu: unrecognized cache mode %d", attr.Cache)
		return 0, fmt.Errorf("archmmu: unrecognized cache mode %d: %w", attr.Cache, status.ErrInvalidArgs)
	}

	if attr.PermUser {
		bits |= ptyUserBit
	}
	if attr.PermRO {
		bits |= ptyROBit
	}

	if attr.PermNoExecute {
		bits |= ptyUXNBit | ptyPXNBit
	} else if attr.PermUser {
		// User pages are PXN: the privileged mode may not execute them.
		bits |= ptyPXNBit
	} else {
		// Privileged pages are UXN: unprivileged mode may not execute them.
		bits |= ptyUXNBit
	}

	if attr.NonSecure {
		bits |= ptyNSBit
	}

	return bits, nil
}
