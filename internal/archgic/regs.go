package archgic

// Distributor register offsets, grounded on
// internal/hv/hvf/hvf_gic_emulation_darwin_arm64.go's gicd* constants.
const (
	gicdCtlr      = 0x0000
	gicdIgroupr   = 0x0080
	gicdIsenabler = 0x0100
	gicdIcenabler = 0x0180
	gicdIspendr   = 0x0200
	gicdIcpendr   = 0x0280
	gicdIgrpmodr  = 0x0D00
	gicdIrouter   = 0x6000
)

// gicdCtlrRWP is the Register Write Pending bit spec.md §4.4 requires every
// distributor control write to spin on.
const gicdCtlrRWP = 1 << 31

// anyCoreRoute is the IROUTER value spec.md §4.4 requires for every SPI
// during distributor bring-up ("route every shared-peripheral vector to
// 'any core'").
const anyCoreRoute = 0x8000_0000

// Redistributor register offsets (SGI_base-relative, matching the teacher's
// gicr* constants but without its gicrSGIOffset bias — archgic addresses
// each redistributor's SGI_base block through its own RegisterFile, so the
// offsets are relative to that block directly).
const (
	gicrWaker     = 0x0014
	gicrIgroupr0  = 0x0080
	gicrIgrpmodr0 = 0x0D00
)

// gicrWaker bit positions, per spec.md §4.4's "clear the sleep bit, spin
// until the quiescent bit clears ... clear the children-asleep bit, spin
// until it clears," grounded on
// original_source/dev/interrupt/arm_gic/gic_v3.c's WAKER_SL_BIT/WAKER_PS_BIT/
// WAKER_CA_BIT/WAKER_QSC_BIT.
const (
	wakerSleep          = 1 << 0
	wakerProcessorSleep = 1 << 1
	wakerChildrenAsleep = 1 << 2
	wakerQuiescent      = 1 << 31
)
