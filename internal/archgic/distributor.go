package archgic

import "fmt"

// Distributor drives the global GIC distributor: vector routing and the
// one-time group enable, per spec.md §4.4 step 1 (`gic_init`). Boot-time
// bring-up is performed by exactly one CPU (spec.md §5); Distributor itself
// holds no lock, relying on that external serialization.
type Distributor struct {
	Regs  RegisterFile
	Group Group
}

// Init disables all groups, clears every enable and pending bit across the
// full SPI range, routes every SPI to "any core", then re-enables the
// configured group. Every control-register write spins on the
// Register-Write-Pending bit before returning, per spec.md §4.4.
func (d *Distributor) Init() error {
	if err := d.writeCtlr(0); err != nil {
		return fmt.Errorf("archgic: distributor disable: %w", err)
	}

	for w := 0; w < numWords; w++ {
		off := uint32(w) * 4
		d.Regs.WriteReg(gicdIcenabler+off, 0xFFFF_FFFF)
		d.Regs.WriteReg(gicdIcpendr+off, 0xFFFF_FFFF)
	}

	for vector := 32; vector < numVectors; vector++ {
		off := uint32(vector) * 8
		d.Regs.WriteReg(gicdIrouter+off, anyCoreRoute)
		d.Regs.WriteReg(gicdIrouter+off+4, 0)
	}

	if err := d.writeCtlr(groupEnableBits(d.Group)); err != nil {
		return fmt.Errorf("archgic: distributor group enable: %w", err)
	}
	return nil
}

// writeCtlr writes GICD_CTLR and spins until the hardware acknowledges the
// write (RWP clear).
func (d *Distributor) writeCtlr(value uint32) error {
	d.Regs.WriteReg(gicdCtlr, value)
	return spinUntilClear(d.Regs, gicdCtlr, gicdCtlrRWP)
}

// setVectorGroup writes a vector's GROUP and GROUP_MOD bit in the
// distributor's bit-array registers. Used for vectors >= 32 (SPIs); private
// vectors (< 32) live in the per-CPU redistributor instead.
func (d *Distributor) setVectorGroup(vector int, g Group) {
	writeVectorGroupBits(d.Regs, gicdIgroupr, gicdIgrpmodr, vector, g)
}

// groupEnableBits returns the GICD_CTLR enable bits for the one group this
// build is configured with — bit 0 enables Group 0, bit 1 enables Group 1
// (Secure when GroupMod is unset, Non-secure when set). Spec.md §4.4:
// "enabling the group once is enough."
func groupEnableBits(g Group) uint32 {
	if !g.Group1 {
		return 1 << 0
	}
	return 1 << 1
}

// writeVectorGroupBits sets or clears one vector's bit in a GROUP and a
// GROUP_MOD bit-array register, shared by the distributor (SPIs) and
// redistributor (private vectors) paths.
func writeVectorGroupBits(rf RegisterFile, groupBase, groupModBase uint32, vector int, g Group) {
	word := uint32(vector/32) * 4
	bit := uint32(vector % 32)
	mask := uint32(1) << bit

	group := rf.ReadReg(groupBase + word)
	if g.Group1 {
		group |= mask
	} else {
		group &^= mask
	}
	rf.WriteReg(groupBase+word, group)

	mod := rf.ReadReg(groupModBase + word)
	if g.GroupMod {
		mod |= mask
	} else {
		mod &^= mask
	}
	rf.WriteReg(groupModBase+word, mod)
}
