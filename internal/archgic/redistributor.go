package archgic

import "fmt"

// CPUInterface abstracts the per-CPU ICC_* system registers (ICC_SRE_EL1,
// ICC_IGRPEN1_EL1, ICC_PMR_EL1). Unlike the distributor/redistributor these
// are reached through MSR/MRS, not MMIO, so they get their own seam rather
// than sharing RegisterFile.
type CPUInterface interface {
	EnableSystemRegisterAccess()
	EnableGroup(g Group)
	SetPriorityMask(mask uint8)
}

// Redistributor drives one CPU's private GIC state: the WAKER handshake
// and (on a GIC-600) the optional power-on/off sequence, per spec.md §4.4
// step 2 (`init_percpu`). Per-CPU state is only touched by its owning CPU
// (spec.md §5).
type Redistributor struct {
	Regs RegisterFile

	// PowerOn is the GIC-600 variant's optional power-on step, run after
	// the sleep exit and before the children-asleep clear. Nil on a
	// GIC-600 that is not present.
	PowerOn func() error
}

// InitPerCPU wakes this CPU's redistributor, mirroring
// original_source/dev/interrupt/arm_gic/gic_v3.c's gicv3_gicr_init: first
// gicv3_gicr_exit_sleep (clear the Sleep bit and spin for Quiescent to
// clear, but only if the redistributor was actually quiescent to begin
// with), then the optional power-on step, then gicv3_gicr_mark_awake
// (clear ProcessorSleep and spin for ChildrenAsleep to clear). Per-vector
// group bits are set separately via setVectorGroup through
// ConfigureIRQLocked — InitPerCPU only performs the wake handshake spec.md
// §4.4 describes.
func (r *Redistributor) InitPerCPU() error {
	if v := r.Regs.ReadReg(gicrWaker); v&wakerQuiescent != 0 {
		r.Regs.WriteReg(gicrWaker, v&^uint32(wakerSleep))
		if err := spinUntilClear(r.Regs, gicrWaker, wakerQuiescent); err != nil {
			return fmt.Errorf("archgic: redistributor exit sleep: %w", err)
		}
	}

	if r.PowerOn != nil {
		if err := r.PowerOn(); err != nil {
			return fmt.Errorf("archgic: redistributor power-on: %w", err)
		}
	}

	if v := r.Regs.ReadReg(gicrWaker); v&wakerChildrenAsleep != 0 {
		r.Regs.WriteReg(gicrWaker, v&^uint32(wakerProcessorSleep))
		if err := spinUntilClear(r.Regs, gicrWaker, wakerChildrenAsleep); err != nil {
			return fmt.Errorf("archgic: redistributor mark awake: %w", err)
		}
	}

	return nil
}

// PowerOff is the GIC-600 power-management counterpart to PowerOn: it has
// no internal caller anywhere in this package, mirroring the original
// gicv3_gicr_power_off export, which spec.md §9 names as inert code kept
// for an external caller that exists in only one configuration branch.
func (r *Redistributor) PowerOff() error {
	v := r.Regs.ReadReg(gicrWaker)
	r.Regs.WriteReg(gicrWaker, v|wakerProcessorSleep)
	return spinUntilSet(r.Regs, gicrWaker, wakerChildrenAsleep)
}

func (r *Redistributor) setVectorGroup(vector int, g Group) {
	writeVectorGroupBits(r.Regs, gicrIgroupr0, gicrIgrpmodr0, vector, g)
}
