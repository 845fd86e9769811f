// Package archthread implements the thread-context primitives spec.md §4.2
// describes: the context-switch frame, initial-thread bootstrap, and the
// context-switch operation itself, plus the first-run trampoline.
//
// A real kernel arch layer retargets the CPU's live stack pointer inside
// arch_context_switch; a Go process cannot do that to its own goroutine
// stack. archthread therefore models the switch the same way the teacher
// models an entire CPU it cannot run on real hardware (internal/hv/riscv/rv64
// never executes on a physical RV64 core either): Frame and State are the
// same data a real switch routine would save/restore. There is no live
// register set to copy, so ContextSwitch leaves both threads' Frames as they
// are; what it does exercise is the interrupts-disabled precondition, the
// first-run trampoline path and the scheduler-lock transfer.
package archthread

import (
	"fmt"

	"github.com/tinyrange/archcore/internal/archdebug"
	"github.com/tinyrange/archcore/internal/archprim"
)

// numCalleeSaved is the fixed set of callee-saved integer registers a
// context switch preserves, sized generously enough to cover both families
// in spec.md §1 (x86's 6 callee-saved GPRs, arm64's x19-x30 plus frame
// pointer). Unused slots on the narrower family are simply left zero.
const numCalleeSaved = 14

// Frame is the context-switch frame spec.md §3 describes: a fixed layout
// placed at the top of a freshly constructed kernel stack, holding every
// callee-saved register, the TLS register if the architecture exposes one,
// and a return-address slot. A real Frame lives in raw stack memory with a
// hardware-dictated field order; here it is a plain struct because nothing
// in this simulation reads it via a raw pointer cast.
type Frame struct {
	Regs       [numCalleeSaved]uint64
	TLS        uint64
	ReturnAddr uintptr // pre-populated to trampolineAddr, the trampoline sentinel
}

// EntryFunc is a kernel thread's entry point, invoked by the first-run
// trampoline with its argument.
type EntryFunc func(arg uintptr)

// Scheduler is the external collaborator archthread needs to complete the
// lock-transfer discipline spec.md §5 describes: the scheduler lock is
// entered by the outgoing thread and released by the incoming one. The
// generic scheduler itself is out of scope (spec.md §1); this interface is
// the seam archthread calls through.
type Scheduler interface {
	ReleaseLock()
	ThreadExit(arg uintptr, retval uintptr)
}

// State is a thread's archstate (spec.md §3): the saved stack pointer
// (modeled as a *Frame rather than a raw address, since there is no real
// stack to point into), TLS base, and an optional FPU save area.
type State struct {
	Frame   *Frame
	TLSBase uint64
	FPU     *FPUState

	entry     EntryFunc
	arg       uintptr
	scheduler Scheduler
	firstRun  bool
}

// FPUState is the optional vector/FPU save area spec.md §3 allows; presence
// is an architecture compile-time choice there, modeled here as a plain
// nilable field.
type FPUState struct {
	Regs [32]uint64
}

// Initialize constructs a context-switch frame for a brand-new thread,
// matching spec.md §4.2 step 1: all callee-saved registers zero, the
// return-address slot set to the trampoline, and State.Frame set to the
// frame base. The caller has already zeroed stack (unused here directly,
// since State does not hold a raw stack pointer in this simulation, but the
// parameter documents the contract: construction never allocates).
func Initialize(stack []byte, scheduler Scheduler, entry EntryFunc, arg uintptr) *State {
	archdebug.Assert(len(stack) > 0, "archthread: Initialize requires a non-empty stack region")

	return &State{
		Frame:     &Frame{ReturnAddr: trampolineAddr},
		scheduler: scheduler,
		entry:     entry,
		arg:       arg,
		firstRun:  true,
	}
}

// trampolineAddr is a sentinel standing in for the address of
// initial_thread_func; nothing in this simulation ever executes raw machine
// code at this address; ContextSwitch detects the first-run case via
// State.firstRun instead of dereferencing it, exactly as the comparison
// exists only to document the real contract.
const trampolineAddr uintptr = 1

// ContextSwitch transfers execution from old to new, as spec.md §4.2 step 2.
// The caller must already hold the scheduler lock and have disabled
// interrupts, and must already have called mach.SetCurrentThread(new)
// before calling this — ContextSwitch asserts the one precondition it can
// observe, that interrupts are disabled.
//
// On a freshly initialized new thread, the switch takes the "first run"
// path (spec.md §4.2 step 3): it releases the scheduler lock, re-enables
// interrupts, and invokes the entry function, then reports thread exit
// through the Scheduler collaborator — it never "returns" to ContextSwitch's
// caller on that path, matching the real trampoline's non-returning
// contract, modeled here as ContextSwitch itself not returning until the
// entry function does.
func ContextSwitch(mask *archprim.CPUMask, old, new *State) {
	archdebug.Assert(mask.IntsDisabled(), "archthread: ContextSwitch entered with interrupts enabled")

	// Save old's callee-saved state into its frame. There is nothing live
	// to copy out of Go's own call stack, so this models the save as a
	// no-op against old.Frame, which already holds the last values written
	// the prior time this thread was switched out.
	_ = old

	if new.firstRun {
		new.firstRun = false
		new.scheduler.ReleaseLock()
		mask.EnableInts()
		new.entry(new.arg)
		new.scheduler.ThreadExit(new.arg, 0)
		return
	}

	// Resumed thread: as with the save above, there is no live register set
	// to restore, so new.Frame is left as it is and control returns to the
	// caller of the switch. The scheduler lock was entered by the thread
	// that is now being descheduled and is released here by returning into
	// scheduler code, per spec.md §5's lock-transfer discipline.
}

// BootStacks slices a reserved static exception/abort stack region into
// numCPUs equal slices, matching spec.md §4.2's "Initial-thread-per-CPU
// bootstrap": a reserved static stack of size ARCH_DEFAULT_STACK_SIZE *
// NUM_CPUS sliced per CPU. Grounded on the teacher's per-CPU state sizing
// pattern in internal/hv/hvf/hvf_gic_emulation_darwin_arm64.go
// (redistWaker := make([]uint32, cpuCount)), generalized from GIC
// per-CPU register state to per-CPU stack memory.
func BootStacks(numCPUs int, stackSize int) ([][]byte, error) {
	if numCPUs <= 0 || stackSize <= 0 {
		return nil, fmt.Errorf("archthread: BootStacks requires positive numCPUs and stackSize")
	}
	region := make([]byte, numCPUs*stackSize)
	stacks := make([][]byte, numCPUs)
	for i := 0; i < numCPUs; i++ {
		stacks[i] = region[i*stackSize : (i+1)*stackSize]
	}
	return stacks, nil
}
