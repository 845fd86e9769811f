package archprim

import (
	"sync/atomic"
	"time"
)

// Thread is the minimal view archprim needs of a kernel thread: enough to
// hold a per-CPU "current thread" pointer. archthread.State embeds this
// indirectly by satisfying the interface, keeping archprim free of a
// dependency on archthread.
type Thread interface{}

// Machine is a fixed-size collection of simulated CPUs. Real firmware wires
// CurrCPUNum to an architectural register (MPIDR_EL1, the LAPIC ID, ...);
// Machine models that register file as an explicit array, per spec.md §9's
// design note that the current-thread cell is "naturally modeled as a
// CPU-register-backed cell... written only by the owning CPU."
type Machine struct {
	arch    Arch
	current []atomic.Pointer[Thread]
	masks   []*CPUMask
	cycle   []atomic.Uint32
	cpuID   func() int // returns the calling goroutine's simulated CPU number
}

// NewMachine builds a Machine with numCPUs simulated hardware threads. cpuID
// resolves "which CPU is this" for the calling goroutine; production code
// supplies a real per-CPU binding, tests supply a fixed or round-robin stub.
func NewMachine(arch Arch, numCPUs int, cpuID func() int) *Machine {
	m := &Machine{
		arch:    arch,
		current: make([]atomic.Pointer[Thread], numCPUs),
		masks:   make([]*CPUMask, numCPUs),
		cycle:   make([]atomic.Uint32, numCPUs),
		cpuID:   cpuID,
	}
	for i := range m.masks {
		m.masks[i] = NewCPUMask(arch)
	}
	return m
}

// NumCPUs returns the number of simulated hardware threads.
func (m *Machine) NumCPUs() int { return len(m.masks) }

// CurrCPUNum returns 0 on a single-CPU Machine (spec.md §4.1: "returns 0 on
// UP"); on SMP it delegates to the id function supplied at construction,
// modeling a read of an architectural CPU-id register.
func (m *Machine) CurrCPUNum() int {
	if len(m.masks) == 1 {
		return 0
	}
	return m.cpuID()
}

// Mask returns the interrupt mask for the calling CPU.
func (m *Machine) Mask() *CPUMask { return m.masks[m.CurrCPUNum()] }

// GetCurrentThread returns the thread the calling CPU is currently running,
// or nil before the first context switch on that CPU.
func (m *Machine) GetCurrentThread() Thread {
	p := m.current[m.CurrCPUNum()].Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetCurrentThread updates the calling CPU's current-thread cell. Only the
// owning CPU ever calls this (spec.md §5: per-CPU data is only mutated by
// its owning CPU); the caller of archthread.ContextSwitch calls it before the
// switch, matching the real contract that current_thread is already set to
// new when arch_context_switch is entered.
func (m *Machine) SetCurrentThread(t Thread) {
	m.current[m.CurrCPUNum()].Store(&t)
}

// CycleCount returns a monotonic per-CPU cycle sample. Architectures without
// a cycle counter report zero (spec.md §4.1); this Machine always supports
// one, seeded from wall-clock time so tests observe monotonic progress
// without depending on a real counter register.
func (m *Machine) CycleCount() uint32 {
	c := &m.cycle[m.CurrCPUNum()]
	now := uint32(time.Now().UnixNano())
	for {
		old := c.Load()
		if now <= old {
			return old
		}
		if c.CompareAndSwap(old, now) {
			return now
		}
	}
}
