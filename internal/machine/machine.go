// Package machine is the small demonstration harness archcore ships
// alongside the library proper: it wires archprim, archthread, archmmu and
// archgic together into one runnable system backed by a simulated physical
// arena, the same way the teacher's own CPU/MMU/GIC emulators are driven
// end-to-end by a single virtualMachine/vm type rather than exercised in
// isolation (internal/hv/hvf/hvf.go's virtualMachine, internal/hv/kvm/kvm.go's
// vm). Nothing outside this package constructs a Machine directly; the root
// archcore package calls into it.
package machine

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/archcore/internal/archdebug"
	"github.com/tinyrange/archcore/internal/archgic"
	"github.com/tinyrange/archcore/internal/archmmu"
	"github.com/tinyrange/archcore/internal/archprim"
	"github.com/tinyrange/archcore/internal/archthread"
	"github.com/tinyrange/archcore/internal/physmem"
	"github.com/tinyrange/archcore/internal/status"
)

// Config bundles everything a boot sequence would otherwise derive from
// platform firmware: the CPU family, the simulated RAM geometry, the fixed
// kernel virtual window, and the GIC wiring for this system.
type Config struct {
	Arch archprim.Arch

	NumCPUs func() int // returns the calling goroutine's simulated CPU number; NumCPUs(1) callers may pass nil

	ArenaBase uint64
	ArenaSize uint64

	KernelBase uint64
	KernelSize uint64

	// StaticMappings is the kernel's bootstrap mapping table, walked into
	// the kernel top-level table at construction time, before Init or any
	// other caller can reach the MMU engine. See archmmu.StaticMapping.
	StaticMappings []archmmu.StaticMapping

	// BootStackSize is the size of each CPU's initial-thread stack; the
	// default (0) is replaced with a conservative 16 KiB, matching spec.md
	// §4.2's ARCH_DEFAULT_STACK_SIZE per-CPU bootstrap.
	BootStackSize int

	Dist      *archgic.Distributor
	Redists   []*archgic.Redistributor
	CPUIfaces []archgic.CPUInterface

	GICOptions archgic.Options
}

const defaultBootStackSize = 16 << 10

// Machine is one assembled system: CPUs, the MMU engine over a simulated
// arena, and the interrupt controller, plus the per-CPU thread state
// ArchChainLoad/ArchSetUserTLS operate against.
type Machine struct {
	cfg   Config
	Arena *physmem.Arena
	CPUs  *archprim.Machine
	MMU   *archmmu.Engine
	GIC   *archgic.Controller

	kernel     *archmmu.AddressSpace
	bootStacks [][]byte
	quiesced   bool
}

// New assembles a Machine: reserves the simulated arena, builds the MMU
// engine's static kernel table over it, and (if GIC wiring was supplied)
// constructs the Controller. It does not run any bring-up sequence — that
// is ArchEarlyInit/ArchInit's job, matching spec.md §6's three-phase boot
// split.
func New(cfg Config) (*Machine, error) {
	numCPUs := len(cfg.Redists)
	if numCPUs == 0 {
		numCPUs = 1
	}
	cpuID := cfg.NumCPUs
	if cpuID == nil {
		cpuID = func() int { return 0 }
	}

	arena, err := physmem.NewArena(cfg.ArenaBase, cfg.ArenaSize)
	if err != nil {
		return nil, fmt.Errorf("machine: reserve arena: %w", err)
	}

	mmuCfg := archmmu.ARM64Config
	if cfg.Arch == archprim.ArchX86 {
		mmuCfg = archmmu.X86Config
	}

	frames := physmem.NewBumpFrameAllocator(arena, mmuCfg.PageSize())
	heap := physmem.NewAlignedHeapAllocator(frames)
	tlb := archmmu.NopTLB{}
	asid := archmmu.NewStaticASIDManager(1)

	mmu, err := archmmu.NewEngine(mmuCfg, arena, frames, heap, tlb, asid, cfg.KernelBase, cfg.KernelSize, cfg.StaticMappings...)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("machine: build mmu engine: %w", err)
	}

	var gic *archgic.Controller
	if cfg.Dist != nil {
		gic, err = archgic.NewController(cfg.Dist, cfg.Redists, cfg.CPUIfaces)
		if err != nil {
			arena.Close()
			return nil, fmt.Errorf("machine: build gic controller: %w", err)
		}
	}

	stackSize := cfg.BootStackSize
	if stackSize == 0 {
		stackSize = defaultBootStackSize
	}
	bootStacks, err := archthread.BootStacks(numCPUs, stackSize)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("machine: reserve boot stacks: %w", err)
	}

	m := &Machine{
		cfg:        cfg,
		Arena:      arena,
		CPUs:       archprim.NewMachine(cfg.Arch, numCPUs, cpuID),
		MMU:        mmu,
		GIC:        gic,
		kernel:     mmu.KernelAddressSpace(),
		bootStacks: bootStacks,
	}
	return m, nil
}

// Kernel returns the single, never-freed kernel address space.
func (m *Machine) Kernel() *archmmu.AddressSpace { return m.kernel }

// EarlyInit implements arch_early_init (spec.md §6): the first boot phase,
// run before any other subsystem and before interrupts are usable. Nothing
// in this core needs early-phase setup beyond confirming the kernel aspace
// exists, so EarlyInit only logs; real platforms use this phase for the
// things that must happen before the MMU or GIC can be touched at all.
func (m *Machine) EarlyInit() error {
	slog.Info("machine: early init", "arch", m.cfg.Arch, "cpus", m.CPUs.NumCPUs())
	return nil
}

// Init implements arch_init (spec.md §6): brings up the interrupt
// controller (distributor once, then redistributor and CPU interface per
// CPU) if one was wired in. A Machine built without GIC wiring (GICOptions
// left zero and Dist nil) treats Init as a no-op beyond logging, matching a
// platform with no GIC-family controller in scope.
func (m *Machine) Init() error {
	if m.GIC != nil {
		if err := m.GIC.Init(m.cfg.GICOptions); err != nil {
			return fmt.Errorf("machine: init: %w", err)
		}
	}
	slog.Info("machine: init complete")
	return nil
}

// Quiesce implements arch_quiesce (spec.md §6): the last hook before a
// controlled shutdown or kexec-style handoff. It is idempotent and marks
// the Machine so a later ChainLoad can assert it was called first.
func (m *Machine) Quiesce() error {
	m.quiesced = true
	slog.Info("machine: quiesced")
	return nil
}

// ChainLoadFunc is the platform hook ChainLoad transfers control through: a
// real arch_chain_load never returns to its caller because it loads a new
// image and jumps to entry with a0..a3 in the architecture's calling
// convention; this simulation models "never returns" the same way
// archthread.ContextSwitch's first-run path does, by blocking in the call
// until the hook itself decides to end the process (e.g. os.Exit), rather
// than returning control to ChainLoad's caller.
type ChainLoadFunc func(entry, a0, a1, a2, a3 uint64)

// ChainLoad implements arch_chain_load (spec.md §6): hands off to another
// image. Non-returning — ChainLoad asserts Quiesce ran first (a real
// handoff requires the arch layer to have already torn down interrupts and
// per-CPU state) and then invokes hook, which by contract never returns.
func (m *Machine) ChainLoad(hook ChainLoadFunc, entry, a0, a1, a2, a3 uint64) {
	archdebug.Assert(m.quiesced, "machine: ChainLoad called before Quiesce")
	hook(entry, a0, a1, a2, a3)
	panic("machine: ChainLoad hook returned, violating its non-returning contract")
}

// EnterUspaceFlag32Bit selects 32-bit execution state on a family that
// supports both, per spec.md §6's ENTER_USPACE_FLAG_32BIT (bit 0).
const EnterUspaceFlag32Bit = 1 << 0

// EnterUspace implements arch_enter_uspace (spec.md §6/§9): user-mode entry
// is a planned, not-yet-committed surface on both families in scope here —
// the x86 side of the original is stubbed outright and the 64-bit side's
// eret sequence is commented out rather than implemented, so this returns
// ErrNotImplemented uniformly instead of reproducing a speculative path.
func (m *Machine) EnterUspace(entry, ustackTop, shadowStackBase, flags, arg0 uint64) error {
	return fmt.Errorf("machine: enter_uspace: %w", status.ErrNotImplemented)
}

// SetUserTLS implements arch_set_user_tls (spec.md §6): updates the calling
// CPU's current thread's TLS base. It requires a current thread to have
// been recorded on this CPU (see SetCurrentThread); that thread's
// State.TLSBase and Frame.TLS are what SetUserTLS writes through to. Calling
// it with no current thread is a programmer error.
func (m *Machine) SetUserTLS(tlsPtr uint64) error {
	t := m.CPUs.GetCurrentThread()
	state, ok := t.(*archthread.State)
	if !ok || state == nil {
		archdebug.Assert(false, "machine: SetUserTLS called with no current thread on this CPU")
		return fmt.Errorf("machine: set_user_tls: %w", status.ErrInvalidArgs)
	}
	state.TLSBase = tlsPtr
	if state.Frame != nil {
		state.Frame.TLS = tlsPtr
	}
	return nil
}

// BootInitialThread constructs cpu's initial thread on its reserved boot
// stack, matching spec.md §4.2's per-CPU initial-thread bootstrap. It does
// not install the thread as current — per spec.md §5, the current-thread
// cell is only ever written by its owning CPU, so the caller running as
// cpu must call SetCurrentThread itself before the first ContextSwitch.
func (m *Machine) BootInitialThread(cpu int, scheduler archthread.Scheduler, entry archthread.EntryFunc, arg uintptr) (*archthread.State, error) {
	if cpu < 0 || cpu >= len(m.bootStacks) {
		return nil, fmt.Errorf("machine: boot_initial_thread: cpu %d out of range [0,%d): %w", cpu, len(m.bootStacks), status.ErrOutOfRange)
	}
	return archthread.Initialize(m.bootStacks[cpu], scheduler, entry, arg), nil
}

// SetCurrentThread records t as the calling CPU's current thread, so a
// later SetUserTLS call (or a real context switch) has something to act on.
// Exposed for the harness/tests driving a Machine directly, and for the
// caller of archthread.ContextSwitch, which must record the incoming thread
// before the switch (ContextSwitch does not set it).
func (m *Machine) SetCurrentThread(t *archthread.State) {
	m.CPUs.SetCurrentThread(t)
}

// Close releases the Machine's simulated arena.
func (m *Machine) Close() error {
	return m.Arena.Close()
}
