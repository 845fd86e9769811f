// Package archcore is a CPU architecture core for a small hobby kernel:
// thread context switching, the MMU page-table engine, a GIC-family
// interrupt controller driver, and the handful of architectural primitives
// (atomics, barriers, interrupt masking) those layers are built from. It
// covers the two CPU families lib/arch ports traditionally target — a
// 64-bit arch with four-level translation and a 32-bit protected-mode
// variant with two — behind the same Engine, Controller and Machine types.
//
// The bulk of the implementation lives in internal/archprim, internal/
// archthread, internal/archmmu, internal/archgic and internal/archio; this
// file is the thin root surface a platform boot sequence calls into,
// mirroring the single exported entry point style of this module's own
// root package.
package archcore

import (
	"fmt"
	"sync"

	"github.com/tinyrange/archcore/internal/archdebug"
	"github.com/tinyrange/archcore/internal/machine"
	"github.com/tinyrange/archcore/internal/status"
)

// Config is re-exported so callers assembling a system never need to import
// internal/machine directly.
type Config = machine.Config

// ChainLoadFunc is the platform hook ArchChainLoad transfers control
// through; see machine.ChainLoadFunc.
type ChainLoadFunc = machine.ChainLoadFunc

// EnterUspaceFlag32Bit selects 32-bit execution state on a family that
// supports both, per the ENTER_USPACE_FLAG_32BIT bit this core's
// arch_enter_uspace recognizes (stubbed — see ArchEnterUspace).
const EnterUspaceFlag32Bit = machine.EnterUspaceFlag32Bit

var (
	mu      sync.Mutex
	current *machine.Machine
)

// New assembles a Machine from cfg without making it the process-wide arch
// layer. Most callers want Init, below, which does both.
func New(cfg Config) (*machine.Machine, error) {
	return machine.New(cfg)
}

// Init assembles a Machine from cfg and installs it as the process-wide
// arch layer the ArchXxx functions below operate against, mirroring the
// original C API's implicit single "the arch layer" a kernel has exactly
// one of. It does not run ArchEarlyInit/ArchInit itself — callers still
// drive the three-phase boot sequence explicitly.
func Init(cfg Config) (*machine.Machine, error) {
	m, err := machine.New(cfg)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	current = m
	mu.Unlock()
	return m, nil
}

func activeMachine() (*machine.Machine, error) {
	mu.Lock()
	m := current
	mu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("archcore: no Machine installed; call Init first: %w", status.ErrInvalidArgs)
	}
	return m, nil
}

// SetDebug enables or disables debug-build assertions process-wide. Leave
// it false in production builds, matching internal/archdebug.Enabled's
// default.
func SetDebug(enabled bool) { archdebug.Enabled = enabled }

// Assert panics with a formatted message if cond is false and SetDebug(true)
// was called, the same fail-loud-in-debug-builds-only discipline every
// internal package uses at the point a programmer error is detected.
func Assert(cond bool, format string, args ...any) {
	archdebug.Assert(cond, format, args...)
}

// ArchEarlyInit is the first of the three boot-phase hooks: run before any
// other subsystem and before interrupts are usable.
func ArchEarlyInit() error {
	m, err := activeMachine()
	if err != nil {
		return err
	}
	return m.EarlyInit()
}

// ArchInit is the second boot-phase hook: brings up the interrupt
// controller (if one was wired into the active Machine's Config).
func ArchInit() error {
	m, err := activeMachine()
	if err != nil {
		return err
	}
	return m.Init()
}

// ArchQuiesce is the last hook before a controlled shutdown or chain-load
// handoff.
func ArchQuiesce() error {
	m, err := activeMachine()
	if err != nil {
		return err
	}
	return m.Quiesce()
}

// ArchChainLoad hands off to another image via hook. Non-returning: it
// asserts ArchQuiesce already ran, invokes hook, and panics if hook itself
// ever returns, since a real chain-load never returns control to its
// caller.
func ArchChainLoad(hook ChainLoadFunc, entry, a0, a1, a2, a3 uint64) {
	m, err := activeMachine()
	if err != nil {
		panic(err)
	}
	m.ChainLoad(hook, entry, a0, a1, a2, a3)
}

// ArchEnterUspace is a planned, not-yet-committed surface on both families
// this core targets — it always returns status.ErrNotImplemented. Do not
// rely on its current behavior; see DESIGN.md for the decision record.
func ArchEnterUspace(entry, ustackTop, shadowStackBase, flags, arg0 uint64) error {
	m, err := activeMachine()
	if err != nil {
		return err
	}
	return m.EnterUspace(entry, ustackTop, shadowStackBase, flags, arg0)
}

// ArchSetUserTLS updates the calling CPU's current thread's TLS base and
// writes it through to the thread's saved context-switch frame.
func ArchSetUserTLS(tlsPtr uint64) error {
	m, err := activeMachine()
	if err != nil {
		return err
	}
	return m.SetUserTLS(tlsPtr)
}
