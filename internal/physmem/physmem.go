// Package physmem models the physical address space archmmu's page-table
// tree is built on top of. It is deliberately small: spec.md §1 names the
// real physical memory manager (pmm_alloc_contiguous/pmm_free_page) and
// kernel heap (memalign/free) as external collaborators, not part of this
// core. What lives here is the minimum a kernel arch core needs to be
// testable without real hardware: a flat byte arena standing in for RAM,
// backed by an anonymous mmap exactly the way the teacher's KVM/HVF
// backends allocate guest RAM (internal/hv/kvm/kvm.go: AllocateMemory).
package physmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Arena is a contiguous span of simulated physical memory. Frame allocators
// (FrameAllocator, HeapAllocator) carve pages and sub-page blocks out of it;
// archmmu obtains table memory through those interfaces and reads, writes
// and zeroes it through Arena.Slice and Arena.ZeroFill.
type Arena struct {
	mu   sync.Mutex
	base uint64 // simulated physical base address
	mem  []byte
}

// NewArena reserves size bytes of anonymous memory to back a simulated
// physical address range starting at base. size must be page-aligned.
func NewArena(base, size uint64) (*Arena, error) {
	if size == 0 || size%uint64(unix.Getpagesize()) != 0 {
		return nil, fmt.Errorf("physmem: size %d is not a multiple of the host page size", size)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
	}

	return &Arena{base: base, mem: mem}, nil
}

// Close releases the backing mapping. An Arena must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Base returns the simulated physical base address of the arena.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena's length in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// Contains reports whether [paddr, paddr+size) lies entirely within the arena.
func (a *Arena) Contains(paddr, size uint64) bool {
	if size == 0 {
		return paddr >= a.base && paddr <= a.base+a.Size()
	}
	end := paddr + size
	return paddr >= a.base && end > paddr && end <= a.base+a.Size()
}

// Slice returns the byte range [paddr, paddr+size) as a live view into the
// arena. The caller holds no lock across the returned slice; physmem trusts
// archmmu's own serialization discipline (spec.md §5: the engine does not
// lock internally).
func (a *Arena) Slice(paddr, size uint64) ([]byte, error) {
	if !a.Contains(paddr, size) {
		return nil, fmt.Errorf("physmem: range [%#x, %#x) outside arena [%#x, %#x)", paddr, paddr+size, a.base, a.base+a.Size())
	}
	off := paddr - a.base
	return a.mem[off : off+size], nil
}

// ZeroFill writes the invalid-descriptor pattern (all zero bits, which reads
// back as an invalid PTE in every descriptor encoding archmmu uses) across
// [paddr, paddr+size).
func (a *Arena) ZeroFill(paddr, size uint64) error {
	s, err := a.Slice(paddr, size)
	if err != nil {
		return err
	}
	clear(s)
	return nil
}
