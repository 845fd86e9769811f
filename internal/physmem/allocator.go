package physmem

import (
	"fmt"
	"sync"
)

// FrameAllocator allocates whole physical pages, including multi-page runs
// for translation tables wider than one host page. archmmu depends on this
// interface rather than a concrete allocator: the real pmm_alloc_contiguous
// lives outside this core (spec.md §1), so production kernels inject their
// own implementation. BumpFrameAllocator below is the fake used by tests
// and the demo harness.
type FrameAllocator interface {
	AllocFrame() (paddr uint64, err error)
	FreeFrame(paddr uint64)
	// AllocPages allocates n contiguous pages, used for tables whose byte
	// size spans more than one host page (e.g. a 1024-entry, 8-byte-PTE
	// table is two 4 KiB pages).
	AllocPages(n int) (paddr uint64, err error)
	FreePages(paddr uint64, n int)
}

// HeapAllocator allocates naturally aligned sub-page blocks, standing in for
// the kernel heap's memalign/free (also named out of scope in spec.md §1) —
// used for top-level aspace tables.
type HeapAllocator interface {
	AllocAligned(size, align uint64) (paddr uint64, err error)
	Free(paddr uint64)
}

// BumpFrameAllocator hands out pages from an Arena in order. Single-page
// frees go onto a LIFO free list and are reused by later single-page
// allocations; multi-page frees are not tracked for address reuse (a real
// bump allocator has no general-purpose coalescer either), but still leave
// the live count, so LiveFrames reports accurately regardless of request
// size. It exists purely so archmmu's tests (round-trip, no-leak frame
// count, failure-atomicity with a fail-at-k-th-call variant) can run without
// a real physical memory manager.
type BumpFrameAllocator struct {
	mu        sync.Mutex
	arena     *Arena
	pageSize  uint64
	next      uint64   // next never-yet-handed-out offset from arena base
	free      []uint64 // single-page addresses available for reuse
	liveBytes uint64
	failAfter int // if >0, the failAfter'th alloc call fails; 0 disables
	calls     int
}

// NewBumpFrameAllocator creates an allocator over arena, handing out
// pageSize-aligned frames.
func NewBumpFrameAllocator(arena *Arena, pageSize uint64) *BumpFrameAllocator {
	return &BumpFrameAllocator{arena: arena, pageSize: pageSize}
}

// FailAtCall makes the n-th call to AllocFrame/AllocPages (1-indexed) return
// ERR_NO_MEMORY, used by the failure-atomicity property test in
// internal/archmmu to inject allocator failure at the k-th internal
// allocation of a map call.
func (b *BumpFrameAllocator) FailAtCall(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAfter = n
	b.calls = 0
}

func (b *BumpFrameAllocator) AllocFrame() (uint64, error) {
	return b.AllocPages(1)
}

func (b *BumpFrameAllocator) AllocPages(n int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.failAfter > 0 && b.calls == b.failAfter {
		return 0, fmt.Errorf("physmem: simulated allocator exhaustion at call %d", b.calls)
	}

	if n == 1 {
		if ln := len(b.free); ln > 0 {
			paddr := b.free[ln-1]
			b.free = b.free[:ln-1]
			b.liveBytes += b.pageSize
			return paddr, nil
		}
	}

	need := uint64(n) * b.pageSize
	if b.next+need > b.arena.Size() {
		return 0, fmt.Errorf("physmem: arena exhausted")
	}
	paddr := b.arena.Base() + b.next
	b.next += need
	b.liveBytes += need
	return paddr, nil
}

func (b *BumpFrameAllocator) FreeFrame(paddr uint64) {
	b.FreePages(paddr, 1)
}

func (b *BumpFrameAllocator) FreePages(paddr uint64, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == 1 {
		b.free = append(b.free, paddr)
	}
	b.liveBytes -= uint64(n) * b.pageSize
}

// LiveFrames reports the number of pages currently handed out and not
// freed, used directly by the "no leaks" testable property.
func (b *BumpFrameAllocator) LiveFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.liveBytes / b.pageSize)
}

// AlignedHeapAllocator implements HeapAllocator on top of a
// BumpFrameAllocator, rounding every request up to whole pages — adequate
// for the top-level aspace tables archmmu allocates in this simulation,
// some of which (e.g. a 1024-entry, 8-byte-PTE table) span more than one
// host page. Every block is page-aligned; the align argument is not
// consulted, so an alignment larger than one page is not guaranteed.
type AlignedHeapAllocator struct {
	mu     sync.Mutex
	frames *BumpFrameAllocator
	pages  map[uint64]int // paddr -> page count, so Free can size the release
}

func NewAlignedHeapAllocator(frames *BumpFrameAllocator) *AlignedHeapAllocator {
	return &AlignedHeapAllocator{frames: frames, pages: make(map[uint64]int)}
}

func (h *AlignedHeapAllocator) AllocAligned(size, align uint64) (uint64, error) {
	pages := int((size + h.frames.pageSize - 1) / h.frames.pageSize)
	if pages < 1 {
		pages = 1
	}
	paddr, err := h.frames.AllocPages(pages)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.pages[paddr] = pages
	h.mu.Unlock()
	return paddr, nil
}

func (h *AlignedHeapAllocator) Free(paddr uint64) {
	h.mu.Lock()
	pages := h.pages[paddr]
	delete(h.pages, paddr)
	h.mu.Unlock()
	if pages == 0 {
		pages = 1
	}
	h.frames.FreePages(paddr, pages)
}
