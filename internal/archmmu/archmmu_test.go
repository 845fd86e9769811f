package archmmu

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tinyrange/archcore/internal/physmem"
	"github.com/tinyrange/archcore/internal/status"
)

// newTestEngine builds an Engine over a freshly mmap'd arena using the
// smaller X86Config (2 levels, two-page 8 KiB tables throughout), which keeps
// the fixtures below cheap while still exercising the full table/block/page
// descriptor walk.
func newTestEngine(t *testing.T) (*Engine, *physmem.Arena, *physmem.BumpFrameAllocator) {
	t.Helper()
	const arenaSize = 4 << 20 // 4 MiB of simulated RAM
	arena, err := physmem.NewArena(0x1000_0000, arenaSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	frames := physmem.NewBumpFrameAllocator(arena, X86Config.pageSize())
	heap := physmem.NewAlignedHeapAllocator(frames)

	e, err := NewEngine(X86Config, arena, frames, heap, &RecordingTLB{}, NewStaticASIDManager(1), 0xC000_0000, 0x4000_0000)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, arena, frames
}

func rwAttr() Attr { return Attr{Cache: CacheNormal} }

func TestMapQueryRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	const vaddr = 0x1000
	const paddr = 0x1000_2000
	if err := e.Map(aspace, vaddr, paddr, 1, rwAttr()); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, attr, err := e.Query(aspace, vaddr+0x123)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if want := paddr + 0x123; got != want {
		t.Errorf("Query paddr = %#x, want %#x", got, want)
	}
	if attr.Cache != CacheNormal {
		t.Errorf("Query attr.Cache = %v, want CacheNormal", attr.Cache)
	}
}

func TestUnmapIsIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	// Unmapping a region that was never mapped is a no-op, not an error.
	if err := e.Unmap(aspace, 0x5000, 4); err != nil {
		t.Fatalf("Unmap of never-mapped region returned error: %v", err)
	}

	if err := e.Map(aspace, 0x1000, 0x2000_0000, 1, rwAttr()); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := e.Unmap(aspace, 0x1000, 1); err != nil {
		t.Fatalf("first Unmap: %v", err)
	}
	// Second unmap over the same, now-invalid, range must also succeed.
	if err := e.Unmap(aspace, 0x1000, 1); err != nil {
		t.Fatalf("second Unmap (already invalid): %v", err)
	}

	if _, _, err := e.Query(aspace, 0x1000); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("Query after Unmap: err = %v, want ErrNotFound", err)
	}
}

func TestUnmapFreesChildTableNoLeaks(t *testing.T) {
	e, _, frames := newTestEngine(t)
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	before := frames.LiveFrames()

	if err := e.Map(aspace, 0x1000, 0x2000_0000, 1, rwAttr()); err != nil {
		t.Fatalf("Map: %v", err)
	}
	wantPages := X86Config.tablePages()
	if got := frames.LiveFrames(); got != before+wantPages {
		t.Fatalf("LiveFrames after Map = %d, want %d (one %d-page child table)", got, before+wantPages, wantPages)
	}

	if err := e.Unmap(aspace, 0x1000, 1); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := frames.LiveFrames(); got != before {
		t.Errorf("LiveFrames after Unmap = %d, want %d (child table freed back)", got, before)
	}
}

func TestMapFailureAtomicity(t *testing.T) {
	e, _, frames := newTestEngine(t)
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	before := frames.LiveFrames()

	// X86Config's top level covers a 4 MiB span per entry. A 2-page range
	// straddling a top-level boundary needs one child table per side, since
	// neither side's single page fills that side's whole 4 MiB span (and so
	// neither qualifies for a block descriptor). Fail the 2nd frame
	// allocator call (the far side's child table) so the map fails partway
	// through.
	const topSpan = uint64(1) << 22
	vaddr := topSpan - X86Config.pageSize()
	frames.FailAtCall(2)

	err = e.Map(aspace, vaddr, 0x2000_0000, 2, rwAttr())
	if err == nil {
		t.Fatalf("Map unexpectedly succeeded despite injected allocator failure")
	}

	if got := frames.LiveFrames(); got != before {
		t.Errorf("LiveFrames after failed Map = %d, want %d (full unwind)", got, before)
	}
	if _, _, qerr := e.Query(aspace, vaddr); !errors.Is(qerr, status.ErrNotFound) {
		t.Errorf("post-failure Query(near-side page): err = %v, want ErrNotFound (unwound)", qerr)
	}
	if _, _, qerr := e.Query(aspace, vaddr+X86Config.pageSize()); !errors.Is(qerr, status.ErrNotFound) {
		t.Errorf("post-failure Query(far-side page): err = %v, want ErrNotFound (unwound)", qerr)
	}
}

func TestMapWrapRefused(t *testing.T) {
	// wrapCheck is exercised directly: any aspace window realistic enough to
	// contain a near-max-uint64 vaddr would mask whether ErrOutOfRange came
	// from the window check or the overflow check, so the arithmetic
	// precondition itself is the unit under test here.
	err := wrapCheck(0xFFFF_FFFF_FFFF_F000, 0x2000)
	if !errors.Is(err, status.ErrOutOfRange) {
		t.Errorf("wrapCheck on an overflowing range: err = %v, want ErrOutOfRange", err)
	}

	if err := wrapCheck(0x1000, 0x2000); err != nil {
		t.Errorf("wrapCheck on a non-overflowing range: %v, want nil", err)
	}
}

func TestMapRejectsNonPageAlignedPaddr(t *testing.T) {
	e, _, _ := newTestEngine(t)
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	err = e.Map(aspace, 0x1000, 0x2000_0001, 1, rwAttr())
	if !errors.Is(err, status.ErrInvalidArgs) {
		t.Errorf("Map with misaligned paddr: err = %v, want ErrInvalidArgs", err)
	}
}

func TestMapInstallsBlockDescriptorAtMinBlockLevel(t *testing.T) {
	e, _, _ := newTestEngine(t)
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	// A whole top-level (level 0) span aligned on both sides installs a
	// single block descriptor instead of descending to a page table, since
	// X86Config.MinBlockLevel == 0.
	count := (uint64(1) << 22) / X86Config.pageSize() // one full top-level entry span
	if err := e.Map(aspace, 0, 0x2000_0000, count, rwAttr()); err != nil {
		t.Fatalf("Map: %v", err)
	}

	entry, err := e.readPTE(aspace.TTPhys, 0)
	if err != nil {
		t.Fatalf("readPTE: %v", err)
	}
	if entry.kind() != descBlock {
		t.Errorf("top-level entry kind = %v, want descBlock", entry.kind())
	}
}

func TestRecordingTLBInvalidatesOnUnmap(t *testing.T) {
	e, _, _ := newTestEngine(t)
	tlb := &RecordingTLB{}
	e.tlb = tlb
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	if err := e.Map(aspace, 0x1000, 0x2000_0000, 1, rwAttr()); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := e.Unmap(aspace, 0x1000, 1); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if len(tlb.VACalls) != 1 {
		t.Fatalf("VACalls = %d, want 1", len(tlb.VACalls))
	}
	if tlb.VACalls[0].VAddr != 0x1000 {
		t.Errorf("invalidated vaddr = %#x, want 0x1000", tlb.VACalls[0].VAddr)
	}
}

func TestASIDRecycleRaceFallsBackToFullFlush(t *testing.T) {
	e, _, _ := newTestEngine(t)
	tlb := &RecordingTLB{}
	e.tlb = tlb
	asidMgr := NewStaticASIDManager(7)
	e.asid = asidMgr

	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	var loaded uint16
	e.ContextSwitch(aspace, func(ttPhys uint64, asid uint16) { loaded = asid })
	if loaded != 7 {
		t.Fatalf("first ContextSwitch loaded asid %d, want 7", loaded)
	}
	if tlb.AllCalls != 0 {
		t.Fatalf("unexpected full flush on first ContextSwitch: %d", tlb.AllCalls)
	}

	asidMgr.Recycle(9)
	e.ContextSwitch(aspace, func(ttPhys uint64, asid uint16) { loaded = asid })
	if loaded != 9 {
		t.Errorf("ContextSwitch after recycle loaded asid %d, want 9", loaded)
	}
	if tlb.AllCalls != 1 {
		t.Errorf("AllCalls after ASID recycle race = %d, want 1", tlb.AllCalls)
	}
}

// TestConcurrentMapAndQueryObserveNoTornTables exercises the ordering
// allocChildTable's WMB establishes: a writer installs a run of one-page
// mappings, each landing in its own top-level entry and so each forcing a
// fresh child table allocation, while a reader goroutine concurrently walks
// the same aspace with Query. Query is only ever called against an aspace
// that is also being mutated by Map in production (spec.md §5 leaves
// cross-CPU Map/Query ordering to the VM layer's own locking, but a reader
// on another CPU can still be mid-walk when a new child table is published
// on this one), so this is the parallel-walker stress case spec.md §8
// calls for. Run with -race: any non-zeroed or partially-written child
// table the reader follows would show up either as a data race or as a
// Query result that resolves to a physical address not on the single
// expected stride.
func TestConcurrentMapAndQueryObserveNoTornTables(t *testing.T) {
	e, _, _ := newTestEngine(t)
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}

	const (
		topSpan  = uint64(1) << 22 // X86Config's per-top-level-entry span
		numPages = 64
	)

	var published atomic.Uint64 // count of mappings the writer has completed so far
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(done)
		for i := uint64(0); i < numPages; i++ {
			vaddr := i * topSpan
			paddr := 0x2000_0000 + i*X86Config.pageSize()
			if err := e.Map(aspace, vaddr, paddr, 1, rwAttr()); err != nil {
				t.Errorf("Map(%#x): %v", vaddr, err)
				return
			}
			published.Store(i + 1)
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if published.Load() >= numPages {
				return
			}
			n := published.Load()
			for i := uint64(0); i < n; i++ {
				vaddr := i * topSpan
				wantPaddr := 0x2000_0000 + i*X86Config.pageSize()
				gotPaddr, _, err := e.Query(aspace, vaddr)
				if err != nil {
					// The writer may have advanced `published` just ahead of
					// actually finishing the install; re-check next pass
					// rather than failing on a benign late read.
					continue
				}
				if gotPaddr != wantPaddr {
					t.Errorf("concurrent Query(%#x) = %#x, want %#x (torn table read)", vaddr, gotPaddr, wantPaddr)
				}
			}
		}
	}()

	wg.Wait()
}

func TestDestroyAspaceAssertsEmpty(t *testing.T) {
	e, _, _ := newTestEngine(t)
	aspace, err := e.InitAspace(0, 0x1000_0000, 0)
	if err != nil {
		t.Fatalf("InitAspace: %v", err)
	}
	if err := e.DestroyAspace(aspace); err != nil {
		t.Fatalf("DestroyAspace on empty aspace: %v", err)
	}
}
