package archmmu

// TLB is the invalidation surface archmmu drives on every cleared leaf
// entry and on the conservative ASID-race fallback (spec.md §4.3/§5). A
// real kernel backs this with architectural TLBI instructions; archmmu
// depends only on the interface, so tests can assert exactly which
// invalidations a given Unmap call issued.
type TLB interface {
	// InvalidateVA invalidates the translation for vaddr, tagged by asid
	// unless global is true (the kernel aspace invalidates globally).
	InvalidateVA(asid uint16, vaddr uint64, global bool)
	// InvalidateAll performs a full inner-shareable TLB flush, used as the
	// conservative fallback when an ASID recycle races a context switch.
	InvalidateAll()
}

// NopTLB discards every invalidation. It is never the right choice for a
// real kernel, but is a reasonable default for callers (e.g. the boot-time
// static mapping pass) that know no translation has been cached yet.
type NopTLB struct{}

func (NopTLB) InvalidateVA(uint16, uint64, bool) {}
func (NopTLB) InvalidateAll()                    {}

// RecordingTLB records every invalidation call for assertions in tests —
// grounded on the teacher's own fake-hardware test style in
// internal/hv/kvm/kvm_irq_arm64_test.go.
type RecordingTLB struct {
	VACalls  []RecordedVA
	AllCalls int
}

type RecordedVA struct {
	ASID   uint16
	VAddr  uint64
	Global bool
}

func (r *RecordingTLB) InvalidateVA(asid uint16, vaddr uint64, global bool) {
	r.VACalls = append(r.VACalls, RecordedVA{ASID: asid, VAddr: vaddr, Global: global})
}

func (r *RecordingTLB) InvalidateAll() {
	r.AllCalls++
}
