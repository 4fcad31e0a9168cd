package vmsa

import "sync/atomic"

// Partition is the physical-memory allocator facade consumed by the engine
// (§6 "Partition (consumed)"). Physical memory partitioning itself is out
// of scope (§1); this engine only needs a page source.
type Partition interface {
	// Alloc returns a size-byte, align-aligned virtual allocation.
	Alloc(size, align uintptr) (virt uintptr, err error)
	Free(virt uintptr, size uintptr)
	FreePhys(phys uintptr, size uintptr)
	VirtToPhys(virt uintptr) uintptr
	// PhysMap window-maps a physical page for access and returns its
	// virtual address; PhysUnmap releases that window.
	PhysMap(phys uintptr, size uintptr) (virt uintptr, err error)
	PhysUnmap(virt, phys uintptr, size uintptr)
	// PhysAccessEnable/Disable bracket descriptor writes on platforms
	// that gate access to page-table memory.
	PhysAccessEnable(addr uintptr)
	PhysAccessDisable(addr uintptr)
}

// TLB is the TLB-maintenance and barrier facade consumed by the engine
// (§6 "TLB/barrier (consumed)"). Instruction encodings and DSB/ISB
// primitives are opaque, out-of-scope collaborators (§1).
type TLB interface {
	VAE2(va uintptr)
	VARangeE2(va uintptr, size uintptr, granuleShift uint)
	IPAS2E1(ipa uintptr, scope Shareability)
	IPAS2E1Range(ipa uintptr, size uintptr, granuleShift uint, scope Shareability)
	VMAlle1(scope Shareability)
	AllE2IS()
	DSB(scope Shareability)
}

// atomicLoadRelaxed and atomicStoreRelease implement the ordering §5
// requires: pre-step reads and refcount updates use relaxed ordering;
// leaf/sub-tree publication uses release ordering. Go's memory model ties
// atomic operations to sequential consistency, which is a safe
// over-approximation of both "relaxed" and "release" — the Go standard
// library has no weaker-than-seqcst atomic primitive, so this is the
// stdlib fallback rather than a hand-rolled unsafe.Pointer memory-barrier
// shim.
func atomicLoadRelaxed(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

func atomicStoreRelease(addr *uint64, val uint64) {
	atomic.StoreUint64(addr, val)
}
