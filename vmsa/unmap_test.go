// ARMv8 VMSA page-table engine
// https://github.com/usbarmory/hyp-vmsa
//
// Copyright (c) The Hyp-VMSA Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vmsa_test

import (
	"testing"

	"github.com/usbarmory/hyp-vmsa/vmsa"
)

// TestVMControllerUnmapPartialBlockSplits covers §4.3: unmapping a page out
// of a 2MiB block must split the block down to page granularity and leave
// every other page of the block intact.
func TestVMControllerUnmapPartialBlockSplits(t *testing.T) {
	vc, _, _ := newTestVM(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}

	const blockIPA = 4 << 21
	const blockPhys = 0x95000000
	if err := vc.Map(blockIPA, 1<<21, blockPhys, attrs, 1<<30); err != nil {
		t.Fatalf("Map (block): %v", err)
	}

	if err := vc.Unmap(blockIPA+0x1000, 0x1000, 0); err != nil {
		t.Fatalf("Unmap partial page: %v", err)
	}

	if _, _, _, ok := vc.Lookup(blockIPA + 0x1000); ok {
		t.Errorf("Lookup of unmapped page: expected miss")
	}

	phys, size, _, ok := vc.Lookup(blockIPA)
	if !ok {
		t.Fatalf("Lookup of first page after split: miss")
	}
	if phys != blockPhys || size != 0x1000 {
		t.Errorf("Lookup of first page after split = phys %#x size %#x, want %#x/0x1000", phys, size, blockPhys)
	}

	phys, size, _, ok = vc.Lookup(blockIPA + 0x2000)
	if !ok {
		t.Fatalf("Lookup of third page after split: miss")
	}
	if phys != blockPhys+0x2000 || size != 0x1000 {
		t.Errorf("Lookup of third page after split = phys %#x size %#x, want %#x/0x1000", phys, size, blockPhys+0x2000)
	}
}

// TestVMControllerUnmapMatchingFiltersByPhys covers UnmapMatching: only
// entries whose output address falls within [phys, phys+matchSize) may be
// torn down, others in the requested VA range are left mapped.
func TestVMControllerUnmapMatchingFiltersByPhys(t *testing.T) {
	vc, _, _ := newTestVM(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}

	const ipaA, physA = 5 << 21, 0x96000000
	const ipaB, physB = 5<<21 + 0x1000, 0x97000000

	if err := vc.Map(ipaA, 0x1000, physA, attrs, 1<<30); err != nil {
		t.Fatalf("Map A: %v", err)
	}
	if err := vc.Map(ipaB, 0x1000, physB, attrs, 1<<30); err != nil {
		t.Fatalf("Map B: %v", err)
	}

	if err := vc.UnmapMatching(ipaA, 0x2000, physA, 0x1000); err != nil {
		t.Fatalf("UnmapMatching: %v", err)
	}

	if _, _, _, ok := vc.Lookup(ipaA); ok {
		t.Errorf("Lookup of matched entry: expected miss")
	}
	if phys, _, _, ok := vc.Lookup(ipaB); !ok || phys != physB {
		t.Errorf("Lookup of non-matching entry = phys %#x ok=%v, want %#x/true (untouched)", phys, ok, physB)
	}
}

// TestVMControllerUnmapFreesEmptySubTable covers §4.3.4: unmapping the last
// leaf under a sub-table drops that table's refcount to zero and frees it
// back to the partition.
func TestVMControllerUnmapFreesEmptySubTable(t *testing.T) {
	vc, arena, _ := newTestVM(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}

	const ipa = 6 << 21
	if err := vc.Map(ipa, 0x1000, 0x98000000, attrs, 1<<30); err != nil {
		t.Fatalf("Map: %v", err)
	}
	used := arena.UsedBytes()

	if err := vc.Unmap(ipa, 0x1000, 0); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if got := arena.UsedBytes(); got >= used {
		t.Errorf("Unmap of the only leaf under a sub-table did not free it: used went from %d to %d", used, got)
	}
}

// TestVMControllerUnmapStage2InvalidatesVMAlle1OnlyOnCommit covers §4.6
// "commit": unmapping several pages in one transaction must invalidate the
// guest's stage-1-of-guest TLB (VMAlle1) exactly once, at Commit — not once
// per unmapped entry in addition.
func TestVMControllerUnmapStage2InvalidatesVMAlle1OnlyOnCommit(t *testing.T) {
	vc, _, tlb := newTestVM(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}

	const base = 13 << 21
	for i := uint64(0); i < 4; i++ {
		if err := vc.Map(base+i*0x1000, 0x1000, 0x9A000000+i*0x1000, attrs, 1<<30); err != nil {
			t.Fatalf("Map %d: %v", i, err)
		}
	}
	tlb.Reset()

	if err := vc.Unmap(base, 4*0x1000, 0); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if got := tlb.Count("VMAlle1"); got != 1 {
		t.Errorf("VMAlle1 called %d times for one Unmap transaction, want exactly 1 (at commit)", got)
	}
}

// TestVMControllerUnmapPreservedSizeKeepsSubTable covers the preserved_size
// policy (§4.3.4): a non-zero preserved_size stops the cascading free at
// levels whose AddrSize is smaller than it, even when the refcount reaches
// zero.
func TestVMControllerUnmapPreservedSizeKeepsSubTable(t *testing.T) {
	vc, arena, _ := newTestVM(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}

	const ipa = 7 << 21
	if err := vc.Map(ipa, 0x1000, 0x99000000, attrs, 1<<30); err != nil {
		t.Fatalf("Map: %v", err)
	}
	used := arena.UsedBytes()

	// A preserved_size larger than the level-2 ancestor's own AddrSize
	// (2MiB) protects the level-3 table it references from being freed,
	// even though the table's refcount drops to zero.
	if err := vc.Unmap(ipa, 0x1000, 1<<22); err != nil {
		t.Fatalf("Unmap with preserved_size: %v", err)
	}

	if got := arena.UsedBytes(); got != used {
		t.Errorf("Unmap with preserved_size freed a protected sub-table: used went from %d to %d", used, got)
	}
	if _, _, _, ok := vc.Lookup(ipa); ok {
		t.Errorf("Lookup after Unmap: expected miss")
	}
}
