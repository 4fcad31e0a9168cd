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
	"github.com/usbarmory/hyp-vmsa/vmsa/partition"
	"github.com/usbarmory/hyp-vmsa/vmsa/tlbmock"
)

// newTestVM builds a stage-2 controller over a 1GiB IPA space (address_bits
// 30, a full 512-entry level-2 root for the 4K granule), backed by an
// in-process arena instead of real EL2 hardware.
func newTestVM(t *testing.T) (*vmsa.VMController, *partition.Arena, *tlbmock.TLB) {
	t.Helper()

	arena := partition.NewArena(4<<20, 0x80000000)
	tlb := &tlbmock.TLB{}

	vc, err := vmsa.NewVMController(vmsa.VMConfig{
		Partition:   arena,
		TLB:         tlb,
		Granule:     vmsa.Granule4K,
		AddressBits: 30,
		BBM:         vmsa.BBMLevel2,
		VMID:        3,
		PABits:      0b010, // 40-bit PA
	})
	if err != nil {
		t.Fatalf("NewVMController: %v", err)
	}
	t.Cleanup(vc.Destroy)

	return vc, arena, tlb
}

func newTestHyp(t *testing.T) (*vmsa.HypController, *partition.Arena, *tlbmock.TLB) {
	t.Helper()

	arena := partition.NewArena(4<<20, 0x80000000)
	tlb := &tlbmock.TLB{}

	hc, err := vmsa.NewHypController(vmsa.HypConfig{
		Granule:     vmsa.Granule4K,
		AddressBits: 30,
		BBM:         vmsa.BBMLevel2,
		Low:         &vmsa.HypHalfConfig{Partition: arena, TLB: tlb},
	})
	if err != nil {
		t.Fatalf("NewHypController: %v", err)
	}
	t.Cleanup(hc.Destroy)

	return hc, arena, tlb
}

func TestVMControllerMapLookupUnmap(t *testing.T) {
	vc, _, tlb := newTestVM(t)

	const ipa = 0x10000000
	const phys = 0x90000000
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW, Shareability: vmsa.InnerShareable}

	if err := vc.Map(ipa, 0x1000, phys, attrs, 1<<30); err != nil {
		t.Fatalf("Map: %v", err)
	}

	gotPhys, size, gotAttrs, ok := vc.Lookup(ipa)
	if !ok {
		t.Fatalf("Lookup after Map: miss")
	}
	if gotPhys != phys {
		t.Errorf("Lookup phys = %#x, want %#x", gotPhys, phys)
	}
	if size != 0x1000 {
		t.Errorf("Lookup size = %#x, want a page (0x1000)", size)
	}
	if gotAttrs != attrs {
		t.Errorf("Lookup attrs = %+v, want %+v", gotAttrs, attrs)
	}

	if err := vc.Unmap(ipa, 0x1000, 0); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, _, ok := vc.Lookup(ipa); ok {
		t.Errorf("Lookup after Unmap: expected miss")
	}

	if tlb.Count("DSB") == 0 {
		t.Errorf("expected at least one DSB across Map/Unmap commits")
	}
}

func TestVMControllerMapIsIdempotent(t *testing.T) {
	vc, _, _ := newTestVM(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}

	if err := vc.Map(0x1000, 0x1000, 0x90001000, attrs, 1<<30); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	if err := vc.Map(0x1000, 0x1000, 0x90001000, attrs, 1<<30); err != nil {
		t.Fatalf("repeat Map of identical mapping should be a no-op, got: %v", err)
	}
}

func TestVMControllerMapConflictIsExistingMapping(t *testing.T) {
	vc, _, _ := newTestVM(t)
	rw := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}
	ro := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessR}

	if err := vc.Map(0x2000, 0x1000, 0x90002000, rw, 1<<30); err != nil {
		t.Fatalf("Map: %v", err)
	}
	err := vc.Map(0x2000, 0x1000, 0x90002000, ro, 1<<30)
	if err != vmsa.ErrExistingMapping {
		t.Fatalf("conflicting Map error = %v, want ErrExistingMapping", err)
	}
}

func TestVMControllerRemapUpdatesAccessInPlace(t *testing.T) {
	vc, _, tlb := newTestVM(t)
	rw := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}
	ro := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessR}

	if err := vc.Map(0x3000, 0x1000, 0x90003000, rw, 1<<30); err != nil {
		t.Fatalf("Map: %v", err)
	}
	tlb.Reset()

	if err := vc.Remap(0x3000, 0x1000, 0x90003000, ro, 1<<30); err != nil {
		t.Fatalf("Remap: %v", err)
	}

	_, _, got, ok := vc.Lookup(0x3000)
	if !ok || got.Access != vmsa.AccessR {
		t.Fatalf("Lookup after Remap = %+v, ok=%v, want Access=AccessR", got, ok)
	}
}

func TestVMControllerPreallocate(t *testing.T) {
	vc, _, _ := newTestVM(t)

	if err := vc.Preallocate(0x4000, 0x1000); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}

	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}
	if err := vc.Map(0x4000, 0x1000, 0x90004000, attrs, 1<<30); err != nil {
		t.Fatalf("Map after Preallocate: %v", err)
	}
}

func TestVMControllerBlockMapAndLookupSize(t *testing.T) {
	vc, _, _ := newTestVM(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}

	const ipa = 1 << 21 // 2MiB-aligned
	if err := vc.Map(ipa, 1<<21, 0x90200000, attrs, 1<<30); err != nil {
		t.Fatalf("Map (block): %v", err)
	}

	_, size, _, ok := vc.Lookup(ipa)
	if !ok || size != 1<<21 {
		t.Fatalf("Lookup size = %#x, ok=%v, want a 2MiB block", size, ok)
	}
}

func TestVMControllerVTCRVTTBR(t *testing.T) {
	vc, _, _ := newTestVM(t)

	if vtcr := vc.VTCR(); vtcr == 0 {
		t.Errorf("VTCR() = 0, want a populated image")
	}
	if vttbr := vc.VTTBR(); vttbr&1 == 0 {
		t.Errorf("VTTBR() CnP bit not set")
	}
}

func TestHypControllerRejectsHighHalfWithoutTTBR1(t *testing.T) {
	hc, _, _ := newTestHyp(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRW}

	err := hc.Map(uint64(1)<<63, 0x1000, 0x90000000, attrs, 1<<30)
	if err != vmsa.ErrAddrInvalid {
		t.Fatalf("Map into absent TTBR1 half: err = %v, want ErrAddrInvalid", err)
	}
}

func TestHypControllerLowHalfMap(t *testing.T) {
	hc, _, _ := newTestHyp(t)
	attrs := vmsa.Attrs{MemType: vmsa.MemNormalWB, Access: vmsa.AccessRWX}

	if err := hc.Map(0x5000, 0x1000, 0x90005000, attrs, 1<<30); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, _, _, ok := hc.Lookup(0x5000); !ok {
		t.Errorf("Lookup after Map: miss")
	}
}
