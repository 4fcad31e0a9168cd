// ARMv8 VMSA page-table engine
// https://github.com/usbarmory/hyp-vmsa
//
// Copyright (c) The Hyp-VMSA Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vmsa

import "testing"

func TestLevelIndex(t *testing.T) {
	levels := levelsFor(Granule4K)
	level1 := levels[1]

	cases := []struct {
		va  uint64
		idx int
	}{
		{0, 0},
		{1 << 30, 1},
		{511 << 30, 511},
	}

	for _, c := range cases {
		if got := level1.index(c.va); got != c.idx {
			t.Errorf("index(%#x) = %d, want %d", c.va, got, c.idx)
		}
	}
}

func TestLevelEntryVA(t *testing.T) {
	levels := levelsFor(Granule4K)
	level2 := levels[2]

	base := uint64(5) << 30 // entry 5 of level 1, arbitrary level-2 window
	got := level2.entryVA(base, 3)
	want := base&^((1<<21)*512-1) | 3<<21

	if got != want {
		t.Errorf("entryVA = %#x, want %#x", got, want)
	}
}

func TestStartLevel(t *testing.T) {
	cases := []struct {
		g           Granule
		addressBits uint
		stage2      bool
		level       int
	}{
		{Granule4K, 48, false, 0},
		{Granule4K, 39, false, 1},
		{Granule4K, 30, false, 2},
		{Granule16K, 47, false, 1},
		{Granule64K, 42, false, 1},
		{Granule4K, 34, true, 2}, // msb_offset=4 widens level 2's reach to bit 33; largest L wins over level 1
	}

	for _, c := range cases {
		level, size := startLevel(c.g, c.addressBits, c.stage2)
		if level != c.level {
			t.Errorf("startLevel(%v, %d, stage2=%v) level = %d, want %d", c.g, c.addressBits, c.stage2, level, c.level)
		}
		if size == 0 {
			t.Errorf("startLevel(%v, %d, stage2=%v) size = 0", c.g, c.addressBits, c.stage2)
		}
	}
}

func TestRootEntryCountShortRoot(t *testing.T) {
	c := &controller{granule: Granule4K, levels: levelsFor(Granule4K)}
	c.startLevel, c.startLevelSize = startLevel(Granule4K, 25, false)

	if got, want := c.rootEntryCount(), 16; got != want {
		t.Errorf("rootEntryCount() = %d, want %d (address_bits=25 -> short root)", got, want)
	}
}
