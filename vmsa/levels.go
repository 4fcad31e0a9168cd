package vmsa

// EntryTypes is a bitmask of the entry kinds a level may legally hold.
type EntryTypes uint8

const (
	TypeInvalid EntryTypes = 1 << iota
	TypeBlock
	TypePage
	TypeNextTable
)

func (t EntryTypes) allows(k Kind) bool {
	switch k {
	case KindInvalid:
		return t&TypeInvalid != 0
	case KindBlock:
		return t&TypeBlock != 0
	case KindPage:
		return t&TypePage != 0
	case KindNextTable:
		return t&TypeNextTable != 0
	default:
		return false
	}
}

// Level is the static, per-granule descriptor for one translation-table
// level, directly mirroring pgtable_level_info_t: msb/lsb of the VA field
// this level indexes, the masks applied to table and output addresses, the
// legal entry kinds, and the size of a naturally-aligned contiguous group.
type Level struct {
	MSB, LSB            uint
	TableMask           uint64
	OutputAddrMask      uint64
	IsOffset            bool
	AllowedTypes        EntryTypes
	AddrSize            uint64
	EntryCount          int
	ContiguousEntryCount int
}

// Granule identifies the translation granule size.
type Granule int

const (
	Granule4K Granule = 1 << (iota + 12)
	_
	Granule16K Granule = 1 << 14
	Granule64K Granule = 1 << 16
)

// segmentMask returns a mask covering bits [e:s] inclusive, mirroring the
// source's segment_mask(e, s) helper.
func segmentMask(e, s uint) uint64 {
	var hi uint64
	if e+1 >= 64 {
		hi = ^uint64(0)
	} else {
		hi = (uint64(1) << (e + 1)) - 1
	}
	lo := (uint64(1) << s) - 1
	return hi &^ lo
}

func bit(n uint) uint64 { return uint64(1) << n }

// levels4K, levels16K and levels64K are the static per-granule level
// tables, ported verbatim (values, not code shape) from the
// info_4k_granules/info_16k_granules/info_64k_granules tables of the
// original pgtable.c.
var levels4K = [...]Level{
	{ // level 0
		MSB: 47, LSB: 39,
		TableMask:    segmentMask(47, 12),
		IsOffset:     false,
		AllowedTypes: TypeNextTable,
		AddrSize:     bit(39),
		EntryCount:   1 << 9,
	},
	{ // level 1
		MSB: 38, LSB: 30,
		TableMask:            segmentMask(47, 12),
		OutputAddrMask:       segmentMask(47, 30),
		AllowedTypes:         TypeNextTable | TypeBlock,
		AddrSize:             bit(30),
		EntryCount:           1 << 9,
		ContiguousEntryCount: 16,
	},
	{ // level 2
		MSB: 29, LSB: 21,
		TableMask:            segmentMask(47, 12),
		OutputAddrMask:       segmentMask(47, 21),
		AllowedTypes:         TypeNextTable | TypeBlock,
		AddrSize:             bit(21),
		EntryCount:           1 << 9,
		ContiguousEntryCount: 16,
	},
	{ // level 3
		MSB: 20, LSB: 12,
		OutputAddrMask:       segmentMask(47, 12),
		AllowedTypes:         TypePage,
		AddrSize:             bit(12),
		EntryCount:           1 << 9,
		ContiguousEntryCount: 16,
	},
	{ // offset pseudo-level
		MSB: 11, LSB: 0,
		IsOffset: true,
	},
}

var levels16K = [...]Level{
	{ // level 0 (two entries, not usable for stage-2 start level)
		MSB: 47, LSB: 47,
		TableMask:    segmentMask(47, 14),
		AllowedTypes: TypeNextTable,
		AddrSize:     bit(47),
		EntryCount:   1 << 1,
	},
	{ // level 1
		MSB: 46, LSB: 36,
		TableMask:    segmentMask(47, 14),
		AllowedTypes: TypeNextTable,
		AddrSize:     bit(36),
		EntryCount:   1 << 11,
	},
	{ // level 2
		MSB: 35, LSB: 25,
		TableMask:            segmentMask(47, 14),
		OutputAddrMask:       segmentMask(47, 25),
		AllowedTypes:         TypeNextTable | TypeBlock,
		AddrSize:             bit(25),
		EntryCount:           1 << 11,
		ContiguousEntryCount: 32,
	},
	{ // level 3
		MSB: 24, LSB: 14,
		OutputAddrMask:       segmentMask(47, 14),
		AllowedTypes:         TypePage,
		AddrSize:             bit(14),
		EntryCount:           1 << 11,
		ContiguousEntryCount: 128,
	},
	{ // offset
		MSB: 13, LSB: 0,
		IsOffset: true,
	},
}

var levels64K = [...]Level{
	{ // level 1 (start of the 3-level 64K hierarchy; no level 0 — no LPA)
		MSB: 47, LSB: 42,
		TableMask:    segmentMask(47, 16),
		AllowedTypes: TypeNextTable,
		AddrSize:     bit(42),
		EntryCount:   1 << 6,
	},
	{ // level 2
		MSB: 41, LSB: 29,
		TableMask:            segmentMask(47, 16),
		OutputAddrMask:       segmentMask(47, 29),
		AllowedTypes:         TypeNextTable | TypeBlock,
		AddrSize:             bit(29),
		EntryCount:           1 << 13,
		ContiguousEntryCount: 32,
	},
	{ // level 3
		MSB: 28, LSB: 16,
		OutputAddrMask:       segmentMask(47, 16),
		AllowedTypes:         TypePage,
		AddrSize:             bit(16),
		EntryCount:           1 << 13,
		ContiguousEntryCount: 32,
	},
	{ // offset
		MSB: 15, LSB: 0,
		IsOffset: true,
	},
}

// MaxLevel bounds the walker's frame stack (§3: "bounded by MAX_LEVEL+1").
const MaxLevel = 4

// levelsFor returns the static level table for a granule. The 4K and 16K
// tables hold levels 0-3 at indices 0-3; the 64K table holds levels 1-3 at
// indices 0-2, so callers needing the VMSA level number add levelIndexBase
// to the index.
func levelsFor(g Granule) []Level {
	switch g {
	case Granule4K:
		return levels4K[:]
	case Granule16K:
		return levels16K[:]
	case Granule64K:
		return levels64K[:]
	default:
		panic("vmsa: unsupported granule")
	}
}

// levelIndexBase returns the VMSA level number (0-3) that index 0 of this
// granule's level table corresponds to: 0 for 4K and 16K (both tables
// start at level 0), 1 for 64K (whose table starts at level 1).
func levelIndexBase(g Granule) int {
	switch g {
	case Granule64K:
		return 1
	default:
		return 0
	}
}

// index returns the table index that va occupies at this level.
func (l Level) index(va uint64) int {
	return int((va >> l.LSB) & uint64(l.EntryCount-1))
}

// entryVA returns the start VA of the given index at this level.
func (l Level) entryVA(base uint64, idx int) uint64 {
	return base&^(l.AddrSize*uint64(l.EntryCount)-1) | uint64(idx)*l.AddrSize
}
