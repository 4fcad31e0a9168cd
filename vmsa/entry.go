package vmsa

import (
	"github.com/usbarmory/hyp-vmsa/bits"
)

// Kind tags the five entry variants a 64-bit VMSA descriptor may decode to.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBlock
	KindPage
	KindNextTable
	KindReserved
)

// Bit positions shared by every descriptor (§6 "Descriptor layout").
const (
	bitValid = 0
	bitWalk  = 1

	bitContiguous = 52
	bitPXN        = 53
	bitXNorUXN    = 54
	bitGP         = 50
	bitNT         = 16

	// Software refcount window: bits [63:51], 13 bits (max 8191),
	// architecturally ignored by hardware for NEXT_TABLE descriptors.
	// Widened from the source's narrower window (§DESIGN Open Question)
	// to cover the largest EntryCount across all supported granules
	// (8192, the 64K granule's level-1 table).
	refcountPos  = 51
	refcountMask = 0x1FFF
)

const (
	lowerAttrsLSB = 2
	lowerAttrsLen = 10 // bits [11:2]

	// Stage-1 lower-attribute sub-fields.
	s1AttrIdxLSB = 2
	s1AttrIdxLen = 3
	s1NSBit      = 5
	s1APLSB      = 6
	s1APLen      = 2
	s1SHLSB      = 8
	s1SHLen      = 2
	s1AFBit      = 10
	s1NGBit      = 11

	// Stage-2 lower-attribute sub-fields.
	s2MemAttrLSB = 2
	s2MemAttrLen = 4
	s2APLSB      = 6
	s2APLen      = 2
	s2SHLSB      = 8
	s2SHLen      = 2
	s2AFBit      = 10
)

// Stage identifies the translation regime an entry's attribute bits belong
// to, since stage-1 and stage-2 assign different meaning to the same bit
// positions (§6).
type Stage int

const (
	Stage1 Stage = iota
	Stage2
)

// Shareability is the TLBI/DSB scope (§5).
type Shareability int

const (
	InnerShareable Shareability = iota
	OuterShareable
)

// Access is the abstract access permission the attribute mapper converts
// to/from AP/S2AP bitfields.
type Access int

const (
	AccessNone Access = iota
	AccessR
	AccessRW
	AccessRX
	AccessRWX
)

// Entry is the tagged union of the five descriptor kinds (§3 "Entry
// kinds"). Only the fields relevant to Kind are meaningful; codec
// functions are the sole place raw bit positions are touched, per the
// "Descriptor polymorphism" design note.
type Entry struct {
	Kind Kind

	// Output or child-table base physical address, masked by the
	// level's address mask.
	Addr uint64

	// Refcount, valid only for KindNextTable: the number of non-invalid
	// entries in the child table.
	Refcount int

	// Raw attribute fields, valid for KindBlock/KindPage.
	LowerAttrs uint64
	UpperAttrs uint64
	Contiguous bool
	NT         bool
}

// decodeEntry classifies a raw 64-bit descriptor at the given level.
func decodeEntry(raw uint64, level Level) Entry {
	if raw&(1<<bitValid) == 0 {
		return Entry{Kind: KindInvalid}
	}

	walkBit := raw&(1<<bitWalk) != 0

	switch {
	case walkBit && level.AllowedTypes&TypeNextTable != 0 && level.AllowedTypes&TypePage == 0:
		// Table levels: walk=1 means NEXT_TABLE.
		return Entry{
			Kind:     KindNextTable,
			Addr:     raw & level.TableMask,
			Refcount: int(bits.Get64(&raw, refcountPos, refcountMask)),
		}
	case !walkBit && level.AllowedTypes&TypeBlock != 0:
		return decodeLeaf(raw, level, KindBlock)
	case walkBit && level.AllowedTypes&TypePage != 0:
		return decodeLeaf(raw, level, KindPage)
	case walkBit && level.AllowedTypes&TypeNextTable != 0:
		return Entry{
			Kind:     KindNextTable,
			Addr:     raw & level.TableMask,
			Refcount: int(bits.Get64(&raw, refcountPos, refcountMask)),
		}
	default:
		return Entry{Kind: KindReserved}
	}
}

func decodeLeaf(raw uint64, level Level, kind Kind) Entry {
	return Entry{
		Kind:       kind,
		Addr:       raw & level.OutputAddrMask,
		LowerAttrs: bits.Get64(&raw, lowerAttrsLSB, (1<<lowerAttrsLen)-1) << lowerAttrsLSB,
		UpperAttrs: raw &^ (level.OutputAddrMask | uint64(0xFFF) | (1 << bitNT) | (1 << bitContiguous)),
		Contiguous: raw&(1<<bitContiguous) != 0,
		NT:         kind == KindBlock && raw&(1<<bitNT) != 0,
	}
}

// encode packs an Entry back into a raw 64-bit descriptor for the given
// level.
func (e Entry) encode(level Level) uint64 {
	var raw uint64

	switch e.Kind {
	case KindInvalid:
		return 0
	case KindNextTable:
		raw = e.Addr & level.TableMask
		raw |= 1 << bitValid
		raw |= 1 << bitWalk
		bits.SetN64(&raw, refcountPos, refcountMask, uint64(e.Refcount))
		return raw
	case KindBlock, KindPage:
		raw = e.Addr&level.OutputAddrMask | e.LowerAttrs | e.UpperAttrs
		raw |= 1 << bitValid
		if e.Kind == KindPage {
			raw |= 1 << bitWalk
		}
		if e.Contiguous {
			raw |= 1 << bitContiguous
		}
		if e.NT && e.Kind == KindBlock {
			raw |= 1 << bitNT
		}
		return raw
	default:
		panic("vmsa: encode of reserved/unknown entry kind")
	}
}

// refcountAt reads the software refcount of a raw NEXT_TABLE descriptor
// without decoding the rest of it.
func refcountAt(raw uint64) int {
	return int(bits.Get64(&raw, refcountPos, refcountMask))
}

// setRefcount rewrites only the refcount field of a raw NEXT_TABLE
// descriptor, preserving every other bit (table address, valid, walk).
func setRefcount(raw uint64, count int) uint64 {
	bits.SetN64(&raw, refcountPos, refcountMask, uint64(count))
	return raw
}

// attrsEqual reports whether two leaf entries carry identical attributes
// (everything but the output address), used by idempotent-map detection
// and sub-table merge congruence checks (§4.2, §4.2.1).
func attrsEqual(a, b Entry) bool {
	return a.LowerAttrs == b.LowerAttrs &&
		a.UpperAttrs == b.UpperAttrs &&
		a.Contiguous == b.Contiguous
}

// attrsEqualExceptPermission reports whether two leaf entries differ only
// in the XN/PXN/UXN and S2AP/AP fields, the set the in-place access update
// (§4.2.2) is permitted to rewrite without BBM.
func attrsEqualExceptPermission(a, b Entry, stage Stage) bool {
	const permMask = (1 << bitPXN) | (1 << bitXNorUXN)

	apMaskLower := func(stage Stage) uint64 {
		if stage == Stage1 {
			return ((uint64(1) << s1APLen) - 1) << s1APLSB
		}
		return ((uint64(1) << s2APLen) - 1) << s2APLSB
	}(stage)

	aLower := a.LowerAttrs &^ apMaskLower
	bLower := b.LowerAttrs &^ apMaskLower
	aUpper := a.UpperAttrs &^ uint64(permMask)
	bUpper := b.UpperAttrs &^ uint64(permMask)

	return aLower == bLower && aUpper == bUpper && !a.Contiguous && !b.Contiguous
}
