package vmsa

// MemType is the engine's abstract memory type, independent of stage.
type MemType int

const (
	MemDevice MemType = iota
	MemNormalNC
	MemNormalWB
	MemNormalWT
)

// Attrs bundles the caller-facing, stage-agnostic attribute triple the
// attribute mapper translates to and from raw descriptor bitfields (§2
// "Attribute mapper").
type Attrs struct {
	MemType MemType
	Access  Access
	Shareability
}

// stage-1 AP encodings (lower_attrs[7:6], upper PXN/XN in upper_attrs).
const (
	s1APELNoneUpperRW = 0b00
	s1APAllRW         = 0b01
	s1APELNoneUpperRO = 0b10
	s1APAllRO         = 0b11
)

// stage-2 S2AP encodings (lower_attrs[7:6]).
const (
	s2APNone = 0b00
	s2APR    = 0b01
	s2APW    = 0b10
	s2APRW   = 0b11
)

// mairIndex is this engine's fixed MAIR_EL2 layout: index 0 = device
// nGnRnE, 1 = normal non-cacheable, 2 = normal write-back, 3 = normal
// write-through. Programming MAIR_EL2 itself is the out-of-scope
// "system-register programming" collaborator (§1); this engine only needs
// the index assignment to be stable.
const (
	mairDevice     = 0
	mairNormalNC   = 1
	mairNormalWB   = 2
	mairNormalWT   = 3
)

// stage-2 MemAttr encodings (lower_attrs[5:2]); device is 0b0000, the
// normal-memory encodings pack inner/outer cacheability identically since
// this engine never mixes inner/outer policy.
const (
	s2MemAttrDevice   = 0b0000
	s2MemAttrNormalNC = 0b0101
	s2MemAttrNormalWT = 0b1010
	s2MemAttrNormalWB = 0b1111
)

// buildLeafAttrs converts the abstract {memtype, access, shareability} into
// the raw lower/upper attribute fields for a leaf descriptor at the given
// stage (§2 "Attribute mapper").
func buildLeafAttrs(a Attrs, stage Stage) (lower, upper uint64) {
	switch stage {
	case Stage1:
		var attrIdx uint64
		switch a.MemType {
		case MemDevice:
			attrIdx = mairDevice
		case MemNormalNC:
			attrIdx = mairNormalNC
		case MemNormalWT:
			attrIdx = mairNormalWT
		default:
			attrIdx = mairNormalWB
		}
		lower |= attrIdx << s1AttrIdxLSB
		lower |= 1 << s1AFBit // AF: engine always installs accessed entries

		var ap uint64
		var xn bool
		switch a.Access {
		case AccessRW, AccessRWX:
			ap = s1APAllRW
			xn = a.Access != AccessRWX
		case AccessR:
			ap = s1APAllRO
			xn = true
		case AccessRX:
			ap = s1APAllRO
			xn = false
		default:
			ap = s1APELNoneUpperRW
			xn = true
		}
		lower |= ap << s1APLSB
		if a.Shareability == OuterShareable {
			lower |= 0b10 << s1SHLSB
		} else {
			lower |= 0b11 << s1SHLSB
		}
		if xn {
			upper |= 1 << bitXNorUXN
			upper |= 1 << bitPXN
		}
	case Stage2:
		var memAttr uint64
		switch a.MemType {
		case MemDevice:
			memAttr = s2MemAttrDevice
		case MemNormalNC:
			memAttr = s2MemAttrNormalNC
		case MemNormalWT:
			memAttr = s2MemAttrNormalWT
		default:
			memAttr = s2MemAttrNormalWB
		}
		lower |= memAttr << s2MemAttrLSB
		lower |= 1 << s2AFBit

		var s2ap uint64
		switch a.Access {
		case AccessR, AccessRX:
			s2ap = s2APR
		case AccessRW, AccessRWX:
			s2ap = s2APRW
		default:
			s2ap = s2APNone
		}
		lower |= s2ap << s2APLSB
		if a.Shareability == OuterShareable {
			lower |= 0b10 << s2SHLSB
		} else {
			lower |= 0b11 << s2SHLSB
		}
		if a.Access != AccessRX && a.Access != AccessRWX {
			upper |= 1 << bitXNorUXN
		}
	}
	return
}

// decodeLeafAttrs is the inverse of buildLeafAttrs, used by Lookup (§4.4).
func decodeLeafAttrs(lower, upper uint64, stage Stage) Attrs {
	var a Attrs

	switch stage {
	case Stage1:
		attrIdx := (lower >> s1AttrIdxLSB) & ((1 << s1AttrIdxLen) - 1)
		switch attrIdx {
		case mairDevice:
			a.MemType = MemDevice
		case mairNormalNC:
			a.MemType = MemNormalNC
		case mairNormalWT:
			a.MemType = MemNormalWT
		default:
			a.MemType = MemNormalWB
		}

		ap := (lower >> s1APLSB) & ((1 << s1APLen) - 1)
		xn := upper&(1<<bitXNorUXN) != 0
		switch ap {
		case s1APAllRW:
			if xn {
				a.Access = AccessRW
			} else {
				a.Access = AccessRWX
			}
		case s1APAllRO:
			if xn {
				a.Access = AccessR
			} else {
				a.Access = AccessRX
			}
		default: // s1APELNoneUpperRW, s1APELNoneUpperRO: no EL0/EL1 access
			a.Access = AccessNone
		}

		if (lower>>s1SHLSB)&0b11 == 0b10 {
			a.Shareability = OuterShareable
		} else {
			a.Shareability = InnerShareable
		}
	case Stage2:
		memAttr := (lower >> s2MemAttrLSB) & ((1 << s2MemAttrLen) - 1)
		switch memAttr {
		case s2MemAttrDevice:
			a.MemType = MemDevice
		case s2MemAttrNormalNC:
			a.MemType = MemNormalNC
		case s2MemAttrNormalWT:
			a.MemType = MemNormalWT
		default:
			a.MemType = MemNormalWB
		}

		s2ap := (lower >> s2APLSB) & ((1 << s2APLen) - 1)
		xn := upper&(1<<bitXNorUXN) != 0
		switch {
		case s2ap == s2APRW && !xn:
			a.Access = AccessRWX
		case s2ap == s2APRW:
			a.Access = AccessRW
		case s2ap == s2APR && !xn:
			a.Access = AccessRX
		case s2ap == s2APR:
			a.Access = AccessR
		default:
			a.Access = AccessNone
		}

		if (lower>>s2SHLSB)&0b11 == 0b10 {
			a.Shareability = OuterShareable
		} else {
			a.Shareability = InnerShareable
		}
	}

	return a
}
