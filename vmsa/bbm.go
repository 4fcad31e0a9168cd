package vmsa

// BBMClass is the compile-time break-before-make capability derived from
// CPU ID_AA64MMFR2_EL1.BBM and the AVOID_BBM platform flag (§5).
type BBMClass int

const (
	// BBMLevel0 must fully invalidate (write INVALID, DSB, TLBI, DSB)
	// before writing an incompatible descriptor.
	BBMLevel0 BBMClass = iota
	// BBMLevel1 may use the nT bit to suppress TLB caching instead of a
	// full invalidate window.
	BBMLevel1
	// BBMLevel2 (or AVOID_BBM) tolerates an in-place overwrite followed
	// by a flush.
	BBMLevel2
)

// bbmPolicy collapses the three BBM code paths into the strategy struct the
// design notes call for (§9 "Break-before-make policy"): the three classes
// become three small parameter sets instead of three branches scattered
// through the map/unmap modifiers.
type bbmPolicy struct {
	preInvalidate bool
	useNT         bool
	postTLBI      bool
}

func policyFor(class BBMClass) bbmPolicy {
	switch class {
	case BBMLevel0:
		return bbmPolicy{preInvalidate: true, postTLBI: true}
	case BBMLevel1:
		return bbmPolicy{useNT: true, postTLBI: true}
	case BBMLevel2:
		return bbmPolicy{postTLBI: true}
	default:
		panic("vmsa: unsupported BBM class")
	}
}

// replaceEntry installs newRaw at table[idx], following the controller's
// BBM policy, and issues the appropriate TLB invalidation for the VA range
// the old and new entries cover. It is used by sub-table merge (§4.2.1),
// block split (§4.2.3) and the map modifier's replacement of an existing
// leaf; unmap invalidates leaves directly without it.
func (c *controller) replaceEntry(table []uint64, idx int, newRaw uint64, va uint64, size uint64, stage Stage) {
	policy := policyFor(c.bbm)

	switch {
	case policy.preInvalidate:
		atomicStoreRelease(&table[idx], 0)
		c.barrier(dsbScope(c))
		c.invalidateRange(va, size, stage)
		c.barrier(dsbScope(c))
		atomicStoreRelease(&table[idx], newRaw)
	case policy.useNT:
		nt := table[idx] | (1 << bitNT)
		atomicStoreRelease(&table[idx], nt)
		c.invalidateRange(va, size, stage)
		c.barrier(dsbScope(c))
		atomicStoreRelease(&table[idx], newRaw)
	default:
		atomicStoreRelease(&table[idx], newRaw)
	}

	if policy.postTLBI {
		c.invalidateRange(va, size, stage)
	}

	if stage == Stage2 && (policy.preInvalidate || policy.useNT) {
		// BBM<2 replacement workaround: a guest's own stage-1 walks may
		// have cached the stage-2 entry just replaced, so this path (and
		// only this path) also needs the whole VMID's stage-1-of-guest
		// TLB flushed here, not just once at commit.
		scope := dsbScope(c)
		c.tlb.VMAlle1(scope)
		c.barrier(scope)
	}
}

func dsbScope(c *controller) Shareability {
	if c.issueDVMCmd {
		return OuterShareable
	}
	return InnerShareable
}
