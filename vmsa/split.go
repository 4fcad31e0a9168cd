package vmsa

// splitBlock implements §4.2.3: a BLOCK entry that a map or unmap request
// only partially covers is replaced by a freshly populated next-level table
// whose entries reproduce the original block's mapping at finer granularity.
// The walker is then asked to retry the same VA so the modifier can act on
// the newly exposed child entries.
func splitBlock(w *walkState, idx int, e Entry, level Level, va uint64) error {
	childLvl := w.ctrl.levels[w.cur().level+1]

	childPhys, err := allocTable(w.partition, w.ctrl.granule)
	if err != nil {
		return ErrNoMem
	}

	childVirt, err := w.partition.PhysMap(uintptr(childPhys), uintptr(w.ctrl.granule))
	if err != nil {
		w.partition.FreePhys(uintptr(childPhys), uintptr(w.ctrl.granule))
		return ErrNoMem
	}
	child := tableSlice(childVirt, childLvl.EntryCount)

	blockBase := e.Addr
	for i := 0; i < childLvl.EntryCount; i++ {
		leaf := Entry{
			Kind:       childLvl.AllowedTypes.leafKind(),
			Addr:       blockBase + uint64(i)*childLvl.AddrSize,
			LowerAttrs: e.LowerAttrs,
			UpperAttrs: e.UpperAttrs,
		}
		child[i] = leaf.encode(childLvl)
	}
	w.partition.PhysUnmap(childVirt, uintptr(childPhys), uintptr(w.ctrl.granule))

	next := Entry{Kind: KindNextTable, Addr: childPhys, Refcount: childLvl.EntryCount}
	w.ctrl.replaceEntry(w.cur().table, idx, next.encode(level), va, level.AddrSize, w.stage)
	return nil
}

// leafKind picks the leaf Kind a level's AllowedTypes implies a split child
// should use: BLOCK where still legal, otherwise PAGE at the final level.
func (t EntryTypes) leafKind() Kind {
	if t&TypeBlock != 0 {
		return KindBlock
	}
	return KindPage
}
