package vmsa

// tryMergeSubTable implements §4.2.1: a NEXT_TABLE entry may be replaced by
// a block when every precondition holds. It returns true (and performs the
// replacement) only when the merge is legal and safe.
func tryMergeSubTable(w *walkState, idx int, va uint64, e Entry, args *mapArgs) bool {
	level := w.level()
	childLvl := w.ctrl.levels[w.cur().level+1]

	if level.AllowedTypes&TypeBlock == 0 {
		return false
	}
	if level.AddrSize >= args.mergeLimit {
		return false
	}
	if va&(level.AddrSize-1) != 0 || args.phys&(level.AddrSize-1) != 0 {
		return false
	}
	if remainingSizeAt(args, va) < level.AddrSize {
		return false
	}

	childVirt, err := w.partition.PhysMap(uintptr(e.Addr), uintptr(w.ctrl.granule))
	if err != nil {
		return false
	}
	defer w.partition.PhysUnmap(childVirt, uintptr(e.Addr), uintptr(w.ctrl.granule))
	child := tableSlice(childVirt, childLvl.EntryCount)

	wantLower, wantUpper := buildLeafAttrs(args.attrs, args.stage)

	covered := remainingSizeAt(args, va)
	coveredEntries := covered / childLvl.AddrSize
	if coveredEntries > uint64(childLvl.EntryCount) {
		coveredEntries = uint64(childLvl.EntryCount)
	}

	// Every not-covered entry must be congruent with the mapping that
	// would have resulted had it extended over the whole block, and the
	// child's refcount must account for all of them.
	other := uint64(childLvl.EntryCount) - coveredEntries
	if uint64(refcountAt(w.cur().table[idx])) < other {
		return false
	}

	for i := 0; i < childLvl.EntryCount; i++ {
		ce := decodeEntry(child[i], childLvl)
		expectedAddr := args.phys + uint64(i)*childLvl.AddrSize

		if uint64(i) < coveredEntries {
			if args.tryMap && ce.Kind != KindInvalid {
				return false
			}
			continue
		}

		switch ce.Kind {
		case KindInvalid, KindNextTable:
			// Grandchild tables, or a hole where a congruent
			// mapping was expected, make the merge unsafe.
			return false
		default:
			if ce.Addr != expectedAddr || ce.LowerAttrs != wantLower || ce.UpperAttrs != wantUpper {
				return false
			}
		}
	}

	block := Entry{Kind: KindBlock, Addr: args.phys, LowerAttrs: wantLower, UpperAttrs: wantUpper}
	w.ctrl.replaceEntry(w.cur().table, idx, block.encode(level), va, level.AddrSize, args.stage)
	w.partition.FreePhys(uintptr(e.Addr), uintptr(w.ctrl.granule))
	return true
}
