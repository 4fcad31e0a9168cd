package vmsa

// mapArgs is the map modifier's argument block (§4.2).
type mapArgs struct {
	origVA         uint64
	origSize       uint64
	phys           uint64 // advancing cursor
	attrs          Attrs
	stage          Stage
	tryMap         bool
	mergeLimit     uint64
	newPageStartLevel int // -1 if no new frames pushed yet this walk

	partiallyMappedSize uint64
	newFramesFrom       int // depth of the first frame this walk created; mapOp's rollback does not read it and keeps every table the walk created
}

// doMap implements §4.2's per-entry policy. It is installed as the walker's
// modifier for event eventMap with expected = INVALID|BLOCK|PAGE|NEXT_TABLE.
func doMap(w *walkState, idx int, va uint64, e Entry) (walkAction, error) {
	args := w.modArgs.(*mapArgs)
	level := w.level()
	f := w.cur()

	switch e.Kind {
	case KindNextTable:
		// §4.2.1: attempt to merge the sub-table into a block first.
		if tryMergeSubTable(w, idx, va, e, args) {
			w.haveOverride, w.retry = true, true
			return actionContinue, nil
		}
		// Otherwise simply descend (handled by the walker's default
		// NEXT_TABLE step; nothing to do here).
		return actionContinue, nil

	case KindBlock, KindPage:
		wantLower, wantUpper := buildLeafAttrs(args.attrs, args.stage)
		want := Entry{Kind: e.Kind, Addr: args.phys, LowerAttrs: wantLower, UpperAttrs: wantUpper}

		if e.Addr == args.phys && attrsEqual(e, want) {
			// Idempotent no-op (§8 "map; map is a no-op").
			args.phys += level.AddrSize
			return actionContinue, nil
		}

		if args.tryMap {
			args.partiallyMappedSize = va - args.origVA
			return actionStop, ErrExistingMapping
		}

		if attrsEqualExceptPermission(e, want, args.stage) {
			updateInPlace(w, idx, want, level, va)
			args.phys += level.AddrSize
			return actionContinue, nil
		}

		// Non-trivial modify: split a block that isn't fully covered,
		// otherwise unmap-then-remap as BBM.
		if e.Kind == KindBlock && !rangeCoversEntry(remainingSizeAt(args, va), level) {
			if err := splitBlock(w, idx, e, level, va); err != nil {
				args.partiallyMappedSize = va - args.origVA
				return actionStop, err
			}
			w.haveOverride, w.retry = true, true
			return actionContinue, nil
		}

		newRaw := want.encode(level)
		w.ctrl.replaceEntry(f.table, idx, newRaw, va, level.AddrSize, args.stage)
		args.phys += level.AddrSize
		return actionContinue, nil

	case KindInvalid:
		if level.AllowedTypes&(TypeBlock|TypePage) != 0 && remainingSizeAt(args, va) >= level.AddrSize && args.phys%level.AddrSize == 0 {
			lower, upper := buildLeafAttrs(args.attrs, args.stage)
			kind := KindPage
			if level.AllowedTypes&TypeBlock != 0 {
				kind = KindBlock
			}
			leaf := Entry{Kind: kind, Addr: args.phys, LowerAttrs: lower, UpperAttrs: upper}
			atomicStoreRelease(&f.table[idx], leaf.encode(level))
			bumpParentRefcounts(w, va)
			args.phys += level.AddrSize
			return actionContinue, nil
		}

		if level.AllowedTypes&TypeNextTable != 0 {
			child, err := allocTable(w.partition, w.ctrl.granule)
			if err != nil {
				args.partiallyMappedSize = va - args.origVA
				return actionStop, ErrNoMem
			}
			if args.newPageStartLevel < 0 {
				args.newPageStartLevel = f.level
				args.newFramesFrom = w.depth
			}
			next := Entry{Kind: KindNextTable, Addr: child, Refcount: 0}
			atomicStoreRelease(&f.table[idx], next.encode(level))
			// This table just gained a non-invalid entry (the NEXT_TABLE
			// entry just written), so the entry one level up that points
			// at this table needs its refcount bumped too — not just the
			// leaf's immediate parent. Doing this at every new-table step
			// (rather than deferring to the eventual leaf install) makes
			// the bump cascade one hop at a time up chains of any depth,
			// mirroring set_pgtables' recursive refcount propagation.
			bumpParentRefcounts(w, va)
			// The walker's default step reads e.Kind captured before this
			// call ran; force it to re-decode this index so it descends
			// into the table just installed instead of stepping past it.
			w.haveOverride, w.retry = true, true
			return actionContinue, nil
		}

		panic("vmsa: no legal entry type at this level for map")

	default:
		panic("vmsa: unexpected entry kind in map walk")
	}
}

// remainingSizeAt is the size of the request still to be satisfied at va.
func remainingSizeAt(args *mapArgs, va uint64) uint64 {
	end := args.origVA + args.origSize
	if va < end {
		return end - va
	}
	return 0
}

func rangeCoversEntry(remaining uint64, level Level) bool {
	return remaining >= level.AddrSize
}

// bumpParentRefcounts increments the immediate parent's NEXT_TABLE
// refcount by one after a new leaf or a new NEXT_TABLE entry is installed
// in the current table, mirroring set_pgtables(... initial_refcount=1 ...).
func bumpParentRefcounts(w *walkState, va uint64) {
	if w.depth == 0 {
		return
	}
	parent := &w.stack[w.depth-1]
	if !parent.windowMapped {
		return
	}
	childLevel := w.ctrl.levels[parent.level]
	childIdx := childLevel.index(va)
	raw := parent.table[childIdx]
	parent.table[childIdx] = setRefcount(raw, refcountAt(raw)+1)
}

// updateInPlace rewrites only the permission fields of an existing leaf
// run (§4.2.2), avoiding BBM, then issues a covering TLB invalidation.
func updateInPlace(w *walkState, idx int, want Entry, level Level, va uint64) {
	f := w.cur()
	raw := f.table[idx]
	cur := decodeEntry(raw, level)
	cur.LowerAttrs = want.LowerAttrs
	cur.UpperAttrs = want.UpperAttrs
	atomicStoreRelease(&f.table[idx], cur.encode(level))
	w.ctrl.invalidateRange(va, level.AddrSize, w.stage)
}

// allocTable allocates and zeroes one granule-sized table page from the
// partition, returning its physical address.
func allocTable(p Partition, g Granule) (uint64, error) {
	virt, err := p.Alloc(uintptr(g), uintptr(g))
	if err != nil {
		return 0, err
	}
	table := tableSlice(virt, int(g)/8)
	for i := range table {
		table[i] = 0
	}
	return uint64(p.VirtToPhys(virt)), nil
}
