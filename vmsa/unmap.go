package vmsa

// unmapArgs is the unmap modifier's argument block (§4.3). phys/size are
// only meaningful for eventUnmapMatch.
type unmapArgs struct {
	preservedSize uint64
	stage         Stage

	matchPhys uint64
	matchSize uint64
	isMatch   bool
}

// doUnmap implements §4.3's per-entry policy.
func doUnmap(w *walkState, idx int, va uint64, e Entry) (walkAction, error) {
	args := w.modArgs.(*unmapArgs)
	level := w.level()
	f := w.cur()

	switch e.Kind {
	case KindBlock, KindPage:
		if args.isMatch {
			matchEnd := args.matchPhys + args.matchSize
			if e.Addr < args.matchPhys || e.Addr >= matchEnd {
				return actionContinue, nil
			}
		}

		entryVA := level.entryVA(va, idx)
		entryEnd := entryVA + level.AddrSize

		if w.reqVA > entryVA || w.reqEnd < entryEnd {
			// Partially covered: split to the next smaller size and retry.
			if err := splitBlock(w, idx, e, level, entryVA); err != nil {
				return actionStop, err
			}
			w.haveOverride, w.retry = true, true
			return actionContinue, nil
		}

		if e.Contiguous && !contiguousGroupCovered(w, idx, level, va) {
			clearContiguousBit(w, idx, level, va)
		} else {
			atomicStoreRelease(&f.table[idx], 0)
			w.ctrl.invalidateRange(entryVA, level.AddrSize, args.stage)
		}

		decrementAndMaybeFree(w, va, args)
		return actionContinue, nil

	default:
		panic("vmsa: unexpected entry kind in unmap walk")
	}
}

// contiguousGroupCovered reports whether the request fully covers every
// member of idx's contiguous group, in which case the whole group can be
// invalidated without first clearing the contiguous bit.
func contiguousGroupCovered(w *walkState, idx int, level Level, va uint64) bool {
	groupSize := level.ContiguousEntryCount
	if groupSize == 0 {
		return true
	}
	groupBase := idx - idx%groupSize
	groupVA := level.entryVA(va, groupBase)
	groupEnd := groupVA + uint64(groupSize)*level.AddrSize
	return w.reqVA <= groupVA && groupEnd <= w.reqEnd
}

// clearContiguousBit implements §4.3.3's partial-contiguous-group BBM
// sequence: the whole group is invalidated, range-TLBI'd, then every
// surviving (non-requested) member is rewritten without the contiguous bit.
func clearContiguousBit(w *walkState, idx int, level Level, va uint64) {
	f := w.cur()
	groupSize := level.ContiguousEntryCount
	groupBase := idx - idx%groupSize
	groupVA := level.entryVA(va, groupBase)

	saved := make([]uint64, groupSize)
	for i := 0; i < groupSize; i++ {
		saved[i] = f.table[groupBase+i]
		atomicStoreRelease(&f.table[groupBase+i], 0)
	}
	w.ctrl.barrier(dsbScope(w.ctrl))
	w.ctrl.invalidateRange(groupVA, uint64(groupSize)*level.AddrSize, w.stage)
	w.ctrl.barrier(dsbScope(w.ctrl))

	for i := 0; i < groupSize; i++ {
		entryVA := groupVA + uint64(i)*level.AddrSize
		if entryVA >= w.reqVA && entryVA < w.reqEnd {
			continue // requested member stays invalid
		}
		e := decodeEntry(saved[i], level)
		e.Contiguous = false
		atomicStoreRelease(&f.table[groupBase+i], e.encode(level))
	}
}

// decrementAndMaybeFree implements §4.3.4: walk up decrementing refcounts,
// freeing child tables whose refcount reaches zero and whose level isn't
// protected by preserved_size, stopping at the first ancestor that is
// either still referenced or preserved.
func decrementAndMaybeFree(w *walkState, va uint64, args *unmapArgs) {
	for d := w.depth - 1; d >= 0; d-- {
		parent := &w.stack[d]
		level := w.ctrl.levels[parent.level]
		idx := level.index(va)

		raw := parent.table[idx]
		count := refcountAt(raw) - 1
		if count < 0 {
			count = 0
		}
		parent.table[idx] = setRefcount(raw, count)

		if count > 0 {
			return
		}
		if level.AddrSize < args.preservedSize {
			return
		}

		childPhys := decodeEntry(raw, level).Addr
		atomicStoreRelease(&parent.table[idx], 0)
		w.ctrl.invalidateRange(va, level.AddrSize, args.stage)
		w.partition.FreePhys(uintptr(childPhys), uintptr(w.ctrl.granule))
	}
}
