package vmsa

// preallocArgs is the prealloc modifier's argument block (§4.5).
type preallocArgs struct {
	origVA   uint64
	origSize uint64
}

// doPrealloc implements §4.5: ensure every table on the path to the
// requested range exists, without installing any leaves.
func doPrealloc(w *walkState, idx int, va uint64, e Entry) (walkAction, error) {
	args := w.modArgs.(*preallocArgs)
	level := w.level()
	f := w.cur()

	if e.Kind != KindInvalid {
		panic("vmsa: unexpected entry kind in prealloc walk")
	}

	remaining := remainingSizeAtBounds(args.origVA, args.origSize, va)
	if remaining >= level.AddrSize {
		// Already adequately sized for this level: nothing to allocate,
		// matching the source's set_pgtables(..., count=0) no-op.
		return actionContinue, nil
	}

	if level.AllowedTypes&TypeNextTable == 0 {
		panic("vmsa: no legal entry type at this level for prealloc")
	}

	child, err := allocTable(w.partition, w.ctrl.granule)
	if err != nil {
		return actionStop, ErrNoMem
	}
	next := Entry{Kind: KindNextTable, Addr: child, Refcount: 0}
	atomicStoreRelease(&f.table[idx], next.encode(level))
	// This table just gained a non-invalid entry; bump the refcount one
	// level up the same way doMap does, so a multi-level preallocate
	// leaves every ancestor's refcount correct, not just the innermost.
	bumpParentRefcounts(w, va)
	// Force the walker to re-decode this index so it descends into the
	// table just installed instead of stepping past it (only NextTable
	// and Invalid, not Block/Page, may appear here).
	w.haveOverride, w.retry = true, true
	return actionContinue, nil
}

func remainingSizeAtBounds(origVA, origSize, va uint64) uint64 {
	end := origVA + origSize
	if va < end {
		return end - va
	}
	return 0
}
