package vmsa

import "unsafe"

// event tags the operation driving a walk (§4.1). walk accepts it but does
// not consult it: the modifier is passed to walk directly, and the
// expected entry kinds are passed separately.
type event int

const (
	eventMap event = iota
	eventUnmap
	eventUnmapMatch
	eventLookup
	eventPrealloc
	eventDump
	eventExternal
)

// walkAction is a modifier's verdict for one visited entry (§4.1).
type walkAction int

const (
	actionContinue walkAction = iota
	actionStop
)

// frame is one level of the walker's stack (§3 "Walker stack frame").
type frame struct {
	paddr       uintptr
	table       []uint64
	entryCount  int
	windowMapped bool
	windowOwned bool
	level       int // index into the granule's level table
}

// walkState is threaded through a walk: the controller, the active
// partition for this transaction, the frame stack, and event-specific
// feedback a modifier may use to override default stepping (§4.1
// "accepts modifier feedback").
type walkState struct {
	ctrl      *controller
	partition Partition
	stage     Stage
	modArgs   any // event-specific argument block (mapArgs, unmapArgs, ...)

	stack    [MaxLevel + 1]frame
	depth    int // index of the current (topmost) frame

	// reqVA/reqEnd are the walk's original [va, va+size) bounds, exposed
	// for modifiers (unmap's partial-coverage and contiguous-group
	// checks) that need the full request rather than just the advancing
	// cursor.
	reqVA, reqEnd uint64

	// Modifier feedback, consulted after a modifier returns actionContinue
	// (§4.1 "accepts modifier feedback"). retry asks the walker to
	// re-examine the same index (e.g. after a merge/split replaced the
	// entry in place) instead of advancing past it.
	overrideNextVA uint64
	retry          bool
	haveOverride   bool
}

// modifier is the callback the walker invokes for every entry whose kind
// intersects the event's expected set (§4.1). It returns the next action
// and may mutate w's override fields to redirect stepping.
type modifier func(w *walkState, idx int, va uint64, e Entry) (walkAction, error)

// cur returns the active frame.
func (w *walkState) cur() *frame { return &w.stack[w.depth] }

// level returns the Level descriptor for the active frame.
func (w *walkState) level() Level {
	return w.ctrl.levels[w.cur().level]
}

// mapWindow ensures the active frame's physical page is accessible,
// window-mapping it through the partition if not already mapped (§4.1).
func (w *walkState) mapWindow() error {
	f := w.cur()
	if f.windowMapped {
		return nil
	}

	virt, err := w.partition.PhysMap(f.paddr, uintptr(w.ctrl.granuleSize()))
	if err != nil {
		return ErrNoMem
	}

	f.table = tableSlice(virt, f.entryCount)
	f.windowMapped = true
	f.windowOwned = true
	return nil
}

// unmapWindow releases an owned window, a no-op for frames that never
// window-mapped (e.g. a freshly allocated but not-yet-published table).
func (w *walkState) unmapWindow(f *frame) {
	if f.windowOwned && f.windowMapped {
		virt := uintptr(unsafe.Pointer(&f.table[0]))
		w.partition.PhysUnmap(virt, f.paddr, uintptr(w.ctrl.granuleSize()))
	}
	f.windowMapped = false
	f.windowOwned = false
}

// tableSlice reinterprets a granule-sized virtual window as a slice of
// 64-bit descriptors.
func tableSlice(virt uintptr, entryCount int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(virt)), entryCount)
}

// pushFrame descends into a child table.
func (w *walkState) pushFrame(paddr uintptr, level int) error {
	if w.depth+1 >= len(w.stack) {
		panic("vmsa: walker stack overflow")
	}
	w.depth++
	w.stack[w.depth] = frame{paddr: paddr, level: level, entryCount: w.ctrl.levels[level].EntryCount}
	return w.mapWindow()
}

// popFrame ascends one level, releasing any owned window.
func (w *walkState) popFrame() {
	w.unmapWindow(w.cur())
	w.depth--
}

// walk drives the generic depth-first traversal described in §4.1. va and
// size bound the range; expected selects which decoded entry kinds invoke
// mod; everything else causes the walker to descend (NEXT_TABLE) or step
// past (leaves) without invoking mod.
func walk(ctrl *controller, partition Partition, stage Stage, va, size uint64, ev event, expected EntryTypes, arg any, mod modifier) error {
	w := &walkState{ctrl: ctrl, partition: partition, stage: stage, modArgs: arg, reqVA: va, reqEnd: va + size}
	_ = ev
	w.stack[0] = frame{paddr: ctrl.rootPhys, level: ctrl.startLevel, entryCount: ctrl.rootEntryCount()}
	w.depth = 0

	defer func() {
		for d := w.depth; d >= 0; d-- {
			w.unmapWindow(&w.stack[d])
		}
	}()

	if err := w.mapWindow(); err != nil {
		return err
	}

	end := va + size

	for va < end {
		level := w.level()
		idx := level.index(va)
		if idx < 0 || idx >= w.cur().entryCount {
			panic("vmsa: walk index out of bounds")
		}

		f := w.cur()
		raw := atomicLoadRelaxed(&f.table[idx])
		e := decodeEntry(raw, level)
		if e.Kind == KindReserved {
			panic("vmsa: corrupt descriptor")
		}

		entryVA := level.entryVA(va, idx)
		entryEnd := entryVA + level.AddrSize

		// Default next step, overridden below if the modifier fires.
		w.haveOverride = false

		invoked := false
		if expected.allows(e.Kind) {
			action, err := mod(w, idx, va, e)
			if err != nil {
				return err
			}
			invoked = true
			if action == actionStop {
				return nil
			}
		}

		if w.haveOverride && w.retry {
			// Modifier replaced the entry in place (merge/split) and
			// wants it re-examined at the same VA/index.
			_ = invoked
			continue
		}

		if w.haveOverride {
			va = w.overrideNextVA
			if va >= entryEnd {
				w.ascendPastBoundary(idx, va)
			}
			continue
		}

		switch e.Kind {
		case KindNextTable:
			if level.IsOffset {
				panic("vmsa: descent into offset pseudo-level")
			}
			if err := w.pushFrame(uintptr(e.Addr), w.cur().level+1); err != nil {
				return err
			}
		default:
			_ = invoked
			next := entryEnd
			if next > end {
				next = end
			}
			va = next
			if next >= entryEnd {
				w.ascendPastBoundary(idx, va)
			}
		}
	}

	return nil
}

// ascendPastBoundary pops frames while the just-consumed index was the
// last entry of its table, mirroring the source's "if that crossed the
// parent's last index, ascend one level (repeat)". va is the
// already-advanced cursor, one past the consumed entry; each parent's
// just-consumed index is recomputed from va-1 rather than reconstructed
// from the child, since index() at any level is a pure function of the
// address.
func (w *walkState) ascendPastBoundary(idx int, va uint64) {
	for w.depth > 0 && idx == w.cur().entryCount-1 {
		w.popFrame()
		idx = w.level().index(va - 1)
	}
}

func (c *controller) granuleSize() int {
	return int(c.granule)
}

func (c *controller) rootEntryCount() int {
	if c.startLevelSize < uint64(c.granule) {
		return int(c.startLevelSize / 8)
	}
	return c.levels[c.startLevel].EntryCount
}
