package vmsa

// lookupArgs is the lookup modifier's argument block (§4.4) and result.
type lookupArgs struct {
	found bool

	Phys       uint64
	Size       uint64
	LowerAttrs uint64
	UpperAttrs uint64
}

// doLookup implements §4.4: stop at the first leaf found in range, recording
// its output address, size and raw attribute fields.
func doLookup(w *walkState, idx int, va uint64, e Entry) (walkAction, error) {
	args := w.modArgs.(*lookupArgs)
	level := w.level()

	args.found = true
	args.Phys = e.Addr
	args.Size = level.AddrSize
	args.LowerAttrs = e.LowerAttrs
	args.UpperAttrs = e.UpperAttrs
	return actionStop, nil
}
