package vmsa

// ops.go holds the stage-agnostic operation bodies §4.6 describes, shared
// by HypController and VMController: argument validation, the
// start/commit transaction bracket, and (for map) rollback on failure.

// validateRange checks alignment, overflow, and that [va, va+size) stays
// within the controller's configured address width. va is taken as a
// canonical address: the bits above address_bits must be all-zero (stage-2,
// or a hypervisor's TTBR0 half) or all-one (a hypervisor's TTBR1 half) —
// the walker itself only ever consults va's low address_bits worth of bits,
// since every level index is (va>>lsb)&(entryCount-1).
func validateRange(c *controller, va, size uint64) error {
	if size == 0 || size%uint64(c.granule) != 0 || va%uint64(c.granule) != 0 {
		return ErrArgumentAlignment
	}
	if va+size < va {
		return ErrAddrOverflow
	}

	top := va >> c.addressBits
	allOnes := (uint64(1) << (64 - c.addressBits)) - 1
	if top != 0 && top != allOnes {
		return ErrAddrInvalid
	}

	low := va & ((uint64(1) << c.addressBits) - 1)
	if low+size > uint64(1)<<c.addressBits {
		return ErrAddrInvalid
	}
	return nil
}

func mapOp(c *controller, va, size, phys uint64, attrs Attrs, mergeLimit uint64, tryMap bool) error {
	if err := validateRange(c, va, size); err != nil {
		return err
	}
	if phys%uint64(c.granule) != 0 {
		return ErrArgumentAlignment
	}

	c.Start()
	defer c.Commit()

	args := &mapArgs{
		origVA: va, origSize: size, phys: phys,
		attrs: attrs, stage: c.stage, tryMap: tryMap,
		mergeLimit: mergeLimit, newPageStartLevel: -1, newFramesFrom: -1,
	}

	expected := TypeInvalid | TypeBlock | TypePage | TypeNextTable
	err := walk(c, c.partition, c.stage, va, size, eventMap, expected, args, doMap)
	if err != nil {
		// §7: partial mapping is rolled back via unmap(preserve_all).
		if args.partiallyMappedSize > 0 {
			unmapLocked(c, va, args.partiallyMappedSize, ^uint64(0))
		}
		return err
	}
	return nil
}

func unmapOp(c *controller, va, size, preserved uint64) error {
	if err := validateRange(c, va, size); err != nil {
		panic(err)
	}
	c.Start()
	defer c.Commit()
	unmapLocked(c, va, size, preserved)
	return nil
}

// unmapLocked performs the walk assuming c's mutex is already held (used
// both by the public Unmap path and by map's rollback path, which runs
// inside its own Start/Commit bracket).
func unmapLocked(c *controller, va, size, preserved uint64) {
	args := &unmapArgs{preservedSize: preserved, stage: c.stage}
	expected := TypeBlock | TypePage
	if err := walk(c, c.partition, c.stage, va, size, eventUnmap, expected, args, doUnmap); err != nil {
		panic(err)
	}
}

func unmapMatchOp(c *controller, va, size, phys, matchSize uint64) error {
	if err := validateRange(c, va, size); err != nil {
		return err
	}
	c.Start()
	defer c.Commit()

	args := &unmapArgs{stage: c.stage, isMatch: true, matchPhys: phys, matchSize: matchSize}
	expected := TypeBlock | TypePage
	return walk(c, c.partition, c.stage, va, size, eventUnmapMatch, expected, args, doUnmap)
}

func lookupOp(c *controller, va uint64) (phys, size uint64, attrs Attrs, ok bool) {
	if err := validateRange(c, va, uint64(c.granule)); err != nil {
		return 0, 0, Attrs{}, false
	}

	c.Start()
	defer c.Commit()

	args := &lookupArgs{}
	expected := TypeBlock | TypePage
	_ = walk(c, c.partition, c.stage, va, uint64(c.granule), eventLookup, expected, args, doLookup)

	if !args.found {
		return 0, 0, Attrs{}, false
	}
	return args.Phys, args.Size, decodeLeafAttrs(args.LowerAttrs, args.UpperAttrs, c.stage), true
}

func preallocOp(c *controller, va, size uint64) error {
	if err := validateRange(c, va, size); err != nil {
		return err
	}
	c.Start()
	defer c.Commit()

	args := &preallocArgs{origVA: va, origSize: size}
	expected := TypeInvalid
	return walk(c, c.partition, c.stage, va, size, eventPrealloc, expected, args, doPrealloc)
}
