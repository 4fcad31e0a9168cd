package vmsa

// HypController is the stage-1 hypervisor address-space controller (§3
// "Address-space controllers"). A hypervisor may split its virtual space
// into a low half (TTBR0) and a high half (TTBR1); either half is optional,
// so low/high are separate controller pointers rather than a single one
// with a split flag.
type HypController struct {
	low  *controller
	high *controller
}

// HypConfig selects which halves to instantiate and their shared
// parameters. A nil Low or High means that half is absent.
type HypConfig struct {
	Granule     Granule
	AddressBits uint
	BBM         BBMClass
	Low, High   *HypHalfConfig
}

// HypHalfConfig is the per-half partition/TLB pair.
type HypHalfConfig struct {
	Partition Partition
	TLB       TLB
}

// NewHypController allocates the root table(s) for the requested halves
// (§4.6 "init").
func NewHypController(cfg HypConfig) (*HypController, error) {
	hc := &HypController{}

	if cfg.Low != nil {
		c := &controller{}
		if err := initController(c, cfg.Low.Partition, cfg.Low.TLB, cfg.Granule, cfg.AddressBits, cfg.BBM, Stage1); err != nil {
			return nil, err
		}
		hc.low = c
	}
	if cfg.High != nil {
		c := &controller{}
		if err := initController(c, cfg.High.Partition, cfg.High.TLB, cfg.Granule, cfg.AddressBits, cfg.BBM, Stage1); err != nil {
			hc.Destroy()
			return nil, err
		}
		hc.high = c
	}
	return hc, nil
}

// Destroy frees both halves' root tables (§4.6 "destroy"). Must be called
// outside any transaction.
func (hc *HypController) Destroy() {
	if hc.low != nil {
		destroyController(hc.low)
	}
	if hc.high != nil {
		destroyController(hc.high)
	}
}

// half picks the low or high controller for a VA, per the split TTBR0/
// TTBR1 convention: bit 63 of the canonical VA selects the half.
func (hc *HypController) half(va uint64) (*controller, error) {
	high := va&(1<<63) != 0
	if high {
		if hc.high == nil {
			return nil, ErrAddrInvalid
		}
		return hc.high, nil
	}
	if hc.low == nil {
		return nil, ErrAddrInvalid
	}
	return hc.low, nil
}

func (hc *HypController) Map(va, size, phys uint64, attrs Attrs, mergeLimit uint64) error {
	c, err := hc.half(va)
	if err != nil {
		return err
	}
	return mapOp(c, va, size, phys, attrs, mergeLimit, true)
}

func (hc *HypController) Remap(va, size, phys uint64, attrs Attrs, mergeLimit uint64) error {
	c, err := hc.half(va)
	if err != nil {
		return err
	}
	return mapOp(c, va, size, phys, attrs, mergeLimit, false)
}

func (hc *HypController) Unmap(va, size, preserved uint64) error {
	c, err := hc.half(va)
	if err != nil {
		return err
	}
	return unmapOp(c, va, size, preserved)
}

func (hc *HypController) UnmapMatching(va, size, phys, matchSize uint64) error {
	c, err := hc.half(va)
	if err != nil {
		return err
	}
	return unmapMatchOp(c, va, size, phys, matchSize)
}

func (hc *HypController) Lookup(va uint64) (phys, size uint64, attrs Attrs, ok bool) {
	c, err := hc.half(va)
	if err != nil {
		return 0, 0, Attrs{}, false
	}
	return lookupOp(c, va)
}

func (hc *HypController) Preallocate(va, size uint64) error {
	c, err := hc.half(va)
	if err != nil {
		return err
	}
	return preallocOp(c, va, size)
}
