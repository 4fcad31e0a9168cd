package vmsa

// VMController is the stage-2 guest-VM translation controller (§3
// "Address-space controllers"): a single half carrying a VMID and a cached
// VTCR_EL2/VTTBR_EL2 image, unlike HypController's optional low/high split.
type VMController struct {
	c controller

	vmid16Bit bool
	paBits    uint64
	hafdbs    uint64
	secureEL2 bool
}

// VMConfig configures a guest VM's stage-2 translation regime.
type VMConfig struct {
	Partition   Partition
	TLB         TLB
	Granule     Granule
	AddressBits uint
	BBM         BBMClass
	VMID        uint32
	VMID16Bit   bool
	PABits      uint64
	HAFDBS      uint64
	SecureEL2   bool
	IssueDVMCmd bool
}

// NewVMController allocates the stage-2 root table and derives the cached
// VTCR_EL2/VTTBR_EL2 images (§4.6 "init").
func NewVMController(cfg VMConfig) (*VMController, error) {
	vc := &VMController{
		vmid16Bit: cfg.VMID16Bit,
		paBits:    cfg.PABits,
		hafdbs:    cfg.HAFDBS,
		secureEL2: cfg.SecureEL2,
	}

	if err := initController(&vc.c, cfg.Partition, cfg.TLB, cfg.Granule, cfg.AddressBits, cfg.BBM, Stage2); err != nil {
		return nil, err
	}
	vc.c.vmid = cfg.VMID
	vc.c.issueDVMCmd = cfg.IssueDVMCmd

	vc.c.vtcr = BuildVTCR(VTCRConfig{
		AddressBits: cfg.AddressBits,
		Granule:     cfg.Granule,
		StartLevel:  vc.c.startLevel + levelIndexBase(cfg.Granule),
		PABits:      cfg.PABits,
		VMID16Bit:   cfg.VMID16Bit,
		HAFDBS:      cfg.HAFDBS,
		SecureEL2:   cfg.SecureEL2,
	})
	vc.c.vttbr = BuildVTTBR(VTTBRConfig{
		RootPhys:  vc.c.rootPhys,
		VMID:      cfg.VMID,
		VMID16Bit: cfg.VMID16Bit,
	})

	return vc, nil
}

// Destroy frees the stage-2 root table (§4.6 "destroy"). Must be called
// outside any transaction.
func (vc *VMController) Destroy() {
	destroyController(&vc.c)
}

// VTCR returns the cached VTCR_EL2 image, for the out-of-scope context
// switch collaborator to load.
func (vc *VMController) VTCR() uint64 { return vc.c.vtcr }

// VTTBR returns the cached VTTBR_EL2 image.
func (vc *VMController) VTTBR() uint64 { return vc.c.vttbr }

func (vc *VMController) Map(ipa, size, phys uint64, attrs Attrs, mergeLimit uint64) error {
	return mapOp(&vc.c, ipa, size, phys, attrs, mergeLimit, true)
}

func (vc *VMController) Remap(ipa, size, phys uint64, attrs Attrs, mergeLimit uint64) error {
	return mapOp(&vc.c, ipa, size, phys, attrs, mergeLimit, false)
}

func (vc *VMController) Unmap(ipa, size, preserved uint64) error {
	return unmapOp(&vc.c, ipa, size, preserved)
}

func (vc *VMController) UnmapMatching(ipa, size, phys, matchSize uint64) error {
	return unmapMatchOp(&vc.c, ipa, size, phys, matchSize)
}

func (vc *VMController) Lookup(ipa uint64) (phys, size uint64, attrs Attrs, ok bool) {
	return lookupOp(&vc.c, ipa)
}

func (vc *VMController) Preallocate(ipa, size uint64) error {
	return preallocOp(&vc.c, ipa, size)
}
