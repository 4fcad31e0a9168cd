package vmsa

import "sync"

// controller is the shared state and behavior HypController and VMController
// embed (§4.6): the mutex/in-transaction bracket, the static level tables
// for the configured granule, the root table's location, and the BBM/TLB
// collaborators every modifier consults.
type controller struct {
	mu sync.Mutex

	granule        Granule
	levels         []Level
	levelIdxBase   int
	addressBits    uint
	startLevel     int
	startLevelSize uint64
	stage          Stage

	rootPhys uintptr

	bbm         BBMClass
	issueDVMCmd bool // true when DVM/DSB must reach other PEs (§9 dsbScope)

	tlb       TLB
	partition Partition

	inTransaction bool

	// vmid/vtcr/vttbr are populated only for stage-2 (VMController) and
	// left zero for stage-1.
	vmid  uint32
	vtcr  uint64
	vttbr uint64
}

// initController populates the static, granule-derived fields shared by
// both controller kinds, and allocates the root table.
func initController(c *controller, p Partition, t TLB, g Granule, addressBits uint, bbm BBMClass, stage Stage) error {
	c.granule = g
	c.levels = levelsFor(g)
	c.levelIdxBase = levelIndexBase(g)
	c.addressBits = addressBits
	c.bbm = bbm
	c.tlb = t
	c.partition = p
	c.stage = stage

	level, size := startLevel(g, addressBits, stage == Stage2)
	c.startLevel = level
	c.startLevelSize = size

	root, err := p.Alloc(uintptr(size), uintptr(size))
	if err != nil {
		return ErrNoMem
	}
	table := tableSlice(root, int(size)/8)
	for i := range table {
		table[i] = 0
	}
	c.rootPhys = uintptr(p.VirtToPhys(root))
	return nil
}

// destroyController frees the root table. Callers are responsible for
// having unmapped everything below it first (§4.6 "Destroy").
func destroyController(c *controller) {
	c.partition.FreePhys(c.rootPhys, uintptr(c.startLevelSize))
}

// Start begins a transaction bracket (§5): only one walk may be in flight
// per controller at a time, mirroring the source's "disable preemption,
// single hypervisor thread" model with a mutex instead of a thread-local.
func (c *controller) Start() {
	c.mu.Lock()
	if c.inTransaction {
		panic("vmsa: re-entrant transaction")
	}
	c.inTransaction = true
}

// Commit ends the transaction bracket started by Start, issuing the
// stage-appropriate closing barrier sequence (§4.6 "commit"): stage-1 is a
// single DSB; stage-2 additionally invalidates the whole VMID's stage-1
// TLB entries, since guest stage-1 walks cache stage-2 translations.
func (c *controller) Commit() {
	scope := dsbScope(c)
	c.barrier(scope)
	if c.stage == Stage2 {
		c.tlb.VMAlle1(scope)
		c.barrier(scope)
	}

	c.inTransaction = false
	c.mu.Unlock()
}

// barrier issues a DSB at the given scope via the TLB collaborator.
func (c *controller) barrier(scope Shareability) {
	c.tlb.DSB(scope)
}

// invalidateRange issues the stage-appropriate TLB invalidation covering
// [va, va+size) (§4 "TLB invalidation"), preferring the ranged instruction
// form when the granule admits a power-of-two shift.
func (c *controller) invalidateRange(va, size uint64, stage Stage) {
	scope := dsbScope(c)
	shift := granuleShift(c.granule)

	switch stage {
	case Stage1:
		c.tlb.VARangeE2(uintptr(va), uintptr(size), shift)
	case Stage2:
		// VMAlle1 is not issued here: it is a whole-VMID stage-1-of-guest
		// invalidation, needed at most once per transaction, and Commit
		// already issues it exactly once after every walk in the
		// transaction has run (§4.6 "commit").
		c.tlb.IPAS2E1Range(uintptr(va), uintptr(size), shift, scope)
	}
	c.barrier(scope)
}

// granuleShift returns log2 of the granule size.
func granuleShift(g Granule) uint {
	shift := uint(0)
	for v := uint64(g); v > 1; v >>= 1 {
		shift++
	}
	return shift
}
