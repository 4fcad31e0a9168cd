package partition

import (
	"container/list"
	"sync"
	"unsafe"

	"github.com/usbarmory/hyp-vmsa/vmsa"
)

// Arena is a granule-aware, first-fit Partition backed by a single []byte
// buffer, the adaptation target for usbarmory-tamago/dma.Region's
// allocator: free space is tracked the same way (a doubly-linked list of
// free blocks, first-fit search, split-on-allocate, coalesce-on-free), but
// the public surface is vmsa.Partition instead of a DMA buffer pool.
type Arena struct {
	mu sync.Mutex

	buf      []byte
	virtBase uintptr
	physBase uintptr

	freeBlocks *list.List
	usedBlocks map[uintptr]*block
}

// NewArena allocates a size-byte arena and a phys base offset from the
// arena's virtual address, so VirtToPhys/PhysMap exercise a non-identity
// translation even though both ends are backed by the same Go slice.
func NewArena(size int, physBase uintptr) *Arena {
	buf := make([]byte, size)

	a := &Arena{
		buf:        buf,
		virtBase:   uintptr(unsafe.Pointer(&buf[0])),
		physBase:   physBase,
		freeBlocks: list.New(),
		usedBlocks: make(map[uintptr]*block),
	}
	a.freeBlocks.PushFront(&block{addr: a.virtBase, size: uintptr(size)})
	return a
}

// Alloc implements vmsa.Partition (ported from dma.Region.alloc: first-fit
// search, pad for alignment, split the remainder back into the free list).
func (a *Arena) Alloc(size, align uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if align == 0 {
		align = 8
	}

	var e *list.Element
	var freeBlock *block
	var pad uintptr
	want := size

	for e = a.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		pad = -b.addr & (align - 1)
		want = size + pad

		if b.size >= want {
			freeBlock = b
			break
		}
	}

	if freeBlock == nil {
		return 0, vmsa.ErrNoMem
	}
	if r := freeBlock.size - want; r != 0 {
		a.freeBlocks.InsertAfter(&block{addr: freeBlock.addr + want, size: r}, e)
	}
	if pad != 0 {
		a.freeBlocks.InsertBefore(&block{addr: freeBlock.addr, size: pad}, e)
		freeBlock.addr += pad
		freeBlock.size -= pad
	}
	freeBlock.size = size
	a.freeBlocks.Remove(e)

	a.usedBlocks[freeBlock.addr] = freeBlock
	return freeBlock.addr, nil
}

// Free implements vmsa.Partition, returning a virtual allocation to the
// free list (ported from dma.Region.free/freeBlock).
func (a *Arena) Free(virt uintptr, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(virt)
}

// FreePhys implements vmsa.Partition: the engine frees table pages by
// physical address, so this translates back to virtual before releasing.
func (a *Arena) FreePhys(phys uintptr, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(phys - a.physBase + a.virtBase)
}

func (a *Arena) freeLocked(virt uintptr) {
	b, ok := a.usedBlocks[virt]
	if !ok {
		return
	}
	delete(a.usedBlocks, virt)

	for e := a.freeBlocks.Front(); e != nil; e = e.Next() {
		fb := e.Value.(*block)
		if fb.addr > b.addr {
			a.freeBlocks.InsertBefore(b, e)
			a.defrag()
			return
		}
	}
	a.freeBlocks.PushBack(b)
}

// defrag merges adjacent free blocks, ported from dma.Region.defrag.
func (a *Arena) defrag() {
	var prev *block
	for e := a.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if prev != nil && prev.addr+prev.size == b.addr {
			prev.size += b.size
			defer a.freeBlocks.Remove(e)
			continue
		}
		prev = b
	}
}

// UsedBytes reports the total size of all live allocations, for tests that
// assert an operation did or did not allocate a new table page.
func (a *Arena) UsedBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uintptr
	for _, b := range a.usedBlocks {
		total += b.size
	}
	return total
}

// VirtToPhys implements vmsa.Partition.
func (a *Arena) VirtToPhys(virt uintptr) uintptr {
	return virt - a.virtBase + a.physBase
}

// PhysMap implements vmsa.Partition. The arena is a single Go slice, so
// there is no real window to map: this just recovers the virtual address
// backing phys.
func (a *Arena) PhysMap(phys uintptr, size uintptr) (uintptr, error) {
	return phys - a.physBase + a.virtBase, nil
}

// PhysUnmap implements vmsa.Partition. A no-op, since PhysMap never
// allocated a distinct window.
func (a *Arena) PhysUnmap(virt, phys uintptr, size uintptr) {}

// PhysAccessEnable/PhysAccessDisable implement vmsa.Partition as no-ops:
// this arena models ordinary process memory, never behind an access gate.
func (a *Arena) PhysAccessEnable(addr uintptr)  {}
func (a *Arena) PhysAccessDisable(addr uintptr) {}
