// Package dmamem allocates DMA-coherent buffers and descriptor slabs and
// translates them to 32-bit bus (IOVA) addresses (spec §2 "DMA memory"
// row, §3 "DMA descriptor ring").
package dmamem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is one DMA-coherent allocation: a virtual-memory mapping plus the
// 32-bit bus address the hardware should be programmed with. On a real
// IOMMU-backed system the bus address differs from the virtual address; in
// this simulated/host-test environment it is derived from the allocation's
// position in a flat identity-mapped arena so offsets stay under the OHCI
// 32-bit bus-address constraint.
type Region struct {
	mem       []byte
	busBase   uint32
}

// Bytes returns the backing slice.
func (r *Region) Bytes() []byte { return r.mem }

// BusAddress returns the 32-bit bus address of byte offset off within the
// region.
func (r *Region) BusAddress(off int) (uint32, error) {
	if off < 0 || off > len(r.mem) {
		return 0, fmt.Errorf("dmamem: offset %d out of range (len %d)", off, len(r.mem))
	}
	addr := uint64(r.busBase) + uint64(off)
	if addr > 0xFFFFFFFF {
		return 0, fmt.Errorf("dmamem: bus address %#x exceeds 32-bit constraint", addr)
	}
	return uint32(addr), nil
}

// Free releases the mapping.
func (r *Region) Free() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// Allocator hands out page-aligned, locked (non-swappable) anonymous
// mappings and assigns each a monotonically increasing bus-address base,
// modeling a 32-bit-constrained IOVA space without a real IOMMU.
type Allocator struct {
	nextBusBase uint32
}

// NewAllocator returns an allocator whose bus addresses start at base
// (callers typically reserve low addresses for other DMA clients).
func NewAllocator(base uint32) *Allocator {
	return &Allocator{nextBusBase: base}
}

const pageSize = 4096

// Alloc reserves size bytes aligned to alignment (a power of two). An
// alignment below pageSize, such as the 2 KiB Self-ID buffer alignment
// required by OHCI §11.3, is raised to pageSize.
func (a *Allocator) Alloc(size int, alignment int) (*Region, error) {
	if alignment < pageSize {
		alignment = pageSize
	}
	mapLen := alignUp(size, pageSize)
	mem, err := unix.Mmap(-1, 0, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("dmamem: mmap %d bytes: %w", mapLen, err)
	}
	if err := unix.Mlock(mem); err != nil {
		// Locking is best-effort: a host test environment without
		// CAP_IPC_LOCK should not fail the allocation outright.
		_ = err
	}
	base := alignUp32(a.nextBusBase, uint32(alignment))
	a.nextBusBase = base + uint32(mapLen)
	return &Region{mem: mem[:size], busBase: base}, nil
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func alignUp32(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
