// Package heap is the kernel's buddy allocator: a single growable
// window of virtual memory, carved into power-of-two blocks with an
// array of free lists indexed by order.
package heap

import (
	"unsafe"

	"hydra/internal/bitfield"
	"hydra/internal/kernerr"
	"hydra/internal/vmm"
)

const (
	minBuddySize = 64
	maxOrder     = 16
	expandPages  = 16
	pageSize     = 4096

	flagUsed uint8 = 1
)

// header prefixes every block, free or allocated, exactly as laid out
// in memory: reading one back from a raw address is a pointer cast,
// not a parse.
type header struct {
	size  uint64
	flags uint8
	_     [7]byte // pad to 8-byte alignment ahead of the pointer fields
	next  uintptr
	prev  uintptr
}

const headerSize = unsafe.Sizeof(header{})

// Frames is the physical-frame source the heap expands into.
type Frames interface {
	Alloc() (uintptr, kernerr.Code)
}

// Mapper installs the virtual-to-physical mappings backing the heap
// window; satisfied by *vmm.Manager.
type Mapper interface {
	Map(root vmm.PML4, vaddr, paddr uintptr, flags bitfield.PTEFlags) kernerr.Code
}

// Manager is a single buddy heap. It is not safe for concurrent use;
// the kernel serializes all allocator access under its single-threaded
// scheduling model.
type Manager struct {
	frames Frames
	mapper Mapper
	root   vmm.PML4

	base      uintptr
	head      uintptr
	tail      uintptr
	alignment uintptr

	freeLists [maxOrder]uintptr // each slot holds a header address, or 0
}

func at(addr uintptr) *header { return (*header)(unsafe.Pointer(addr)) }

func sizeToOrder(size uint64) int {
	normalized := size
	if normalized < minBuddySize {
		normalized = minBuddySize
	}
	order := 0
	for uint64(minBuddySize)<<uint(order) < normalized && order < maxOrder-1 {
		order++
	}
	return order
}

func orderToSize(order int) uint64 { return uint64(minBuddySize) << uint(order) }

func (m *Manager) nextBuddy(h *header) *header {
	return at(uintptr(unsafe.Pointer(h)) + uintptr(h.size))
}

func isFree(h *header) bool { return h.flags&flagUsed == 0 }

func (m *Manager) insertFree(h *header) {
	order := sizeToOrder(h.size)
	addr := uintptr(unsafe.Pointer(h))

	if addr == h.next {
		kernerr.Panic("heap: self-loop detected inserting free block at 0x%x", addr)
	}

	h.next = m.freeLists[order]
	h.prev = 0
	if m.freeLists[order] != 0 {
		at(m.freeLists[order]).prev = addr
	}
	m.freeLists[order] = addr
}

func (m *Manager) removeFree(h *header) {
	order := sizeToOrder(h.size)

	if h.prev != 0 {
		at(h.prev).next = h.next
	} else {
		m.freeLists[order] = h.next
	}
	if h.next != 0 {
		at(h.next).prev = h.prev
	}
	h.next, h.prev = 0, 0
}

// New constructs a heap Manager. The window is not yet committed;
// call Init to map the initial size and make the heap usable.
func New(frames Frames, mapper Mapper, root vmm.PML4) *Manager {
	return &Manager{frames: frames, mapper: mapper, root: root}
}

func alignForward(p, align uintptr) uintptr {
	modulo := p & (align - 1)
	if modulo != 0 {
		p += align - modulo
	}
	return p
}

// Init maps initialSize bytes of frames starting at base into the
// given alignment and seeds the heap with one free block spanning the
// whole window. initialSize and alignment must each be a power of two,
// and base must be nonzero and already aligned.
func (m *Manager) Init(base uintptr, initialSize uintptr, alignment uintptr) kernerr.Code {
	if base == 0 || initialSize&(initialSize-1) != 0 || alignment&(alignment-1) != 0 {
		return kernerr.InvalidArg
	}
	if alignment < headerSize {
		alignment = headerSize
	}
	if base%alignment != 0 {
		return kernerr.InvalidArg
	}

	if code := m.commit(base, initialSize); code != kernerr.Success {
		return code
	}

	m.base = base
	m.alignment = alignment
	m.head = base

	h := at(base)
	h.size = uint64(initialSize)
	h.flags = 0
	h.next, h.prev = 0, 0

	m.tail = uintptr(unsafe.Pointer(m.nextBuddy(h)))
	m.freeLists[sizeToOrder(h.size)] = base

	return kernerr.Success
}

func (m *Manager) commit(vaddrStart uintptr, size uintptr) kernerr.Code {
	pages := (size + pageSize - 1) / pageSize
	for i := uintptr(0); i < pages; i++ {
		phys, code := m.frames.Alloc()
		if code != kernerr.Success {
			return kernerr.NoMem
		}
		vaddr := vaddrStart + i*pageSize
		if code := m.mapper.Map(m.root, vaddr, phys, bitfield.PTEFlags{Present: true, Writable: true}); code != kernerr.Success {
			return code
		}
	}
	return kernerr.Success
}

func (m *Manager) split(h *header, targetSize uint64) *header {
	for h.size/2 >= targetSize && h.size/2 >= minBuddySize {
		half := h.size / 2
		h.size = half

		split := m.nextBuddy(h)
		split.size = half
		split.flags = 0
		m.insertFree(split)
	}
	return h
}

func (m *Manager) coalesce(h *header) {
	for {
		next := m.nextBuddy(h)
		if uintptr(unsafe.Pointer(next)) == m.tail {
			return
		}
		if h.size == next.size && isFree(h) && isFree(next) {
			m.removeFree(next)
			h.size *= 2
			continue
		}
		return
	}
}

func (m *Manager) allocate(size uint64) *header {
	target := sizeToOrder(size)
	for order := target; order < maxOrder; order++ {
		if m.freeLists[order] == 0 {
			continue
		}
		h := at(m.freeLists[order])
		m.removeFree(h)
		h = m.split(h, orderToSize(target))
		h.flags |= flagUsed
		return h
	}
	return nil
}

func (m *Manager) expand(requestSize uint64) kernerr.Code {
	expandSize := alignForward(uintptr(requestSize), pageSize)
	if expandSize < expandPages*pageSize {
		expandSize = expandPages * pageSize
	}

	if code := m.commit(m.tail, expandSize); code != kernerr.Success {
		return code
	}

	newNode := at(m.tail)
	newNode.size = uint64(expandSize)
	newNode.flags = 0
	newNode.next, newNode.prev = 0, 0

	m.tail = uintptr(unsafe.Pointer(m.nextBuddy(newNode)))

	m.insertFree(newNode)
	m.coalesce(at(m.head))

	return kernerr.Success
}

// Alloc returns a pointer to at least size usable bytes, or nil when
// the heap cannot be grown to satisfy the request.
func (m *Manager) Alloc(size uintptr) unsafe.Pointer {
	adjusted := uint64(size) + uint64(m.alignment)

	h := m.allocate(adjusted)
	if h == nil {
		if code := m.expand(adjusted); code != kernerr.Success {
			return nil
		}
		h = m.allocate(adjusted)
		if h == nil {
			return nil
		}
	}

	return unsafe.Pointer(uintptr(unsafe.Pointer(h)) + m.alignment)
}

// Free releases a block previously returned by Alloc. Freeing nil is a
// no-op; freeing an already-free block is an invariant violation.
func (m *Manager) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	h := at(uintptr(ptr) - m.alignment)
	if isFree(h) {
		kernerr.Panic("heap: double free at %p", ptr)
		return
	}

	h.flags &^= flagUsed
	m.coalesce(h)
	m.insertFree(h)
}

// Realloc allocates newSize bytes, copies min(oldSize, newSize) bytes
// from ptr, and frees the old block.
func (m *Manager) Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer {
	res := m.Alloc(newSize)
	if res == nil {
		return nil
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	if ptr != nil && n > 0 {
		dst := unsafe.Slice((*byte)(res), n)
		src := unsafe.Slice((*byte)(ptr), n)
		copy(dst, src)
	}
	m.Free(ptr)
	return res
}

// Stats summarizes heap health for diagnostics: total free bytes
// across the whole window, and a count of free blocks (the original
// kernel's notion of "fragmentation count" — every free block is one
// potential fragment regardless of size).
type Stats struct {
	FreeBytes  uint64
	FreeBlocks uint64
	TotalBytes uint64
}

func (m *Manager) Stats() Stats {
	var s Stats
	for addr := m.head; addr != m.tail; {
		h := at(addr)
		s.TotalBytes += h.size
		if isFree(h) {
			s.FreeBytes += h.size
			s.FreeBlocks++
		}
		addr = uintptr(unsafe.Pointer(m.nextBuddy(h)))
	}
	return s
}
