// Package pmm is the physical frame allocator: a bitmap over every
// 4 KiB frame in usable RAM, built from the boot memory map.
package pmm

import (
	"sync"

	"hydra/internal/boot"
	"hydra/internal/kernerr"
)

// FrameSize is the fixed physical frame size this kernel manages.
const FrameSize = 4096

// Zeroer is implemented by whatever can clear a physical frame's
// contents before handing it back from Alloc. Kept as an interface
// rather than a hard dependency on a specific write-primitive so tests
// can substitute a plain Go slice zero instead of the asm-backed one.
type Zeroer interface {
	ZeroFrame(physAddr uintptr)
}

// Manager owns the frame bitmap and the running free/used/reserved
// counts the conservation invariant checks against.
type Manager struct {
	mu       sync.Mutex
	bitmap   []uint64 // one bit per frame; set means used-or-reserved
	reserved []uint64 // one bit per frame; set means permanently reserved
	base     uintptr  // physical address of frame 0 (always 0 here)
	numFrames uint64
	zero     Zeroer

	freeCount     uint64
	reservedCount uint64
}

func wordIndex(frame uint64) (word int, bit uint) {
	return int(frame / 64), uint(frame % 64)
}

// New builds a Manager sized to cover every frame in
// [0, info.HighestUsableAddress()), marking reserved/ACPI/NVS regions
// and anything outside an Available region as used at init.
func New(info *boot.Info, zero Zeroer) *Manager {
	highest := info.HighestUsableAddress()
	numFrames := (uint64(highest) + FrameSize - 1) / FrameSize
	words := (numFrames + 63) / 64

	m := &Manager{
		bitmap:    make([]uint64, words),
		reserved:  make([]uint64, words),
		numFrames: numFrames,
		zero:      zero,
	}

	// Start everything used, then punch holes for available regions.
	for i := range m.bitmap {
		m.bitmap[i] = ^uint64(0)
	}

	for _, r := range info.MemoryMap {
		if r.Type != boot.RegionAvailable {
			continue
		}
		startFrame := uint64(r.Base) / FrameSize
		endFrame := (uint64(r.Base) + uint64(r.Length)) / FrameSize
		for f := startFrame; f < endFrame && f < numFrames; f++ {
			m.clearBit(m.bitmap, f)
		}
	}

	for _, r := range info.MemoryMap {
		if r.Type == boot.RegionACPIReclaimable || r.Type == boot.RegionACPINVS || r.Type == boot.RegionBadRAM {
			startFrame := uint64(r.Base) / FrameSize
			endFrame := (uint64(r.Base) + uint64(r.Length) + FrameSize - 1) / FrameSize
			for f := startFrame; f < endFrame && f < numFrames; f++ {
				m.setBit(m.bitmap, f)
				m.setBit(m.reserved, f)
			}
		}
	}

	m.freeCount = 0
	for f := uint64(0); f < numFrames; f++ {
		if !m.testBit(m.bitmap, f) {
			m.freeCount++
		}
	}
	m.reservedCount = popcountRange(m.reserved, numFrames)

	return m
}

func (m *Manager) setBit(bits []uint64, frame uint64) {
	w, b := wordIndex(frame)
	bits[w] |= 1 << b
}

func (m *Manager) clearBit(bits []uint64, frame uint64) {
	w, b := wordIndex(frame)
	bits[w] &^= 1 << b
}

func (m *Manager) testBit(bits []uint64, frame uint64) bool {
	w, b := wordIndex(frame)
	return bits[w]&(1<<b) != 0
}

func popcountRange(bits []uint64, numFrames uint64) uint64 {
	var count uint64
	for f := uint64(0); f < numFrames; f++ {
		w, b := wordIndex(f)
		if bits[w]&(1<<b) != 0 {
			count++
		}
	}
	return count
}

func (m *Manager) frameOf(addr uintptr) uint64 { return uint64(addr) / FrameSize }

// Reserve marks the frame containing addr used without handing it out,
// for ranges the caller already knows are occupied (the kernel image).
func (m *Manager) Reserve(addr uintptr) kernerr.Code {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame := m.frameOf(addr)
	if frame >= m.numFrames {
		return kernerr.InvalidArg
	}
	if !m.testBit(m.bitmap, frame) {
		m.freeCount--
	}
	m.setBit(m.bitmap, frame)
	return kernerr.Success
}

// Alloc returns the physical address of a free, zero-initialised
// frame, or (0, NoMem) when the pool is exhausted.
func (m *Manager) Alloc() (uintptr, kernerr.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, ok := m.findFree(0)
	if !ok {
		return 0, kernerr.NoMem
	}
	m.setBit(m.bitmap, frame)
	m.freeCount--

	addr := uintptr(frame * FrameSize)
	if m.zero != nil {
		m.zero.ZeroFrame(addr)
	}
	return addr, kernerr.Success
}

// AllocContiguous linearly searches for n consecutive free frames and
// allocates the whole run atomically, used for framebuffer mappings
// that must be physically contiguous.
func (m *Manager) AllocContiguous(n uint64) (uintptr, kernerr.Code) {
	if n == 0 {
		return 0, kernerr.InvalidArg
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var runStart uint64
	var runLen uint64
	for f := uint64(0); f < m.numFrames; f++ {
		if m.testBit(m.bitmap, f) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = f
		}
		runLen++
		if runLen == n {
			for i := uint64(0); i < n; i++ {
				m.setBit(m.bitmap, runStart+i)
			}
			m.freeCount -= n
			addr := uintptr(runStart * FrameSize)
			if m.zero != nil {
				for i := uint64(0); i < n; i++ {
					m.zero.ZeroFrame(addr + uintptr(i*FrameSize))
				}
			}
			return addr, kernerr.Success
		}
	}
	return 0, kernerr.NoMem
}

func (m *Manager) findFree(start uint64) (uint64, bool) {
	for f := start; f < m.numFrames; f++ {
		if !m.testBit(m.bitmap, f) {
			return f, true
		}
	}
	return 0, false
}

// Free returns a previously allocated frame to the pool. Freeing a
// reserved or already-free frame is an invariant violation.
func (m *Manager) Free(addr uintptr) kernerr.Code {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame := m.frameOf(addr)
	if frame >= m.numFrames {
		return kernerr.InvalidArg
	}
	if m.testBit(m.reserved, frame) {
		return kernerr.AccessDenied
	}
	if !m.testBit(m.bitmap, frame) {
		kernerr.Panic("pmm: double free of frame at 0x%x", addr)
		return kernerr.Corrupt
	}
	m.clearBit(m.bitmap, frame)
	m.freeCount++
	return kernerr.Success
}

// Stats is a snapshot of the conservation-invariant counters:
// free_count + reserved_count + used_count = total_count always.
type Stats struct {
	TotalFrames    uint64
	FreeFrames     uint64
	ReservedFrames uint64
	UsedFrames     uint64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.numFrames - m.freeCount - m.reservedCount
	return Stats{
		TotalFrames:    m.numFrames,
		FreeFrames:     m.freeCount,
		ReservedFrames: m.reservedCount,
		UsedFrames:     used,
	}
}
