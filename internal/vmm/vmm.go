// Package vmm is the 4-level x86_64 page-table walker: map, translate,
// and switch, built on top of the physical frame allocator in pmm.
package vmm

import (
	"unsafe"

	"hydra/internal/asm"
	"hydra/internal/bitfield"
	"hydra/internal/kernerr"
	"hydra/internal/pmm"
)

const (
	entriesPerTable = 512
	pageSize        = pmm.FrameSize

	pteAddrMask = 0x000ffffffffff000
)

// PML4 is the physical address of a process's top-level page table.
// The zero value is not a valid table.
type PML4 uintptr

// entry is one raw 8-byte page-table entry at any of the four levels.
type entry uint64

func (e entry) present() bool    { return e&1 != 0 }
func (e entry) physAddr() uintptr { return uintptr(e) & pteAddrMask }

const nxBit = uint64(1) << 63

func packEntry(phys uintptr, flags bitfield.PTEFlags) entry {
	packed, err := bitfield.Pack(flags, &bitfield.Config{NumBits: 12})
	if err != nil {
		kernerr.Panic("vmm: flag packing failed: %v", err)
	}
	e := uint64(phys&pteAddrMask) | packed
	if flags.NoExecute {
		e |= nxBit
	}
	return entry(e)
}

// Frames is the allocator every intermediate table level and every
// mapped page is drawn from.
type Frames interface {
	Alloc() (uintptr, kernerr.Code)
}

// Manager walks and mutates page tables for a single address space at
// a time; callers serialize access to a given PML4 themselves (the
// kernel is single-threaded with respect to any one process).
type Manager struct {
	frames    Frames
	physToVirt func(uintptr) unsafe.Pointer
}

// New constructs a Manager. physToVirt converts a physical address of
// a frame this kernel owns into a virtual address the current address
// space can dereference — on this kernel that is the identity-mapped
// low region the bootloader sets up, but the indirection keeps table
// walking testable without a real MMU.
func New(frames Frames, physToVirt func(uintptr) unsafe.Pointer) *Manager {
	return &Manager{frames: frames, physToVirt: physToVirt}
}

func (m *Manager) tableAt(phys uintptr) *[entriesPerTable]entry {
	return (*[entriesPerTable]entry)(m.physToVirt(phys))
}

func indices(vaddr uintptr) (pml4i, pdpti, pdi, pti int) {
	pml4i = int((vaddr >> 39) & 0x1ff)
	pdpti = int((vaddr >> 30) & 0x1ff)
	pdi = int((vaddr >> 21) & 0x1ff)
	pti = int((vaddr >> 12) & 0x1ff)
	return
}

// NewAddressSpace allocates and zeroes a fresh top-level table.
func (m *Manager) NewAddressSpace() (PML4, kernerr.Code) {
	phys, code := m.frames.Alloc()
	if code != kernerr.Success {
		return 0, code
	}
	return PML4(phys), kernerr.Success
}

// Map installs a single vaddr -> paddr translation, allocating and
// zeroing any intermediate table levels that don't exist yet.
func (m *Manager) Map(root PML4, vaddr, paddr uintptr, flags bitfield.PTEFlags) kernerr.Code {
	if vaddr%pageSize != 0 || paddr%pageSize != 0 {
		return kernerr.InvalidArg
	}

	pml4i, pdpti, pdi, pti := indices(vaddr)

	pdptPhys, code := m.descend(uintptr(root), pml4i, flags.User)
	if code != kernerr.Success {
		return code
	}
	pdPhys, code := m.descend(pdptPhys, pdpti, flags.User)
	if code != kernerr.Success {
		return code
	}
	ptPhys, code := m.descend(pdPhys, pdi, flags.User)
	if code != kernerr.Success {
		return code
	}

	pt := m.tableAt(ptPhys)
	pt[pti] = packEntry(paddr, flags)
	return kernerr.Success
}

// descend returns the physical address of the next-level table at
// index idx within the table at tablePhys, allocating it if absent.
// userBit propagates the child's user-accessibility requirement
// upward: an intermediate entry is user-accessible if anything
// beneath it is.
func (m *Manager) descend(tablePhys uintptr, idx int, userBit bool) (uintptr, kernerr.Code) {
	table := m.tableAt(tablePhys)
	e := table[idx]

	if e.present() {
		if userBit && !decodeUser(e) {
			table[idx] = packEntry(e.physAddr(), bitfield.PTEFlags{
				Present:  true,
				Writable: true,
				User:     true,
			})
		}
		return e.physAddr(), kernerr.Success
	}

	childPhys, code := m.frames.Alloc()
	if code != kernerr.Success {
		return 0, kernerr.NoMem
	}

	table[idx] = packEntry(childPhys, bitfield.PTEFlags{
		Present:  true,
		Writable: true,
		User:     userBit,
	})
	return childPhys, kernerr.Success
}

// MapRange maps n consecutive frames starting at paddr to n
// consecutive pages starting at vaddr.
func (m *Manager) MapRange(root PML4, vaddr, paddr uintptr, n int, flags bitfield.PTEFlags) kernerr.Code {
	for i := 0; i < n; i++ {
		off := uintptr(i) * pageSize
		if code := m.Map(root, vaddr+off, paddr+off, flags); code != kernerr.Success {
			return code
		}
	}
	return kernerr.Success
}

// Translate walks the table rooted at root and returns the physical
// address vaddr maps to, or ok=false if it is unmapped (or, when
// useUserBit is set, not accessible from user mode).
func (m *Manager) Translate(root PML4, vaddr uintptr, useUserBit bool) (paddr uintptr, ok bool) {
	pml4i, pdpti, pdi, pti := indices(vaddr)
	offset := vaddr % pageSize

	pml4 := m.tableAt(uintptr(root))
	e := pml4[pml4i]
	if !e.present() || (useUserBit && !decodeUser(e)) {
		return 0, false
	}

	pdpt := m.tableAt(e.physAddr())
	e = pdpt[pdpti]
	if !e.present() || (useUserBit && !decodeUser(e)) {
		return 0, false
	}

	pd := m.tableAt(e.physAddr())
	e = pd[pdi]
	if !e.present() || (useUserBit && !decodeUser(e)) {
		return 0, false
	}

	pt := m.tableAt(e.physAddr())
	e = pt[pti]
	if !e.present() || (useUserBit && !decodeUser(e)) {
		return 0, false
	}

	return e.physAddr() + offset, true
}

func decodeUser(e entry) bool {
	var flags bitfield.PTEFlags
	_ = bitfield.Unpack(uint64(e), &flags)
	return flags.User
}

// Switch loads root into CR3, making it the active address space and
// flushing the TLB as a side effect of the write.
func (m *Manager) Switch(root PML4) {
	asm.LoadCR3(uintptr(root))
}

// InvalidatePage flushes a single stale TLB entry after remapping
// vaddr without a full address-space switch.
func (m *Manager) InvalidatePage(vaddr uintptr) {
	asm.InvalidatePage(vaddr)
}
