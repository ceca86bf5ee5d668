package vmm

import (
	"unsafe"

	"hydra/internal/kernerr"
)

// fakeFrames backs test address spaces with a plain Go byte slice
// standing in for physical RAM, so table walks can run without an MMU.
type fakeFrames struct {
	ram  []byte
	next uintptr
}

func newFakeFrames(frames int) *fakeFrames {
	return &fakeFrames{ram: make([]byte, frames*pageSize)}
}

func (f *fakeFrames) Alloc() (uintptr, kernerr.Code) {
	if int(f.next)+pageSize > len(f.ram) {
		return 0, kernerr.NoMem
	}
	addr := f.next
	f.next += pageSize
	return addr, kernerr.Success
}

func (f *fakeFrames) physToVirt(phys uintptr) unsafe.Pointer {
	return unsafe.Pointer(&f.ram[phys])
}

func newTestManager(frames int) (*Manager, *fakeFrames) {
	ff := newFakeFrames(frames)
	return New(ff, ff.physToVirt), ff
}
