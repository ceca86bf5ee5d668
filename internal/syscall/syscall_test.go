package syscall

import (
	"encoding/binary"
	"testing"

	"hydra/internal/bitfield"
	"hydra/internal/device"
	"hydra/internal/kernerr"
	"hydra/internal/process"
	"hydra/internal/vfs"
	"hydra/internal/vmm"
)

const testPageSize = 4096

func buildELF(entry uint64, fileBytes []byte, memSize uint64) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	phoff := uint64(ehdrSize)

	buf := make([]byte, phoff+phdrSize)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 2
	binary.LittleEndian.PutUint16(buf[16:18], 2)
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], phoff)
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	ph := buf[phoff:]
	binary.LittleEndian.PutUint32(ph[0:4], 1)
	binary.LittleEndian.PutUint32(ph[4:8], 1|2)
	binary.LittleEndian.PutUint64(ph[8:16], uint64(len(buf)))
	binary.LittleEndian.PutUint64(ph[16:24], entry)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(fileBytes)))
	binary.LittleEndian.PutUint64(ph[40:48], memSize)

	return append(buf, fileBytes...)
}

type fakeVFS struct {
	files map[string][]byte
	off   int64
}

func newFakeVFS() *fakeVFS { return &fakeVFS{files: map[string][]byte{}} }

func (f *fakeVFS) Open(path string, flags vfs.OpenFlags) (vfs.Handle, *vfs.Mount, kernerr.Code) {
	if _, ok := f.files[path]; !ok {
		return nil, nil, kernerr.Unavailable
	}
	f.off = 0
	return path, nil, kernerr.Success
}

func (f *fakeVFS) Read(h vfs.Handle, m *vfs.Mount, buf []byte) (int, kernerr.Code) {
	data := f.files[h.(string)]
	n := copy(buf, data[f.off:])
	f.off += int64(n)
	return n, kernerr.Success
}

func (f *fakeVFS) Write(h vfs.Handle, m *vfs.Mount, buf []byte) (int, kernerr.Code) {
	return len(buf), kernerr.Success
}

func (f *fakeVFS) Seek(h vfs.Handle, offset int64, mode vfs.SeekMode, m *vfs.Mount) (int64, kernerr.Code) {
	f.off = offset
	return offset, kernerr.Success
}

func (f *fakeVFS) Close(h vfs.Handle, m *vfs.Mount) kernerr.Code { return kernerr.Success }

type fakeFrames struct{ next uintptr }

func (f *fakeFrames) Alloc() (uintptr, kernerr.Code) {
	f.next += testPageSize
	return f.next, kernerr.Success
}
func (f *fakeFrames) Free(addr uintptr) kernerr.Code { return kernerr.Success }

type fakeMemory struct{ pages map[uintptr][]byte }

func newFakeMemory() *fakeMemory { return &fakeMemory{pages: map[uintptr][]byte{}} }

func (m *fakeMemory) page(addr uintptr) []byte {
	base := addr &^ uintptr(testPageSize-1)
	p, ok := m.pages[base]
	if !ok {
		p = make([]byte, testPageSize)
		m.pages[base] = p
	}
	return p
}

func (m *fakeMemory) ZeroFrame(addr uintptr) {
	p := m.page(addr)
	for i := range p {
		p[i] = 0
	}
}

func (m *fakeMemory) Read(addr uintptr, buf []byte) kernerr.Code {
	base := addr &^ uintptr(testPageSize-1)
	off := addr - base
	copy(buf, m.page(addr)[off:])
	return kernerr.Success
}

func (m *fakeMemory) Write(addr uintptr, buf []byte) kernerr.Code {
	base := addr &^ uintptr(testPageSize-1)
	off := addr - base
	copy(m.page(addr)[off:], buf)
	return kernerr.Success
}

type fakeMapper struct {
	mapped map[uintptr]uintptr
	spaces int
}

func newFakeMapper() *fakeMapper { return &fakeMapper{mapped: map[uintptr]uintptr{}} }

func (m *fakeMapper) NewAddressSpace() (vmm.PML4, kernerr.Code) {
	m.spaces++
	return vmm.PML4(uintptr(m.spaces) * testPageSize * 1000), kernerr.Success
}

func (m *fakeMapper) Map(root vmm.PML4, vaddr, paddr uintptr, flags bitfield.PTEFlags) kernerr.Code {
	m.mapped[vaddr] = paddr
	return kernerr.Success
}

func (m *fakeMapper) Translate(root vmm.PML4, vaddr uintptr, useUserBit bool) (uintptr, bool) {
	base := vaddr &^ uintptr(testPageSize-1)
	off := vaddr - base
	paddr, ok := m.mapped[base]
	if !ok {
		return 0, false
	}
	return paddr + off, true
}

func (m *fakeMapper) Switch(root vmm.PML4) {}

type fakeDevices struct{ devices map[device.Type]*device.Device }

func (d *fakeDevices) ByTypeIndex(t device.Type, index int) *device.Device {
	return d.devices[t]
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *process.Manager, *fakeVFS, *fakeMapper, *fakeMemory) {
	t.Helper()
	v := newFakeVFS()
	v.files["/bin/init"] = buildELF(0x400000, []byte("hi"), testPageSize)

	frames := &fakeFrames{}
	mapper := newFakeMapper()
	mem := newFakeMemory()

	procs := process.New(frames, mapper, mem, v, 0x100000, 0x101000)
	devices := &fakeDevices{devices: map[device.Type]*device.Device{}}

	d := New(procs, frames, mapper, mem, v, devices)
	return d, procs, v, mapper, mem
}

func writeUserBytes(t *testing.T, mapper *fakeMapper, mem *fakeMemory, proc *process.Process, vaddr uintptr, data []byte) {
	t.Helper()
	base := vaddr &^ uintptr(testPageSize-1)
	off := vaddr - base
	paddr, ok := mapper.Translate(proc.PML4, base, true)
	if !ok {
		t.Fatalf("vaddr %#x is not mapped", vaddr)
	}
	mem.Write(paddr+off, data)
}

func TestDispatchPipeThenWriteThenRead(t *testing.T) {
	d, procs, _, mapper, mem := newTestDispatcher(t)

	proc, code := procs.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	if code := procs.Register(proc); code != kernerr.Success {
		t.Fatalf("Register failed: %v", code)
	}
	if _, code := procs.ExecuteNext(nil); code != kernerr.Success {
		t.Fatalf("ExecuteNext failed: %v", code)
	}

	pipeIdx := d.Dispatch(Pipe, Args{}, proc.State)
	if pipeIdx < 0 {
		t.Fatalf("pipe syscall failed: %d", pipeIdx)
	}

	// Stage the bytes to write at a scratch vaddr inside the stack page
	// already mapped for this process.
	scratch := uintptr(process.StackVaddrBase + testPageSize)
	writeUserBytes(t, mapper, mem, proc, scratch, []byte("hello"))

	n := d.Dispatch(Write, Args{pipeIdx, int64(scratch), 5}, proc.State)
	if n != 5 {
		t.Fatalf("write returned %d, want 5", n)
	}

	readScratch := scratch + 64
	n = d.Dispatch(Read, Args{pipeIdx, int64(readScratch), 5}, proc.State)
	if n != 5 {
		t.Fatalf("read returned %d, want 5", n)
	}

	got := make([]byte, 5)
	base := readScratch &^ uintptr(testPageSize-1)
	off := readScratch - base
	paddr, _ := mapper.Translate(proc.PML4, base, true)
	mem.Read(paddr+off, got)
	if string(got) != "hello" {
		t.Errorf("read bytes = %q, want %q", got, "hello")
	}
}

func TestDispatchForkAssignsFreshPID(t *testing.T) {
	d, procs, _, _, _ := newTestDispatcher(t)

	proc, code := procs.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	if code := procs.Register(proc); code != kernerr.Success {
		t.Fatalf("Register failed: %v", code)
	}
	if _, code := procs.ExecuteNext(nil); code != kernerr.Success {
		t.Fatalf("ExecuteNext failed: %v", code)
	}

	childPID := d.Dispatch(Fork, Args{}, proc.State)
	if childPID < 0 {
		t.Fatalf("fork failed: %d", childPID)
	}
	if uint64(childPID) == proc.PID {
		t.Error("expected the forked child to have a different pid")
	}
	if procs.FromPID(uint64(childPID)) == nil {
		t.Error("expected the forked child to be registered")
	}
}

func TestDispatchPingFindsRegisteredPID(t *testing.T) {
	d, procs, _, _, _ := newTestDispatcher(t)

	proc, code := procs.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	if code := procs.Register(proc); code != kernerr.Success {
		t.Fatalf("Register failed: %v", code)
	}
	if _, code := procs.ExecuteNext(nil); code != kernerr.Success {
		t.Fatalf("ExecuteNext failed: %v", code)
	}

	got := d.Dispatch(Ping, Args{int64(proc.PID)}, proc.State)
	if got != int64(proc.PID) {
		t.Errorf("ping = %d, want %d", got, proc.PID)
	}

	got = d.Dispatch(Ping, Args{int64(proc.PID) + 99}, proc.State)
	if got != 0 {
		t.Errorf("ping for unknown pid = %d, want 0", got)
	}
}

func TestDispatchAllocReturnsIncreasingAddresses(t *testing.T) {
	d, procs, _, _, _ := newTestDispatcher(t)

	proc, code := procs.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	if code := procs.Register(proc); code != kernerr.Success {
		t.Fatalf("Register failed: %v", code)
	}
	if _, code := procs.ExecuteNext(nil); code != kernerr.Success {
		t.Fatalf("ExecuteNext failed: %v", code)
	}

	a := d.Dispatch(Alloc, Args{}, proc.State)
	b := d.Dispatch(Alloc, Args{}, proc.State)
	if b != a+testPageSize {
		t.Errorf("second alloc = %#x, want %#x", b, a+testPageSize)
	}
}

func TestDispatchCloseNulsOutSlot(t *testing.T) {
	d, procs, _, _, _ := newTestDispatcher(t)

	proc, code := procs.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	if code := procs.Register(proc); code != kernerr.Success {
		t.Fatalf("Register failed: %v", code)
	}
	if _, code := procs.ExecuteNext(nil); code != kernerr.Success {
		t.Fatalf("ExecuteNext failed: %v", code)
	}

	pipeIdx := d.Dispatch(Pipe, Args{}, proc.State)
	d.Dispatch(Close, Args{pipeIdx}, proc.State)

	if proc.Streams[pipeIdx].Kind != 0 {
		t.Error("expected the closed slot to revert to KindNull")
	}
}
