package process

import (
	"encoding/binary"
	"testing"

	"hydra/internal/bitfield"
	"hydra/internal/elfload"
	"hydra/internal/kernerr"
	"hydra/internal/stream"
	"hydra/internal/vfs"
	"hydra/internal/vmm"
)

// A minimal valid ELF64 executable: one PT_LOAD segment, entry == its
// own vaddr, no file-backed bytes beyond a handful of payload bytes.
func buildELF(entry uint64, fileBytes []byte, memSize uint64) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	phoff := uint64(ehdrSize)

	buf := make([]byte, phoff+phdrSize)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELF64
	buf[5] = 2 // little endian
	binary.LittleEndian.PutUint16(buf[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], phoff)
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	ph := buf[phoff:]
	binary.LittleEndian.PutUint32(ph[0:4], 1)    // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], 1|2)  // PF_X | PF_W
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
	_, ok := f.files[path]
	if !ok {
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

func (f *fakeVFS) Seek(h vfs.Handle, offset int64, mode vfs.SeekMode, m *vfs.Mount) (int64, kernerr.Code) {
	f.off = offset
	return offset, kernerr.Success
}

func (f *fakeVFS) Close(h vfs.Handle, m *vfs.Mount) kernerr.Code { return kernerr.Success }

type fakeFrames struct{ next uintptr }

func (f *fakeFrames) Alloc() (uintptr, kernerr.Code) {
	f.next += pageSize
	return f.next, kernerr.Success
}
func (f *fakeFrames) Free(addr uintptr) kernerr.Code { return kernerr.Success }

type fakeMemory struct{ pages map[uintptr][]byte }

func newFakeMemory() *fakeMemory { return &fakeMemory{pages: map[uintptr][]byte{}} }

func (m *fakeMemory) page(addr uintptr) []byte {
	base := addr &^ uintptr(pageSize-1)
	p, ok := m.pages[base]
	if !ok {
		p = make([]byte, pageSize)
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
	base := addr &^ uintptr(pageSize-1)
	off := addr - base
	copy(buf, m.page(addr)[off:])
	return kernerr.Success
}

func (m *fakeMemory) Write(addr uintptr, buf []byte) kernerr.Code {
	base := addr &^ uintptr(pageSize-1)
	off := addr - base
	copy(m.page(addr)[off:], buf)
	return kernerr.Success
}

// fakeMapper is a flat vaddr->paddr map; Translate ignores the user
// bit and table-walk semantics entirely, which is fine for exercising
// process-level logic that only needs "did Map record this address".
type fakeMapper struct {
	mapped map[uintptr]uintptr
	spaces int
}

func newFakeMapper() *fakeMapper { return &fakeMapper{mapped: map[uintptr]uintptr{}} }

func (m *fakeMapper) NewAddressSpace() (vmm.PML4, kernerr.Code) {
	m.spaces++
	return vmm.PML4(uintptr(m.spaces) * pageSize * 1000), kernerr.Success
}

func (m *fakeMapper) Map(root vmm.PML4, vaddr, paddr uintptr, flags bitfield.PTEFlags) kernerr.Code {
	m.mapped[vaddr] = paddr
	return kernerr.Success
}

func (m *fakeMapper) Translate(root vmm.PML4, vaddr uintptr, useUserBit bool) (uintptr, bool) {
	base := vaddr &^ uintptr(pageSize-1)
	off := vaddr - base
	paddr, ok := m.mapped[base]
	if !ok {
		return 0, false
	}
	return paddr + off, true
}

func (m *fakeMapper) Switch(root vmm.PML4) {}

func newTestManager(t *testing.T) (*Manager, *fakeVFS, *fakeFrames, *fakeMapper, *fakeMemory) {
	t.Helper()
	v := newFakeVFS()
	v.files["/bin/init"] = buildELF(elfload.ProcessVaddr, []byte("hi"), pageSize)

	frames := &fakeFrames{}
	mapper := newFakeMapper()
	mem := newFakeMemory()

	mgr := New(frames, mapper, mem, v, 0x100000, 0x101000)
	return mgr, v, frames, mapper, mem
}

func TestCreateLoadsELFAndMapsStack(t *testing.T) {
	mgr, _, _, mapper, _ := newTestManager(t)

	proc, code := mgr.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	if proc.State.RIP != elfload.ProcessVaddr {
		t.Errorf("rip = %#x, want %#x", proc.State.RIP, elfload.ProcessVaddr)
	}
	if proc.State.RSP != StackVaddrBase+StackSize-16 {
		t.Errorf("rsp = %#x, want %#x", proc.State.RSP, StackVaddrBase+StackSize-16)
	}
	if len(proc.StackPages) != StackSize/pageSize {
		t.Errorf("got %d stack pages, want %d", len(proc.StackPages), StackSize/pageSize)
	}
	if _, mapped := mapper.mapped[0x100000]; !mapped {
		t.Error("expected the kernel range to be identity-mapped")
	}
	for _, s := range proc.Streams {
		if s == nil {
			t.Fatal("expected every descriptor slot to hold a stream")
		}
	}
}

func TestCreateAssignsIncreasingPIDs(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)

	a, code := mgr.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	b, code := mgr.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	if b.PID != a.PID+1 {
		t.Errorf("pid = %d, want %d", b.PID, a.PID+1)
	}
}

func TestCloneCopiesStackAndRegisters(t *testing.T) {
	mgr, _, _, _, mem := newTestManager(t)

	parent, code := mgr.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}
	mem.Write(parent.StackPages[0], []byte("parent-stack-marker"))

	child, code := mgr.Clone(parent)
	if code != kernerr.Success {
		t.Fatalf("Clone failed: %v", code)
	}
	if child.PID == parent.PID {
		t.Error("expected clone to get a fresh pid")
	}
	if len(child.StackPages) != len(parent.StackPages) {
		t.Fatalf("stack page count mismatch")
	}

	got := make([]byte, len("parent-stack-marker"))
	mem.Read(child.StackPages[0], got)
	if string(got) != "parent-stack-marker" {
		t.Errorf("expected the child's stack to carry the parent's bytes, got %q", got)
	}
}

func TestAllocatePageGrowsHeapAndRejectsOverflow(t *testing.T) {
	mgr, _, frames, mapper, _ := newTestManager(t)
	proc, code := mgr.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}

	vaddr, code := proc.AllocatePage(frames, mapper)
	if code != kernerr.Success {
		t.Fatalf("AllocatePage failed: %v", code)
	}
	if vaddr != HeapVaddrBase {
		t.Errorf("vaddr = %#x, want %#x", vaddr, HeapVaddrBase)
	}

	for i := 1; i < MaxHeapPages; i++ {
		if _, code := proc.AllocatePage(frames, mapper); code != kernerr.Success {
			t.Fatalf("AllocatePage[%d] failed: %v", i, code)
		}
	}

	if _, code := proc.AllocatePage(frames, mapper); code != kernerr.Overflow {
		t.Errorf("expected Overflow once MaxHeapPages is reached, got %v", code)
	}
}

func TestInsertAndRemoveStream(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	proc, code := mgr.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}

	pipe := stream.NewPipe()
	idx, code := proc.InsertStream(pipe)
	if code != kernerr.Success {
		t.Fatalf("InsertStream failed: %v", code)
	}
	if proc.Streams[idx] != pipe {
		t.Fatalf("expected slot %d to hold the inserted stream", idx)
	}

	if code := proc.RemoveStream(idx); code != kernerr.Success {
		t.Fatalf("RemoveStream failed: %v", code)
	}
	if proc.Streams[idx].Kind != stream.KindNull {
		t.Error("expected the removed slot to revert to a null stream")
	}
}

func TestRegisterUnregisterAndSchedule(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	a, _ := mgr.Create("/bin/init")
	b, _ := mgr.Create("/bin/init")

	if code := mgr.Register(a); code != kernerr.Success {
		t.Fatalf("Register(a) failed: %v", code)
	}
	if code := mgr.Register(b); code != kernerr.Success {
		t.Fatalf("Register(b) failed: %v", code)
	}

	first, code := mgr.ExecuteNext(nil)
	if code != kernerr.Success {
		t.Fatalf("ExecuteNext failed: %v", code)
	}
	if first != a {
		t.Error("expected round-robin to schedule a first")
	}

	second, code := mgr.ExecuteNext(nil)
	if code != kernerr.Success {
		t.Fatalf("ExecuteNext failed: %v", code)
	}
	if second != b {
		t.Error("expected round-robin to schedule b second")
	}

	third, code := mgr.ExecuteNext(nil)
	if code != kernerr.Success {
		t.Fatalf("ExecuteNext failed: %v", code)
	}
	if third != a {
		t.Error("expected round-robin to wrap back to a")
	}

	if code := mgr.Unregister(a); code != kernerr.Success {
		t.Fatalf("Unregister failed: %v", code)
	}
	if mgr.FromPID(a.PID) != nil {
		t.Error("expected a to be gone from the registry")
	}
	if mgr.FromPID(b.PID) != b {
		t.Error("expected b to remain in the registry")
	}
}

func TestSetupInitialStackWritesArgvAndEnvp(t *testing.T) {
	mgr, _, _, mapper, mem := newTestManager(t)
	proc, code := mgr.Create("/bin/init")
	if code != kernerr.Success {
		t.Fatalf("Create failed: %v", code)
	}

	proc.SetArgs([]string{"init", "-v"})
	proc.SetEnvars([]string{"HOME=/"})

	if code := proc.SetupInitialStack(mapper, mem); code != kernerr.Success {
		t.Fatalf("SetupInitialStack failed: %v", code)
	}

	if proc.State.RDI != 2 {
		t.Errorf("argc = %d, want 2", proc.State.RDI)
	}
	if proc.State.RDX != 1 {
		t.Errorf("envc = %d, want 1", proc.State.RDX)
	}
	if proc.State.RSP >= StackVaddrBase+StackSize-16 {
		t.Error("expected rsp to move down after laying out the stack")
	}
}
