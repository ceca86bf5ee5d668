// Package process is the kernel's process record, round-robin
// scheduler, and registry: everything task.c in the original kernel
// folds into one translation unit, split here into the record/registry
// (this file) and the scheduler (scheduler.go).
package process

import (
	"encoding/binary"

	"hydra/internal/bitfield"
	"hydra/internal/elfload"
	"hydra/internal/kernerr"
	"hydra/internal/stream"
	"hydra/internal/vmm"
)

const (
	// StackVaddrBase is the fixed virtual address every process's user
	// stack is mapped at.
	StackVaddrBase = 0x800000
	// StackSize is the process stack's fixed size: three pages.
	StackSize = pageSize * 3

	// HeapVaddrBase is the fixed virtual address a process's demand
	// heap pages grow upward from, one page at a time via Alloc.
	HeapVaddrBase = 0x200000

	// MaxStreams bounds a process's descriptor table.
	MaxStreams = 8
	// MaxHeapPages bounds the number of heap pages a process may request.
	MaxHeapPages = 32

	pageSize = 4096
)

// State is the saved general-purpose register snapshot a trap or
// syscall entry stores into a process record, and the scheduler
// restores on dispatch.
type State struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RSI, RDI, RBP, RDX, RCX, RBX, RAX    uint64
	RIP, RSP                             uint64
}

// Status is a coarse lifecycle marker; the scheduler itself only
// distinguishes "registered" from "not", Status exists for callers
// (syscall_exit, ping) that need to observe the created/zombie
// transition.
type Status int

const (
	StatusCreated Status = iota
	StatusRunnable
	StatusRunning
	StatusZombie
)

// Process is one schedulable unit: register state, address space, the
// frames backing its stack/heap/loaded segments, and its descriptor
// table of streams.
type Process struct {
	PID    uint64
	Path   string
	PML4   vmm.PML4
	State  State
	Status Status

	StackPages []uintptr
	DataPages  []uintptr
	HeapPages  []uintptr

	Streams [MaxStreams]*stream.Stream

	Arguments []string
	Envars    []string

	next *Process
}

// Frames allocates and frees the physical pages a process owns.
type Frames interface {
	Alloc() (uintptr, kernerr.Code)
	Free(addr uintptr) kernerr.Code
}

// Mapper is the subset of vmm.Manager process creation and teardown use.
type Mapper interface {
	NewAddressSpace() (vmm.PML4, kernerr.Code)
	Map(root vmm.PML4, vaddr, paddr uintptr, flags bitfield.PTEFlags) kernerr.Code
	Translate(root vmm.PML4, vaddr uintptr, useUserBit bool) (uintptr, bool)
	Switch(root vmm.PML4)
}

// Memory zeroes and copies bytes through physical addresses, same
// contract elfload.Memory requires of the kernel's identity-mapped
// access to physical frames.
type Memory interface {
	ZeroFrame(addr uintptr)
	Read(addr uintptr, buf []byte) kernerr.Code
	Write(addr uintptr, buf []byte) kernerr.Code
}

// Manager owns process creation, the run queue, and the pid counter.
// One Manager instance corresponds to the kernel-wide global state the
// original task.c keeps in file-scope variables.
type Manager struct {
	frames Frames
	mapper Mapper
	mem    Memory
	vfs    elfload.VFS

	kernelStart, kernelEnd uintptr

	nextPID uint64

	head    *Process
	current *Process
}

// New constructs a Manager. kernelStart/kernelEnd bound the kernel
// image range identity-mapped into every process's address space so
// traps always land on valid kernel code.
func New(frames Frames, mapper Mapper, mem Memory, vfs elfload.VFS, kernelStart, kernelEnd uintptr) *Manager {
	return &Manager{
		frames:      frames,
		mapper:      mapper,
		mem:         mem,
		vfs:         vfs,
		kernelStart: kernelStart,
		kernelEnd:   kernelEnd,
	}
}

func (m *Manager) identityMapKernel(root vmm.PML4) kernerr.Code {
	for addr := m.kernelStart; addr < m.kernelEnd; addr += pageSize {
		flags := bitfield.PTEFlags{Present: true, Writable: true}
		if code := m.mapper.Map(root, addr, addr, flags); code != kernerr.Success {
			return code
		}
	}
	return kernerr.Success
}

func (m *Manager) allocateStack(root vmm.PML4) ([]uintptr, kernerr.Code) {
	const numStackPages = StackSize / pageSize
	pages := make([]uintptr, numStackPages)
	for i := 0; i < numStackPages; i++ {
		page, code := m.frames.Alloc()
		if code != kernerr.Success {
			return pages[:i], kernerr.NoMem
		}
		pages[i] = page

		vaddr := uintptr(StackVaddrBase + (StackSize - i*pageSize))
		flags := bitfield.PTEFlags{Present: true, Writable: true, User: true}
		if code := m.mapper.Map(root, vaddr, page, flags); code != kernerr.Success {
			return pages[:i+1], code
		}
	}
	return pages, kernerr.Success
}

// Create implements process_create: load and validate path's ELF,
// build a fresh address space, map in the kernel range and a stack,
// load every PT_LOAD segment, and install null streams in every
// descriptor slot.
func (m *Manager) Create(path string) (*Process, kernerr.Code) {
	elf, code := elfload.Open(m.vfs, path)
	if code != kernerr.Success {
		return nil, code
	}
	defer elf.Close()

	proc := &Process{Path: path, Status: StatusCreated}
	proc.State.RIP = elf.Header.Entry

	root, code := m.mapper.NewAddressSpace()
	if code != kernerr.Success {
		return nil, code
	}
	proc.PML4 = root

	if code := m.identityMapKernel(root); code != kernerr.Success {
		return nil, code
	}

	stackPages, code := m.allocateStack(root)
	proc.StackPages = stackPages
	if code != kernerr.Success {
		return nil, code
	}

	dataPages, code := elfload.Load(elf, m.frames, m.mem, m.mapper, root)
	proc.DataPages = dataPages
	if code != kernerr.Success {
		return nil, code
	}

	for i := range proc.Streams {
		proc.Streams[i] = stream.NewNull()
	}

	proc.State.RSP = StackVaddrBase + StackSize - 16
	proc.PID = m.nextPID
	m.nextPID++
	proc.Status = StatusRunnable

	return proc, kernerr.Success
}

// Clone implements process_clone (fork): duplicate register state,
// build a fresh address space mapping the same kernel range, copy the
// stack and heap pages byte-for-byte, reload the ELF in "copy" mode so
// BSS is backfilled from the parent's data pages, and clone every
// descriptor.
func (m *Manager) Clone(src *Process) (*Process, kernerr.Code) {
	elf, code := elfload.Open(m.vfs, src.Path)
	if code != kernerr.Success {
		return nil, code
	}
	defer elf.Close()

	proc := &Process{Path: src.Path, State: src.State, Status: StatusCreated}

	root, code := m.mapper.NewAddressSpace()
	if code != kernerr.Success {
		return nil, code
	}
	proc.PML4 = root

	if code := m.identityMapKernel(root); code != kernerr.Success {
		return nil, code
	}

	proc.StackPages = make([]uintptr, len(src.StackPages))
	for i, srcPage := range src.StackPages {
		page, code := m.frames.Alloc()
		if code != kernerr.Success {
			return nil, kernerr.NoMem
		}
		buf := make([]byte, pageSize)
		m.mem.Read(srcPage, buf)
		m.mem.Write(page, buf)
		proc.StackPages[i] = page

		vaddr := uintptr(StackVaddrBase + (StackSize - i*pageSize))
		flags := bitfield.PTEFlags{Present: true, Writable: true, User: true}
		if code := m.mapper.Map(root, vaddr, page, flags); code != kernerr.Success {
			return nil, code
		}
	}

	proc.HeapPages = make([]uintptr, len(src.HeapPages))
	for i, srcPage := range src.HeapPages {
		page, code := m.frames.Alloc()
		if code != kernerr.Success {
			return nil, kernerr.NoMem
		}
		buf := make([]byte, pageSize)
		m.mem.Read(srcPage, buf)
		m.mem.Write(page, buf)
		proc.HeapPages[i] = page

		vaddr := uintptr(HeapVaddrBase + i*pageSize)
		flags := bitfield.PTEFlags{Present: true, Writable: true, User: true}
		if code := m.mapper.Map(root, vaddr, page, flags); code != kernerr.Success {
			return nil, code
		}
	}

	dataPages, code := elfload.LoadCopy(elf, m.frames, m.mem, m.mapper, root, src.DataPages)
	proc.DataPages = dataPages
	if code != kernerr.Success {
		return nil, code
	}

	for i, s := range src.Streams {
		if s == nil {
			continue
		}
		cloned, code := s.Clone()
		if code != kernerr.Success {
			return nil, code
		}
		proc.Streams[i] = cloned
	}

	proc.PID = m.nextPID
	m.nextPID++
	proc.Status = StatusRunnable

	return proc, kernerr.Success
}

// SetArgs/SetEnvars record argv/envp for SetupInitialStack to lay out.
func (proc *Process) SetArgs(args []string)    { proc.Arguments = args }
func (proc *Process) SetEnvars(envars []string) { proc.Envars = envars }

// SetStdin/SetStdout/SetStderr clone src into descriptor slots 0/1/2,
// refusing to overwrite an already-populated slot.
func (proc *Process) SetStdin(src *stream.Stream) kernerr.Code  { return proc.setSlot(0, src) }
func (proc *Process) SetStdout(src *stream.Stream) kernerr.Code { return proc.setSlot(1, src) }
func (proc *Process) SetStderr(src *stream.Stream) kernerr.Code { return proc.setSlot(2, src) }

func (proc *Process) setSlot(i int, src *stream.Stream) kernerr.Code {
	if proc.Streams[i] != nil && proc.Streams[i].Kind != stream.KindNull {
		return kernerr.Unknown
	}
	cloned, code := src.Clone()
	if code != kernerr.Success {
		return code
	}
	proc.Streams[i] = cloned
	return kernerr.Success
}

// InsertStream installs stream in the first free descriptor slot,
// returning its index, or kernerr.Unavailable if the table is full.
func (proc *Process) InsertStream(s *stream.Stream) (int, kernerr.Code) {
	for i, slot := range proc.Streams {
		if slot == nil || slot.Kind == stream.KindNull {
			proc.Streams[i] = s
			return i, kernerr.Success
		}
	}
	return 0, kernerr.Unavailable
}

// RemoveStream frees and clears descriptor index.
func (proc *Process) RemoveStream(index int) kernerr.Code {
	if index < 0 || index >= MaxStreams || proc.Streams[index] == nil {
		return kernerr.InvalidArg
	}
	code := proc.Streams[index].Free()
	proc.Streams[index] = stream.NewNull()
	return code
}

// SetupInitialStack writes argv strings, then envp strings, then the
// null-terminated argv/envp pointer arrays and argc onto the new
// process's stack, and points rdi/rsi/rdx/rcx at argc/argv/envc/envp
// per the kernel's process-entry ABI.
//
// Like the original, this treats the physical frames backing the
// stack as one contiguous byte range once translated from the top —
// true only because StackPages are mapped at consecutive virtual
// addresses working down from a single starting frame.
func (proc *Process) SetupInitialStack(mapper Mapper, mem Memory) kernerr.Code {
	stackTop, ok := mapper.Translate(proc.PML4, uintptr(proc.State.RSP), true)
	if !ok {
		return kernerr.InvalidArg
	}

	sp := stackTop
	write := func(b []byte) {
		sp -= uintptr(len(b))
		mem.Write(sp, b)
	}

	vaddrOf := func(phys uintptr) uint64 {
		return proc.State.RSP - uint64(stackTop-phys)
	}

	argvPointers := make([]uint64, len(proc.Arguments))
	for i := len(proc.Arguments) - 1; i >= 0; i-- {
		s := proc.Arguments[i]
		write(append([]byte(s), 0))
		sp &^= 0xF
		argvPointers[i] = vaddrOf(sp)
	}

	envPointers := make([]uint64, len(proc.Envars))
	for i := len(proc.Envars) - 1; i >= 0; i-- {
		s := proc.Envars[i]
		write(append([]byte(s), 0))
		sp &^= 0xF
		envPointers[i] = vaddrOf(sp)
	}

	write(make([]byte, 8)) // argv null terminator

	for i := len(argvPointers) - 1; i >= 0; i-- {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], argvPointers[i])
		write(b[:])
	}
	argvStart := vaddrOf(sp)

	write(make([]byte, 8)) // envp null terminator

	for i := len(envPointers) - 1; i >= 0; i-- {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], envPointers[i])
		write(b[:])
	}
	envpStart := vaddrOf(sp)

	var intBuf [4]byte
	binary.LittleEndian.PutUint32(intBuf[:], uint32(len(proc.Arguments)))
	write(intBuf[:])

	proc.State.RSP -= uint64(stackTop - sp)
	proc.State.RDI = uint64(len(proc.Arguments))
	proc.State.RSI = argvStart
	proc.State.RDX = uint64(len(proc.Envars))
	proc.State.RCX = envpStart

	return kernerr.Success
}

// AllocatePage implements process_allocate_page: grows the process's
// demand heap by one page at the next HeapVaddrBase-relative slot.
func (proc *Process) AllocatePage(frames Frames, mapper Mapper) (uintptr, kernerr.Code) {
	index := len(proc.HeapPages)
	if index >= MaxHeapPages {
		return 0, kernerr.Overflow
	}

	page, code := frames.Alloc()
	if code != kernerr.Success {
		return 0, code
	}

	vaddr := uintptr(HeapVaddrBase + index*pageSize)
	flags := bitfield.PTEFlags{Present: true, Writable: true, User: true}
	if code := mapper.Map(proc.PML4, vaddr, page, flags); code != kernerr.Success {
		return 0, code
	}

	proc.HeapPages = append(proc.HeapPages, page)
	return vaddr, kernerr.Success
}

// Free releases every frame and stream the process owns, and the
// top-level page table frame itself. Matching the original, it does
// not walk and free intermediate page-table levels — only the
// top-level PML4 frame is released, the rest is leaked until the
// address space is otherwise reclaimed.
func (proc *Process) Free(frames Frames) {
	for _, p := range proc.DataPages {
		frames.Free(p)
	}
	for _, p := range proc.StackPages {
		frames.Free(p)
	}
	for _, p := range proc.HeapPages {
		frames.Free(p)
	}
	for _, s := range proc.Streams {
		if s != nil {
			s.Free()
		}
	}
	frames.Free(uintptr(proc.PML4))
}

// Register appends proc to the run queue's tail.
func (m *Manager) Register(proc *Process) kernerr.Code {
	proc.next = nil
	if m.head == nil {
		m.head = proc
		return kernerr.Success
	}
	tail := m.head
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = proc
	return kernerr.Success
}

// Unregister removes proc from the run queue, repointing current to
// the head (or the head's successor, if the head itself was the
// victim) when proc was the currently scheduled process.
func (m *Manager) Unregister(proc *Process) kernerr.Code {
	if m.head == nil {
		return kernerr.Corrupt
	}

	if m.current == proc {
		m.current = m.head
		if m.head == proc {
			m.current = m.head.next
		}
	}

	if m.head == proc {
		m.head = proc.next
		return kernerr.Success
	}

	for tail := m.head; tail.next != nil; tail = tail.next {
		if tail.next == proc {
			tail.next = proc.next
			return kernerr.Success
		}
	}

	return kernerr.InvalidArg
}

// Current returns the process the scheduler last dispatched to, or
// nil before the first ExecuteNext call.
func (m *Manager) Current() *Process { return m.current }

// FromPID linear-searches the run queue by pid.
func (m *Manager) FromPID(pid uint64) *Process {
	for p := m.head; p != nil; p = p.next {
		if p.PID == pid {
			return p
		}
	}
	return nil
}
