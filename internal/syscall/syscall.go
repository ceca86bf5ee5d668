// Package syscall is the kernel-side dispatch table for every trap a
// process enters through int 0x80: user-pointer translation and the
// fourteen syscall handlers themselves. Switching CR3 around a dispatch
// is left to the caller.
package syscall

import (
	"hydra/internal/bitfield"
	"hydra/internal/device"
	"hydra/internal/kernerr"
	"hydra/internal/process"
	"hydra/internal/stream"
	"hydra/internal/vfs"
)

// Numbers 0 through 13, in the exact order the original dispatch
// switch defines them.
const (
	Read = iota
	Write
	Fork
	Exit
	Ping
	Exec
	Alloc
	Open
	Close
	VideoGetDisplayRect
	VideoCreateFramebuffer
	VideoUpdateDisplay
	Pipe
	Lseek
)

const pageSize = 4096

// framebufferVaddrMin/Max bound the fixed window a process may map a
// framebuffer into.
const (
	framebufferVaddrMin = 0x900000
	framebufferVaddrMax = 0x1000000
)

// VFS is the subset of *vfs.VFS the dispatcher needs: opening a path
// for sysOpen, and the full file-stream surface the resulting
// descriptor dispatches read/write/seek/close through.
type VFS interface {
	Open(path string, flags vfs.OpenFlags) (vfs.Handle, *vfs.Mount, kernerr.Code)
	Read(h vfs.Handle, m *vfs.Mount, buf []byte) (int, kernerr.Code)
	Write(h vfs.Handle, m *vfs.Mount, buf []byte) (int, kernerr.Code)
	Seek(h vfs.Handle, offset int64, mode vfs.SeekMode, m *vfs.Mount) (int64, kernerr.Code)
	Close(h vfs.Handle, m *vfs.Mount) kernerr.Code
}

// Devices is the subset of *device.Registry video syscalls dispatch
// through.
type Devices interface {
	ByTypeIndex(t device.Type, index int) *device.Device
}

// Memory lets the dispatcher read and write bytes a process's
// user-space pointers resolve to, after translating through its PML4,
// and zero the frames exec builds a new stack in.
type Memory interface {
	ZeroFrame(addr uintptr)
	Read(addr uintptr, buf []byte) kernerr.Code
	Write(addr uintptr, buf []byte) kernerr.Code
}

// Dispatcher owns everything syscall handlers need: the process
// manager (fork/exit/exec/ping/scheduling), the frame allocator (for
// alloc), the page-table mapper (for user-pointer translation and the
// framebuffer mapping dance), the VFS (for open), and the device
// registry (for the video calls).
type Dispatcher struct {
	procs   *process.Manager
	frames  process.Frames
	mapper  process.Mapper
	mem     Memory
	vfs     VFS
	devices Devices
}

// New constructs a Dispatcher.
func New(procs *process.Manager, frames process.Frames, mapper process.Mapper, mem Memory, v VFS, devices Devices) *Dispatcher {
	return &Dispatcher{procs: procs, frames: frames, mapper: mapper, mem: mem, vfs: v, devices: devices}
}

// translate resolves a process-relative virtual address to a physical
// one the same way process_get_pointer did: translate the
// page-aligned base, then reapply the in-page offset.
func (d *Dispatcher) translate(proc *process.Process, vaddr uintptr) (uintptr, bool) {
	offset := vaddr % pageSize
	base := vaddr &^ (pageSize - 1)
	phys, ok := d.mapper.Translate(proc.PML4, base, true)
	if !ok {
		return 0, false
	}
	return phys + offset, true
}

func (d *Dispatcher) readUser(proc *process.Process, vaddr uintptr, buf []byte) kernerr.Code {
	phys, ok := d.translate(proc, vaddr)
	if !ok {
		return kernerr.InvalidArg
	}
	return d.mem.Read(phys, buf)
}

func (d *Dispatcher) writeUser(proc *process.Process, vaddr uintptr, buf []byte) kernerr.Code {
	phys, ok := d.translate(proc, vaddr)
	if !ok {
		return kernerr.InvalidArg
	}
	return d.mem.Write(phys, buf)
}

// readUserString reads a NUL-terminated string out of a process's
// address space, one small chunk at a time.
func (d *Dispatcher) readUserString(proc *process.Process, vaddr uintptr) (string, kernerr.Code) {
	var out []byte
	buf := make([]byte, 64)
	for {
		if code := d.readUser(proc, vaddr+uintptr(len(out)), buf); code != kernerr.Success {
			return "", code
		}
		for _, b := range buf {
			if b == 0 {
				return string(out), kernerr.Success
			}
			out = append(out, b)
		}
		if len(out) > 4096 {
			return "", kernerr.Overflow
		}
	}
}

func (d *Dispatcher) readUserPointerArray(proc *process.Process, arrayVaddr uintptr, count uint64) ([]string, kernerr.Code) {
	out := make([]string, count)
	for i := uint64(0); i < count; i++ {
		var raw [8]byte
		if code := d.readUser(proc, arrayVaddr+uintptr(i*8), raw[:]); code != kernerr.Success {
			return nil, code
		}
		s, code := d.readUserString(proc, uintptr(leUint64(raw[:])))
		if code != kernerr.Success {
			return nil, code
		}
		out[i] = s
	}
	return out, kernerr.Success
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Args is the six general-purpose argument registers a syscall trap
// carries, in arg0..arg5 order.
type Args [6]int64

// Dispatch runs the kernel side of one syscall trap: record the
// caller's saved register state onto its process record, run the
// numbered handler, and return its result. The caller is responsible
// for switching CR3 to the kernel's own PML4 before calling Dispatch
// and back to d.procs.Current().PML4 afterward — Dispatch itself never
// touches CR3, since which process is current can change mid-call
// (exit, exec, fork) and the caller is in the best position to read
// the post-dispatch current process exactly once.
func (d *Dispatcher) Dispatch(num int, args Args, state process.State) int64 {
	proc := d.procs.Current()
	if proc == nil {
		kernerr.Panic("syscall: no current process")
	}
	proc.State = state

	switch num {
	case Read:
		return d.sysRead(proc, args)
	case Write:
		return d.sysWrite(proc, args)
	case Fork:
		return d.sysFork(proc)
	case Exit:
		return d.sysExit(proc)
	case Ping:
		return d.sysPing(args)
	case Exec:
		return d.sysExec(proc, args)
	case Alloc:
		return d.sysAlloc(proc)
	case Open:
		return d.sysOpen(proc, args)
	case Close:
		return d.sysClose(proc, args)
	case VideoGetDisplayRect:
		return d.sysVideoGetDisplayRect(proc, args)
	case VideoCreateFramebuffer:
		return d.sysVideoCreateFramebuffer(proc, args)
	case VideoUpdateDisplay:
		return d.sysVideoUpdateDisplay(proc, args)
	case Pipe:
		return d.sysPipe(proc)
	case Lseek:
		return d.sysLseek(proc, args)
	default:
		return -1
	}
}

func (d *Dispatcher) sysRead(proc *process.Process, args Args) int64 {
	idx := args[0]
	if idx < 0 || int(idx) >= process.MaxStreams || proc.Streams[idx] == nil {
		return -int64(kernerr.InvalidArg)
	}
	size := args[2]
	if size < 0 {
		return -int64(kernerr.InvalidArg)
	}
	buf := make([]byte, size)
	n, code := proc.Streams[idx].Read(buf)
	if code != kernerr.Success {
		return -int64(code)
	}
	if code := d.writeUser(proc, uintptr(args[1]), buf[:n]); code != kernerr.Success {
		return -int64(code)
	}
	return int64(n)
}

func (d *Dispatcher) sysWrite(proc *process.Process, args Args) int64 {
	idx := args[0]
	if idx < 0 || int(idx) >= process.MaxStreams || proc.Streams[idx] == nil {
		return -int64(kernerr.InvalidArg)
	}
	size := args[2]
	if size < 0 {
		return -int64(kernerr.InvalidArg)
	}
	buf := make([]byte, size)
	if code := d.readUser(proc, uintptr(args[1]), buf); code != kernerr.Success {
		return -int64(code)
	}
	n, code := proc.Streams[idx].Write(buf)
	if code != kernerr.Success {
		return -int64(code)
	}
	return int64(n)
}

func (d *Dispatcher) sysFork(proc *process.Process) int64 {
	child, code := d.procs.Clone(proc)
	if code != kernerr.Success {
		kernerr.Panic("syscall: fork failed: %v", code)
	}
	child.State.RAX = 0

	if code := d.procs.Register(child); code != kernerr.Success {
		kernerr.Panic("syscall: failed to register forked process: %v", code)
	}

	return int64(child.PID)
}

func (d *Dispatcher) sysExit(proc *process.Process) int64 {
	d.procs.Unregister(proc)
	proc.Free(d.frames)
	return 0
}

func (d *Dispatcher) sysPing(args Args) int64 {
	if d.procs.FromPID(uint64(args[0])) != nil {
		return args[0]
	}
	return 0
}

// execInfo mirrors process_create_info_t: argv/envp arrays by user
// vaddr, plus which of the caller's own descriptor slots become the
// new process's stdin/stdout/stderr.
type execInfo struct {
	argsVaddr, numArgs     uint64
	envarsVaddr, numEnvars uint64
	stdinIdx, stdoutIdx, stderrIdx uint64
}

func (d *Dispatcher) readExecInfo(proc *process.Process, vaddr uintptr) (execInfo, kernerr.Code) {
	var raw [56]byte
	if code := d.readUser(proc, vaddr, raw[:]); code != kernerr.Success {
		return execInfo{}, code
	}
	return execInfo{
		argsVaddr:  leUint64(raw[0:8]),
		numArgs:    leUint64(raw[8:16]),
		envarsVaddr: leUint64(raw[16:24]),
		numEnvars:  leUint64(raw[24:32]),
		stdinIdx:   leUint64(raw[32:40]),
		stdoutIdx:  leUint64(raw[40:48]),
		stderrIdx:  leUint64(raw[48:56]),
	}, kernerr.Success
}

// sysExec implements syscall_exec: load a fresh process image from
// path, copy argv/envp strings out of the caller's address space into
// it, hand it the caller's stdin/stdout/stderr streams, lay out its
// initial stack, give it the caller's pid, and replace the caller in
// the run queue with it.
func (d *Dispatcher) sysExec(proc *process.Process, args Args) int64 {
	path, code := d.readUserString(proc, uintptr(args[0]))
	if code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}

	info, code := d.readExecInfo(proc, uintptr(args[1]))
	if code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}

	arguments, code := d.readUserPointerArray(proc, uintptr(info.argsVaddr), info.numArgs)
	if code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}
	envars, code := d.readUserPointerArray(proc, uintptr(info.envarsVaddr), info.numEnvars)
	if code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}

	pid := proc.PID

	exec, code := d.procs.Create(path)
	if code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}

	exec.SetArgs(arguments)
	exec.SetEnvars(envars)

	if int(info.stdinIdx) >= process.MaxStreams || int(info.stdoutIdx) >= process.MaxStreams || int(info.stderrIdx) >= process.MaxStreams {
		return -int64(kernerr.Unknown)
	}
	if code := exec.SetStdin(proc.Streams[info.stdinIdx]); code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}
	if code := exec.SetStdout(proc.Streams[info.stdoutIdx]); code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}
	if code := exec.SetStderr(proc.Streams[info.stderrIdx]); code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}

	if code := exec.SetupInitialStack(d.mapper, d.mem); code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}

	exec.PID = pid

	if code := d.procs.Unregister(proc); code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}
	proc.Free(d.frames)

	if code := d.procs.Register(exec); code != kernerr.Success {
		kernerr.Panic("syscall: failed to register exec'd process: %v", code)
	}

	return 0
}

func (d *Dispatcher) sysAlloc(proc *process.Process) int64 {
	vaddr, code := proc.AllocatePage(d.frames, d.mapper)
	if code != kernerr.Success {
		return 0
	}
	return int64(vaddr)
}

func (d *Dispatcher) sysOpen(proc *process.Process, args Args) int64 {
	path, code := d.readUserString(proc, uintptr(args[0]))
	if code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}

	flags := vfs.OpenFlags(args[1])
	h, m, code := d.vfs.Open(path, flags)
	if code != kernerr.Success {
		return -int64(code)
	}

	idx, code := proc.InsertStream(stream.NewFile(d.vfs, h, m))
	if code != kernerr.Success {
		return -int64(code)
	}
	return int64(idx)
}

func (d *Dispatcher) sysClose(proc *process.Process, args Args) int64 {
	idx := int(args[0])
	if idx < 0 || idx >= process.MaxStreams {
		return 0
	}
	proc.RemoveStream(idx)
	return 0
}

func (d *Dispatcher) videoDevice() *device.Device {
	return d.devices.ByTypeIndex(device.TypeVideo, 0)
}

func (d *Dispatcher) sysVideoGetDisplayRect(proc *process.Process, args Args) int64 {
	dev := d.videoDevice()
	if dev == nil || dev.Ops.GetDisplayRect == nil {
		return -int64(kernerr.InvalidArg)
	}
	rect, code := dev.Ops.GetDisplayRect(uint8(args[0]))
	if code != kernerr.Success {
		return -int64(code)
	}
	if code := d.writeUser(proc, uintptr(args[1]), encodeRect(rect)); code != kernerr.Success {
		return -int64(code)
	}
	return int64(kernerr.Success)
}

// frameBufferFlags is present, writable, user-accessible — the
// framebuffer is plain mapped memory from the process's point of
// view, the device only cares about the physical side of the mapping.
func frameBufferFlags() bitfield.PTEFlags {
	return bitfield.PTEFlags{Present: true, Writable: true, User: true, NoExecute: true}
}

func (d *Dispatcher) sysVideoCreateFramebuffer(proc *process.Process, args Args) int64 {
	dev := d.videoDevice()
	if dev == nil || dev.Ops.CreateFramebuffer == nil {
		return -int64(kernerr.InvalidArg)
	}

	var raw [16]byte
	if code := d.readUser(proc, uintptr(args[1]), raw[:]); code != kernerr.Success {
		return -int64(kernerr.InvalidArg)
	}
	rect := decodeRect(raw[:])

	fb, code := dev.Ops.CreateFramebuffer(rect, uint8(args[0]))
	if code != kernerr.Success {
		return -int64(kernerr.Unknown)
	}

	vaddr := args[2]
	if vaddr < framebufferVaddrMin || vaddr > framebufferVaddrMax {
		return -int64(kernerr.AccessDenied)
	}

	numPages := framebufferSizeInPages(rect)
	for i := 0; i < numPages; i++ {
		if _, ok := d.mapper.Translate(proc.PML4, uintptr(vaddr)+uintptr(i*pageSize), false); ok {
			return -int64(kernerr.AccessDenied)
		}
	}

	for i := 0; i < numPages; i++ {
		off := uintptr(i * pageSize)
		if code := d.mapper.Map(proc.PML4, uintptr(vaddr)+off, fb+off, frameBufferFlags()); code != kernerr.Success {
			return -int64(code)
		}
	}

	return int64(kernerr.Success)
}

func framebufferSizeInPages(r device.VideoRect) int {
	bytes := int(r.Width) * int(r.Height) * 4
	return (bytes + pageSize - 1) / pageSize
}

func (d *Dispatcher) sysVideoUpdateDisplay(proc *process.Process, args Args) int64 {
	dev := d.videoDevice()
	if dev == nil || dev.Ops.UpdateDisplay == nil {
		return -int64(kernerr.InvalidArg)
	}

	var raw [16]byte
	if code := d.readUser(proc, uintptr(args[1]), raw[:]); code != kernerr.Success {
		return -int64(kernerr.InvalidArg)
	}
	rect := decodeRect(raw[:])

	fbPhys, ok := d.translate(proc, uintptr(args[0]))
	if !ok {
		return -int64(kernerr.InvalidArg)
	}

	if code := dev.Ops.UpdateDisplay(rect, fbPhys); code != kernerr.Success {
		return -int64(code)
	}
	return int64(kernerr.Success)
}

func (d *Dispatcher) sysPipe(proc *process.Process) int64 {
	idx, code := proc.InsertStream(stream.NewPipe())
	if code != kernerr.Success {
		return 0
	}
	return int64(idx)
}

func (d *Dispatcher) sysLseek(proc *process.Process, args Args) int64 {
	idx := args[0]
	if idx < 0 || int(idx) >= process.MaxStreams || proc.Streams[idx] == nil {
		return 0
	}
	off, code := proc.Streams[idx].Seek(args[1], vfs.SeekMode(args[2]))
	if code != kernerr.Success {
		return 0
	}
	return off
}

func encodeRect(r device.VideoRect) []byte {
	buf := make([]byte, 16)
	putU32 := func(b []byte, v uint32) {
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
		b[3] = byte(v >> 24)
	}
	putU32(buf[0:4], r.X)
	putU32(buf[4:8], r.Y)
	putU32(buf[8:12], r.Width)
	putU32(buf[12:16], r.Height)
	return buf
}

func decodeRect(b []byte) device.VideoRect {
	getU32 := func(b []byte) uint32 {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	return device.VideoRect{
		X:      getU32(b[0:4]),
		Y:      getU32(b[4:8]),
		Width:  getU32(b[8:12]),
		Height: getU32(b[12:16]),
	}
}
