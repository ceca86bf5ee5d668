// Command kernel is Hydra's entry point: KernelMain runs once, on the
// boot-time stack the loader hands it, and never returns. It brings up
// every subsystem in dependency order (kernerr/bitfield/asm/klog are
// usable from the first instruction; pmm, then vmm, then heap, then
// device, then vfs, then process/syscall follow), mirroring
// early_init/kmain from the kernel this was distilled from.
package main

import (
	"fmt"
	"image/color"
	"unsafe"

	"hydra/internal/asm"
	"hydra/internal/bitfield"
	"hydra/internal/boot"
	"hydra/internal/device"
	"hydra/internal/heap"
	"hydra/internal/interrupt"
	"hydra/internal/kernerr"
	"hydra/internal/klog"
	"hydra/internal/pmm"
	"hydra/internal/process"
	"hydra/internal/syscall"
	"hydra/internal/vfs"
	"hydra/internal/video"
	"hydra/internal/vmm"
)

const (
	kernelHeapBase = 0x1200000
	kernelHeapSize = 32 * pmm.FrameSize
	kernelHeapAlign = 16

	initPath = "0:/bin/sysinit"

	consoleDisplay  = 0
	consoleFontSize = 16
)

// panicForeground/panicBackground give the crash screen a color scheme
// distinct from the normal boot log, the same white-on-red a BSOD-style
// panic screen uses so it reads as "something is wrong" at a glance.
var (
	panicForeground = color.White
	panicBackground = color.RGBA{R: 170, A: 255}
)

// e9Writer backs klog's earliest boot messages through the Bochs/QEMU
// 0xE9 debug port, the same device klog_write_e9 used in the original.
type e9Writer struct{}

func (e9Writer) WriteByte(b byte) { asm.Outb(0xE9, b) }

// identity is the physToVirt hook vmm.New needs: the kernel maps every
// usable frame 1:1 before anything else runs, so a physical address is
// already a valid virtual one.
func identity(phys uintptr) unsafe.Pointer { return unsafe.Pointer(phys) }

// physMemory implements process.Memory/elfload.Memory/syscall.Memory/
// video.Memory by dereferencing the identity-mapped physical address
// directly, since there is no separate physical-memory window to copy
// through on this architecture once the kernel PML4 is live.
type physMemory struct{}

func (physMemory) ZeroFrame(addr uintptr) {
	asm.Bzero(unsafe.Pointer(addr), pmm.FrameSize)
}

func (physMemory) Read(addr uintptr, buf []byte) kernerr.Code {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))
	copy(buf, src)
	return kernerr.Success
}

func (physMemory) Write(addr uintptr, buf []byte) kernerr.Code {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))
	copy(dst, buf)
	return kernerr.Success
}

var (
	log     *klog.Logger
	frames  *pmm.Manager
	pager   *vmm.Manager
	kernel  vmm.PML4
	mem     physMemory
	devices *device.Registry
	fs      *vfs.VFS
	procs   *process.Manager
	calls   *syscall.Dispatcher
	console *video.Console
)

// panicf logs then halts, the Go-hosted equivalent of PANIC(...) in
// the original: there is no recovery path for a failed bring-up stage.
// When the video console has come up it also paints the message on
// screen, since the structured log line alone is invisible once the
// framebuffer has replaced the e9 port as the only thing anyone is
// watching.
func panicf(format string, args ...any) {
	log.Error(format, args...)
	if console != nil {
		console.SetColors(panicForeground, panicBackground)
		console.WriteString(fmt.Sprintf("\npanic: "+format+"\n", args...))
	}
	for {
		asm.Halt()
	}
}

// KernelMain is invoked once by the loader stub with the address of
// the Multiboot2 information structure still on hand. It never
// returns: once the scheduler has at least one runnable process it
// hands off to ExecuteNext forever.
//
//go:nosplit
func KernelMain(multibootAddr uintptr) {
	klog.Init(e9Writer{}, 1024)
	log = klog.Default()

	info := boot.ParseMultiboot2(multibootAddr)
	if info == nil {
		panicf("failed to parse multiboot2 information structure")
	}
	log.Info("parsed multiboot2: %d memory map entries, %d elf sections", len(info.MemoryMap), len(info.Sections))

	earlyInit(info)
	kmain()

	panicf("execute_next_process returned with no runnable process")
}

// earlyInit brings up the physical/virtual memory managers, the
// kernel heap, interrupts, and the PIT — everything that must exist
// before any driver or process can be created. Mirrors early_init.
func earlyInit(info *boot.Info) {
	frames = pmm.New(info, mem)

	for addr := kernelStart(); addr < kernelEnd(); addr += pmm.FrameSize {
		if code := frames.Reserve(addr); code != kernerr.Success {
			panicf("failed to reserve kernel frame %#x: %v", addr, code)
		}
	}

	pager = vmm.New(frames, identity)
	root, code := pager.NewAddressSpace()
	if code != kernerr.Success {
		panicf("failed to allocate the kernel pml4: %v", code)
	}
	kernel = root

	total := uint64(info.TotalUsableBytes()) + uint64(pmm.FrameSize)
	pages := total / pmm.FrameSize
	for page := uint64(0); page < pages; page++ {
		addr := uintptr(page * pmm.FrameSize)
		flags := identityMapFlags()
		if code := pager.Map(kernel, addr, addr, flags); code != kernerr.Success {
			panicf("failed to identity-map page %#x: %v", addr, code)
		}
	}
	pager.Switch(kernel)

	heapMgr := heap.New(frames, pager, kernel)
	if code := heapMgr.Init(kernelHeapBase, kernelHeapSize, kernelHeapAlign); code != kernerr.Success {
		panicf("failed to initialize the kernel heap: %v", code)
	}

	devices = device.New(log)

	isrStubs, irqStubs := buildStubTables()
	interrupt.Init(isrStubs, irqStubs)
	interrupt.RegisterHandler(interrupt.IRQBase, onTick)
	interrupt.RegisterHandler(syscallVector, onSyscall)

	asm.EnableInterrupts()
	log.Info("early initialization complete")
}

// identityMapFlags is the flag set every kernel mapping uses: present,
// writable (the kernel maps its own code and data together, same as
// the original's single PAGE_PRESENT|PAGE_WRITABLE).
func identityMapFlags() bitfield.PTEFlags {
	return bitfield.PTEFlags{Present: true, Writable: true}
}

// buildStubTables is a placeholder for the hand-written per-vector
// trampolines (isr_stub_table/irq_stub_table in the original); the
// loader's assembly stub fills these in before calling KernelMain.
func buildStubTables() (isr, irq interrupt.StubTable) {
	return isr, irq
}

var tickCount uint64

func onTick(f *interrupt.Frame) {
	tickCount++
}

// syscallVector is the software-interrupt gate user code traps
// through, the Go-hosted equivalent of the original's int 0x80-style
// syscall_handler entry: num in RAX, the six arguments in the usual
// SysV-ish RDI/RSI/RDX/R10/R8/R9 order.
const syscallVector = 0x80

// onSyscall bridges an interrupt.Frame to syscall.Dispatcher.Dispatch:
// snapshot the trapped registers into a process.State, switch to the
// kernel's own address space for the duration of the call (Dispatch's
// own doc comment makes this the caller's job), dispatch, then switch
// back to whichever process is current once Dispatch returns — it may
// not be the same one that trapped in, after fork/exit/exec.
func onSyscall(f *interrupt.Frame) {
	state := process.State{
		R15: f.R15, R14: f.R14, R13: f.R13, R12: f.R12,
		R11: f.R11, R10: f.R10, R9: f.R9, R8: f.R8,
		RSI: f.RSI, RDI: f.RDI, RBP: f.RBP,
		RDX: f.RDX, RCX: f.RCX, RBX: f.RBX, RAX: f.RAX,
		RIP: f.RIP, RSP: f.RSP,
	}
	args := syscall.Args{int64(f.RDI), int64(f.RSI), int64(f.RDX), int64(f.R10), int64(f.R8), int64(f.R9)}

	asm.LoadCR3(uintptr(kernel))
	result := calls.Dispatch(int(f.RAX), args, state)
	if current := procs.Current(); current != nil {
		asm.LoadCR3(uintptr(current.PML4))
	}

	f.RAX = uint64(result)
}

// kmain registers drivers, scans the bus, creates an empty VFS (no
// filesystem is mounted here, not even the root), and launches the
// init process, mirroring kmain in the original.
func kmain() {
	videoDriver := video.NewDriver(frames, mem, log, pmm.FrameSize)
	videoDriver.Attach([]device.VideoRect{{Width: 1024, Height: 768}})
	if code := devices.RegisterDriver(video.NewDeviceDriver(videoDriver)); code != kernerr.Success {
		panicf("failed to register video driver: %v", code)
	}

	if code := devices.Init(); code != kernerr.Success {
		panicf("failed to initialize devices: %v", code)
	}

	if c, code := video.NewConsole(videoDriver, mem, consoleDisplay, consoleFontSize); code == kernerr.Success {
		console = c
		console.WriteString("hydra\nbooting...\n")
	} else {
		log.Error("failed to start the video console: %v", code)
	}

	fs = vfs.New()

	procs = process.New(frames, pager, mem, fs, kernelStart(), kernelEnd())
	calls = syscall.New(procs, frames, pager, mem, fs, devices)

	log.Info("starting %s", initPath)
	proc, code := procs.Create(initPath)
	if code != kernerr.Success {
		panicf("failed to load %q: %v", initPath, code)
	}
	if code := procs.Register(proc); code != kernerr.Success {
		panicf("failed to register init process: %v", code)
	}

	for {
		if _, code := procs.ExecuteNext(runProcess); code != kernerr.Success {
			panicf("execute_next_process failed: %v", code)
		}
	}
}

func kernelStart() uintptr { return uintptr(unsafe.Pointer(&kernelStartSym)) }
func kernelEnd() uintptr   { return uintptr(unsafe.Pointer(&kernelEndSym)) }

// kernelStartSym/kernelEndSym are resolved by the linker script to the
// first and one-past-last byte of the kernel image, same role as
// __kernel_start/__kernel_end in the original.
var kernelStartSym, kernelEndSym byte

// runProcess is the Execute hook handed to ExecuteNext: load the saved
// register state and jump to user mode via the iretq trampoline. It
// never returns in the booted kernel.
func runProcess(state process.State, root vmm.PML4) {
	asm.LoadCR3(uintptr(root))
	asm.IRETQTrampoline(unsafe.Pointer(&state))
}
