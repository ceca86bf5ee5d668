// Package interrupt owns the IDT, the legacy 8259 PIC remap, the PIT
// tick that drives preemption points between syscalls, and exception
// dispatch: register dump, page-fault decoding, and the IRQ handler
// registry drivers attach to.
package interrupt

import (
	"unsafe"

	"hydra/internal/asm"
	"hydra/internal/bitfield"
	"hydra/internal/klog"
)

const (
	numGates = 256

	gateInterrupt = 0x8E
	gateTrap      = 0x8F

	kernelCodeSelector = 0x08

	// picMaster/picSlave are the 8259's command/data port pairs; the
	// kernel remaps their vector base away from 0x08-0x0F (which
	// collides with CPU exceptions) to 0x20-0x2F.
	picMasterCmd  = 0x20
	picMasterData = 0x21
	picSlaveCmd   = 0xA0
	picSlaveData  = 0xA1

	// IRQBase is the first vector number routed to IRQ 0 after remap.
	IRQBase = 0x20

	vectorPageFault = 14

	// PITFrequency is the PIT's fixed input clock; PITHz is the rate
	// the kernel programs it to fire at.
	PITFrequency = 1193182
	PITHz        = 100
	pitChannel0  = 0x40
	pitCommand   = 0x43
)

// entry is one raw IDT gate descriptor.
type entry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

func makeEntry(handler uintptr, gateType uint8) entry {
	return entry{
		offsetLow:  uint16(handler),
		selector:   kernelCodeSelector,
		ist:        0,
		typeAttr:   gateType,
		offsetMid:  uint16(handler >> 16),
		offsetHigh: uint32(handler >> 32),
	}
}

var idt [numGates]entry

type idtPointer struct {
	limit uint16
	base  uint64
}

// Frame is the register snapshot the trap stub pushes before calling
// into Go: CPU-pushed fields (int_no/err_code/cs/rip/rflags) plus the
// general-purpose registers the stub saves itself.
type Frame struct {
	IntNo   uint64
	ErrCode uint64

	RAX, RBX, RCX, RDX, RSI, RDI uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RBP, RSP                             uint64

	RIP    uint64
	CS     uint64
	RFLAGS uint64
}

// Handler processes one IRQ or exception frame.
type Handler func(f *Frame)

var handlers [numGates]Handler

// RegisterHandler installs the handler invoked for vector — an
// exception number (0-31) or an IRQ's remapped vector (IRQBase..).
func RegisterHandler(vector uint8, h Handler) {
	handlers[vector] = h
}

// exceptionNames mirrors the Intel-defined low 32 vectors (reserved
// entries kept as placeholders so the slice stays index-aligned).
var exceptionNames = [32]string{
	0: "Division Error", 1: "Debug", 2: "Non-maskable Interrupt",
	3: "Breakpoint", 4: "Overflow", 5: "Bound Range Exceeded",
	6: "Invalid Opcode", 7: "Device Not Available", 8: "Double Fault",
	9: "Coprocessor Segment Overrun", 10: "Invalid TSS",
	11: "Segment Not Present", 12: "Stack-Segment Fault",
	13: "General Protection Fault", 14: "Page Fault", 15: "Reserved",
	16: "x87 Floating-Point Exception", 17: "Alignment Check",
	18: "Machine Check", 19: "SIMD Floating-Point Exception",
	20: "Virtualization Exception", 21: "Control Protection Exception",
	22: "Reserved", 23: "Hypervisor Injection Exception",
	24: "VMM Communication Exception", 25: "Security Exception",
	26: "Reserved",
}

func remapPIC() {
	const icw1Init = 0x11
	const icw4_8086 = 0x01

	asm.Outb(picMasterCmd, icw1Init)
	asm.Outb(picSlaveCmd, icw1Init)
	asm.Outb(picMasterData, IRQBase)
	asm.Outb(picSlaveData, IRQBase+8)
	asm.Outb(picMasterData, 0x04) // slave is on IRQ2
	asm.Outb(picSlaveData, 0x02)
	asm.Outb(picMasterData, icw4_8086)
	asm.Outb(picSlaveData, icw4_8086)
	asm.Outb(picMasterData, 0x0)
	asm.Outb(picSlaveData, 0x0)
}

func programPIT(hz uint32) {
	divisor := uint16(PITFrequency / hz)
	asm.Outb(pitCommand, 0x36) // channel 0, lobyte/hibyte, rate generator
	asm.Outb(pitChannel0, uint8(divisor&0xFF))
	asm.Outb(pitChannel0, uint8(divisor>>8))
}

// isrStubs and irqStubs are the vector tables the hand-written trap
// stubs (one tiny push+jmp sequence per vector, same shape as the
// original's isr_stub_table/irq_stub_table) populate before Init runs;
// Init only needs their base addresses to build the IDT.
type StubTable [numGates]uintptr

// Init remaps the PIC to IRQBase, installs every exception and IRQ
// stub into the IDT, programs the PIT to tick at PITHz, and loads the
// table with lidt.
func Init(isrStubs, irqStubs StubTable) {
	remapPIC()
	programPIT(PITHz)

	for i := 0; i < 32; i++ {
		idt[i] = makeEntry(isrStubs[i], gateTrap)
	}
	for i := 32; i < numGates; i++ {
		idt[i] = makeEntry(irqStubs[i-32], gateInterrupt)
	}

	ptr := idtPointer{
		limit: uint16(unsafe.Sizeof(idt)) - 1,
		base:  uint64(uintptr(unsafe.Pointer(&idt[0]))),
	}
	asm.LoadIDT(unsafe.Pointer(&ptr))
}

// eoi acknowledges the interrupt at the 8259s so the next one can fire.
func eoi(vector uint64) {
	if vector >= IRQBase+8 {
		asm.Outb(picSlaveCmd, 0x20)
	}
	asm.Outb(picMasterCmd, 0x20)
}

// DispatchIRQ implements irq_handler: acknowledge the PIC, run the
// registered handler (if any) for this vector. Switching to and back
// from the kernel's own address space around the call is the caller's
// responsibility (the trap stub / scheduler), same division of labor
// as Dispatcher.Dispatch in the syscall package.
func DispatchIRQ(f *Frame) {
	eoi(f.IntNo)
	if h := handlers[f.IntNo]; h != nil {
		h(f)
	}
}

// DispatchException implements exception_handler: log a structured
// register dump (and, for page faults, the decoded fault cause) via
// klog, then run any registered handler. Unrecovered exceptions below
// vector 32 have no sane continuation and the caller is expected to
// panic after this returns if Handled is false.
func DispatchException(log *klog.Logger, f *Frame) (handled bool) {
	name := "Reserved"
	if f.IntNo < uint64(len(exceptionNames)) && exceptionNames[f.IntNo] != "" {
		name = exceptionNames[f.IntNo]
	}

	log.Error("cpu exception: %s (vector %d)", name, f.IntNo)

	if f.IntNo == vectorPageFault {
		fault := bitfield.DecodePageFault(f.ErrCode)
		log.Error("page fault at %#x: present=%v write=%v user=%v reserved=%v fetch=%v",
			asm.ReadCR2(), fault.Present, fault.Write, fault.User, fault.ReservedWrite, fault.InstructionFetch)
	}

	log.Error("registers: rip=%#x cs=%#x rflags=%#x err=%#x rax=%#x rbx=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x r8=%#x r9=%#x r10=%#x r11=%#x r12=%#x r13=%#x r14=%#x r15=%#x rbp=%#x rsp=%#x",
		f.RIP, f.CS, f.RFLAGS, f.ErrCode, f.RAX, f.RBX, f.RCX, f.RDX, f.RSI, f.RDI, f.R8, f.R9, f.R10, f.R11, f.R12, f.R13, f.R14, f.R15, f.RBP, f.RSP)

	if h := handlers[f.IntNo]; h != nil {
		h(f)
		return true
	}
	return false
}
