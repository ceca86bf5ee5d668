// Package asm declares the low-level x86_64 primitives the kernel needs
// and cannot express in Go: port I/O, control-register access, descriptor
// table loads, interrupt masking, TLB invalidation, and the trap-return
// trampoline. Each is linked against a small hand-written assembly file
// (lib.s, assembled and linked alongside the Go kernel image) — Go
// cannot emit `in`/`out`/`lgdt`/`iretq` itself.
package asm

import "unsafe"

// Outb writes a byte to an I/O port (PIC remap, legacy device registers).
//
//go:linkname Outb asm_outb
//go:nosplit
func Outb(port uint16, value uint8)

// Inb reads a byte from an I/O port.
//
//go:linkname Inb asm_inb
//go:nosplit
func Inb(port uint16) uint8

// LoadCR3 installs a new PML4 physical address and flushes the TLB as a
// side effect of the CR3 write.
//
//go:linkname LoadCR3 asm_load_cr3
//go:nosplit
func LoadCR3(pml4Phys uintptr)

// ReadCR3 returns the physical address of the currently loaded PML4.
//
//go:linkname ReadCR3 asm_read_cr3
//go:nosplit
func ReadCR3() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
//
//go:linkname ReadCR2 asm_read_cr2
//go:nosplit
func ReadCR2() uintptr

// InvalidatePage flushes a single TLB entry for vaddr.
//
//go:linkname InvalidatePage asm_invlpg
//go:nosplit
func InvalidatePage(vaddr uintptr)

// LoadGDT installs the Global Descriptor Table.
//
//go:linkname LoadGDT asm_lgdt
//go:nosplit
func LoadGDT(ptr unsafe.Pointer)

// LoadIDT installs the Interrupt Descriptor Table.
//
//go:linkname LoadIDT asm_lidt
//go:nosplit
func LoadIDT(ptr unsafe.Pointer)

// LoadTSS loads the Task State Segment selector.
//
//go:linkname LoadTSS asm_ltr
//go:nosplit
func LoadTSS(selector uint16)

// DisableInterrupts masks maskable interrupts (cli).
//
//go:linkname DisableInterrupts asm_cli
//go:nosplit
func DisableInterrupts()

// EnableInterrupts unmasks maskable interrupts (sti).
//
//go:linkname EnableInterrupts asm_sti
//go:nosplit
func EnableInterrupts()

// Halt executes hlt, parking the CPU until the next interrupt.
//
//go:linkname Halt asm_hlt
//go:nosplit
func Halt()

// IRETQTrampoline restores the register state described by regs and
// executes iretq, transferring control to user mode at regs.RIP with
// regs.RSP. This is the mechanism the scheduler uses to dispatch into
// a runnable process.
//
//go:linkname IRETQTrampoline asm_iretq_trampoline
//go:nosplit
func IRETQTrampoline(regs unsafe.Pointer)

// Bzero zeroes size bytes starting at ptr. Kept as a dedicated primitive
// (rather than a Go loop) because it must run in nosplit context before
// the runtime's memclr can be trusted.
//
//go:linkname Bzero asm_bzero
//go:nosplit
func Bzero(ptr unsafe.Pointer, size uintptr)

// PortDelay spins count iterations; used for the short delays legacy
// PIC/PIT programming sequences require between successive port writes.
//
//go:linkname PortDelay asm_delay
//go:nosplit
func PortDelay(count int32)
