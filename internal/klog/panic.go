package klog

import (
	"fmt"
	"strings"
)

// SymbolResolver maps a return address to a symbol name and offset, when
// the boot-info ELF section table is present. When it isn't (no symbol
// table was provided by the bootloader), Resolve may return ok=false and
// the trace falls back to raw addresses.
type SymbolResolver interface {
	Resolve(addr uintptr) (name string, offset uintptr, ok bool)
}

// Frame is one entry of a hand-walked stack trace (rbp-chain walk, since
// there is no unwinder available this early).
type Frame struct {
	PC uintptr
}

// StackTrace renders frames against an optional symbol resolver,
// resolving against the ELF symbol table when one is present.
func StackTrace(frames []Frame, resolver SymbolResolver) string {
	var b strings.Builder
	for i, f := range frames {
		if resolver != nil {
			if name, off, ok := resolver.Resolve(f.PC); ok {
				fmt.Fprintf(&b, "  #%d 0x%016x %s+0x%x\n", i, f.PC, name, off)
				continue
			}
		}
		fmt.Fprintf(&b, "  #%d 0x%016x <unknown>\n", i, f.PC)
	}
	return b.String()
}

// RegisterDump is the minimal x86_64 general-purpose register snapshot
// printed on a fatal exception.
type RegisterDump struct {
	RIP, RSP, RBP                uintptr
	RAX, RBX, RCX, RDX, RSI, RDI uint64
	CR2                          uintptr
	ErrorCode                    uint64
}

func (r RegisterDump) String() string {
	return fmt.Sprintf(
		"RIP=0x%016x RSP=0x%016x RBP=0x%016x\n"+
			"RAX=0x%016x RBX=0x%016x RCX=0x%016x RDX=0x%016x\n"+
			"RSI=0x%016x RDI=0x%016x CR2=0x%016x ERR=0x%x",
		r.RIP, r.RSP, r.RBP, r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.CR2, r.ErrorCode)
}

// Fatal logs a fatal condition with registers and a resolved stack
// trace: an explanatory message, a register dump, and a stack trace,
// the last things written before the kernel halts.
func (l *Logger) Fatal(message string, regs RegisterDump, frames []Frame, resolver SymbolResolver) {
	l.Error("FATAL: %s", message)
	l.Error("%s", regs.String())
	trace := StackTrace(frames, resolver)
	for _, line := range strings.Split(strings.TrimRight(trace, "\n"), "\n") {
		l.Error("%s", line)
	}
}
