package interrupt

import (
	"strings"
	"testing"

	"hydra/internal/klog"
)

func TestDispatchIRQRunsRegisteredHandler(t *testing.T) {
	defer func() { handlers[IRQBase] = nil }()

	called := false
	RegisterHandler(IRQBase, func(f *Frame) { called = true })

	DispatchIRQ(&Frame{IntNo: IRQBase})
	if !called {
		t.Error("expected the registered IRQ handler to run")
	}
}

func TestDispatchIRQIgnoresUnregisteredVector(t *testing.T) {
	DispatchIRQ(&Frame{IntNo: 99}) // must not panic
}

func TestDispatchExceptionLogsNameAndRegisters(t *testing.T) {
	log := klog.New(nil, 0)

	handled := DispatchException(log, &Frame{IntNo: 13, RIP: 0x1234}) // GPF
	if handled {
		t.Error("expected no handler registered, so handled should be false")
	}

	dump := log.Dump()
	if !strings.Contains(dump, "General Protection Fault") {
		t.Errorf("expected the exception name in the log, got %q", dump)
	}
	if !strings.Contains(dump, "0x1234") {
		t.Errorf("expected rip in the log, got %q", dump)
	}
}

func TestDispatchExceptionDecodesPageFault(t *testing.T) {
	log := klog.New(nil, 0)

	DispatchException(log, &Frame{IntNo: 14, ErrCode: 0b00110}) // write, user, not-present

	dump := log.Dump()
	if !strings.Contains(dump, "page fault") {
		t.Errorf("expected a page fault line in the log, got %q", dump)
	}
}
