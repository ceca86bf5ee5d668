// Package kernerr defines the kernel-wide error taxonomy. Every fallible
// kernel operation returns a Code (or an error wrapping one) instead of
// panicking; only invariant violations reach Panic.
package kernerr

import "fmt"

// Code is the kernel's small signed integer error ABI. User syscalls
// surface -Code as the return value.
type Code int

const (
	Success       Code = 0
	InvalidArg    Code = 1
	Overflow      Code = 2
	Corrupt       Code = 4
	NoMem         Code = 5
	Unavailable   Code = 6
	Timeout       Code = 7
	AccessDenied  Code = 8
	Unknown       Code = 10
	Test          Code = 11
)

func (c Code) Error() string {
	switch c {
	case Success:
		return "success"
	case InvalidArg:
		return "invalid argument"
	case Overflow:
		return "overflow"
	case Corrupt:
		return "corrupt"
	case NoMem:
		return "out of memory"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	case AccessDenied:
		return "access denied"
	case Unknown:
		return "unknown"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("kernerr(%d)", int(c))
	}
}

// Errno returns the negative ABI value a syscall handler should return
// for this code. Success maps to 0.
func (c Code) Errno() int64 {
	return -int64(c)
}

// Is reports whether err wraps the given Code.
func Is(err error, c Code) bool {
	code, ok := err.(Code)
	return ok && code == c
}

// Panicker is implemented by subsystems whose invariant checks call Panic
// instead of returning an error. It exists only so tests can intercept a
// panic without killing the whole test binary; production code just calls
// Panic directly.
type Panicker func(format string, args ...any)

// Panic is the kernel's fatal path: it is called when an internal
// invariant is violated (double free, self-loop in a free list, an
// unrecoverable PML4 switch failure, a fork that must succeed). Unlike an
// ordinary Code return, there is no recovery: the caller is expected to
// have already logged context via klog before invoking this, and Panic
// itself never returns control to the caller in the booted kernel.
//
// In the hosted build (tests, tools) this is a variable so it can be
// swapped for a function that records the message and panics in the Go
// sense, letting table-driven tests assert fatal paths without halting
// the process.
var Panic Panicker = func(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
