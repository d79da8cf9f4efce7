// Package kerr defines the error and fatal-panic conventions shared by every
// kernel subsystem: resource exhaustion is a typed error the caller can
// inspect, policy and invariant violations are fatal.
package kerr

import "fmt"

// KernelError is a plain string-backed error, the shape PageAlloc and
// ObjectAlloc use for recoverable failures (out of memory, too large);
// IPC-MQ reports its failures as integer codes instead. It carries no stack or cause chain
// because the kernel never unwinds across one.
type KernelError string

func (e KernelError) Error() string { return string(e) }

const (
	// ErrOutOfMemory is returned when PageAlloc or ObjectAlloc cannot
	// satisfy a request from any order/class.
	ErrOutOfMemory = KernelError("out of memory")

	// ErrTooLarge is returned by ObjectAlloc when size >= PAGE_SIZE - header.
	ErrTooLarge = KernelError("allocation too large for slob")
)

// Panic is the fatal path for policy violations and invariant breaches
// (double free, corrupted guard bits, scheduling a zombie, ...). Unlike a
// recoverable KernelError it never returns to the caller: in the real
// kernel this stops the current CPU and waits for its peers; on the host
// it is a regular panic so tests can assert on it with recover.
func Panic(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
