// Package ksyscall is the process-visible boundary SPEC_FULL.md §6
// describes: a 256-slot table of syscall numbers to handlers, with one
// canonical entry, report(id), used as a test hook by the scheduler
// fairness scenario in spec.md §8.
package ksyscall

import "github.com/iansmith/rarmogo/internal/kerr"

// MaxSyscalls is the fixed table size, SPEC_FULL.md §6 "a 256-slot
// table".
const MaxSyscalls = 256

// Handler is one syscall implementation: args in, (return value, error
// code) out.
type Handler func(args []int64) (int64, error)

// Table is the 256-slot syscall table.
type Table struct {
	handlers [MaxSyscalls]Handler
}

// NewTable creates an empty table.
func NewTable() *Table { return &Table{} }

// Register installs fn at syscall number num. Registering the same
// number twice, or a number outside [0, MaxSyscalls), panics.
func (t *Table) Register(num int, fn Handler) {
	if num < 0 || num >= MaxSyscalls {
		kerr.Panic("ksyscall: syscall number %d out of range", num)
	}
	if t.handlers[num] != nil {
		kerr.Panic("ksyscall: syscall number %d already registered", num)
	}
	t.handlers[num] = fn
}

// Invoke calls the handler registered at num. Invoking an unregistered
// number panics: the process-visible boundary has no notion of ENOSYS,
// every caller already knows which numbers are wired (spec.md §6).
func (t *Table) Invoke(num int, args []int64) (int64, error) {
	if num < 0 || num >= MaxSyscalls || t.handlers[num] == nil {
		kerr.Panic("ksyscall: no handler registered for syscall %d", num)
	}
	return t.handlers[num](args)
}

// ReportNo is the canonical test-hook syscall number, spec.md §6.
const ReportNo = 0

// NewReportTable builds a Table with report(id) wired at ReportNo: it
// passes id to the caller-supplied record function, which keeps and
// guards its own counts (the scheduler-fairness scenario in spec.md §8
// needs per-process counts, not a kernel-global one).
func NewReportTable(record func(id int64)) *Table {
	t := NewTable()
	t.Register(ReportNo, func(args []int64) (int64, error) {
		if len(args) != 1 {
			kerr.Panic("ksyscall: report expects exactly one argument")
		}
		record(args[0])
		return 0, nil
	})
	return t
}
