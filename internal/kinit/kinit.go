// Package kinit is the ordered early_init/rest_init callback registry
// SPEC_FULL.md §9 calls for: "Global state... specify init as an ordered
// list of early_init and rest_init callbacks; implementers may encode the
// order with a build-time registry." cmd/kernel's Boot registers each
// subsystem's bring-up function and then runs the two phases in
// registration order.
package kinit

// Func is one init callback.
type Func func()

var early []Func
var rest []Func

// RegisterEarly appends fn to the early_init phase: allocator and
// scheduler bring-up, anything later phases assume already exists.
func RegisterEarly(fn Func) { early = append(early, fn) }

// RegisterRest appends fn to the rest_init phase: subsystems that depend
// on early_init having completed (IPC table, block cache, log replay).
func RegisterRest(fn Func) { rest = append(rest, fn) }

// RunEarly runs every registered early_init callback, in registration
// order.
func RunEarly() {
	for _, fn := range early {
		fn()
	}
}

// RunRest runs every registered rest_init callback, in registration
// order.
func RunRest() {
	for _, fn := range rest {
		fn()
	}
}
