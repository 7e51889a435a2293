// Package revert provides a small rollback helper used by every multi-step
// operation in the engine layer: each acquired resource registers an undo
// function, and Fail runs them in reverse order unless Success was called
// first.
package revert

// Reverter runs a stack of functions in reverse order unless told the
// operation succeeded.
type Reverter struct {
	fns []func()
}

// New returns an empty Reverter.
func New() *Reverter {
	return &Reverter{}
}

// Add pushes fn onto the undo stack.
func (r *Reverter) Add(fn func()) {
	r.fns = append(r.fns, fn)
}

// Fail runs every registered function in reverse order. Safe to call
// unconditionally via defer; a no-op after Success.
func (r *Reverter) Fail() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}

	r.fns = nil
}

// Success discards the undo stack so a deferred Fail becomes a no-op.
func (r *Reverter) Success() {
	r.fns = nil
}
