package bridge

// JumpBuffer marks a frame that a later Unwind can return to, skipping every
// frame in between. Deferred calls of the skipped frames still run, so code
// that must leave state behind for a later cleanup keeps its teardown out of
// defer.
type JumpBuffer struct {
	_ byte
}

type unwinding struct {
	jb  *JumpBuffer
	val uint64
}

// Unwindable runs fn. If fn returns normally its value is returned with
// unwound false; if something below calls jb.Unwind(v), Unwindable returns
// v with unwound true.
func Unwindable(jb *JumpBuffer, fn func() uint64) (val uint64, unwound bool) {
	defer func() {
		if r := recover(); r != nil {
			if u, ok := r.(*unwinding); ok && u.jb == jb {
				val, unwound = u.val, true
				return
			}
			panic(r)
		}
	}()
	return fn(), false
}

func (jb *JumpBuffer) Unwind(val uint64) {
	panic(&unwinding{jb, val})
}
