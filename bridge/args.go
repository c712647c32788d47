package bridge

const MAX_ARGS = 16

// Args holds the integer arguments of a call in argument order.
type Args [MAX_ARGS]uint64

func ArgsOf(vals ...uint64) *Args {
	var args Args
	copy(args[:], vals)
	return &args
}
