package emulator

import "io"

type Reg int

// Context is a register snapshot owned by the engine that allocated it.
// Save captures the live engine registers, Restore writes them back.
type Context interface {
	io.Closer
	Save() error
	Restore() error
	RegisterContext
	Clone() (Context, error)
}

type RegisterContext interface {
	RegRead(reg Reg) (uint64, error)
	RegWrite(reg Reg, value uint64) error
	RegReadBatch(regs ...Reg) ([]uint64, error)
	RegWriteBatch(regs []Reg, vals []uint64) error
}
