package firmware

import (
	"errors"
	"sync"
)

var ErrPortWidth = errors.New("port width unsupported")

// CpuIo performs port I/O on behalf of emulated code.
type CpuIo interface {
	IoRead(width int, port uint64) (uint32, error)
	IoWrite(width int, port uint64, value uint32) error
}

// PortSpace is a CpuIo backed by a map of port values.
type PortSpace struct {
	mu    sync.Mutex
	ports map[uint64]uint32
}

func NewPortSpace() *PortSpace {
	return &PortSpace{ports: make(map[uint64]uint32)}
}

func widthMask(width int) (uint32, error) {
	switch width {
	case 1:
		return 0xff, nil
	case 2:
		return 0xffff, nil
	case 4:
		return 0xffffffff, nil
	}
	return 0, ErrPortWidth
}

func (ps *PortSpace) IoRead(width int, port uint64) (uint32, error) {
	mask, err := widthMask(width)
	if err != nil {
		return 0, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ports[port] & mask, nil
}

func (ps *PortSpace) IoWrite(width int, port uint64, value uint32) error {
	mask, err := widthMask(width)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ps.ports[port] = value & mask
	ps.mu.Unlock()
	return nil
}

const MEMORY_XP = 0x4000

// MemoryAttributes changes native page attributes.
type MemoryAttributes interface {
	SetMemoryAttributes(base, size, attrs uint64) error
	ClearMemoryAttributes(base, size, attrs uint64) error
}

// ExceptionHandler receives the saved register context of a synchronous
// exception and may rewrite it before the exception returns.
type ExceptionHandler func(vector int, ctx any)

// ExceptionRegistrar installs one handler per exception vector. A nil handler
// removes the registration.
type ExceptionRegistrar interface {
	RegisterInterruptHandler(vector int, handler ExceptionHandler) error
}

var ErrHandlerRegistered = errors.New("exception handler already registered")

type SoftExceptions struct {
	mu       sync.Mutex
	handlers map[int]ExceptionHandler
}

func NewSoftExceptions() *SoftExceptions {
	return &SoftExceptions{handlers: make(map[int]ExceptionHandler)}
}

func (se *SoftExceptions) RegisterInterruptHandler(vector int, handler ExceptionHandler) error {
	se.mu.Lock()
	defer se.mu.Unlock()
	if handler == nil {
		delete(se.handlers, vector)
		return nil
	} else if _, ok := se.handlers[vector]; ok {
		return ErrHandlerRegistered
	}
	se.handlers[vector] = handler
	return nil
}

// Raise delivers an exception and reports whether a handler took it.
func (se *SoftExceptions) Raise(vector int, ctx any) bool {
	se.mu.Lock()
	handler, ok := se.handlers[vector]
	se.mu.Unlock()
	if ok {
		handler(vector, ctx)
	}
	return ok
}
