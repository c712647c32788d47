package emulator

import (
	"errors"
	"fmt"
)

var (
	ErrArchUnsupported    = errors.New("architecture unsupported")
	ErrArchMismatch       = errors.New("architecture mismatch")
	ErrBackendNotFound    = errors.New("backend not found")
	ErrNoTranslation      = errors.New("no translation for target")
	ErrMemUnmapped        = errors.New("memory unmapped")
	ErrMemProtection      = errors.New("memory protection violation")
	ErrMemMapped          = errors.New("memory already mapped")
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrHookUnsupported    = errors.New("hook type unsupported")
	ErrHookCallbackType   = errors.New("hook callback type mismatch")
	ErrContextClosed      = errors.New("context closed")
	ErrEmulatorClosed     = errors.New("emulator closed")
)

// FetchError reports an instruction fetch the engine could not translate,
// either because the page is unmapped or because it is not executable.
type FetchError struct {
	Addr uint64
	Prot bool
}

func (e *FetchError) Error() string {
	if e.Prot {
		return fmt.Sprintf("fetch from non-executable address %#x", e.Addr)
	}
	return fmt.Sprintf("fetch from unmapped address %#x", e.Addr)
}

func (e *FetchError) Is(target error) bool {
	return target == ErrNoTranslation
}

// MemoryError is a data access fault raised while translated code runs.
type MemoryError struct {
	Type HookType
	Addr uint64
	Size uint64
	Err  error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("%s at %#x (size %d): %v", e.Type, e.Addr, e.Size, e.Err)
}

func (e *MemoryError) Unwrap() error {
	return e.Err
}
