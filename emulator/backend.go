package emulator

import (
	"maps"
	"slices"
	"sync"
)

type Opener func(arch Arch) (Emulator, error)

var (
	backendMu  sync.RWMutex
	backendMap = make(map[string]Opener)
)

func RegisterBackend(name string, open Opener) bool {
	backendMu.Lock()
	defer backendMu.Unlock()
	if _, ok := backendMap[name]; ok {
		return false
	}
	backendMap[name] = open
	return true
}

func Open(name string, arch Arch) (Emulator, error) {
	backendMu.RLock()
	open, ok := backendMap[name]
	backendMu.RUnlock()
	if !ok {
		return nil, ErrBackendNotFound
	}
	return open(arch)
}

func Backends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return slices.Sorted(maps.Keys(backendMap))
}
