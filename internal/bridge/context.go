package bridge

import (
	"runtime"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/internal/log"
)

// ctxHandle names a run context in the arena. A handle whose generation no
// longer matches its slot refers to a context that has been freed.
type ctxHandle struct {
	index uint32
	gen   uint32
}

func (h ctxHandle) valid() bool {
	return h.index != 0
}

// runContext is one entry of an emulated call on the context stack.
type runContext struct {
	gen      uint32
	live     bool
	cpu      *cpu
	prev     ctxHandle
	snapshot emulator.Context
	image    *imageRecord
	cookie   uint64
	pc       uint64
}

type contextArena struct {
	slots []*runContext
	free  []uint32
	live  int
	max   int
}

func (a *contextArena) alloc() (ctxHandle, *runContext, bool) {
	if a.live >= a.max {
		return ctxHandle{}, nil, false
	}
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if len(a.slots) == 0 {
			a.slots = append(a.slots, nil)
		}
		index = uint32(len(a.slots))
		a.slots = append(a.slots, new(runContext))
	}
	ctx := a.slots[index]
	ctx.live = true
	a.live++
	return ctxHandle{index, ctx.gen}, ctx, true
}

func (a *contextArena) get(h ctxHandle) *runContext {
	if !h.valid() || int(h.index) >= len(a.slots) {
		return nil
	}
	ctx := a.slots[h.index]
	if !ctx.live || ctx.gen != h.gen {
		return nil
	}
	return ctx
}

func (a *contextArena) release(h ctxHandle) {
	ctx := a.get(h)
	if ctx == nil {
		return
	}
	if ctx.snapshot != nil {
		ctx.snapshot.Close()
	}
	*ctx = runContext{gen: ctx.gen + 1}
	a.free = append(a.free, h.index)
	a.live--
}

// contextManager owns the arena and the single context stack shared by
// every cpu. Each cpu counts the entries it owns on the stack.
type contextManager struct {
	arena  contextArena
	top    ctxHandle
	strict bool
}

func (cm *contextManager) ctor(max int, strict bool) {
	cm.arena.max = max
	cm.strict = strict
}

func (cm *contextManager) dtor() {
	for i := range cm.arena.slots {
		if i == 0 {
			continue
		}
		ctx := cm.arena.slots[i]
		if ctx.live {
			cm.arena.release(ctxHandle{uint32(i), ctx.gen})
		}
	}
	cm.top = ctxHandle{}
}

func (b *Brg) allocContext(c *cpu, pc uint64) (ctxHandle, error) {
	h, ctx, ok := b.contextManager.arena.alloc()
	if !ok {
		log.Error(log.ModuleBridge, "out of run contexts", "machine", c.machine, "live", b.contextManager.arena.live)
		return ctxHandle{}, bridge.StatusOutOfResources
	}
	ctx.cpu = c
	ctx.pc = pc
	return h, nil
}

func (b *Brg) freeContext(h ctxHandle) {
	b.contextManager.arena.release(h)
}

// stackCookie decreases as the Go stack deepens, so an older frame always
// has a larger cookie than the frames it calls.
func stackCookie() uint64 {
	pcs := make([]uintptr, 128)
	for {
		n := runtime.Callers(1, pcs)
		if n < len(pcs) {
			return ^uint64(n)
		}
		pcs = make([]uintptr, len(pcs)*2)
	}
}

// enterCritical pushes h on the context stack. In strict mode predecessors
// whose cookie shows their frame is gone are unlinked first.
func (b *Brg) enterCritical(h ctxHandle) {
	cm := &b.contextManager
	ctx := cm.arena.get(h)
	var orphans []ctxHandle
	if cm.strict {
		ctx.cookie = stackCookie()
	}
	state := b.criticalBegin()
	if cm.strict {
		for prev := cm.arena.get(cm.top); prev != nil && ctx.cookie >= prev.cookie; prev = cm.arena.get(cm.top) {
			orphans = append(orphans, cm.top)
			b.unwindContext(prev)
			cm.top = prev.prev
		}
	}
	ctx.prev = cm.top
	cm.top = h
	ctx.cpu.contexts++
	b.criticalEnd(state)
	for _, orphan := range orphans {
		log.Debug(log.ModuleBridge, "dropped orphaned context", "machine", cm.arena.get(orphan).cpu.machine)
		b.freeContext(orphan)
	}
}

func (b *Brg) leaveCritical(h ctxHandle) {
	cm := &b.contextManager
	state := b.criticalBegin()
	if cm.top == h {
		ctx := cm.arena.get(h)
		cm.top = ctx.prev
		ctx.cpu.contexts--
	}
	b.criticalEnd(state)
}

// unwindContext undoes what an abandoned context did to its cpu.
func (b *Brg) unwindContext(ctx *runContext) {
	ctx.cpu.contexts--
	if ctx.snapshot != nil {
		ctx.snapshot.Restore()
	}
}

// compress drops the contexts left above current by a call that never
// returned through them. On image exit current itself goes too.
func (b *Brg) compress(current ctxHandle, onImageExit bool) {
	cm := &b.contextManager
	top := current
	if onImageExit {
		if ctx := cm.arena.get(current); ctx != nil {
			top = ctx.prev
		}
	}
	var walked []ctxHandle
	state := b.criticalBegin()
	for h := cm.top; h != top; {
		ctx := cm.arena.get(h)
		if ctx == nil {
			break
		}
		b.unwindContext(ctx)
		walked = append(walked, h)
		h = ctx.prev
	}
	cm.top = top
	b.criticalEnd(state)
	for _, h := range walked {
		b.freeContext(h)
	}
	if len(walked) > 0 {
		log.Debug(log.ModuleBridge, "compressed leaked contexts", "count", len(walked), "imageExit", onImageExit)
	}
}

func (b *Brg) topContext() *runContext {
	return b.contextManager.arena.get(b.contextManager.top)
}

func (b *Brg) ContextCount() int {
	return b.contextManager.arena.live
}
