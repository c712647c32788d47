package bridge

import (
	"slices"
	"sync"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/internal/log"
)

// eventRecord ties an event created by emulated code to the emulated
// notification function the host must call back into.
type eventRecord struct {
	event   uint64
	cpu     *cpu
	caller  uint64
	notify  uint64
	context uint64
}

type eventManager struct {
	mu     sync.Mutex
	events []*eventRecord
}

func (em *eventManager) ctor() {
}

func (em *eventManager) dtor() {
	em.mu.Lock()
	em.events = nil
	em.mu.Unlock()
}

func (em *eventManager) listEvents() []*eventRecord {
	em.mu.Lock()
	defer em.mu.Unlock()
	return slices.Clone(em.events)
}

func (b *Brg) addEvent(r *eventRecord) {
	state := b.criticalBegin()
	b.eventManager.mu.Lock()
	b.eventManager.events = append(b.eventManager.events, r)
	b.eventManager.mu.Unlock()
	b.criticalEnd(state)
}

func (b *Brg) removeEvent(match func(*eventRecord) bool) {
	state := b.criticalBegin()
	b.eventManager.mu.Lock()
	b.eventManager.events = slices.DeleteFunc(b.eventManager.events, match)
	b.eventManager.mu.Unlock()
	b.criticalEnd(state)
}

func (b *Brg) createEvent(ctx bridge.CallContext, args *bridge.Args) uint64 {
	return b.createEventCommon(ctx, args, false)
}

func (b *Brg) createEventEx(ctx bridge.CallContext, args *bridge.Args) uint64 {
	return b.createEventCommon(ctx, args, true)
}

func (b *Brg) createEventCommon(ctx bridge.CallContext, args *bridge.Args, ex bool) uint64 {
	if b.boot == nil {
		return uint64(bridge.StatusUnsupported)
	}
	c, err := b.cpuOf(ctx.Machine())
	if err != nil {
		return uint64(bridge.StatusOf(err))
	}
	typ, tpl, notify, context := uint32(args[0]), args[1], args[2], args[3]
	group, out := uint64(0), args[4]
	if ex {
		group, out = args[4], args[5]
	}
	r := &eventRecord{cpu: c, caller: ctx.ReturnAddress(), notify: notify, context: context}
	var fn firmware.EventNotify
	if notify != 0 {
		fn = func(event, _ uint64) {
			_, err := b.RunFunc(r.cpu.machine, r.notify, bridge.ArgsOf(event, r.context))
			if err != nil {
				log.Error(log.ModuleBridge, "event notify failed", "machine", r.cpu.machine, "notify", r.notify, "err", err)
			}
		}
	}
	b.addEvent(r)
	var event uint64
	if ex {
		event, err = b.boot.CreateEventEx(typ, tpl, fn, context, group)
	} else {
		event, err = b.boot.CreateEvent(typ, tpl, fn, context)
	}
	if err == nil {
		r.event = event
		err = ctx.ToPointer(out).SetUint64(event)
		if err == nil {
			return uint64(bridge.StatusSuccess)
		}
		b.boot.CloseEvent(event)
	}
	b.removeEvent(func(o *eventRecord) bool { return o == r })
	if out != 0 {
		ctx.ToPointer(out).SetUint64(0)
	}
	return uint64(bridge.StatusOf(err))
}

func (b *Brg) closeEvent(ctx bridge.CallContext, args *bridge.Args) uint64 {
	if b.boot == nil {
		return uint64(bridge.StatusUnsupported)
	}
	event := args[0]
	err := b.boot.CloseEvent(event)
	if err != nil {
		return uint64(bridge.StatusOf(err))
	}
	b.removeEvent(func(r *eventRecord) bool { return r.event == event })
	return uint64(bridge.StatusSuccess)
}
