package firmware

import (
	"sync"
)

// EntryPoints are the native addresses of boot services that need special
// handling when called from emulated code. Zero means the service is not
// exposed.
type EntryPoints struct {
	CreateEvent              uint64
	CreateEventEx            uint64
	CloseEvent               uint64
	Exit                     uint64
	ExitBootServices         uint64
	RegisterInterruptHandler uint64
}

type EventNotify func(event, context uint64)

type BootServices interface {
	EntryPoints() EntryPoints
	CreateEvent(typ uint32, tpl uint64, notify EventNotify, context uint64) (uint64, error)
	CreateEventEx(typ uint32, tpl uint64, notify EventNotify, context uint64, group uint64) (uint64, error)
	CloseEvent(event uint64) error
	SignalEvent(event uint64) error
	Exit(handle uint64, status Status, dataSize, data uint64) Status
}

const (
	EVT_NOTIFY_SIGNAL = 0x00000200
	TPL_CALLBACK      = 8
	TPL_NOTIFY        = 16
)

type softEvent struct {
	typ     uint32
	tpl     uint64
	group   uint64
	notify  EventNotify
	context uint64
}

type ExitCall struct {
	Handle   uint64
	Status   Status
	DataSize uint64
	Data     uint64
}

// SoftBootServices implements the event and image-exit services in memory.
// Notifications are delivered through the interrupt controller, so they only
// run while interrupts are enabled.
type SoftBootServices struct {
	mu      sync.Mutex
	entries EntryPoints
	intr    *InterruptController
	events  map[uint64]*softEvent
	next    uint64
	exits   []ExitCall
}

func NewSoftBootServices(entries EntryPoints, intr *InterruptController) *SoftBootServices {
	return &SoftBootServices{
		entries: entries,
		intr:    intr,
		events:  make(map[uint64]*softEvent),
		next:    0x1000,
	}
}

func (bs *SoftBootServices) EntryPoints() EntryPoints {
	return bs.entries
}

func (bs *SoftBootServices) CreateEvent(typ uint32, tpl uint64, notify EventNotify, context uint64) (uint64, error) {
	return bs.CreateEventEx(typ, tpl, notify, context, 0)
}

func (bs *SoftBootServices) CreateEventEx(typ uint32, tpl uint64, notify EventNotify, context uint64, group uint64) (uint64, error) {
	if typ&EVT_NOTIFY_SIGNAL != 0 && notify == nil {
		return 0, StatusInvalidParameter
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.next += 0x10
	event := bs.next
	bs.events[event] = &softEvent{typ: typ, tpl: tpl, group: group, notify: notify, context: context}
	return event, nil
}

func (bs *SoftBootServices) CloseEvent(event uint64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, ok := bs.events[event]; !ok {
		return StatusInvalidParameter
	}
	delete(bs.events, event)
	return nil
}

// SignalEvent queues the notification of event and, when it belongs to a
// group, of every other event of that group.
func (bs *SoftBootServices) SignalEvent(event uint64) error {
	bs.mu.Lock()
	ev, ok := bs.events[event]
	if !ok {
		bs.mu.Unlock()
		return StatusInvalidParameter
	}
	targets := map[uint64]*softEvent{event: ev}
	if ev.group != 0 {
		for id, other := range bs.events {
			if other.group == ev.group {
				targets[id] = other
			}
		}
	}
	bs.mu.Unlock()
	for id, target := range targets {
		if target.notify == nil {
			continue
		}
		id, target := id, target
		bs.intr.Queue(func() {
			target.notify(id, target.context)
		})
	}
	return nil
}

func (bs *SoftBootServices) Exit(handle uint64, status Status, dataSize, data uint64) Status {
	bs.mu.Lock()
	bs.exits = append(bs.exits, ExitCall{Handle: handle, Status: status, DataSize: dataSize, Data: data})
	bs.mu.Unlock()
	return status
}

func (bs *SoftBootServices) Exits() []ExitCall {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return append([]ExitCall(nil), bs.exits...)
}

func (bs *SoftBootServices) EventCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.events)
}
