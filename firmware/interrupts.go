package firmware

import "sync"

// Interrupts masks asynchronous delivery of timer and event callbacks.
type Interrupts interface {
	// Disable masks interrupts and reports whether they were enabled.
	Disable() bool
	Enable()
	Enabled() bool
}

// InterruptController is a software interrupt mask. Work queued while
// interrupts are masked runs when they are enabled again.
type InterruptController struct {
	mu      sync.Mutex
	enabled bool
	pending []func()
}

func NewInterruptController() *InterruptController {
	return &InterruptController{enabled: true}
}

func (ic *InterruptController) Disable() bool {
	ic.mu.Lock()
	prev := ic.enabled
	ic.enabled = false
	ic.mu.Unlock()
	return prev
}

func (ic *InterruptController) Enable() {
	ic.mu.Lock()
	ic.enabled = true
	ic.mu.Unlock()
	ic.drain()
}

func (ic *InterruptController) Enabled() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.enabled
}

// Queue delivers fn now when interrupts are enabled, otherwise on the next
// Enable.
func (ic *InterruptController) Queue(fn func()) {
	ic.mu.Lock()
	ic.pending = append(ic.pending, fn)
	enabled := ic.enabled
	ic.mu.Unlock()
	if enabled {
		ic.drain()
	}
}

func (ic *InterruptController) Pending() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.pending)
}

func (ic *InterruptController) drain() {
	for {
		ic.mu.Lock()
		if !ic.enabled || len(ic.pending) == 0 {
			ic.mu.Unlock()
			return
		}
		fn := ic.pending[0]
		ic.pending = ic.pending[1:]
		ic.mu.Unlock()
		fn()
	}
}
