package bridge

import (
	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/internal/log"
)

// wrappers are the native addresses of the functions the bridge itself
// provides to emulated code.
type wrappers struct {
	unsupported   uint64
	exitImage     uint64
	imageEntry    uint64
	createEvent   uint64
	createEventEx uint64
	closeEvent    uint64
}

func (b *Brg) initWrappers() {
	w := &b.wrappers
	w.unsupported, _ = b.nativeManager.addNative("Unsupported", b.unsupported)
	w.exitImage, _ = b.nativeManager.addNative("ExitImage", b.exitImage)
	w.imageEntry, _ = b.nativeManager.addNative("ImageEntry", b.imageEntry)
	w.createEvent, _ = b.nativeManager.addNative("CreateEvent", b.createEvent)
	w.createEventEx, _ = b.nativeManager.addNative("CreateEventEx", b.createEventEx)
	w.closeEvent, _ = b.nativeManager.addNative("CloseEvent", b.closeEvent)
}

func (b *Brg) unsupported(ctx bridge.CallContext, args *bridge.Args) uint64 {
	log.Error(log.ModuleBridge, "unsupported native call", "machine", ctx.Machine(), "pc", ctx.ProgramCounter(), "ret", ctx.ReturnAddress())
	return uint64(bridge.StatusUnsupported)
}

func (b *Brg) imageEntry(ctx bridge.CallContext, args *bridge.Args) uint64 {
	return uint64(b.RunImage(args[0], args[1]))
}

// exitImage replaces the boot-services Exit for emulated callers. It only
// returns on error; otherwise it unwinds to the RunImage of the image.
func (b *Brg) exitImage(ctx bridge.CallContext, args *bridge.Args) uint64 {
	r := b.imageManager.findByHandle(args[0])
	if r == nil {
		log.Warn(log.ModuleBridge, "exit from unknown image", "handle", args[0])
		return uint64(bridge.StatusInvalidParameter)
	}
	cm := &b.contextManager
	var owner *imageRecord
	for ctx := cm.arena.get(cm.top); ctx != nil; ctx = cm.arena.get(ctx.prev) {
		if ctx.image != nil {
			owner = ctx.image
			break
		}
	}
	if owner != r {
		log.Warn(log.ModuleBridge, "exit from image that is not running", "handle", args[0])
		return uint64(bridge.StatusInvalidParameter)
	}
	r.exitStatus = bridge.Status(args[1])
	r.exitDataSize = args[2]
	r.exitData = args[3]
	r.exit.Unwind(0)
	return 0
}
