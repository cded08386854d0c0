// Package hal exposes the narrow console sink that the memory management
// core writes boot diagnostics to. Device discovery, TTY/console drivers
// and framebuffer handling are out of scope for this kernel core; callers
// are expected to install a Terminal implementation (e.g. a serial port
// driver) before any bring-up code runs.
package hal

// Terminal is the narrow sink that early kernel code writes to. It is
// intentionally minimal: a single byte write and a bulk write, enough to
// back kfmt/early.Printf without pulling in any device-probing machinery.
type Terminal interface {
	WriteByte(b byte)
	Write(p []byte) (int, error)
}

// ActiveTerminal is the console sink used by kernel/kfmt/early. It must be
// assigned (typically by an arch-specific serial driver, out of scope for
// this repository) before any bring-up stage runs.
var ActiveTerminal Terminal
