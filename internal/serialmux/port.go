package serialmux

import (
	"io"
	"time"
)

// SerialPorter is the subset of go.bug.st/serial.Port the pump bus needs.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds each Read call. A Read that times out returns
	// 0 bytes and a nil error.
	SetReadTimeout(timeout time.Duration) error
}

// SerialPortOpener opens a port at path with the given options. Tests swap
// it for a function returning a ScriptedPort.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
