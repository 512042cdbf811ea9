package serialmux

import (
	"go.bug.st/serial"
)

// OpenSerialPort opens a real serial port at path. It satisfies
// SerialPortOpener.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// NewRealSerialMux creates a SerialMux backed by the serial port at path.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := OpenSerialPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
