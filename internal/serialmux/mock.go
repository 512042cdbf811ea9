package serialmux

import (
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by ScriptedPort after Close.
var ErrPortClosed = errors.New("port closed")

// Responder maps one written command to the bytes the device sends back.
// Returning nil simulates a device that never answers.
type Responder func(command []byte) []byte

// ScriptedPort implements SerialPorter for testing. Every Write is passed to
// the Responder and its answer is queued for the following Reads.
type ScriptedPort struct {
	mu sync.Mutex

	respond     Responder
	readBuf     []byte
	readTimeout time.Duration

	// WriteError, when set, is returned by every Write.
	WriteError error
	// ShortWrite makes Write report one byte fewer than it was given.
	ShortWrite bool

	written [][]byte
	closed  bool
}

// NewScriptedPort returns a ScriptedPort answering with respond.
func NewScriptedPort(respond Responder) *ScriptedPort {
	return &ScriptedPort{respond: respond}
}

// Write records p and queues the scripted response.
func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPortClosed
	}
	if p.WriteError != nil {
		return 0, p.WriteError
	}
	p.written = append(p.written, append([]byte(nil), b...))
	if p.respond != nil {
		p.readBuf = append(p.readBuf, p.respond(b)...)
	}
	if p.ShortWrite && len(b) > 0 {
		return len(b) - 1, nil
	}
	return len(b), nil
}

// Read returns queued bytes, or waits out the read timeout and returns 0, nil
// like a real port does.
func (p *ScriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if len(p.readBuf) > 0 {
		n := copy(b, p.readBuf)
		p.readBuf = p.readBuf[n:]
		p.mu.Unlock()
		return n, nil
	}
	wait := p.readTimeout
	p.mu.Unlock()

	if wait <= 0 || wait > 5*time.Millisecond {
		wait = 5 * time.Millisecond
	}
	time.Sleep(wait)
	return 0, nil
}

// SetReadTimeout records the timeout.
func (p *ScriptedPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = d
	return nil
}

// Close marks the port closed.
func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Written returns a copy of every command written so far.
func (p *ScriptedPort) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	copy(out, p.written)
	return out
}

// Closed reports whether Close has been called.
func (p *ScriptedPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
