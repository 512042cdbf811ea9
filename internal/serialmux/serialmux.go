// Package serialmux shares one serial port between several devices on the
// same bus (New Era pumps daisy-chain on a single RS-232 line and are told
// apart by address). Transactions are serialised: a command is written and
// its response read before the next command may use the port.
package serialmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrWriteFailed is returned when the port accepted fewer bytes than sent.
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	// ErrResponseTimeout is returned when no complete response arrived in time.
	ErrResponseTimeout = errors.New("serial response timed out")
	// ErrClosed is returned for transactions on a closed mux.
	ErrClosed = errors.New("serial mux closed")
)

// pollInterval bounds each Read so deadlines and cancellation are noticed.
const (
	pollInterval = 20 * time.Millisecond
	drainTimeout = time.Millisecond
)

// SerialMux serialises request/response transactions on a single port.
type SerialMux[T SerialPorter] struct {
	port    T
	txMu    sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Transactor is the interface device adapters depend on.
type Transactor interface {
	// Transact writes command and returns the bytes read up to and including
	// terminator. Bytes arriving after the terminator are discarded.
	Transact(ctx context.Context, command []byte, terminator byte, timeout time.Duration) ([]byte, error)
	Close() error
}

// NewSerialMux creates a SerialMux over port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{port: port}
}

func (s *SerialMux[T]) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// Transact implements Transactor.
func (s *SerialMux[T]) Transact(ctx context.Context, command []byte, terminator byte, timeout time.Duration) ([]byte, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.isClosed() {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.drain()

	n, err := s.port.Write(command)
	if err != nil {
		return nil, fmt.Errorf("write %q: %w", command, err)
	}
	if n != len(command) {
		return nil, ErrWriteFailed
	}

	var resp []byte
	chunk := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return resp, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return resp, ErrResponseTimeout
		}
		if err := s.port.SetReadTimeout(min(remaining, pollInterval)); err != nil {
			return resp, fmt.Errorf("set read timeout: %w", err)
		}

		n, err := s.port.Read(chunk)
		if n > 0 {
			resp = append(resp, chunk[:n]...)
			if i := bytes.IndexByte(resp, terminator); i >= 0 {
				return resp[:i+1], nil
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return resp, fmt.Errorf("read: %w", err)
		}
	}
}

// drain discards bytes left over from an earlier, abandoned response.
func (s *SerialMux[T]) drain() {
	if err := s.port.SetReadTimeout(drainTimeout); err != nil {
		return
	}
	buf := make([]byte, 64)
	for i := 0; i < 16; i++ {
		n, err := s.port.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

// Close closes the underlying port. Further transactions fail with ErrClosed.
func (s *SerialMux[T]) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	// Wait for any in-flight transaction before closing the port.
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.port.Close()
}
