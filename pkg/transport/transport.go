// Package transport abstracts the byte-oriented, half-duplex serial channel
// the bootloader protocol runs over: open/close, set baud, write bytes,
// snapshot available bytes, and clear the input buffer.
//
// A background goroutine continuously drains the underlying port into a
// mutex-guarded buffer, mirroring the read-loop-plus-shared-buffer shape the
// teacher's pkg/usock uses for its own UART socket.
package transport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// MinBufferSize is the minimum receive buffer capacity callers can rely on,
// per the bootloader spec.
const MinBufferSize = 2048

// Port is the subset of go.bug.st/serial.Port the transport depends on,
// narrowed so tests can substitute a fake.
type Port interface {
	SetMode(mode *serial.Mode) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

// Transport is a serial connection to the bootloader device.
type Transport struct {
	port Port

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	buffer []byte
}

// openFunc is overridable in tests to avoid touching a real serial port.
var openFunc = func(portName string, mode *serial.Mode) (Port, error) {
	return serial.Open(portName, mode)
}

func mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens portName at baud with 8 data bits, no parity, one stop bit,
// and no flow control, and starts the background reader.
func Open(portName string, baud int) (*Transport, error) {
	port, err := openFunc(portName, mode(baud))
	if err != nil {
		return nil, &PortUnavailableError{Port: portName, Cause: err}
	}
	return newTransport(port), nil
}

// New wraps an already-established Port, starting the same background
// reader Open does. It exists so callers outside this package (notably
// bootloader package tests) can drive a Transport over a fake Port without
// reaching into this package's internals.
func New(port Port) *Transport {
	return newTransport(port)
}

func newTransport(port Port) *Transport {
	t := &Transport{
		port:     port,
		stopChan: make(chan struct{}),
		buffer:   make([]byte, 0, MinBufferSize),
	}

	t.wg.Add(1)
	go t.readLoop()

	return t
}

// PortUnavailableError reports that the serial port could not be opened.
type PortUnavailableError struct {
	Port  string
	Cause error
}

func (e *PortUnavailableError) Error() string {
	return fmt.Sprintf("serial port %q unavailable: %v", e.Port, e.Cause)
}

func (e *PortUnavailableError) Unwrap() error { return e.Cause }

// SetBaud changes the baud rate on the already-open port, settling briefly
// afterward (the device's tolerance for an inter-baud idle gap is
// unspecified; a short settle is cheap insurance).
func (t *Transport) SetBaud(baud int) error {
	if err := t.port.SetMode(mode(baud)); err != nil {
		return fmt.Errorf("set baud %d: %w", baud, err)
	}
	time.Sleep(10 * time.Millisecond)
	return nil
}

// Write sends frame bytes to the device.
func (t *Transport) Write(frame []byte) error {
	_, err := t.port.Write(frame)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// ClearInput discards any buffered incoming bytes, both at the OS level and
// in the transport's own snapshot buffer, before a new request is issued.
func (t *Transport) ClearInput() {
	t.mu.Lock()
	t.buffer = t.buffer[:0]
	t.mu.Unlock()

	_ = t.port.ResetInputBuffer()
}

// Available returns the number of bytes currently buffered.
func (t *Transport) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// ReadAll returns a snapshot of the currently buffered bytes and clears the
// buffer, treating it as a FIFO.
func (t *Transport) ReadAll() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buffer) == 0 {
		return nil
	}
	out := make([]byte, len(t.buffer))
	copy(out, t.buffer)
	t.buffer = t.buffer[:0]
	return out
}

// Close idempotently stops the reader goroutine and releases the port.
func (t *Transport) Close() error {
	select {
	case <-t.stopChan:
		return nil
	default:
		close(t.stopChan)
	}
	// Close the port before waiting for the reader goroutine: it may be
	// blocked in a Read call, and closing the port is what unblocks it.
	err := t.port.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		t.mu.Lock()
		t.buffer = append(t.buffer, buf[:n]...)
		t.mu.Unlock()
	}
}
