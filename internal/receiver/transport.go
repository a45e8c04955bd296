package receiver

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrNotOpen is returned by Write and ReadAvailable when the transport
// has no open connection.
var ErrNotOpen = errors.New("transport not open")

// Transport abstracts the physical link to a receiver so the worker loop
// can run against real hardware, the emulator, or a scripted test double.
type Transport interface {
	// Open establishes the connection. An error here is a ConnectionError:
	// the receiver stays unusable until the next open attempt.
	Open() error
	// Write sends raw command bytes. Errors are I/O errors mid-session.
	Write(p []byte) error
	// ReadAvailable drains whatever the device has sent, waiting briefly
	// for trailing bytes since replies carry no explicit terminator beyond
	// newlines. Returns nil when nothing arrived.
	ReadAvailable() ([]byte, error)
	// Close shuts the connection down. Idempotent, safe when never opened.
	Close() error
}

const (
	defaultBaudRate = 38400

	readTimeout  = 100 * time.Millisecond
	settleDelay  = 50 * time.Millisecond
	readBufLimit = 4096
)

// serialTransport drives a physical serial port via go.bug.st/serial.
// The Niles ZR-4/ZR-6 talks 38400 baud, 8 data bits, no parity, one stop bit.
type serialTransport struct {
	portPath string
	baudRate int

	mu   sync.Mutex
	port serial.Port
}

// NewSerialTransport creates a transport for the named port. A zero
// baudRate selects the Niles default of 38400.
func NewSerialTransport(portPath string, baudRate int) Transport {
	if baudRate == 0 {
		baudRate = defaultBaudRate
	}
	return &serialTransport{portPath: portPath, baudRate: baudRate}
}

func (t *serialTransport) Open() error {
	mode := &serial.Mode{
		BaudRate: t.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.portPath, mode)
	if err != nil {
		return fmt.Errorf("transport: failed to open %s: %w", t.portPath, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("transport: failed to set timeout on %s: %w", t.portPath, err)
	}

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()

	log.Printf("[transport] opened %s at %d baud", t.portPath, t.baudRate)
	return nil
}

func (t *serialTransport) Write(p []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()

	if port == nil {
		return ErrNotOpen
	}
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("transport: write on %s: %w", t.portPath, err)
	}
	return nil
}

// ReadAvailable reads until the port goes quiet. Each successful read is
// followed by a short settle delay so fragmented arrivals coalesce into
// one buffer; the loop stops on the first empty (timed-out) read.
func (t *serialTransport) ReadAvailable() ([]byte, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()

	if port == nil {
		return nil, ErrNotOpen
	}

	var out []byte
	buf := make([]byte, 256)
	for len(out) < readBufLimit {
		n, err := port.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			time.Sleep(settleDelay)
			continue
		}
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, fmt.Errorf("transport: read on %s: %w", t.portPath, err)
		}
		break // timeout with no data — device is quiet
	}
	return out, nil
}

func (t *serialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("transport: close %s: %w", t.portPath, err)
	}
	log.Printf("[transport] closed %s", t.portPath)
	return nil
}
