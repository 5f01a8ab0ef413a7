// Package usbserial adapts go.bug.st/serial to the open/close/write/read
// contract the command dispatcher (C8) consumes when its target is a
// locally attached tracker (spec.md Section 6: "USB: a serial adapter the
// core delegates to").
package usbserial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrReadTimeout is returned by Read when no data arrived within the
// requested timeout.
var ErrReadTimeout = errors.New("usbserial: read timeout")

// Port is one opened USB-serial connection to a tracker, identified by
// its configured index (spec.md's targetUsbIndex).
type Port struct {
	Index int
	path  string
	baud  int

	mu     sync.Mutex
	port   serial.Port
	reader *bufio.Reader

	cancel context.CancelFunc
}

// Open opens devicePath at baud and returns a Port usable for write,
// read, readLine and usbReset. Baud is fixed per device model (spec.md
// Section 6 example: 115200).
func Open(index int, devicePath string, baud int) (*Port, error) {
	mode := &serial.Mode{BaudRate: baud}

	sp, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("usbserial: open %s: %w", devicePath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Port{
		Index:  index,
		path:   devicePath,
		baud:   baud,
		port:   sp,
		reader: bufio.NewReader(sp),
		cancel: cancel,
	}

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		_ = p.port.Close()
		p.mu.Unlock()
	}()

	return p, nil
}

// Close releases the underlying serial handle. Safe to call more than
// once.
func (p *Port) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}

// Write sends raw bytes to the device.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("usbserial: write: %w", err)
	}
	return n, nil
}

// Read returns up to len(buf) bytes, blocking for at most timeout before
// returning ErrReadTimeout.
func (p *Port) Read(buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	err := p.port.SetReadTimeout(timeout)
	p.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("usbserial: set read timeout: %w", err)
	}

	n, err := p.reader.Read(buf)
	if n == 0 && err == nil {
		return 0, ErrReadTimeout
	}
	if err != nil {
		return n, fmt.Errorf("usbserial: read: %w", err)
	}

	return n, nil
}

// ReadLine reads until the device's "\r\n" line terminator and returns
// the line without it.
func (p *Port) ReadLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("usbserial: readline: %w", err)
	}

	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}

	return line, nil
}

// Reset drops and then raises the serial line's DTR to force a hardware
// reset of the attached device. RTS is left as it is, and the port is not
// closed or reopened.
func (p *Port) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.port.SetDTR(false); err != nil {
		return fmt.Errorf("usbserial: reset: clear DTR: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.port.SetDTR(true); err != nil {
		return fmt.Errorf("usbserial: reset: set DTR: %w", err)
	}

	return nil
}

// Manager owns every open USB port, indexed by its configured slot
// (spec.md's targetUsbIndex), and supports hot reopen on error.
type Manager struct {
	mu    sync.Mutex
	ports map[int]*Port
}

// NewManager returns an empty port manager.
func NewManager() *Manager {
	return &Manager{ports: make(map[int]*Port)}
}

// Open opens and registers the port at index, closing any previous port
// registered there.
func (m *Manager) Open(index int, devicePath string, baud int) (*Port, error) {
	p, err := Open(index, devicePath, baud)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if old, ok := m.ports[index]; ok {
		_ = old.Close()
	}
	m.ports[index] = p
	m.mu.Unlock()

	return p, nil
}

// Get returns the port registered at index, if any.
func (m *Manager) Get(index int) (*Port, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[index]
	return p, ok
}

// CloseAll closes every registered port.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.ports {
		_ = p.Close()
	}
	m.ports = make(map[int]*Port)
}
