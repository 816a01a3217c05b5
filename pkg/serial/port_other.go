//go:build !linux && !darwin

package serial

import (
	"fmt"
	"sync"
	"time"

	bugst "go.bug.st/serial"
)

// Port is a serial device opened through go.bug.st/serial.
type Port struct {
	mu     sync.Mutex
	port   bugst.Port
	device string
	closed bool
}

// ListPorts returns the serial ports the OS reports.
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: list ports: %w", err)
	}
	return ports, nil
}

// Open opens a serial device for 8N1 I/O.
func Open(cfg Config) (*Port, error) {
	cfg.applyDefaults()
	p, err := bugst.Open(cfg.Device, &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("serial: set read timeout: %w", err)
	}
	if cfg.ResetOnConnect {
		p.SetDTR(false)
		time.Sleep(100 * time.Millisecond)
		p.SetDTR(true)
	}
	p.ResetInputBuffer()
	return &Port{port: p, device: cfg.Device}, nil
}

// Read returns ErrTimeout when nothing arrived within the read timeout.
func (p *Port) Read(buf []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	n, err := p.port.Read(buf)
	if err != nil {
		if p.isClosed() {
			return 0, ErrClosed
		}
		return n, fmt.Errorf("serial: read: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (p *Port) Write(buf []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	return p.port.Write(buf)
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.port.Close()
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Device returns the device name.
func (p *Port) Device() string { return p.device }

// Flush discards unread input and unsent output.
func (p *Port) Flush() error {
	if err := p.port.ResetInputBuffer(); err != nil {
		return err
	}
	return p.port.ResetOutputBuffer()
}

// SetDTR sets the DTR line.
func (p *Port) SetDTR(on bool) error { return p.port.SetDTR(on) }
