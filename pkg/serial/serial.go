// Package serial opens the line to the controller: a local serial device
// or, for networked grblHAL boards, a raw TCP stream.
package serial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds port settings.
type Config struct {
	// Device is a path such as /dev/ttyUSB0, or tcp://host:port.
	Device string

	// BaudRate defaults to 115200, the GRBL 1.1 rate.
	BaudRate int

	// ReadTimeout bounds a single Read; a Read that times out returns
	// ErrTimeout. Default 100ms.
	ReadTimeout time.Duration

	// ResetOnConnect pulses DTR after opening. Arduino based boards
	// reboot on it and print their banner.
	ResetOnConnect bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BaudRate == 0 {
		c.BaudRate = d.BaudRate
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
}

// Conn is an open line to the controller.
type Conn interface {
	io.ReadWriteCloser
	// Device returns the path or address the Conn was opened with.
	Device() string
}

// Dial opens cfg.Device. tcp:// addresses are dialed, anything else is
// opened as a serial device.
func Dial(cfg Config) (Conn, error) {
	cfg.applyDefaults()
	if addr, ok := strings.CutPrefix(cfg.Device, "tcp://"); ok {
		return OpenTCP(addr, cfg.ReadTimeout)
	}
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	return Open(cfg)
}

// TCPConn is a raw TCP stream to a networked controller.
type TCPConn struct {
	conn        net.Conn
	address     string
	readTimeout time.Duration
}

// OpenTCP connects to address (host:port).
func OpenTCP(address string, readTimeout time.Duration) (*TCPConn, error) {
	if address == "" {
		return nil, errors.New("serial: TCP address required")
	}
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
	}
	return &TCPConn{conn: conn, address: address, readTimeout: readTimeout}, nil
}

// Read reads with the configured timeout.
func (c *TCPConn) Read(buf []byte) (int, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	n, err := c.conn.Read(buf)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

func (c *TCPConn) Write(buf []byte) (int, error) {
	n, err := c.conn.Write(buf)
	if errors.Is(err, net.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

func (c *TCPConn) Close() error { return c.conn.Close() }

func (c *TCPConn) Device() string { return "tcp://" + c.address }

// IsTimeout reports whether err is a read timeout, which callers treat as
// "no data yet".
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
