package ecbackend

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// DevPortPath is the legacy /dev/port character device: offset N within
// it addresses I/O port N directly, provided the process has sufficient
// privilege (root).
const DevPortPath = "/dev/port"

const (
	ecDataPort = 0x62
	ecCmdPort  = 0x66

	ecStatusOBF = 0x01 // output buffer full: data is ready to read
	ecStatusIBF = 0x02 // input buffer full: EC hasn't consumed our write yet

	ecCmdRead  = 0x80
	ecCmdWrite = 0x81
)

// portHandshakeTimeout bounds how long ECDevPort polls the EC status
// register waiting for IBF/OBF to flip before giving up.
const portHandshakeTimeout = 250 * time.Millisecond

// ECDevPort talks to the EC through raw I/O ports 0x62 (data) and 0x66
// (status/command) via /dev/port, implementing the classic EC
// status/command handshake: wait for IBF clear, send a command byte,
// wait again, then exchange the register address and data byte.
type ECDevPort struct {
	fd   int
	open bool
}

// NewECDevPort returns a raw port-I/O backend.
func NewECDevPort() *ECDevPort {
	return &ECDevPort{}
}

func (b *ECDevPort) Open() error {
	if b.open {
		return nil
	}
	fd, err := unix.Open(DevPortPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("ecbackend: open %s: %w", DevPortPath, err)
	}
	b.fd = fd
	b.open = true
	return nil
}

func (b *ECDevPort) Close() error {
	if !b.open {
		return nil
	}
	err := unix.Close(b.fd)
	b.open = false
	if err != nil {
		return fmt.Errorf("ecbackend: close %s: %w", DevPortPath, err)
	}
	return nil
}

func (b *ECDevPort) readPort(port int64) (byte, error) {
	buf := make([]byte, 1)
	if _, err := unix.Pread(b.fd, buf, port); err != nil {
		return 0, fmt.Errorf("ecbackend: read port %#x: %w", port, err)
	}
	return buf[0], nil
}

func (b *ECDevPort) writePort(port int64, val byte) error {
	if _, err := unix.Pwrite(b.fd, []byte{val}, port); err != nil {
		return fmt.Errorf("ecbackend: write port %#x: %w", port, err)
	}
	return nil
}

// waitStatus polls the status register until (status & mask) == want, or
// portHandshakeTimeout elapses.
func (b *ECDevPort) waitStatus(mask, want byte) error {
	deadline := time.Now().Add(portHandshakeTimeout)
	for {
		status, err := b.readPort(ecCmdPort)
		if err != nil {
			return err
		}
		if status&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ecbackend: %w waiting for status %#x&%#x", ErrProbeTimeout, mask, want)
		}
		time.Sleep(time.Microsecond * 50)
	}
}

func (b *ECDevPort) ReadByte(reg uint8) (uint8, error) {
	if !b.open {
		return 0, ErrNotOpen
	}
	if err := b.waitStatus(ecStatusIBF, 0); err != nil {
		return 0, err
	}
	if err := b.writePort(ecCmdPort, ecCmdRead); err != nil {
		return 0, err
	}
	if err := b.waitStatus(ecStatusIBF, 0); err != nil {
		return 0, err
	}
	if err := b.writePort(ecDataPort, reg); err != nil {
		return 0, err
	}
	if err := b.waitStatus(ecStatusOBF, ecStatusOBF); err != nil {
		return 0, err
	}
	return b.readPort(ecDataPort)
}

func (b *ECDevPort) WriteByte(reg uint8, val uint8) error {
	if !b.open {
		return ErrNotOpen
	}
	if err := b.waitStatus(ecStatusIBF, 0); err != nil {
		return err
	}
	if err := b.writePort(ecCmdPort, ecCmdWrite); err != nil {
		return err
	}
	if err := b.waitStatus(ecStatusIBF, 0); err != nil {
		return err
	}
	if err := b.writePort(ecDataPort, reg); err != nil {
		return err
	}
	if err := b.waitStatus(ecStatusIBF, 0); err != nil {
		return err
	}
	return b.writePort(ecDataPort, val)
}

func (b *ECDevPort) ReadWord(reg uint8) (uint16, error) {
	lo, err := b.ReadByte(reg)
	if err != nil {
		return 0, err
	}
	hi, err := b.ReadByte(reg + 1)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func (b *ECDevPort) WriteWord(reg uint8, val uint16) error {
	if err := b.WriteByte(reg, byte(val)); err != nil {
		return err
	}
	return b.WriteByte(reg+1, byte(val>>8))
}

var _ Backend = (*ECDevPort)(nil)
