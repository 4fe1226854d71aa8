// Package ecbackend implements the polymorphic Embedded Controller (EC)
// register I/O backends: memory-mapped debugfs, ACPI, raw port I/O, a
// logging wrapper, and a no-op dummy, plus the fixed-order auto-detection
// routine that picks the first one that works.
//
// The interface and the sys/ACPI backends are grounded on the teacher's
// internal/ec, generalized from two free functions (Read/Write against a
// single hardcoded path) to a capability interface with several concrete
// implementations, per spec.md §4.1 and §9's design note on tagged
// unions / capability traits.
package ecbackend

import (
	"encoding/binary"
)

// Backend is the capability set every EC I/O implementation provides.
// Word operations default to two little-endian byte operations; a
// backend that supports native word I/O may override ReadWord/WriteWord.
type Backend interface {
	Open() error
	Close() error
	ReadByte(reg uint8) (uint8, error)
	WriteByte(reg uint8, val uint8) error
	ReadWord(reg uint8) (uint16, error)
	WriteWord(reg uint8, val uint16) error
}

// wordFallback implements the default little-endian two-byte ReadWord/
// WriteWord in terms of a byte-only backend. Concrete backends embed it
// and only need ReadByte/WriteByte (plus Open/Close) to satisfy Backend.
type wordFallback struct {
	byteIO interface {
		ReadByte(reg uint8) (uint8, error)
		WriteByte(reg uint8, val uint8) error
	}
}

func (w wordFallback) ReadWord(reg uint8) (uint16, error) {
	lo, err := w.byteIO.ReadByte(reg)
	if err != nil {
		return 0, err
	}
	hi, err := w.byteIO.ReadByte(reg + 1)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16([]byte{lo, hi}), nil
}

func (w wordFallback) WriteWord(reg uint8, val uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, val)
	if err := w.byteIO.WriteByte(reg, buf[0]); err != nil {
		return err
	}
	return w.byteIO.WriteByte(reg+1, buf[1])
}

// Kind identifies a backend implementation, used by ServiceConfig's
// EmbeddedControllerType to force a specific one and by FindWorking to
// report which one it selected.
type Kind string

const (
	KindSys     Kind = "ec_sys"
	KindACPI    Kind = "acpi_ec"
	KindDevPort Kind = "dev_port"
	KindDummy   Kind = "dummy"
)

// ProbeRegister is read during FindWorking's probe step. It is a
// conventional EC status byte that is safe to read on virtually every
// implementation without side effects.
const ProbeRegister uint8 = 0x00
