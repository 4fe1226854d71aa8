package ecbackend

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ECACPIDevicePath is the character device some kernels expose for
// direct ACPI EC access, tried when the ec_sys debugfs file is absent.
const ECACPIDevicePath = "/dev/ec"

// ECACPIAltPath is an alternate path some distributions use.
const ECACPIAltPath = "/proc/acpi/ec/ec0/io"

// ECACPI talks to the EC via /dev/ec (or /proc/acpi/ec/ec0/io), using
// the same positioned pread/pwrite approach as ECSys. It exists as a
// distinct Kind so ServiceConfig.EmbeddedControllerType can pin a
// notebook to it explicitly, and so FindWorking can fall back to it when
// ec_sys isn't available.
type ECACPI struct {
	wordFallback
	path string
	fd   int
	open bool
}

// NewECACPI returns a backend trying ECACPIDevicePath, then ECACPIAltPath.
func NewECACPI() *ECACPI {
	b := &ECACPI{path: ECACPIDevicePath}
	b.wordFallback = wordFallback{byteIO: b}
	return b
}

func (b *ECACPI) Open() error {
	if b.open {
		return nil
	}
	path := b.path
	if _, err := os.Stat(path); err != nil {
		path = ECACPIAltPath
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("ecbackend: open %s: %w", path, err)
	}
	b.path = path
	b.fd = fd
	b.open = true
	return nil
}

func (b *ECACPI) Close() error {
	if !b.open {
		return nil
	}
	err := unix.Close(b.fd)
	b.open = false
	if err != nil {
		return fmt.Errorf("ecbackend: close %s: %w", b.path, err)
	}
	return nil
}

func (b *ECACPI) ReadByte(reg uint8) (uint8, error) {
	if !b.open {
		return 0, ErrNotOpen
	}
	buf := make([]byte, 1)
	if _, err := unix.Pread(b.fd, buf, int64(reg)); err != nil {
		return 0, fmt.Errorf("ecbackend: pread %s@%#x: %w", b.path, reg, err)
	}
	return buf[0], nil
}

func (b *ECACPI) WriteByte(reg uint8, val uint8) error {
	if !b.open {
		return ErrNotOpen
	}
	if _, err := unix.Pwrite(b.fd, []byte{val}, int64(reg)); err != nil {
		return fmt.Errorf("ecbackend: pwrite %s@%#x: %w", b.path, reg, err)
	}
	return nil
}

var _ Backend = (*ECACPI)(nil)
