package ecbackend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ECSysDebugfsPath is the file the ec_sys kernel module (loaded with
// write_support=1) exposes for raw EC register access. Mirrors the
// teacher's internal/ec.EcIoFile constant.
const ECSysDebugfsPath = "/sys/kernel/debug/ec/ec0/io"

// ECSys talks to the EC through the ec_sys debugfs file using positioned
// pread/pwrite (golang.org/x/sys/unix), rather than the teacher's
// seek-then-read/write against a single shared *os.File: Seek+Read/Write
// is not atomic, so two goroutines sharing one handle can race onto each
// other's seek position. Positioned I/O has no such race and needs no
// internal lock of its own (callers already serialize access via
// Service.mu per spec.md §5).
type ECSys struct {
	wordFallback
	path string
	fd   int
	open bool
}

// NewECSys returns an ECSys backend reading/writing ECSysDebugfsPath.
func NewECSys() *ECSys {
	b := &ECSys{path: ECSysDebugfsPath}
	b.wordFallback = wordFallback{byteIO: b}
	return b
}

func (b *ECSys) Open() error {
	if b.open {
		return nil
	}
	fd, err := unix.Open(b.path, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("ecbackend: open %s: %w", b.path, err)
	}
	b.fd = fd
	b.open = true
	return nil
}

func (b *ECSys) Close() error {
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

func (b *ECSys) ReadByte(reg uint8) (uint8, error) {
	if !b.open {
		return 0, ErrNotOpen
	}
	buf := make([]byte, 1)
	if _, err := unix.Pread(b.fd, buf, int64(reg)); err != nil {
		return 0, fmt.Errorf("ecbackend: pread %s@%#x: %w", b.path, reg, err)
	}
	return buf[0], nil
}

func (b *ECSys) WriteByte(reg uint8, val uint8) error {
	if !b.open {
		return ErrNotOpen
	}
	if _, err := unix.Pwrite(b.fd, []byte{val}, int64(reg)); err != nil {
		return fmt.Errorf("ecbackend: pwrite %s@%#x: %w", b.path, reg, err)
	}
	return nil
}

var _ Backend = (*ECSys)(nil)

// newECSysForTest lets tests point ECSys at a scratch file instead of the
// real debugfs path.
func newECSysForTest(path string) *ECSys {
	b := &ECSys{path: path}
	b.wordFallback = wordFallback{byteIO: b}
	return b
}
