package ecbackend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestECDummyReadsZero(t *testing.T) {
	b := NewECDummy()
	require.NoError(t, b.Open())
	defer b.Close()

	v, err := b.ReadByte(0x10)
	require.NoError(t, err)
	require.Equal(t, uint8(0), v)

	w, err := b.ReadWord(0x10)
	require.NoError(t, err)
	require.Equal(t, uint16(0), w)

	require.NoError(t, b.WriteByte(0x10, 0xFF))
}

func TestECSysByteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ec_io")
	require.NoError(t, os.WriteFile(path, make([]byte, 256), 0o644))

	b := newECSysForTest(path)
	require.NoError(t, b.Open())
	defer b.Close()

	require.NoError(t, b.WriteByte(0x42, 0x7A))
	v, err := b.ReadByte(0x42)
	require.NoError(t, err)
	require.Equal(t, uint8(0x7A), v)
}

func TestECSysWordFallbackLittleEndian(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ec_io")
	require.NoError(t, os.WriteFile(path, make([]byte, 256), 0o644))

	b := newECSysForTest(path)
	require.NoError(t, b.Open())
	defer b.Close()

	require.NoError(t, b.WriteWord(0x10, 0x1234))

	lo, _ := b.ReadByte(0x10)
	hi, _ := b.ReadByte(0x11)
	require.Equal(t, uint8(0x34), lo)
	require.Equal(t, uint8(0x12), hi)

	w, err := b.ReadWord(0x10)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), w)
}

func TestFindWorkingForcedDummy(t *testing.T) {
	backend, kind, err := FindWorking(context.Background(), KindDummy)
	require.NoError(t, err)
	require.Equal(t, KindDummy, kind)
	require.NotNil(t, backend)
}

func TestFindWorkingNoCandidatesFails(t *testing.T) {
	// None of the real backend paths exist in a test sandbox, so
	// auto-detection across the fixed order must fail distinctly.
	_, _, err := FindWorking(context.Background(), "")
	require.ErrorIs(t, err, ErrNoWorkingBackend)
}
