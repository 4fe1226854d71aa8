package regwrite

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/ecbackend"
)

func TestApplySetAndOr(t *testing.T) {
	b := ecbackend.NewECDummy()
	require.NoError(t, b.Open())

	require.NoError(t, Apply(b, 0x10, 0xFF, config.WriteModeSet))
	require.NoError(t, Apply(b, 0x10, 0x0F, config.WriteModeAnd))
	require.NoError(t, Apply(b, 0x10, 0xF0, config.WriteModeOr))
}

type failReadBackend struct{ *ecbackend.ECDummy }

func (failReadBackend) ReadByte(uint8) (uint8, error) {
	return 0, errors.New("read failed")
}

// countingBackend records every WriteByte and counts ReadByte calls,
// failing every read when failReads is set.
type countingBackend struct {
	*ecbackend.ECDummy
	reads     int
	failReads bool
	writes    map[uint8]uint8
}

func newCountingBackend(failReads bool) *countingBackend {
	return &countingBackend{ECDummy: ecbackend.NewECDummy(), failReads: failReads, writes: make(map[uint8]uint8)}
}

func (c *countingBackend) ReadByte(uint8) (uint8, error) {
	c.reads++
	if c.failReads {
		return 0, errors.New("read failed")
	}
	return 0, nil
}

func (c *countingBackend) WriteByte(reg uint8, val uint8) error {
	c.writes[reg] = val
	return nil
}

func TestApplyAndPropagatesReadError(t *testing.T) {
	b := failReadBackend{ecbackend.NewECDummy()}
	err := Apply(b, 0x10, 0x0F, config.WriteModeAnd)
	require.Error(t, err)
}

func TestApplyAllRunsInitOnlyWritesWhenInitializing(t *testing.T) {
	b := newCountingBackend(false)
	require.NoError(t, b.Open())
	e := New([]config.RegisterWriteConfig{
		{Register: 0x20, Value: 0x01, WriteMode: config.WriteModeSet, WriteOccasion: config.OnInitialization},
		{Register: 0x21, Value: 0x02, WriteMode: config.WriteModeSet, WriteOccasion: config.OnWriteFanSpeed},
	}, b)

	require.NoError(t, e.ApplyAll(true))
	require.Equal(t, map[uint8]uint8{0x20: 0x01, 0x21: 0x02}, b.writes)

	b.writes = make(map[uint8]uint8)
	require.NoError(t, e.ApplyAll(false))
	require.Equal(t, map[uint8]uint8{0x21: 0x02}, b.writes)
}

func TestResetAllAppliesResetValueForRequiredConfigs(t *testing.T) {
	b := ecbackend.NewECDummy()
	require.NoError(t, b.Open())
	e := New([]config.RegisterWriteConfig{
		{Register: 0x30, Value: 0x01, ResetRequired: true, ResetValue: 0x00, WriteMode: config.WriteModeSet, ResetWriteMode: config.WriteModeSet, WriteOccasion: config.OnInitialization},
		{Register: 0x31, Value: 0x01, ResetRequired: false, WriteMode: config.WriteModeSet, WriteOccasion: config.OnInitialization},
	}, b)

	require.NoError(t, e.ResetAll())
}

func TestResetAllRetriesUpToThreeTimesAndKeepsLastError(t *testing.T) {
	b := newCountingBackend(true)
	e := New([]config.RegisterWriteConfig{
		{Register: 0x30, ResetRequired: true, ResetWriteMode: config.WriteModeAnd},
	}, b)

	err := e.ResetAll()
	require.Error(t, err)
	require.Equal(t, 3, b.reads)
	require.Contains(t, err.Error(), "read failed")
}
