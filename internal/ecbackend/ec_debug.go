package ecbackend

import "github.com/rs/zerolog"

// ECDebug wraps another Backend and logs every operation to it at debug
// level before/after delegating, the transparent tracing wrapper spec.md
// §4.1 calls for. Service wires this in during Init when Options.DebugEC
// is set (the daemon's -debug-ec flag).
type ECDebug struct {
	delegate Backend
	log      zerolog.Logger
}

// NewECDebug wraps delegate, logging through log.
func NewECDebug(delegate Backend, log zerolog.Logger) *ECDebug {
	return &ECDebug{delegate: delegate, log: log.With().Str("component", "ecbackend.debug").Logger()}
}

func (d *ECDebug) Open() error {
	err := d.delegate.Open()
	d.log.Debug().Err(err).Msg("Open")
	return err
}

func (d *ECDebug) Close() error {
	err := d.delegate.Close()
	d.log.Debug().Err(err).Msg("Close")
	return err
}

func (d *ECDebug) ReadByte(reg uint8) (uint8, error) {
	val, err := d.delegate.ReadByte(reg)
	d.log.Debug().Uint8("reg", reg).Uint8("val", val).Err(err).Msg("ReadByte")
	return val, err
}

func (d *ECDebug) WriteByte(reg uint8, val uint8) error {
	err := d.delegate.WriteByte(reg, val)
	d.log.Debug().Uint8("reg", reg).Uint8("val", val).Err(err).Msg("WriteByte")
	return err
}

func (d *ECDebug) ReadWord(reg uint8) (uint16, error) {
	val, err := d.delegate.ReadWord(reg)
	d.log.Debug().Uint8("reg", reg).Uint16("val", val).Err(err).Msg("ReadWord")
	return val, err
}

func (d *ECDebug) WriteWord(reg uint8, val uint16) error {
	err := d.delegate.WriteWord(reg, val)
	d.log.Debug().Uint8("reg", reg).Uint16("val", val).Err(err).Msg("WriteWord")
	return err
}

var _ Backend = (*ECDebug)(nil)
