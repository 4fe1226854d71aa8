package ecbackend

// ECDummy is a no-op backend: Open/Close always succeed, reads always
// return zero, writes are discarded. Used for read-only testing and for
// ServiceConfig.EmbeddedControllerType = "dummy" (e.g. running the
// control server and loop logic on a machine with no EC to talk to).
type ECDummy struct{}

// NewECDummy returns a ready-to-use dummy backend.
func NewECDummy() *ECDummy { return &ECDummy{} }

func (*ECDummy) Open() error                      { return nil }
func (*ECDummy) Close() error                      { return nil }
func (*ECDummy) ReadByte(uint8) (uint8, error)     { return 0, nil }
func (*ECDummy) WriteByte(uint8, uint8) error      { return nil }
func (*ECDummy) ReadWord(uint8) (uint16, error)    { return 0, nil }
func (*ECDummy) WriteWord(uint8, uint16) error     { return nil }

var _ Backend = (*ECDummy)(nil)
