// Package server implements the Control Server: a UNIX-socket request/
// reply listener that dispatches set-fan-speed and status commands into
// a Service under its own lock, per spec.md §4.8 and §6.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/nbfcd/nbfcd/internal/config"
	"github.com/nbfcd/nbfcd/internal/service"
)

// maxFrameBytes bounds a single wire message, per spec.md §6 ("an
// implementation constant, >= 64 KiB").
const maxFrameBytes = 64 * 1024

// listenBacklog is the fixed accept-queue depth spec.md §4.8 names.
// net.Listen doesn't expose a backlog knob, so the socket is built by
// hand with golang.org/x/sys/unix, the same direct-syscall approach
// internal/ecbackend already uses for EC register I/O.
const listenBacklog = 3

// maxConsecutiveFailures bounds accept/handle failures before the
// server asks the process to shut down, per spec.md §4.8.
const maxConsecutiveFailures = 100

// Server owns the listening UNIX socket and dispatches requests into
// svc, which itself holds the lock spec.md §5 requires for the whole
// request-handling body.
type Server struct {
	socketPath string
	svc        *service.Service
	log        zerolog.Logger

	failures int32 // atomic: consecutive accept/handle failures
}

// New builds a Server bound to socketPath, not yet listening.
func New(socketPath string, svc *service.Service, log zerolog.Logger) *Server {
	return &Server{socketPath: socketPath, svc: svc, log: log.With().Str("component", "server").Logger()}
}

// ListenAndServe binds the socket (mode 0666, backlog 3) and accepts
// connections, spawning a detached worker per connection, until ctx is
// cancelled or the consecutive-failure budget is exhausted. On the
// latter it calls requestShutdown (normally the top-level cancel func)
// before returning ErrTooManyFailures.
func (s *Server) ListenAndServe(ctx context.Context, requestShutdown func()) error {
	ln, err := listenUnix(s.socketPath, listenBacklog)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("server: chmod %s: %w", s.socketPath, err)
	}
	defer func() {
		ln.Close()
		_ = os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info().Str("socket", s.socketPath).Msg("control server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Warn().Err(err).Msg("accept failed")
			if s.noteFailure(requestShutdown) {
				return fmt.Errorf("server: %w", ErrTooManyFailures)
			}
			continue
		}
		go s.handle(conn, requestShutdown)
	}
}

// listenUnix builds a UNIX stream socket bound to path with an explicit
// listen backlog, something net.Listen("unix", ...) does not expose.
func listenUnix(path string, backlog int) (*net.UnixListener, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}
	return unixLn, nil
}

// noteFailure records a transport-level accept/handle failure and
// reports whether the consecutive budget is exhausted. Every failure
// that lands at or past the budget also invokes requestShutdown.
func (s *Server) noteFailure(requestShutdown func()) bool {
	n := atomic.AddInt32(&s.failures, 1)
	if n >= maxConsecutiveFailures {
		s.log.Error().Int32("failures", n).Msg("too many consecutive accept/handle failures, requesting shutdown")
		requestShutdown()
		return true
	}
	return false
}

// noteSuccess resets the consecutive-failure counter. A request that
// was read and replied to counts as success even if the reply itself is
// an application-level {"Error": ...} — only transport failures
// (accept, frame read/write) count against the budget.
func (s *Server) noteSuccess() {
	atomic.StoreInt32(&s.failures, 0)
}

// handle services exactly one request per spec.md §4.8: read one
// length-prefixed frame, dispatch it, write exactly one reply frame,
// close. A frame-level read/write failure is logged and closes the
// connection without a reply, matching §6's "truncated/oversize frames
// yield a protocol error and connection close."
func (s *Server) handle(conn net.Conn, requestShutdown func()) {
	defer conn.Close()

	reqID := uuid.New().String()
	log := s.log.With().Str("request_id", reqID).Logger()

	payload, err := readFrame(conn)
	if err != nil {
		log.Warn().Err(err).Msg("frame read failed")
		s.noteFailure(requestShutdown)
		return
	}

	reply := s.dispatch(payload, log)

	if err := writeFrame(conn, reply); err != nil {
		log.Warn().Err(err).Msg("reply write failed")
		s.noteFailure(requestShutdown)
		return
	}

	s.noteSuccess()
}

// readFrame reads one 4-byte big-endian length prefix followed by that
// many bytes of JSON.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read length prefix: %v", ErrProtocol, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d byte limit", ErrProtocol, n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: read frame body: %v", ErrProtocol, err)
	}
	return buf, nil
}

// writeFrame writes payload as a single length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// rawMessage is a parsed request before its Command-specific fields are
// extracted, letting dispatch reject unknown keys per spec.md §9 Open
// Question (b).
type rawMessage map[string]json.RawMessage

// dispatch decodes payload, routes on Command, and always returns a
// complete reply frame body: either an application payload or an
// {"Error": "..."} object. It never returns an error itself — any
// failure becomes part of the reply, per spec.md §4.8/§7.
func (s *Server) dispatch(payload []byte, log zerolog.Logger) []byte {
	var raw rawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return errorReply(fmt.Errorf("%w: malformed JSON: %v", ErrProtocol, err))
	}

	cmdRaw, ok := raw["Command"]
	if !ok {
		return errorReply(fmt.Errorf("%w: missing Command", ErrProtocol))
	}
	var cmd string
	if err := json.Unmarshal(cmdRaw, &cmd); err != nil {
		return errorReply(errors.New("Command: Invalid value"))
	}

	log.Debug().Str("command", cmd).Msg("dispatching command")

	switch cmd {
	case "set-fan-speed":
		return s.handleSetFanSpeed(raw)
	case "status":
		return s.handleStatus(raw)
	default:
		return errorReply(fmt.Errorf("%w: unknown command %q", ErrProtocol, cmd))
	}
}

// requireOnlyKeys rejects a request carrying any key outside allowed.
func requireOnlyKeys(raw rawMessage, allowed ...string) error {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		allowedSet[k] = struct{}{}
	}
	for k := range raw {
		if _, ok := allowedSet[k]; !ok {
			return fmt.Errorf("%w: unknown key %q", ErrProtocol, k)
		}
	}
	return nil
}

// handleSetFanSpeed implements spec.md §4.8's set-fan-speed command.
func (s *Server) handleSetFanSpeed(raw rawMessage) []byte {
	if err := requireOnlyKeys(raw, "Command", "Fan", "Speed"); err != nil {
		return errorReply(err)
	}

	var fanIndex *int
	if fanRaw, ok := raw["Fan"]; ok {
		var f int
		if err := json.Unmarshal(fanRaw, &f); err != nil {
			return errorReply(errors.New("Fan: Invalid value"))
		}
		if f < 0 || f >= s.svc.FanCount() {
			return errorReply(errors.New("Fan: Invalid value"))
		}
		fanIndex = &f
	}

	speedRaw, ok := raw["Speed"]
	if !ok {
		return errorReply(errors.New("Speed: Invalid value"))
	}
	speed, err := parseSpeed(speedRaw)
	if err != nil {
		return errorReply(err)
	}

	if err := s.svc.SetFanSpeed(fanIndex, speed); err != nil {
		return errorReply(err)
	}
	return okReply()
}

// parseSpeed accepts a number in [0,100] or the literal string "auto".
func parseSpeed(raw json.RawMessage) (float64, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if str == "auto" {
			return config.AutoSentinel, nil
		}
		return 0, errors.New("Speed: Invalid value")
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, errors.New("Speed: Invalid value")
	}
	if v < 0 || v > 100 {
		return 0, errors.New("Speed: Invalid value")
	}
	return v, nil
}

// handleStatus implements spec.md §4.8's status command.
func (s *Server) handleStatus(raw rawMessage) []byte {
	if err := requireOnlyKeys(raw, "Command"); err != nil {
		return errorReply(err)
	}

	snap := s.svc.Status(os.Getpid())
	fans := make([]fanStatusReply, len(snap.Fans))
	for i, f := range snap.Fans {
		fans[i] = fanStatusReply{
			Name:           f.Name,
			Temperature:    f.Temperature,
			AutoMode:       f.AutoMode,
			Critical:       f.Critical,
			CurrentSpeed:   f.CurrentSpeed,
			TargetSpeed:    f.TargetSpeed,
			RequestedSpeed: f.RequestedSpeed,
			SpeedSteps:     f.SpeedSteps,
		}
	}

	data, err := json.Marshal(statusReply{
		PID:              snap.PID,
		SelectedConfigId: snap.SelectedConfigId,
		ReadOnly:         snap.ReadOnly,
		Fans:             fans,
	})
	if err != nil {
		return errorReply(fmt.Errorf("server: marshal status reply: %w", err))
	}
	return data
}

type statusReply struct {
	PID              int              `json:"PID"`
	SelectedConfigId string           `json:"SelectedConfigId"`
	ReadOnly         bool             `json:"ReadOnly"`
	Fans             []fanStatusReply `json:"Fans"`
}

type fanStatusReply struct {
	Name           string `json:"Name"`
	Temperature    int    `json:"Temperature"`
	AutoMode       bool   `json:"AutoMode"`
	Critical       bool   `json:"Critical"`
	CurrentSpeed   int    `json:"CurrentSpeed"`
	TargetSpeed    int    `json:"TargetSpeed"`
	RequestedSpeed int    `json:"RequestedSpeed"`
	SpeedSteps     int    `json:"SpeedSteps"`
}

func errorReply(err error) []byte {
	data, marshalErr := json.Marshal(struct {
		Error string `json:"Error"`
	}{Error: err.Error()})
	if marshalErr != nil {
		return []byte(`{"Error":"internal error marshaling error reply"}`)
	}
	return data
}

func okReply() []byte {
	return []byte(`{"Status":"OK"}`)
}
