package bootloader

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/malvira/flashctl/pkg/crc32"
	"github.com/malvira/flashctl/pkg/protocol"
	"github.com/malvira/flashctl/pkg/transport"
)

// State is a position in the flashing state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Identifying
	Idle
	Erasing
	Programming
	Verifying
	Booting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Identifying:
		return "Identifying"
	case Idle:
		return "Idle"
	case Erasing:
		return "Erasing"
	case Programming:
		return "Programming"
	case Verifying:
		return "Verifying"
	case Booting:
		return "Booting"
	default:
		return "Unknown"
	}
}

// Progress reports a single tick of a long-running phase.
type Progress struct {
	Phase Phase
	Done  int
	Total int
}

// ProgressFunc receives progress ticks during Erase, Program and the CRC
// verification that ends Program. It is
// called from the same goroutine driving the session; it must not block.
type ProgressFunc func(Progress)

// BaudPolicy selects how Connect negotiates the serial baud rate.
type BaudPolicy struct {
	Auto     bool
	Explicit int
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithProgress installs a progress sink. Without one, progress ticks are
// simply dropped.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Session) { s.progress = fn }
}

// WithLogger installs a logger for diagnostic messages the session emits
// alongside structured errors and progress. Without one, the session is
// silent.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session is the flashing state machine: connect, identify, erase,
// program, verify, boot, disconnect, for exactly one device at a time.
type Session struct {
	PortName string
	BaudRate int
	Identity *Identity

	state     State
	transport *transport.Transport
	client    *Client
	progress  ProgressFunc
	logger    *log.Logger

	// erasePollInterval/maxErasePolls default to the protocol's 10ms/1000
	// budget (10s total); tests shrink them to keep an unresponsive-device
	// scenario fast without changing the production timing contract.
	erasePollInterval time.Duration
	maxErasePolls     int
}

// New constructs a disconnected Session. Call Connect to open the
// transport and populate Identity.
func New(opts ...Option) *Session {
	s := &Session{
		state:             Disconnected,
		erasePollInterval: 10 * time.Millisecond,
		maxErasePolls:     protocol.MaxErasePolls,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the session's current position in the state machine.
func (s *Session) State() State { return s.state }

func (s *Session) emit(phase Phase, done, total int) {
	if s.progress != nil {
		s.progress(Progress{Phase: phase, Done: done, Total: total})
	}
}

func (s *Session) log(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Connect opens the transport, negotiates baud per policy, and reads
// device identity. A failed open or sync aborts with the transport left
// closed and the session Disconnected. Identity-read failures are
// non-fatal: Connect still succeeds and reports them via Identity.FieldErrors.
func (s *Session) Connect(portName string, policy BaudPolicy) error {
	s.state = Connecting

	initialBaud := policy.Explicit
	if policy.Auto {
		initialBaud = protocol.BaudLadder[0]
	}

	tr, err := transport.Open(portName, initialBaud)
	if err != nil {
		s.state = Disconnected
		return err
	}

	client := NewClient(tr)

	var baud int
	if policy.Auto {
		baud, err = DetectBaud(tr, client)
	} else {
		baud = policy.Explicit
		err = SyncAt(tr, client, baud)
	}
	if err != nil {
		tr.Close()
		s.state = Disconnected
		return err
	}

	s.PortName = portName
	s.BaudRate = baud
	s.transport = tr
	s.client = client

	s.state = Identifying
	s.Identity = ReadIdentity(client)
	for field, ferr := range s.Identity.FieldErrors {
		s.log("identity field %q failed: %v", field, ferr)
	}

	s.state = Idle
	return nil
}

// Erase commands CHIP_ERASE and polls until the device acknowledges or the
// erase budget (10s) is exhausted.
func (s *Session) Erase() error {
	s.state = Erasing
	defer func() { s.state = Idle }()

	verdict, _, err := s.client.Poll(protocol.CmdChipErase, nil, 50*time.Millisecond,
		s.maxErasePolls, s.erasePollInterval,
		func(poll, max int) { s.emit(PhaseErase, poll, max) })
	if err != nil {
		return err
	}

	switch verdict {
	case protocol.Ok:
		s.emit(PhaseErase, s.maxErasePolls, s.maxErasePolls)
		return nil
	case protocol.Empty:
		return &TimeoutError{Phase: PhaseErase}
	default:
		return verdictToError(protocol.CmdChipErase, verdict)
	}
}

// Program erases, streams image in 252-byte chunks via PROG_MULTI, and
// verifies the result against image padded with 0xFF to fw_size.
func (s *Session) Program(image []byte) error {
	if len(image) == 0 || len(image)%4 != 0 {
		return &ImageInvalidError{Reason: "length is not a positive multiple of 4"}
	}
	if s.Identity == nil || uint32(len(image)) > s.Identity.FWSize {
		return &ImageInvalidError{Reason: "length exceeds firmware region size"}
	}

	if err := s.Erase(); err != nil {
		return err
	}

	s.state = Programming
	if err := s.programChunks(image); err != nil {
		s.state = Idle
		return err
	}

	s.state = Verifying
	err := s.verify(image)
	s.state = Idle
	return err
}

func (s *Session) programChunks(image []byte) error {
	total := len(image)
	nChunks := (total + protocol.ProgDataMax - 1) / protocol.ProgDataMax

	for i := 0; i < nChunks; i++ {
		start := i * protocol.ProgDataMax
		end := start + protocol.ProgDataMax
		if end > total {
			end = total
		}
		chunk := image[start:end]

		body := make([]byte, 0, 1+len(chunk))
		body = append(body, byte(len(chunk)))
		body = append(body, chunk...)

		verdict, _, err := s.client.Poll(protocol.CmdProgMulti, body, 50*time.Millisecond,
			100, 10*time.Millisecond, nil)
		if err != nil {
			return err
		}

		switch verdict {
		case protocol.Ok:
			s.emit(PhaseProgram, end, total)
		case protocol.Empty:
			return &TimeoutError{Phase: PhaseProgram}
		default:
			return verdictToError(protocol.CmdProgMulti, verdict)
		}
	}

	return nil
}

func (s *Session) verify(image []byte) error {
	padded := make([]byte, 0, s.Identity.FWSize)
	padded = append(padded, image...)
	for uint32(len(padded)) < s.Identity.FWSize {
		padded = append(padded, 0xFF)
	}
	expected := crc32.Checksum(padded)

	verdict, payload, err := s.client.Poll(protocol.CmdGetCRC, nil, 50*time.Millisecond,
		protocol.MaxCRCPolls, 10*time.Millisecond,
		func(poll, max int) { s.emit(PhaseVerify, poll, max) })
	if err != nil {
		return err
	}

	switch verdict {
	case protocol.Ok:
		if len(payload) < 4 {
			return &ImageInvalidError{Reason: "GET_CRC reply shorter than 4 bytes"}
		}
		actual := binary.LittleEndian.Uint32(payload[:4])
		if actual != expected {
			return &ChecksumMismatchError{Expected: expected, Actual: actual}
		}
		s.emit(PhaseVerify, protocol.MaxCRCPolls, protocol.MaxCRCPolls)
		return nil
	case protocol.Empty:
		return &TimeoutError{Phase: PhaseVerify}
	default:
		return verdictToError(protocol.CmdGetCRC, verdict)
	}
}

// Boot commands the device to jump to the application and closes the
// transport; the session returns to Disconnected regardless of the
// command's verdict, since the device may already have reset.
func (s *Session) Boot() error {
	s.state = Booting
	verdict, _, err := s.client.SendCommand(protocol.CmdBoot, nil, 50*time.Millisecond)
	s.transport.Close()
	s.state = Disconnected

	if err != nil {
		return err
	}
	if verdict != protocol.Ok {
		return fmt.Errorf("boot: %s", verdict)
	}
	return nil
}

// Disconnect closes the transport from any state. It is idempotent.
func (s *Session) Disconnect() error {
	if s.state == Disconnected {
		return nil
	}
	var err error
	if s.transport != nil {
		err = s.transport.Close()
	}
	s.state = Disconnected
	return err
}
