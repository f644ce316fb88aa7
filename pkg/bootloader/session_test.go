package bootloader

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/malvira/flashctl/pkg/crc32"
	"github.com/malvira/flashctl/pkg/protocol"
	"github.com/malvira/flashctl/pkg/transport"
	"go.bug.st/serial"
)

// deviceSim is a minimal in-memory bootloader device: enough of the wire
// protocol to drive a full Session through connect/erase/program/verify/boot
// without any real hardware.
type deviceSim struct {
	mu          sync.Mutex
	inbound     []byte
	fwSize      uint32
	udid        []byte
	flashStrc   string
	programmed  []byte
	eraseDelay  time.Duration
	neverErases bool
}

func (d *deviceSim) SetMode(mode *serial.Mode) error { return nil }

func (d *deviceSim) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inbound) == 0 {
		return 0, nil
	}
	n := copy(p, d.inbound)
	d.inbound = d.inbound[n:]
	return n, nil
}

func (d *deviceSim) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbound = nil
	return nil
}

func (d *deviceSim) Close() error { return nil }

func (d *deviceSim) reply(payload []byte) {
	d.mu.Lock()
	d.inbound = append(d.inbound, payload...)
	d.inbound = append(d.inbound, protocol.INSYNC, protocol.OK)
	d.mu.Unlock()
}

func (d *deviceSim) Write(frame []byte) (int, error) {
	opcode := frame[0]
	switch opcode {
	case protocol.CmdGetSync:
		d.reply(nil)
	case protocol.CmdGetUDID:
		d.reply(d.udid)
	case protocol.CmdGetFWSize:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, d.fwSize)
		d.reply(buf)
	case protocol.CmdGetBLRev:
		d.reply([]byte("1.0.0"))
	case protocol.CmdGetID:
		d.reply([]byte("SIM"))
	case protocol.CmdGetSN:
		d.reply([]byte("SN-SIM"))
	case protocol.CmdGetRev:
		d.reply([]byte("A"))
	case protocol.CmdGetDes:
		d.reply([]byte("simulated device"))
	case protocol.CmdGetFlashStrc:
		d.reply([]byte(d.flashStrc))
	case protocol.CmdChipErase:
		if d.neverErases {
			break // never replies: simulates a device that never acks erase
		}
		go func() {
			time.Sleep(d.eraseDelay)
			d.mu.Lock()
			d.programmed = nil
			d.mu.Unlock()
			d.reply(nil)
		}()
	case protocol.CmdProgMulti:
		n := int(frame[1])
		data := frame[2 : 2+n]
		d.mu.Lock()
		d.programmed = append(d.programmed, data...)
		d.mu.Unlock()
		d.reply(nil)
	case protocol.CmdGetCRC:
		d.mu.Lock()
		padded := make([]byte, 0, d.fwSize)
		padded = append(padded, d.programmed...)
		for uint32(len(padded)) < d.fwSize {
			padded = append(padded, 0xFF)
		}
		d.mu.Unlock()
		sum := crc32.Checksum(padded)
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, sum)
		d.reply(buf)
	case protocol.CmdBoot:
		d.reply(nil)
	}
	return len(frame), nil
}

// connectTo wires a Session directly to the simulated device's Transport,
// bypassing transport.Open (and therefore real serial I/O), then runs the
// identify sequence the same way Connect does internally.
func connectTo(t *testing.T, d *deviceSim) *Session {
	t.Helper()
	tr := transport.New(d)
	client := NewClient(tr)

	s := New()
	s.PortName = "/dev/sim"
	s.BaudRate = 115200
	s.transport = tr
	s.client = client
	s.Identity = ReadIdentity(client)
	s.state = Idle

	t.Cleanup(func() { tr.Close() })
	return s
}

func TestSessionProgram256ByteImage(t *testing.T) {
	// Scenario 5 from the spec: 256-byte image, fw_size 1024, one 252-byte
	// chunk and one 4-byte chunk.
	d := &deviceSim{fwSize: 1024, eraseDelay: 5 * time.Millisecond}
	s := connectTo(t, d)

	image := make([]byte, 256)
	for i := range image {
		image[i] = byte(i)
	}

	var ticks []Progress
	s.progress = func(p Progress) { ticks = append(ticks, p) }

	if err := s.Program(image); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want Idle", s.State())
	}

	var sawProgram bool
	for _, tick := range ticks {
		if tick.Phase == PhaseProgram {
			sawProgram = true
		}
	}
	if !sawProgram {
		t.Fatal("expected at least one PhaseProgram progress tick")
	}

	if len(d.programmed) != 256 {
		t.Fatalf("device programmed %d bytes, want 256", len(d.programmed))
	}
}

func TestSessionProgramExactFWSizeImage(t *testing.T) {
	d := &deviceSim{fwSize: 252, eraseDelay: time.Millisecond}
	s := connectTo(t, d)

	image := make([]byte, 252)
	if err := s.Program(image); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if len(d.programmed) != 252 {
		t.Fatalf("device programmed %d bytes, want 252", len(d.programmed))
	}
}

func TestSessionProgramRejectsNonMultipleOf4(t *testing.T) {
	d := &deviceSim{fwSize: 1024}
	s := connectTo(t, d)

	err := s.Program(make([]byte, 253))
	if err == nil {
		t.Fatal("expected ImageInvalidError")
	}
	if _, ok := err.(*ImageInvalidError); !ok {
		t.Fatalf("error type = %T, want *ImageInvalidError", err)
	}
}

func TestSessionProgramRejectsImageLargerThanFWSize(t *testing.T) {
	d := &deviceSim{fwSize: 128}
	s := connectTo(t, d)

	err := s.Program(make([]byte, 256))
	if err == nil {
		t.Fatal("expected ImageInvalidError")
	}
	if _, ok := err.(*ImageInvalidError); !ok {
		t.Fatalf("error type = %T, want *ImageInvalidError", err)
	}
}

func TestSessionEraseTimeout(t *testing.T) {
	d := &deviceSim{fwSize: 1024, neverErases: true}
	s := connectTo(t, d)
	// Shrink the erase-poll budget so an unresponsive device is exercised
	// quickly; the production default is protocol.MaxErasePolls (10s).
	s.erasePollInterval = time.Millisecond
	s.maxErasePolls = 20

	err := s.Erase()
	if err == nil {
		t.Fatal("expected TimeoutError")
	}
	toErr, ok := err.(*TimeoutError)
	if !ok {
		t.Fatalf("error type = %T, want *TimeoutError", err)
	}
	if toErr.Phase != PhaseErase {
		t.Fatalf("TimeoutError.Phase = %v, want PhaseErase", toErr.Phase)
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want Idle after failed erase", s.State())
	}
}

func TestSessionBootEndsDisconnected(t *testing.T) {
	d := &deviceSim{fwSize: 1024}
	s := connectTo(t, d)

	if err := s.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", s.State())
	}
}

func TestSessionDisconnectIsIdempotent(t *testing.T) {
	d := &deviceSim{fwSize: 1024}
	s := connectTo(t, d)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}
