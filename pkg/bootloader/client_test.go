package bootloader

import (
	"sync"
	"testing"
	"time"

	"github.com/malvira/flashctl/pkg/protocol"
	"github.com/malvira/flashctl/pkg/transport"
	"go.bug.st/serial"
)

// fakePort is a minimal in-memory transport.Port so client tests never
// touch real hardware or a real go.bug.st/serial implementation.
type fakePort struct {
	mu      sync.Mutex
	inbound []byte
	written [][]byte
}

func (f *fakePort) SetMode(*serial.Mode) error { return nil }

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return 0, nil
	}
	n := copy(p, f.inbound)
	f.inbound = f.inbound[n:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return len(p), nil
}

func (f *fakePort) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = nil
	return nil
}

func (f *fakePort) Close() error { return nil }

func (f *fakePort) feedAfter(delay time.Duration, b []byte) {
	go func() {
		time.Sleep(delay)
		f.mu.Lock()
		f.inbound = append(f.inbound, b...)
		f.mu.Unlock()
	}()
}

func newFakeClient() (*Client, *fakePort) {
	fp := &fakePort{}
	tr := transport.New(fp)
	return NewClient(tr), fp
}

func TestSendCommandOk(t *testing.T) {
	c, fp := newFakeClient()
	fp.feedAfter(0, []byte{protocol.INSYNC, protocol.OK})

	verdict, payload, err := c.SendCommand(protocol.CmdGetSync, nil, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if verdict != protocol.Ok {
		t.Fatalf("verdict = %v, want Ok", verdict)
	}
	if len(payload) != 0 {
		t.Fatalf("payload = %x, want empty", payload)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.written) != 1 {
		t.Fatalf("written frames = %d, want 1", len(fp.written))
	}
	want := []byte{protocol.CmdGetSync, protocol.EOC}
	got := fp.written[0]
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("written frame = %x, want %x", got, want)
	}
}

func TestSendCommandTimesOutToEmpty(t *testing.T) {
	c, _ := newFakeClient()

	verdict, payload, err := c.SendCommand(protocol.CmdGetSync, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if verdict != protocol.Empty {
		t.Fatalf("verdict = %v, want Empty", verdict)
	}
	if payload != nil {
		t.Fatalf("payload = %x, want nil", payload)
	}
}

func TestPollReturnsImmediateVerdict(t *testing.T) {
	c, fp := newFakeClient()
	fp.feedAfter(0, []byte{protocol.INSYNC, protocol.OK})

	verdict, _, err := c.Poll(protocol.CmdChipErase, nil, 5*time.Millisecond, 10, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if verdict != protocol.Ok {
		t.Fatalf("verdict = %v, want Ok", verdict)
	}
}

func TestPollWaitsAcrossTicksThenSucceeds(t *testing.T) {
	c, fp := newFakeClient()
	// Nothing arrives until well after the immediate wait: the device is
	// still erasing. Poll must keep checking rather than giving up early.
	fp.feedAfter(30*time.Millisecond, []byte{protocol.INSYNC, protocol.OK})

	var ticks int
	var mu sync.Mutex
	onTick := func(poll, max int) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}

	verdict, _, err := c.Poll(protocol.CmdChipErase, nil, 5*time.Millisecond, 50, 5*time.Millisecond, onTick)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if verdict != protocol.Ok {
		t.Fatalf("verdict = %v, want Ok", verdict)
	}

	mu.Lock()
	defer mu.Unlock()
	if ticks == 0 {
		t.Fatal("expected at least one poll tick before the reply arrived")
	}
}

func TestPollExhaustsToEmpty(t *testing.T) {
	c, _ := newFakeClient()

	verdict, _, err := c.Poll(protocol.CmdChipErase, nil, 2*time.Millisecond, 3, 2*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if verdict != protocol.Empty {
		t.Fatalf("verdict = %v, want Empty", verdict)
	}
}

func TestVerdictToError(t *testing.T) {
	if err := verdictToError(protocol.CmdGetSync, protocol.Invalid); err == nil {
		t.Fatal("expected error for Invalid verdict")
	} else if _, ok := err.(*CommandInvalidError); !ok {
		t.Fatalf("error type = %T, want *CommandInvalidError", err)
	}

	if err := verdictToError(protocol.CmdChipErase, protocol.Failed); err == nil {
		t.Fatal("expected error for Failed verdict")
	} else if _, ok := err.(*CommandFailedError); !ok {
		t.Fatalf("error type = %T, want *CommandFailedError", err)
	}

	if err := verdictToError(protocol.CmdGetSync, protocol.Ok); err != nil {
		t.Fatalf("expected nil error for Ok verdict, got %v", err)
	}
}
