package bootloader

import (
	"fmt"
	"time"

	"github.com/malvira/flashctl/pkg/protocol"
	"github.com/malvira/flashctl/pkg/transport"
)

// Client issues a single bootloader command and waits up to a deadline for
// a classified reply. It is the uniform request/response primitive every
// higher-level operation (baud detection, identity reads, erase, program,
// verify) is built from.
type Client struct {
	transport *transport.Transport
}

// NewClient wraps an already-open transport.
func NewClient(t *transport.Transport) *Client {
	return &Client{transport: t}
}

// SendCommand builds the frame, clears stale input, writes it, sleeps for
// timeout, then classifies whatever arrived. There is no length prefix on
// replies: the fixed wait plus the INSYNC/status trailer is what delimits a
// reply, and is adequate because every command payload is bounded by
// protocol.ReplyMax.
func (c *Client) SendCommand(opcode byte, body []byte, timeout time.Duration) (protocol.Verdict, []byte, error) {
	frame := protocol.BuildRequest(opcode, body)

	c.transport.ClearInput()
	if err := c.transport.Write(frame); err != nil {
		return protocol.Empty, nil, fmt.Errorf("send opcode 0x%02X: %w", opcode, err)
	}

	time.Sleep(timeout)

	if c.transport.Available() == 0 {
		return protocol.Empty, nil, nil
	}

	verdict, payload := protocol.Classify(c.transport.ReadAll())
	return verdict, payload, nil
}

// Poll is for commands with unpredictable latency (erase, program-chunk ack,
// CRC): it sends the command, waits immediateWait, and if no decisive
// verdict has arrived yet, polls every pollInterval up to maxPolls times,
// invoking onTick (if non-nil) before each poll so callers can report
// progress. Polling stops at the first verdict other than Empty.
func (c *Client) Poll(opcode byte, body []byte, immediateWait time.Duration, maxPolls int, pollInterval time.Duration, onTick func(poll, max int)) (protocol.Verdict, []byte, error) {
	frame := protocol.BuildRequest(opcode, body)

	c.transport.ClearInput()
	if err := c.transport.Write(frame); err != nil {
		return protocol.Empty, nil, fmt.Errorf("send opcode 0x%02X: %w", opcode, err)
	}

	time.Sleep(immediateWait)
	if c.transport.Available() > 0 {
		verdict, payload := protocol.Classify(c.transport.ReadAll())
		if verdict != protocol.Empty {
			return verdict, payload, nil
		}
	}

	for poll := 0; poll < maxPolls; poll++ {
		if onTick != nil {
			onTick(poll, maxPolls)
		}
		time.Sleep(pollInterval)

		if c.transport.Available() == 0 {
			continue
		}

		verdict, payload := protocol.Classify(c.transport.ReadAll())
		if verdict != protocol.Empty {
			return verdict, payload, nil
		}
	}

	return protocol.Empty, nil, nil
}

// verdictToError maps a non-Ok, non-Empty verdict to the taxonomy's
// structured error kinds. Empty must be mapped by the caller, which knows
// which Phase timed out.
func verdictToError(opcode byte, verdict protocol.Verdict) error {
	switch verdict {
	case protocol.Invalid:
		return &CommandInvalidError{Opcode: opcode}
	case protocol.Failed:
		return &CommandFailedError{Opcode: opcode}
	case protocol.Malformed:
		return &CommandFailedError{Opcode: opcode}
	default:
		return nil
	}
}
