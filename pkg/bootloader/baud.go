package bootloader

import (
	"time"

	"github.com/malvira/flashctl/pkg/protocol"
	"github.com/malvira/flashctl/pkg/transport"
)

// syncTimeout is the reply budget for a single GET_SYNC probe during baud
// detection.
const syncTimeout = 50 * time.Millisecond

// DetectBaud probes protocol.BaudLadder in order, setting the transport's
// baud rate and sending GET_SYNC at each step. It returns the first baud
// that syncs, or a *NoSyncError if the whole ladder is exhausted.
func DetectBaud(t *transport.Transport, c *Client) (int, error) {
	for _, baud := range protocol.BaudLadder {
		ok, err := trySync(t, c, baud)
		if err != nil {
			return 0, err
		}
		if ok {
			return baud, nil
		}
	}
	return 0, &NoSyncError{}
}

// SyncAt sets the transport to the given explicit baud and confirms the
// device answers GET_SYNC. It is used when the collaborator specifies a
// baud rather than requesting auto-detection.
func SyncAt(t *transport.Transport, c *Client, baud int) error {
	ok, err := trySync(t, c, baud)
	if err != nil {
		return err
	}
	if !ok {
		return &NoSyncError{Baud: baud}
	}
	return nil
}

func trySync(t *transport.Transport, c *Client, baud int) (bool, error) {
	if err := t.SetBaud(baud); err != nil {
		return false, err
	}

	verdict, _, err := c.SendCommand(protocol.CmdGetSync, nil, syncTimeout)
	if err != nil {
		return false, err
	}
	return verdict == protocol.Ok, nil
}
