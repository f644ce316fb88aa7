package redisx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Default key/channel names for the bootloader's collaborator surface.
const (
	KeyState       = "flashctl"          // hash: mirrored session state; also the pub/sub channel its updates are broadcast on
	ChannelEvents  = "flashctl:events"   // pub/sub: identity-ready announcements
	KeyCommandList = "flashctl:commands" // list: BRPOP'd by WatchCommands
)

// Command is one collaborator-issued instruction popped off the command
// queue: "connect:/dev/ttyUSB0:auto", "program:/path/to image.bin",
// "erase", "boot", "disconnect". Kind is always present; Args is whatever
// follows the first ':', split on ':' as well.
type Command struct {
	Kind string
	Args []string
}

// ParseCommand splits a raw queue entry into a Command. Unknown kinds are
// passed through unchanged — the caller decides whether to reject them.
func ParseCommand(raw string) Command {
	parts := strings.Split(raw, ":")
	return Command{Kind: parts[0], Args: parts[1:]}
}

// WatchCommands blocks popping entries off queueKey (BRPOP with a 1s
// per-iteration timeout, so stop is checked promptly) and invokes handle
// for each. It returns when stop is closed.
func (c *Client) WatchCommands(queueKey string, stop <-chan struct{}, handle func(Command)) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		raw, err := c.BRPop(time.Second, queueKey)
		if err != nil || raw == "" {
			continue
		}
		handle(ParseCommand(raw))
	}
}

// PublishState writes the session's state name into the state hash and
// broadcasts it, for collaborators tracking the Disconnected/Idle/Erasing/
// Programming/... state machine directly.
func (c *Client) PublishState(state string) error {
	return c.WriteAndPublishString(KeyState, "state", state)
}

// PublishProgress mirrors and broadcasts a single progress tick.
func (c *Client) PublishProgress(phase string, done, total int) error {
	if err := c.WriteAndPublishString(KeyState, "phase", phase); err != nil {
		return err
	}
	if err := c.WriteAndPublishInt(KeyState, "progress_done", done); err != nil {
		return err
	}
	return c.WriteAndPublishInt(KeyState, "progress_total", total)
}

// IdentitySnapshot is the CBOR-encoded shape published after a successful
// connect; field names are stable wire contract for collaborators.
type IdentitySnapshot struct {
	UDID        string            `cbor:"udid"`
	FWSize      uint32            `cbor:"fw_size"`
	BLRev       string            `cbor:"bl_rev"`
	BoardID     string            `cbor:"id"`
	SerialNum   string            `cbor:"sn"`
	HWRev       string            `cbor:"rev"`
	Description string            `cbor:"description"`
	Sectors     []SectorSnapshot  `cbor:"sectors"`
	FieldErrors map[string]string `cbor:"field_errors,omitempty"`
}

// SectorSnapshot is one FlashSector, flattened for CBOR transport.
type SectorSnapshot struct {
	Index     int    `cbor:"index"`
	Label     string `cbor:"label"`
	StartAddr uint32 `cbor:"start_addr"`
	EndAddr   uint32 `cbor:"end_addr"`
	SizeKB    int    `cbor:"size_kb"`
	Readable  bool   `cbor:"readable"`
	Writable  bool   `cbor:"writable"`
	Erasable  bool   `cbor:"erasable"`
}

// PublishIdentity CBOR-encodes snap into the state hash's "identity" field
// and announces it on the events channel (the payload itself is not
// broadcast — collaborators HGET it on demand, matching how the teacher's
// usock layer uses CBOR for outgoing structured payloads rather than
// plain strings).
func (c *Client) PublishIdentity(snap IdentitySnapshot) error {
	encoded, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal identity snapshot: %w", err)
	}
	if err := c.WriteBytes(KeyState, "identity", encoded); err != nil {
		return err
	}
	return c.Publish(ChannelEvents, "identity:ready")
}

// PublishError announces a terminal error: kind is the Go type name of the
// structured error as %T prints it (e.g. "*bootloader.ChecksumMismatchError"),
// diagnostic its message.
func (c *Client) PublishError(kind, diagnostic string) error {
	if err := c.WriteAndPublishString(KeyState, "error_kind", kind); err != nil {
		return err
	}
	return c.WriteAndPublishString(KeyState, "error_diagnostic", diagnostic)
}

// parseIntArg is a small helper that decodes a numeric
// queue argument (e.g. an explicit baud rate), returning ok=false on a
// malformed or absent argument rather than panicking on a bad collaborator
// message.
func parseIntArg(args []string, index int) (int, bool) {
	if index >= len(args) {
		return 0, false
	}
	v, err := strconv.Atoi(args[index])
	if err != nil {
		return 0, false
	}
	return v, true
}
