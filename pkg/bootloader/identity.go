package bootloader

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/malvira/flashctl/pkg/protocol"
)

// identityTimeout is the reply budget for each of the single-shot identity
// queries, all of which the device answers promptly.
const identityTimeout = 100 * time.Millisecond

// Identity is the device self-description gathered during connect. Any
// field may be zero-valued if its read failed; identity-read failures are
// non-fatal to the session (see FieldErrors).
type Identity struct {
	UDID        string // hex, uppercase, byte-reversed from the wire payload
	FWSize      uint32
	BLRev       string
	BoardID     string
	SerialNum   string
	HWRev       string
	Description string
	FlashStrc   string
	Sectors     []FlashSector

	// FieldErrors maps the name of each identity field that failed to read
	// to the error encountered, so the collaborator can surface it without
	// the connect operation itself failing.
	FieldErrors map[string]error
}

// ReadIdentity runs every identity query in the fixed order the bootloader
// expects: UDID, FW_SIZE, BL_REV, ID, SN, REV, DES, then the flash-structure
// descriptor, which it also parses into a sector table. No single failure
// aborts the sequence; each is recorded against its field name.
func ReadIdentity(c *Client) *Identity {
	id := &Identity{FieldErrors: map[string]error{}}

	if payload, err := readField(c, protocol.CmdGetUDID); err != nil {
		id.FieldErrors["udid"] = err
	} else {
		id.UDID = reverseHexUpper(payload)
	}

	if payload, err := readField(c, protocol.CmdGetFWSize); err != nil {
		id.FieldErrors["fw_size"] = err
	} else if len(payload) < 4 {
		id.FieldErrors["fw_size"] = &ImageInvalidError{Reason: "GET_FW_SIZE reply shorter than 4 bytes"}
	} else {
		id.FWSize = binary.LittleEndian.Uint32(payload[:4])
	}

	if payload, err := readField(c, protocol.CmdGetBLRev); err != nil {
		id.FieldErrors["bl_rev"] = err
	} else {
		id.BLRev = asciiField(payload)
	}

	if payload, err := readField(c, protocol.CmdGetID); err != nil {
		id.FieldErrors["id"] = err
	} else {
		id.BoardID = asciiField(payload)
	}

	if payload, err := readField(c, protocol.CmdGetSN); err != nil {
		id.FieldErrors["sn"] = err
	} else {
		id.SerialNum = asciiField(payload)
	}

	if payload, err := readField(c, protocol.CmdGetRev); err != nil {
		id.FieldErrors["rev"] = err
	} else {
		id.HWRev = asciiField(payload)
	}

	if payload, err := readField(c, protocol.CmdGetDes); err != nil {
		id.FieldErrors["des"] = err
	} else {
		id.Description = asciiField(payload)
	}

	if payload, err := readField(c, protocol.CmdGetFlashStrc); err != nil {
		id.FieldErrors["flash_strc"] = err
	} else {
		id.FlashStrc = asciiField(payload)
		sectors, err := ParseFlashStructure(id.FlashStrc)
		if err != nil {
			id.FieldErrors["flash_strc_parse"] = err
		} else {
			id.Sectors = sectors
		}
	}

	return id
}

// readField sends opcode and requires an Ok verdict; any other verdict
// (including Empty, which SendCommand never reports as a distinct Timeout
// type itself) is surfaced as a structured error.
func readField(c *Client, opcode byte) ([]byte, error) {
	verdict, payload, err := c.SendCommand(opcode, nil, identityTimeout)
	if err != nil {
		return nil, err
	}
	switch verdict {
	case protocol.Ok:
		return payload, nil
	case protocol.Empty:
		return nil, &TimeoutError{Phase: PhaseCommand}
	default:
		return nil, verdictToError(opcode, verdict)
	}
}

// reverseHexUpper reverses payload byte order and renders it as uppercase
// hex, the device's canonical UDID display form.
func reverseHexUpper(payload []byte) string {
	rev := make([]byte, len(payload))
	for i, b := range payload {
		rev[len(payload)-1-i] = b
	}
	return strings.ToUpper(hex.EncodeToString(rev))
}

// asciiField trims trailing NUL padding the device may send in
// fixed-width text fields.
func asciiField(payload []byte) string {
	return strings.TrimRight(string(payload), "\x00")
}
