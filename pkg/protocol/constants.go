// Package protocol defines the wire-exact constants of the bootloader's
// request/response protocol and classifies inbound reply buffers.
//
// The device has no length-prefixed replies: every reply is delimited by a
// two-byte trailer (INSYNC, status), and every request is terminated by a
// single EOC byte. Every constant in this file is normative.
package protocol

// Trailer bytes. Every reply ends with INSYNC followed by one of the status
// bytes below; every request ends with EOC.
const (
	INSYNC  byte = 0xA5 // first byte of every reply trailer
	EOC     byte = 0xF7 // end-of-command marker terminating every request
	OK      byte = 0x10 // second trailer byte: operation succeeded
	FAILED  byte = 0x11 // second trailer byte: operation failed
	INVALID byte = 0x13 // second trailer byte: command not recognized
)

// Command opcodes, sent as the first byte of a request.
const (
	CmdGetSync      byte = 0x21 // ping; reply carries an empty payload
	CmdGetUDID      byte = 0x31 // 12 raw bytes of chip unique ID
	CmdGetFWSize    byte = 0x32 // 4-byte little-endian firmware region size
	CmdGetBLRev     byte = 0x41 // ASCII bootloader version
	CmdGetID        byte = 0x42 // ASCII/locale board identifier
	CmdGetSN        byte = 0x43 // ASCII serial number
	CmdGetRev       byte = 0x44 // ASCII hardware revision
	CmdGetFlashStrc byte = 0x45 // ASCII flash-structure descriptor
	CmdGetDes       byte = 0x46 // ASCII free-form device description
	CmdChipErase    byte = 0x51 // no payload; may take seconds
	CmdProgMulti    byte = 0x52 // body: [len:1][data:len]
	CmdGetCRC       byte = 0x53 // 4-byte little-endian CRC32 of the firmware region
	CmdBoot         byte = 0x54 // no payload; device jumps to the application
)

// Chunking and budget constants.
const (
	// ProgChunkMax is the PROG_MULTI chunk constant ProgDataMax is derived
	// from.
	ProgChunkMax = 64

	// ProgDataMax is the largest payload a single PROG_MULTI call can
	// carry: (ProgChunkMax-1)*4 = 252 bytes, a multiple of 4. The request
	// body is a one-byte length prefix followed by that payload.
	ProgDataMax = (ProgChunkMax - 1) * 4

	// ReplyMax bounds payload-plus-trailer for any single reply.
	ReplyMax = 255

	// MaxErasePolls is the erase polling budget: MaxErasePolls * 10ms = 10s.
	MaxErasePolls = 1000

	// MaxCRCPolls is the CRC-reply polling budget: MaxCRCPolls * 10ms = 5s.
	MaxCRCPolls = 500
)

// BaudLadder is the baud-rate auto-detect probe order. Order matters: the
// fastest plausible rate is tried first.
var BaudLadder = []int{256000, 115200, 57600, 38400, 19200, 14400, 9600}
