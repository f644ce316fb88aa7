// Package crc32 computes the reflected CRC-32 (polynomial 0xEDB88320) used
// by the bootloader wire protocol to verify a programmed firmware image.
//
// Unlike the standard library's hash/crc32 IEEE table, this checksum carries
// no final XOR and no initial complement: the running state is returned
// as-is so it can be chained across chunks and compared byte-for-byte
// against the value the device reports over GET_CRC.
package crc32

import "sync"

const polynomial uint32 = 0xEDB88320

var (
	tableOnce sync.Once
	table     [256]uint32
)

func buildTable() {
	for i := 0; i < 256; i++ {
		c := uint32(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = polynomial ^ (c >> 1)
			} else {
				c = c >> 1
			}
		}
		table[i] = c
	}
}

// Update folds data into state and returns the new state. Calling Update
// repeatedly over successive chunks of a byte sequence, starting from
// state 0, yields the same result as a single call over the concatenation
// of those chunks.
func Update(data []byte, state uint32) uint32 {
	tableOnce.Do(buildTable)

	for _, b := range data {
		state = table[byte(state)^b] ^ (state >> 8)
	}
	return state
}

// Checksum computes the CRC-32 of data in a single call, starting from
// state 0.
func Checksum(data []byte) uint32 {
	return Update(data, 0)
}
