package bootloader

import (
	"strconv"
	"strings"
)

// FlashSector is one physical, independently addressable region of the
// device's flash map, as described by its flash-structure descriptor.
type FlashSector struct {
	Index     int
	Label     string
	StartAddr uint32
	EndAddr   uint32
	SizeKB    int
	Readable  bool
	Writable  bool
	Erasable  bool
}

// permissions maps a sector_spec trailing code to its readable/writable/
// erasable bits. Unknown codes are handled by the caller, which leaves all
// three false rather than erroring.
var permissions = map[byte][3]bool{
	'a': {true, false, false},
	'b': {false, false, true},
	'c': {true, false, true},
	'd': {false, true, false},
	'e': {true, true, false},
	'f': {false, true, true},
	'g': {true, true, true},
}

// ParseFlashStructure parses the device's ASCII flash-structure descriptor:
//
//	descriptor := region+
//	region     := '@' label '/' hex_addr '/' sector_spec (',' sector_spec)*
//	sector_spec:= count '*' size_kb code
//
// e.g. "@Internal Flash/0x08000000/04*016Kg,01*064Kg,07*128Kg". Sector
// index is monotonic across the whole descriptor, not just within a region.
func ParseFlashStructure(descriptor string) ([]FlashSector, error) {
	var sectors []FlashSector
	index := 0

	for _, region := range splitRegions(descriptor) {
		if region.text == "" {
			continue
		}
		parsed, err := parseRegion(region.text, region.offset, &index)
		if err != nil {
			return nil, err
		}
		sectors = append(sectors, parsed...)
	}

	if len(sectors) == 0 {
		return nil, &DescriptorMalformedError{Offset: 0, Reason: "no regions found"}
	}

	return sectors, nil
}

type regionSlice struct {
	text   string
	offset int
}

// splitRegions splits on '@' boundaries, recording each region's byte
// offset into the original descriptor for error reporting.
func splitRegions(descriptor string) []regionSlice {
	var out []regionSlice
	start := -1
	for i, r := range descriptor {
		if r == '@' {
			if start >= 0 {
				out = append(out, regionSlice{text: descriptor[start:i], offset: start})
			}
			start = i
		}
	}
	if start >= 0 {
		out = append(out, regionSlice{text: descriptor[start:], offset: start})
	}
	return out
}

func parseRegion(region string, baseOffset int, index *int) ([]FlashSector, error) {
	if !strings.HasPrefix(region, "@") {
		return nil, &DescriptorMalformedError{Offset: baseOffset, Reason: "region must start with '@'"}
	}
	body := region[1:]

	parts := strings.SplitN(body, "/", 3)
	if len(parts) != 3 {
		return nil, &DescriptorMalformedError{Offset: baseOffset, Reason: "region must have label/addr/sectors"}
	}
	label, hexAddr, sectorSpecs := parts[0], parts[1], parts[2]

	addr, err := parseHexAddr(hexAddr)
	if err != nil {
		return nil, &DescriptorMalformedError{Offset: baseOffset, Reason: "bad hex address: " + err.Error()}
	}

	var sectors []FlashSector
	cursor := addr
	for _, spec := range strings.Split(sectorSpecs, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		specSectors, next, err := parseSectorSpec(spec, label, cursor, baseOffset, index)
		if err != nil {
			return nil, err
		}
		sectors = append(sectors, specSectors...)
		cursor = next
	}

	return sectors, nil
}

// parseSectorSpec parses "count*size_kb<code>" into count consecutive
// FlashSector entries starting at startAddr, returning the address
// immediately past the last one.
func parseSectorSpec(spec, label string, startAddr uint32, baseOffset int, index *int) ([]FlashSector, uint32, error) {
	star := strings.IndexByte(spec, '*')
	if star < 0 || len(spec) < star+2 {
		return nil, 0, &DescriptorMalformedError{Offset: baseOffset, Reason: "sector spec missing '*': " + spec}
	}

	countStr := spec[:star]
	rest := spec[star+1:]
	if len(rest) < 2 {
		return nil, 0, &DescriptorMalformedError{Offset: baseOffset, Reason: "sector spec missing size/code: " + spec}
	}

	code := rest[len(rest)-1]
	sizeStr := rest[:len(rest)-2] // strip the unit letter ('K') and the trailing code

	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return nil, 0, &DescriptorMalformedError{Offset: baseOffset, Reason: "bad sector count: " + countStr}
	}
	sizeKB, err := strconv.Atoi(sizeStr)
	if err != nil || sizeKB <= 0 {
		return nil, 0, &DescriptorMalformedError{Offset: baseOffset, Reason: "bad sector size: " + sizeStr}
	}

	perm := permissions[code] // unknown code => zero value, all false; not an error

	sectors := make([]FlashSector, 0, count)
	cursor := startAddr
	for i := 0; i < count; i++ {
		size := uint32(sizeKB) * 1024
		sectors = append(sectors, FlashSector{
			Index:     *index,
			Label:     label,
			StartAddr: cursor,
			EndAddr:   cursor + size,
			SizeKB:    sizeKB,
			Readable:  perm[0],
			Writable:  perm[1],
			Erasable:  perm[2],
		})
		cursor += size
		*index++
	}

	return sectors, cursor, nil
}

func parseHexAddr(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
