package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// WASM magic and version 1
var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Custom sections carrying build-environment data. producers is kept: its
// content is fixed by the toolchain pin and deployed modules carry it.
var strippedSections = map[string]bool{
	"name":                true,
	"sourceMappingURL":    true,
	"external_debug_info": true,
	"build_id":            true,
}

var errMalformedWasm = errors.New("malformed wasm")

// Normalize removes custom sections that embed paths or per-build ids.
// Remaining sections are re-emitted byte for byte in their original order,
// so a module without such sections is returned unchanged. Only build output
// is normalised; deployed bytecode is compared as stored on chain, which
// assumes the deploy pipeline already dropped these sections.
func Normalize(wasm []byte) ([]byte, error) {
	if !bytes.HasPrefix(wasm, wasmHeader) {
		return nil, fmt.Errorf("%w: bad header", errMalformedWasm)
	}

	out := make([]byte, 0, len(wasm))
	out = append(out, wasmHeader...)

	pos := len(wasmHeader)
	for pos < len(wasm) {
		start := pos
		id := wasm[pos]
		pos++

		size, n, err := readULEB128(wasm[pos:])
		if err != nil {
			return nil, fmt.Errorf("%w: section at offset %d: %v", errMalformedWasm, start, err)
		}
		pos += n
		end := pos + int(size)
		if size > uint64(len(wasm)) || end > len(wasm) {
			return nil, fmt.Errorf("%w: section at offset %d overruns module", errMalformedWasm, start)
		}

		if id == 0 {
			name, err := customSectionName(wasm[pos:end])
			if err != nil {
				return nil, fmt.Errorf("%w: custom section at offset %d: %v", errMalformedWasm, start, err)
			}
			if strippedSections[name] || strings.HasPrefix(name, ".debug_") {
				pos = end
				continue
			}
		}

		out = append(out, wasm[start:end]...)
		pos = end
	}
	return out, nil
}

func customSectionName(payload []byte) (string, error) {
	l, n, err := readULEB128(payload)
	if err != nil {
		return "", err
	}
	if uint64(len(payload)-n) < l {
		return "", errors.New("name overruns section")
	}
	return string(payload[n : n+int(l)]), nil
}

func readULEB128(b []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, c := range b {
		if i >= 5 {
			return 0, 0, errors.New("u32 leb128 too long")
		}
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("truncated leb128")
}

// FirstDiffOffset returns the first offset at which a and b differ, or -1
// when they are equal. A strict prefix differs at the shorter length.
func FirstDiffOffset(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}
