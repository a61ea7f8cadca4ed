// Package id3 implements a minimal ID3v2.3 writer for raw audio buffers.
// Only plain text frames (T***) and TXXX user text frames are supported,
// which is all the recording metadata needs.
package id3

import (
	"encoding/binary"
	"errors"
	"regexp"
	"strings"
	"unicode/utf16"
)

const (
	headerSize      = 10
	frameHeaderSize = 10
	encodingUTF16   = 0x01

	// Sync-safe size fields carry 7 usable bits per byte.
	maxSyncSafe = 0x0FFFFFFF
)

var (
	ErrNotAudioBuffer = errors.New("id3: audio payload must be a byte buffer")

	frameIDRe = regexp.MustCompile(`^[A-Z0-9]{4}$`)
	utf16BOM  = []byte{0xFF, 0xFE}
)

// Frame specifies one text frame. TXXX frames additionally carry a
// Description; for every other T* id the Description is ignored.
type Frame struct {
	ID          string
	Description string
	Value       string
}

// Strip removes any existing ID3v2 tag from the front of b. When no tag is
// detected, or the declared tag size exceeds the buffer, b is returned
// unchanged.
func Strip(b []byte) []byte {
	if len(b) < headerSize {
		return b
	}

	if b[0] != 'I' || b[1] != 'D' || b[2] != '3' {
		return b
	}

	tagSize := headerSize +
		int(b[6]&0x7F)<<21 +
		int(b[7]&0x7F)<<14 +
		int(b[8]&0x7F)<<7 +
		int(b[9]&0x7F)

	if tagSize >= len(b) {
		return b
	}

	return b[tagSize:]
}

// WriteTag strips any pre-existing tag from audio and prepends a fresh
// ID3v2.3 tag built from the given frame specs. Malformed or unsupported
// specs are dropped; if none survive, the stripped audio is returned as is
// and no empty tag is written.
func WriteTag(audio []byte, frames []Frame) ([]byte, error) {
	if audio == nil {
		return nil, ErrNotAudioBuffer
	}

	stripped := Strip(audio)

	var (
		encoded    [][]byte
		bodyLength int
	)
	for _, spec := range frames {
		frame := buildFrame(spec)
		if len(frame) == 0 {
			continue
		}
		encoded = append(encoded, frame)
		bodyLength += len(frame)
	}

	if len(encoded) == 0 {
		return stripped, nil
	}

	out := make([]byte, 0, headerSize+bodyLength+len(stripped))
	out = append(out, 'I', 'D', '3', 0x03, 0x00, 0x00)
	out = append(out, syncSafe(bodyLength)...)
	for _, frame := range encoded {
		out = append(out, frame...)
	}
	out = append(out, stripped...)

	return out, nil
}

func buildFrame(spec Frame) []byte {
	id := strings.ToUpper(strings.TrimSpace(spec.ID))
	if !frameIDRe.MatchString(id) {
		return nil
	}

	switch {
	case id == "TXXX":
		return wrapFrame(id, userTextBody(spec.Description, spec.Value))
	case strings.HasPrefix(id, "T"):
		return wrapFrame(id, textBody(spec.Value))
	default:
		return nil
	}
}

func textBody(value string) []byte {
	encoded := encodeUTF16(value)
	body := make([]byte, 0, 1+len(encoded))
	body = append(body, encodingUTF16)

	return append(body, encoded...)
}

func userTextBody(description, value string) []byte {
	desc := encodeUTF16(description)
	val := encodeUTF16(value)

	// Two zero bytes terminate the UTF-16 description.
	body := make([]byte, 0, 1+len(desc)+2+len(val))
	body = append(body, encodingUTF16)
	body = append(body, desc...)
	body = append(body, 0x00, 0x00)

	return append(body, val...)
}

func wrapFrame(id string, body []byte) []byte {
	frame := make([]byte, 0, frameHeaderSize+len(body))
	frame = append(frame, id...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, 0x00, 0x00)

	return append(frame, body...)
}

// encodeUTF16 emits a little-endian BOM followed by the UTF-16LE code units
// of value.
func encodeUTF16(value string) []byte {
	units := utf16.Encode([]rune(value))
	out := make([]byte, 0, len(utf16BOM)+len(units)*2)
	out = append(out, utf16BOM...)
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}

	return out
}

// syncSafe encodes value into 4 bytes of 7 usable bits each, clamping to
// the maximum representable size instead of overflowing.
func syncSafe(value int) []byte {
	if value < 0 {
		value = 0
	}
	if value > maxSyncSafe {
		value = maxSyncSafe
	}

	return []byte{
		byte(value >> 21 & 0x7F),
		byte(value >> 14 & 0x7F),
		byte(value >> 7 & 0x7F),
		byte(value & 0x7F),
	}
}
