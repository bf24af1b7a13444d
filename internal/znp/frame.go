package znp

import (
	"bytes"
	"fmt"
)

// Frame is one MT protocol unit.
type Frame struct {
	Type      Type
	Subsystem Subsystem
	ID        uint8
	Payload   []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %s 0x%02X len=%d", f.Type, f.Subsystem, f.ID, len(f.Payload))
}

// Encode serializes f as SOF | len | type<<5|subsystem | id | payload | fcs.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, newError(KindFraming, "encode", f.String(), ErrPayloadTooLarge)
	}
	buf := make([]byte, 0, headerLen+len(f.Payload)+trailerLen)
	buf = append(buf, SOF, byte(len(f.Payload)), byte(f.Type)<<5|byte(f.Subsystem)&0x1F, f.ID)
	buf = append(buf, f.Payload...)
	buf = append(buf, checksum(buf[1:]))
	return buf, nil
}

// checksum is the XOR of every byte from the length byte through the payload.
func checksum(b []byte) byte {
	var fcs byte
	for _, v := range b {
		fcs ^= v
	}
	return fcs
}

// TryParse decodes one frame from the front of *buf and consumes it.
// It returns nil, nil when more data is needed. A buffer that does not start
// with SOF, a length byte above MaxPayload and a checksum mismatch are framing
// errors; *buf is left untouched and the caller should Resync, which drops
// the bad SOF so a real frame hidden behind it is not lost.
func TryParse(buf *[]byte) (*Frame, error) {
	b := *buf
	if len(b) == 0 {
		return nil, nil
	}
	if b[0] != SOF {
		return nil, newError(KindFraming, "parse", fmt.Sprintf("got 0x%02X", b[0]), ErrBadSOF)
	}
	if len(b) < 2 {
		return nil, nil
	}
	n := int(b[1])
	if n > MaxPayload {
		return nil, newError(KindFraming, "parse", fmt.Sprintf("length %d", n), ErrBadLength)
	}
	if len(b) < headerLen {
		return nil, nil
	}
	total := headerLen + n + trailerLen
	if len(b) < total {
		return nil, nil
	}

	f := &Frame{
		Type:      Type(b[2] >> 5),
		Subsystem: Subsystem(b[2] & 0x1F),
		ID:        b[3],
	}
	want := checksum(b[1 : headerLen+n])
	got := b[headerLen+n]
	if got != want {
		return nil, newError(KindFraming, "parse", fmt.Sprintf("%s: fcs 0x%02X, want 0x%02X", f, got, want), ErrChecksum)
	}
	f.Payload = bytes.Clone(b[headerLen : headerLen+n])
	*buf = b[total:]
	return f, nil
}

// Resync drops leading bytes up to the next SOF and returns how many were
// dropped. A lone SOF at the head is skipped so parsing can make progress.
func Resync(buf *[]byte) int {
	b := *buf
	start := 0
	if len(b) > 0 && b[0] == SOF {
		start = 1
	}
	i := bytes.IndexByte(b[start:], SOF)
	if i < 0 {
		*buf = b[:0]
		return len(b)
	}
	*buf = b[start+i:]
	return start + i
}
