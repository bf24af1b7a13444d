package znp

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error. errors.Is(err, ErrTimeout) and friends match on
// kind anywhere in the cause chain.
type Kind uint8

const (
	KindFraming Kind = iota + 1
	KindTransport
	KindTimeout
	KindNvProtocol
	KindCommissioning
	KindInvalidPanID
	KindInvalidArgument
	KindUnsupportedFirmware
	KindCommand
)

// Kind sentinels.
var (
	ErrFraming             = errors.New("znp: framing error")
	ErrTransport           = errors.New("znp: transport error")
	ErrTimeout             = errors.New("znp: timeout")
	ErrNvProtocol          = errors.New("znp: nv protocol error")
	ErrCommissioning       = errors.New("znp: commissioning failed")
	ErrInvalidPanID        = errors.New("znp: invalid pan id")
	ErrInvalidArgument     = errors.New("znp: invalid argument")
	ErrUnsupportedFirmware = errors.New("znp: unsupported firmware")
	ErrCommand             = errors.New("znp: command error")
)

// Codec sentinels wrapped inside framing errors.
var (
	ErrChecksum        = errors.New("checksum mismatch")
	ErrBadSOF          = errors.New("missing start of frame")
	ErrBadLength       = errors.New("length byte exceeds 250")
	ErrPayloadTooLarge = errors.New("payload exceeds 250 bytes")
	ErrShortPayload    = errors.New("response payload too short")
)

var kindSentinels = map[Kind]error{
	KindFraming:             ErrFraming,
	KindTransport:           ErrTransport,
	KindTimeout:             ErrTimeout,
	KindNvProtocol:          ErrNvProtocol,
	KindCommissioning:       ErrCommissioning,
	KindInvalidPanID:        ErrInvalidPanID,
	KindInvalidArgument:     ErrInvalidArgument,
	KindUnsupportedFirmware: ErrUnsupportedFirmware,
	KindCommand:             ErrCommand,
}

var kindNames = map[Kind]string{
	KindFraming:             "framing",
	KindTransport:           "transport",
	KindTimeout:             "timeout",
	KindNvProtocol:          "nv protocol",
	KindCommissioning:       "commissioning failed",
	KindInvalidPanID:        "invalid pan id",
	KindInvalidArgument:     "invalid argument",
	KindUnsupportedFirmware: "unsupported firmware",
	KindCommand:             "command",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is the driver's error type. Op names the failing operation or
// commissioning step, Item the NV item when one is involved and Status the
// coprocessor status byte when the failure came from one.
type Error struct {
	Kind      Kind
	Op        string
	Item      ItemID
	HasItem   bool
	Status    uint8
	HasStatus bool
	Msg       string
	Err       error
}

func newError(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.HasItem {
		fmt.Fprintf(&b, " %s", e.Item)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.HasStatus {
		fmt.Fprintf(&b, " (status 0x%02X)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel so callers can test with errors.Is.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// withItem returns e annotated with an NV item.
func (e *Error) withItem(id ItemID) *Error {
	e.Item, e.HasItem = id, true
	return e
}

// withStatus returns e annotated with a status byte.
func (e *Error) withStatus(status uint8) *Error {
	e.Status, e.HasStatus = status, true
	return e
}

// CommissioningError builds a commissioning failure for step with cause.
func CommissioningError(step string, cause error) *Error {
	return newError(KindCommissioning, step, "", cause)
}

// KindError builds an error of the given kind. It is used by packages above
// znp that need to report in the same taxonomy.
func KindError(kind Kind, op, msg string) *Error {
	return newError(kind, op, msg, nil)
}

// Chain flattens an error's cause chain into its messages, outermost first.
// Callers report the whole chain rather than the outer message alone.
func Chain(err error) []string {
	var out []string
	for err != nil {
		next := errors.Unwrap(err)
		if e, ok := err.(*Error); ok {
			shallow := *e
			shallow.Err = nil
			out = append(out, shallow.Error())
		} else {
			msg := err.Error()
			if next != nil {
				msg = strings.TrimSuffix(msg, ": "+next.Error())
			}
			out = append(out, msg)
		}
		err = next
	}
	return out
}
