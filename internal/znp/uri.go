package znp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// Scheme is the transport kind selected by a connection string.
type Scheme string

const (
	SchemeTCP Scheme = "tcp"
	SchemeUSB Scheme = "usb"
)

// ConnectionURI is a parsed connection string. Host/Port are set for TCP,
// Device for USB serial.
type ConnectionURI struct {
	Scheme Scheme
	Host   string
	Port   int
	Device string
}

// ParseConnectionURI accepts tcp://host:port and usb:///absolute/device/path.
func ParseConnectionURI(s string) (ConnectionURI, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return ConnectionURI{}, newError(KindInvalidArgument, "parse connection", fmt.Sprintf("%q has no scheme", s), nil)
	}
	switch Scheme(strings.ToLower(scheme)) {
	case SchemeTCP:
		host, portStr, err := net.SplitHostPort(rest)
		if err != nil {
			return ConnectionURI{}, newError(KindInvalidArgument, "parse connection", fmt.Sprintf("%q", s), err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return ConnectionURI{}, newError(KindInvalidArgument, "parse connection", fmt.Sprintf("bad port %q", portStr), nil)
		}
		if host == "" {
			return ConnectionURI{}, newError(KindInvalidArgument, "parse connection", "empty host", nil)
		}
		return ConnectionURI{Scheme: SchemeTCP, Host: host, Port: port}, nil
	case SchemeUSB:
		if !strings.HasPrefix(rest, "/") {
			return ConnectionURI{}, newError(KindInvalidArgument, "parse connection", fmt.Sprintf("device path %q must be absolute", rest), nil)
		}
		return ConnectionURI{Scheme: SchemeUSB, Device: rest}, nil
	default:
		return ConnectionURI{}, newError(KindInvalidArgument, "parse connection", fmt.Sprintf("unsupported scheme %q", scheme), nil)
	}
}

// Address returns host:port for TCP or the device path for USB.
func (u ConnectionURI) Address() string {
	if u.Scheme == SchemeTCP {
		return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
	}
	return u.Device
}

func (u ConnectionURI) String() string {
	if u.Scheme == SchemeTCP {
		return "tcp://" + u.Address()
	}
	return "usb://" + u.Device
}

// SerialOptions configures a usb:// connection.
type SerialOptions struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultSerialOptions is 115200 8N1 without flow control.
func DefaultSerialOptions() SerialOptions {
	return SerialOptions{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func (o SerialOptions) mode() *serial.Mode {
	d := DefaultSerialOptions()
	if o.BaudRate == 0 {
		o.BaudRate = d.BaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = d.DataBits
	}
	return &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		Parity:   o.Parity,
		StopBits: o.StopBits,
	}
}
